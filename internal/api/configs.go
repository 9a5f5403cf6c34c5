package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/avisitor/mail-service-sub000/internal/smscfg"
	"github.com/avisitor/mail-service-sub000/internal/smtpcfg"
)

// ListEmailConfigs handles GET /v1/email-configs.
func (h *Handler) ListEmailConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := h.email.List(r.Context(), userFrom(r))
	if err != nil {
		h.logger.Error("listing email configs failed", zap.Error(err))
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": configs, "count": len(configs)})
}

// GetEmailConfig handles GET /v1/email-configs/{id}.
func (h *Handler) GetEmailConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.email.Get(r.Context(), chi.URLParam(r, "id"), userFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// CreateEmailConfig handles POST /v1/email-configs.
func (h *Handler) CreateEmailConfig(w http.ResponseWriter, r *http.Request) {
	var in smtpcfg.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	cfg, err := h.email.Create(r.Context(), in, userFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

// UpdateEmailConfig handles PUT /v1/email-configs/{id}.
func (h *Handler) UpdateEmailConfig(w http.ResponseWriter, r *http.Request) {
	var in smtpcfg.UpdateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	cfg, err := h.email.Update(r.Context(), chi.URLParam(r, "id"), in, userFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// DeleteEmailConfig handles DELETE /v1/email-configs/{id}.
func (h *Handler) DeleteEmailConfig(w http.ResponseWriter, r *http.Request) {
	if err := h.email.Delete(r.Context(), chi.URLParam(r, "id"), userFrom(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ActivateEmailConfig handles POST /v1/email-configs/{id}/activate.
func (h *Handler) ActivateEmailConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.email.Activate(r.Context(), chi.URLParam(r, "id"), userFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// GetEffectiveEmailConfig handles GET /v1/email-configs/effective?appId=...
func (h *Handler) GetEffectiveEmailConfig(w http.ResponseWriter, r *http.Request) {
	eff, err := h.email.GetEffective(r.Context(), r.URL.Query().Get("appId"), userFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eff)
}

// ListSMSConfigs handles GET /v1/sms-configs.
func (h *Handler) ListSMSConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := h.sms.List(r.Context(), userFrom(r))
	if err != nil {
		h.logger.Error("listing sms configs failed", zap.Error(err))
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": configs, "count": len(configs)})
}

// GetSMSConfig handles GET /v1/sms-configs/{id}.
func (h *Handler) GetSMSConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.sms.Get(r.Context(), chi.URLParam(r, "id"), userFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// CreateSMSConfig handles POST /v1/sms-configs.
func (h *Handler) CreateSMSConfig(w http.ResponseWriter, r *http.Request) {
	var in smscfg.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	cfg, err := h.sms.Create(r.Context(), in, userFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

// UpdateSMSConfig handles PUT /v1/sms-configs/{id}.
func (h *Handler) UpdateSMSConfig(w http.ResponseWriter, r *http.Request) {
	var in smscfg.UpdateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	cfg, err := h.sms.Update(r.Context(), chi.URLParam(r, "id"), in, userFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// DeleteSMSConfig handles DELETE /v1/sms-configs/{id}.
func (h *Handler) DeleteSMSConfig(w http.ResponseWriter, r *http.Request) {
	if err := h.sms.Delete(r.Context(), chi.URLParam(r, "id"), userFrom(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
