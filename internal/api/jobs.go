package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/avisitor/mail-service-sub000/internal/db"
	"github.com/avisitor/mail-service-sub000/internal/metrics"
	"github.com/avisitor/mail-service-sub000/internal/redis"
)

// Recipient is one addressee in an enqueue request.
type Recipient struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// EnqueueMessage is one message within an enqueue request.
type EnqueueMessage struct {
	Subject     string      `json:"subject"`
	Message     string      `json:"message"`
	Recipients  []Recipient `json:"recipients"`
	SenderName  string      `json:"senderName,omitempty"`
	SenderEmail string      `json:"senderEmail,omitempty"`
}

// EnqueueRequest creates a group of email jobs for one app.
type EnqueueRequest struct {
	AppID       string           `json:"appId"`
	ScheduledAt *time.Time       `json:"scheduledAt,omitempty"`
	Messages    []EnqueueMessage `json:"messages"`
}

// EnqueueResponse reports the created group.
type EnqueueResponse struct {
	GroupID string   `json:"groupId"`
	JobIDs  []string `json:"jobIds"`
	Count   int      `json:"count"`
}

// newJobID mints the externally visible job identifier.
func newJobID() string {
	return "job" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// EnqueueMessages handles POST /v1/messages. Supports deduplication via
// the Idempotency-Key header when Redis is configured.
func (h *Handler) EnqueueMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.AppID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Missing appId", "appId is required")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "No messages", "at least one message is required")
		return
	}
	for i, msg := range req.Messages {
		if msg.Subject == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "Missing subject",
				"message "+strconv.Itoa(i)+" has no subject")
			return
		}
		if len(msg.Recipients) == 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "Missing recipients",
				"message "+strconv.Itoa(i)+" has no recipients")
			return
		}
		for _, rcpt := range msg.Recipients {
			if rcpt.Email == "" {
				writeError(w, http.StatusBadRequest, "invalid_request", "Missing recipients",
					"message "+strconv.Itoa(i)+" has a recipient without an email")
				return
			}
		}
	}

	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, req.AppID, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			metrics.RecordIdempotencyHit()
			w.Header().Set("X-Idempotency-Replayed", "true")
			writeJSON(w, cached.StatusCode, EnqueueResponse{GroupID: cached.GroupID})
			return
		}
	}

	groupID := uuid.NewString()
	var jobs []*db.EmailJob
	var jobIDs []string

	// One job per recipient: dispatch delivers to a job's first recipient,
	// so fan out here rather than storing a multi-recipient job.
	for _, msg := range req.Messages {
		for _, rcpt := range msg.Recipients {
			recipients, err := json.Marshal([]Recipient{rcpt})
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipients", err.Error())
				return
			}

			job := &db.EmailJob{
				ID:          uuid.NewString(),
				JobID:       newJobID(),
				GroupID:     groupID,
				AppID:       req.AppID,
				Status:      db.JobPending,
				ScheduledAt: req.ScheduledAt,
				Subject:     msg.Subject,
				Message:     msg.Message,
				Recipients:  string(recipients),
				SenderName:  msg.SenderName,
				SenderEmail: msg.SenderEmail,
			}
			jobs = append(jobs, job)
			jobIDs = append(jobIDs, job.JobID)
		}
	}

	if err := h.jobs.CreateEmailJobs(ctx, jobs); err != nil {
		h.logger.Error("creating email jobs failed",
			zap.Error(err),
			zap.String("app_id", req.AppID),
			zap.Int("count", len(jobs)),
		)
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to enqueue messages", "")
		return
	}

	for range jobs {
		metrics.RecordJobEnqueued(req.AppID)
	}

	h.logger.Info("messages enqueued",
		zap.String("group_id", groupID),
		zap.String("app_id", req.AppID),
		zap.Int("count", len(jobs)),
	)

	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{GroupID: groupID, StatusCode: http.StatusCreated}
		if err := h.idempotency.Store(ctx, req.AppID, idempotencyKey, result); err != nil {
			h.logger.Warn("storing idempotency result failed",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	writeJSON(w, http.StatusCreated, EnqueueResponse{
		GroupID: groupID,
		JobIDs:  jobIDs,
		Count:   len(jobs),
	})
}

// GetJob handles GET /v1/jobs/{jobID}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.GetJobByJobID(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// GetGroup handles GET /v1/groups/{groupID}, returning the group's jobs
// plus a status rollup.
func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")

	jobs, err := h.jobs.ListJobsByGroup(r.Context(), groupID)
	if err != nil {
		h.logger.Error("listing group jobs failed",
			zap.Error(err), zap.String("group_id", groupID))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to list group", "")
		return
	}

	counts := map[string]int{}
	for _, job := range jobs {
		counts[job.Status]++
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"groupId": groupID,
		"data":    jobs,
		"count":   len(jobs),
		"status":  counts,
	})
}

// TriggerTick handles POST /v1/worker/tick?limit=N, running one worker
// pass inline and returning its aggregate result.
func (h *Handler) TriggerTick(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "Invalid limit",
				"limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	result := h.ticker.Tick(r.Context(), limit)

	h.logger.Info("manual tick finished",
		zap.Int("processed", result.JobsProcessed),
		zap.Int("sent", result.JobsSent),
		zap.Int("failed", result.JobsFailed),
		zap.Int("rate_limited", result.JobsRateLimited),
	)
	writeJSON(w, http.StatusOK, result)
}
