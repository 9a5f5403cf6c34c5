// Package smscfg manages Twilio-style SMS provider configurations across
// the GLOBAL, TENANT and APP scope tiers. Dispatching SMS is out of scope
// here; the service only resolves and administers credentials.
package smscfg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/avisitor/mail-service-sub000/internal/db"
	"github.com/avisitor/mail-service-sub000/internal/secrets"
	"github.com/avisitor/mail-service-sub000/internal/types"
)

// Store is the persistence surface the service needs.
type Store interface {
	FindAppByID(ctx context.Context, id string) (*db.App, error)
	FindAppByClientID(ctx context.Context, clientID string) (*db.App, error)
	FindActiveSMSConfig(ctx context.Context, scope string, tenantID, appID *string) (*db.SMSConfig, error)
	GetSMSConfig(ctx context.Context, id string) (*db.SMSConfig, error)
	FindSMSConfigByTuple(ctx context.Context, scope string, tenantID, appID *string) (*db.SMSConfig, error)
	ListSMSConfigs(ctx context.Context, visibility db.ConfigVisibility, tenantID string) ([]*db.SMSConfig, error)
	InsertSMSConfig(ctx context.Context, cfg *db.SMSConfig) error
	UpdateSMSConfig(ctx context.Context, cfg *db.SMSConfig) error
	DeleteSMSConfig(ctx context.Context, id string) error
	RewriteSMSSecrets(ctx context.Context, id, token string) error
}

// Service resolves and administers SMS configs.
type Service struct {
	store  Store
	cipher *secrets.Cipher
	logger *zap.Logger
}

// NewService creates an SMS config service.
func NewService(store Store, cipher *secrets.Cipher, logger *zap.Logger) *Service {
	return &Service{store: store, cipher: cipher, logger: logger}
}

// Resolved is the effective SMS configuration with the auth token decrypted.
type Resolved struct {
	SID          string
	Token        string
	FromNumber   string
	FallbackTo   string
	ServiceSID   string
	ResolvedFrom string
	ConfigID     string
}

// Resolve walks APP → TENANT → GLOBAL and returns the first active config.
// Unlike email resolution there is no environment fallback: a nil result
// with a nil error means no SMS provider is configured anywhere, and the
// caller decides whether that is a problem.
func (s *Service) Resolve(ctx context.Context, tenantID, appID string) (*Resolved, error) {
	if appID != "" {
		cfg, err := s.store.FindActiveSMSConfig(ctx, db.ScopeApp, nil, &appID)
		if err != nil {
			return nil, fmt.Errorf("resolving app sms config: %w", err)
		}
		if cfg != nil {
			return s.toResolved(ctx, cfg, db.ScopeApp), nil
		}
	}

	if tenantID != "" {
		cfg, err := s.store.FindActiveSMSConfig(ctx, db.ScopeTenant, &tenantID, nil)
		if err != nil {
			return nil, fmt.Errorf("resolving tenant sms config: %w", err)
		}
		if cfg != nil {
			return s.toResolved(ctx, cfg, db.ScopeTenant), nil
		}
	}

	cfg, err := s.store.FindActiveSMSConfig(ctx, db.ScopeGlobal, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("resolving global sms config: %w", err)
	}
	if cfg != nil {
		return s.toResolved(ctx, cfg, db.ScopeGlobal), nil
	}

	return nil, nil
}

// lookupApp finds an app by its id, then by its public client id.
func (s *Service) lookupApp(ctx context.Context, appID string) *db.App {
	app, err := s.store.FindAppByID(ctx, appID)
	if err == nil {
		return app
	}
	if !errors.Is(err, types.ErrNotFound) {
		s.logger.Warn("app lookup failed", zap.String("app_id", appID), zap.Error(err))
		return nil
	}

	app, err = s.store.FindAppByClientID(ctx, appID)
	if err != nil {
		return nil
	}
	return app
}

func (s *Service) toResolved(ctx context.Context, cfg *db.SMSConfig, from string) *Resolved {
	if s.cipher.NeedsMigration(cfg.Token) {
		if token, err := s.cipher.Reencrypt(cfg.Token); err == nil {
			if err := s.store.RewriteSMSSecrets(ctx, cfg.ID, token); err == nil {
				cfg.Token = token
				s.logger.Info("migrated legacy sms token", zap.String("config_id", cfg.ID))
			}
		}
	}

	return &Resolved{
		SID:          cfg.SID,
		Token:        s.cipher.Decrypt(cfg.Token),
		FromNumber:   cfg.FromNumber,
		FallbackTo:   cfg.FallbackTo,
		ServiceSID:   cfg.ServiceSID,
		ResolvedFrom: from,
		ConfigID:     cfg.ID,
	}
}

// Summary is the admin listing view; the auth token is masked.
type Summary struct {
	ID         string    `json:"id"`
	Scope      string    `json:"scope"`
	TenantID   *string   `json:"tenantId"`
	AppID      *string   `json:"appId"`
	SID        string    `json:"sid"`
	Token      string    `json:"token"`
	FromNumber string    `json:"fromNumber"`
	FallbackTo string    `json:"fallbackTo,omitempty"`
	ServiceSID string    `json:"serviceSid,omitempty"`
	IsActive   bool      `json:"isActive"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// CreateInput carries a new SMS config.
type CreateInput struct {
	Scope      string  `json:"scope"`
	TenantID   *string `json:"tenantId"`
	AppID      *string `json:"appId"`
	SID        string  `json:"sid"`
	Token      string  `json:"token"`
	FromNumber string  `json:"fromNumber"`
	FallbackTo string  `json:"fallbackTo"`
	ServiceSID string  `json:"serviceSid"`
	IsActive   *bool   `json:"isActive"`
}

// UpdateInput carries a partial update; nil fields are left untouched.
type UpdateInput struct {
	SID        *string `json:"sid"`
	Token      *string `json:"token"`
	FromNumber *string `json:"fromNumber"`
	FallbackTo *string `json:"fallbackTo"`
	ServiceSID *string `json:"serviceSid"`
	IsActive   *bool   `json:"isActive"`
}

func (s *Service) toSummary(cfg *db.SMSConfig, maskToken bool) *Summary {
	token := s.cipher.Decrypt(cfg.Token)
	if maskToken {
		token = secrets.Mask(token)
	}
	return &Summary{
		ID:         cfg.ID,
		Scope:      cfg.Scope,
		TenantID:   cfg.TenantID,
		AppID:      cfg.AppID,
		SID:        cfg.SID,
		Token:      token,
		FromNumber: cfg.FromNumber,
		FallbackTo: cfg.FallbackTo,
		ServiceSID: cfg.ServiceSID,
		IsActive:   cfg.IsActive,
		CreatedAt:  cfg.CreatedAt,
		UpdatedAt:  cfg.UpdatedAt,
	}
}

// List returns every SMS config the caller may see, tokens masked.
func (s *Service) List(ctx context.Context, user *types.UserContext) ([]*Summary, error) {
	visibility, tenantID := visibilityFor(user)

	configs, err := s.store.ListSMSConfigs(ctx, visibility, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing sms configs: %w", err)
	}

	out := make([]*Summary, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, s.toSummary(cfg, true))
	}
	return out, nil
}

// Get returns one config with the token decrypted, for edit forms. Access
// rules match the email side; only admins of the owning scope reach this.
func (s *Service) Get(ctx context.Context, id string, user *types.UserContext) (*Summary, error) {
	user = types.Normalize(user)

	cfg, err := s.store.GetSMSConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeWrite(user, cfg.Scope, cfg.TenantID); err != nil {
		return nil, err
	}
	return s.toSummary(cfg, false), nil
}

// Create validates, authorizes and stores a new SMS config.
func (s *Service) Create(ctx context.Context, in CreateInput, user *types.UserContext) (*Summary, error) {
	user = types.Normalize(user)

	if in.Scope != db.ScopeGlobal && in.Scope != db.ScopeTenant && in.Scope != db.ScopeApp {
		return nil, fmt.Errorf("unknown scope %q: %w", in.Scope, types.ErrValidation)
	}
	if in.SID == "" || in.Token == "" {
		return nil, fmt.Errorf("sid and token are required: %w", types.ErrValidation)
	}

	switch in.Scope {
	case db.ScopeGlobal:
		in.TenantID = nil
		in.AppID = nil
	case db.ScopeTenant:
		if in.TenantID == nil || *in.TenantID == "" {
			return nil, fmt.Errorf("tenantId is required for tenant scope: %w", types.ErrValidation)
		}
		in.AppID = nil
	case db.ScopeApp:
		if in.AppID == nil || *in.AppID == "" {
			return nil, fmt.Errorf("appId is required for app scope: %w", types.ErrValidation)
		}
		// The app row owns the tenant binding; caller input is not trusted.
		app := s.lookupApp(ctx, *in.AppID)
		if app == nil {
			return nil, fmt.Errorf("app %s: %w", *in.AppID, types.ErrNotFound)
		}
		in.AppID = &app.ID
		in.TenantID = &app.TenantID
	}

	if err := authorizeWrite(user, in.Scope, in.TenantID); err != nil {
		return nil, err
	}

	existing, err := s.store.FindSMSConfigByTuple(ctx, in.Scope, in.TenantID, in.AppID)
	if err != nil {
		return nil, fmt.Errorf("checking for existing sms config: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("sms config already exists for this scope target: %w", types.ErrConflict)
	}

	token, err := s.cipher.Encrypt(in.Token)
	if err != nil {
		return nil, fmt.Errorf("encrypting token: %w", err)
	}

	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}

	cfg := &db.SMSConfig{
		ID:         uuid.NewString(),
		Scope:      in.Scope,
		TenantID:   in.TenantID,
		AppID:      in.AppID,
		SID:        in.SID,
		Token:      token,
		FromNumber: in.FromNumber,
		FallbackTo: in.FallbackTo,
		ServiceSID: in.ServiceSID,
		IsActive:   active,
		CreatedBy:  user.Subject,
	}

	if err := s.store.InsertSMSConfig(ctx, cfg); err != nil {
		return nil, err
	}

	s.logger.Info("sms config created",
		zap.String("config_id", cfg.ID),
		zap.String("scope", cfg.Scope),
	)
	return s.toSummary(cfg, true), nil
}

// Update applies a partial update to an SMS config the caller administers.
func (s *Service) Update(ctx context.Context, id string, in UpdateInput, user *types.UserContext) (*Summary, error) {
	user = types.Normalize(user)

	cfg, err := s.store.GetSMSConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeWrite(user, cfg.Scope, cfg.TenantID); err != nil {
		return nil, err
	}

	if in.SID != nil {
		cfg.SID = *in.SID
	}
	if in.Token != nil {
		token, err := s.cipher.Encrypt(*in.Token)
		if err != nil {
			return nil, fmt.Errorf("encrypting token: %w", err)
		}
		cfg.Token = token
	}
	if in.FromNumber != nil {
		cfg.FromNumber = *in.FromNumber
	}
	if in.FallbackTo != nil {
		cfg.FallbackTo = *in.FallbackTo
	}
	if in.ServiceSID != nil {
		cfg.ServiceSID = *in.ServiceSID
	}
	if in.IsActive != nil {
		cfg.IsActive = *in.IsActive
	}

	if err := s.store.UpdateSMSConfig(ctx, cfg); err != nil {
		return nil, err
	}

	s.logger.Info("sms config updated", zap.String("config_id", cfg.ID))
	return s.toSummary(cfg, true), nil
}

// Delete removes an SMS config the caller administers.
func (s *Service) Delete(ctx context.Context, id string, user *types.UserContext) error {
	user = types.Normalize(user)

	cfg, err := s.store.GetSMSConfig(ctx, id)
	if err != nil {
		return err
	}
	if err := authorizeWrite(user, cfg.Scope, cfg.TenantID); err != nil {
		return err
	}
	return s.store.DeleteSMSConfig(ctx, id)
}

func visibilityFor(user *types.UserContext) (db.ConfigVisibility, string) {
	user = types.Normalize(user)
	switch {
	case user.IsSuperadmin():
		return db.VisibilityAll, ""
	case user.TenantID != "":
		return db.VisibilityTenant, user.TenantID
	default:
		return db.VisibilityGlobalOnly, ""
	}
}

func authorizeWrite(user *types.UserContext, scope string, tenantID *string) error {
	if user.IsSuperadmin() {
		return nil
	}
	if !user.IsTenantAdmin() {
		return fmt.Errorf("caller has no config admin role: %w", types.ErrForbidden)
	}
	if scope == db.ScopeGlobal {
		return fmt.Errorf("only superadmins can manage global configs: %w", types.ErrForbidden)
	}
	if tenantID == nil || *tenantID != user.TenantID {
		return fmt.Errorf("config target is outside the caller's tenant: %w", types.ErrForbidden)
	}
	return nil
}
