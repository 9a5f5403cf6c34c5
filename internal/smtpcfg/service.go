// Package smtpcfg resolves and manages email provider configurations
// (SMTP and SES) across the GLOBAL, TENANT and APP scope tiers.
package smtpcfg

import (
	"context"
	"errors"
	"fmt"

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
	FindActiveEmailConfig(ctx context.Context, scope string, tenantID, appID *string) (*db.EmailConfig, error)
	GetEmailConfig(ctx context.Context, id string) (*db.EmailConfig, error)
	FindEmailConfigByTuple(ctx context.Context, scope string, tenantID, appID *string) (*db.EmailConfig, error)
	ListEmailConfigs(ctx context.Context, visibility db.ConfigVisibility, tenantID string) ([]*db.EmailConfig, error)
	InsertEmailConfig(ctx context.Context, cfg *db.EmailConfig) error
	UpdateEmailConfig(ctx context.Context, cfg *db.EmailConfig) error
	DeleteEmailConfig(ctx context.Context, id string) error
	NextGlobalEmailCandidate(ctx context.Context, excludeID string) (*db.EmailConfig, error)
	SetEmailConfigActive(ctx context.Context, cfg *db.EmailConfig, active bool) error
	RewriteEmailSecrets(ctx context.Context, id, pass, awsAccessKey, awsSecretKey string) error
}

// EnvFallback is the environment-sourced configuration used when no stored
// config matches at any scope. Resolution can always fall back to it, so
// Resolve never fails.
type EnvFallback struct {
	Host        string
	Port        int
	Secure      bool
	User        string
	Pass        string
	FromAddress string
	FromName    string
}

// EnvFallbackConfigID marks a resolution that landed on environment defaults.
const EnvFallbackConfigID = "env-fallback"

// Service resolves effective configs for the send pipeline and offers
// access-controlled CRUD for admin surfaces.
type Service struct {
	store  Store
	cipher *secrets.Cipher
	env    EnvFallback
	logger *zap.Logger
}

// NewService creates a config service.
func NewService(store Store, cipher *secrets.Cipher, env EnvFallback, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		cipher: cipher,
		env:    env,
		logger: logger,
	}
}

// Resolved is the effective configuration handed to the send pipeline.
// Secret fields are decrypted; it must never be serialized to admin output.
type Resolved struct {
	Host         string
	Port         int
	Secure       bool
	User         string
	Pass         string
	FromAddress  string
	FromName     string
	Service      string
	AWSRegion    string
	AWSAccessKey string
	AWSSecretKey string
	ResolvedFrom string
	ConfigID     string
	IsActive     bool
}

// Resolve walks APP → TENANT → GLOBAL → environment and returns the first
// active config found. More specific scope always wins; a missing or
// inactive tier falls through silently. Store failures at one tier are
// logged and treated as a miss, so resolution succeeds even with no
// database access.
func (s *Service) Resolve(ctx context.Context, appID string) *Resolved {
	var tenantID string

	if appID != "" {
		app := s.lookupApp(ctx, appID)
		if app != nil {
			appID = app.ID
			tenantID = app.TenantID

			if cfg := s.findTier(ctx, db.ScopeApp, nil, &appID); cfg != nil {
				return s.toResolved(ctx, cfg, db.ScopeApp)
			}
		} else {
			s.logger.Warn("app not found during config resolution", zap.String("app_id", appID))
		}
	}

	if tenantID != "" {
		if cfg := s.findTier(ctx, db.ScopeTenant, &tenantID, nil); cfg != nil {
			return s.toResolved(ctx, cfg, db.ScopeTenant)
		}
	}

	if cfg := s.findTier(ctx, db.ScopeGlobal, nil, nil); cfg != nil {
		return s.toResolved(ctx, cfg, db.ScopeGlobal)
	}

	return &Resolved{
		Host:         s.env.Host,
		Port:         s.env.Port,
		Secure:       s.env.Secure,
		User:         s.env.User,
		Pass:         s.env.Pass,
		FromAddress:  s.env.FromAddress,
		FromName:     s.env.FromName,
		Service:      db.ServiceSMTP,
		ResolvedFrom: db.ScopeGlobal,
		ConfigID:     EnvFallbackConfigID,
		IsActive:     true,
	}
}

// lookupApp finds an app by primary id, falling back to the externally
// visible client id. Lookup errors resolve to nil so the caller falls
// through to broader scopes.
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

func (s *Service) findTier(ctx context.Context, scope string, tenantID, appID *string) *db.EmailConfig {
	cfg, err := s.store.FindActiveEmailConfig(ctx, scope, tenantID, appID)
	if err != nil {
		s.logger.Warn("config lookup failed, falling through",
			zap.String("scope", scope),
			zap.Error(err),
		)
		return nil
	}
	return cfg
}

// toResolved decrypts secret fields and lazily migrates legacy ciphertext
// back to storage in the current format.
func (s *Service) toResolved(ctx context.Context, cfg *db.EmailConfig, from string) *Resolved {
	s.migrateLegacySecrets(ctx, cfg)

	return &Resolved{
		Host:         cfg.Host,
		Port:         cfg.Port,
		Secure:       cfg.Secure,
		User:         cfg.User,
		Pass:         s.cipher.Decrypt(cfg.Pass),
		FromAddress:  cfg.FromAddress,
		FromName:     cfg.FromName,
		Service:      cfg.Service,
		AWSRegion:    cfg.AWSRegion,
		AWSAccessKey: s.cipher.Decrypt(cfg.AWSAccessKey),
		AWSSecretKey: s.cipher.Decrypt(cfg.AWSSecretKey),
		ResolvedFrom: from,
		ConfigID:     cfg.ID,
		IsActive:     cfg.IsActive,
	}
}

func (s *Service) migrateLegacySecrets(ctx context.Context, cfg *db.EmailConfig) {
	if !s.cipher.NeedsMigration(cfg.Pass) &&
		!s.cipher.NeedsMigration(cfg.AWSAccessKey) &&
		!s.cipher.NeedsMigration(cfg.AWSSecretKey) {
		return
	}

	pass, err := s.cipher.Reencrypt(cfg.Pass)
	if err != nil {
		s.logger.Warn("legacy secret migration failed", zap.String("config_id", cfg.ID), zap.Error(err))
		return
	}
	accessKey, err := s.cipher.Reencrypt(cfg.AWSAccessKey)
	if err != nil {
		return
	}
	secretKey, err := s.cipher.Reencrypt(cfg.AWSSecretKey)
	if err != nil {
		return
	}

	if err := s.store.RewriteEmailSecrets(ctx, cfg.ID, pass, accessKey, secretKey); err != nil {
		s.logger.Warn("persisting migrated secrets failed", zap.String("config_id", cfg.ID), zap.Error(err))
		return
	}

	cfg.Pass = pass
	cfg.AWSAccessKey = accessKey
	cfg.AWSSecretKey = secretKey

	s.logger.Info("migrated legacy config secrets", zap.String("config_id", cfg.ID))
}

// newConfigID mints an id for a stored config row.
func newConfigID() string {
	return uuid.NewString()
}

// visibilityFor maps a caller to the rows it may list.
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

// canRead reports whether the caller may see one config's (masked) data.
func canRead(user *types.UserContext, cfg *db.EmailConfig) bool {
	user = types.Normalize(user)
	if user.IsSuperadmin() {
		return true
	}
	if cfg.Scope == db.ScopeGlobal {
		return true
	}
	return cfg.TenantID != nil && user.TenantID != "" && *cfg.TenantID == user.TenantID
}

func forbiddenf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, types.ErrForbidden)...)
}

func validationf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, types.ErrValidation)...)
}
