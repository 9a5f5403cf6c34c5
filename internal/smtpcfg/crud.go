package smtpcfg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/avisitor/mail-service-sub000/internal/db"
	"github.com/avisitor/mail-service-sub000/internal/secrets"
	"github.com/avisitor/mail-service-sub000/internal/types"
)

// Summary is the admin-facing view of a stored config. Secret fields are
// masked and never recoverable from this shape.
type Summary struct {
	ID           string    `json:"id"`
	Scope        string    `json:"scope"`
	TenantID     *string   `json:"tenantId"`
	AppID        *string   `json:"appId"`
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	Secure       bool      `json:"secure"`
	User         string    `json:"user"`
	Pass         string    `json:"pass"`
	FromAddress  string    `json:"fromAddress"`
	FromName     string    `json:"fromName"`
	Service      string    `json:"service"`
	AWSRegion    string    `json:"awsRegion,omitempty"`
	AWSAccessKey string    `json:"awsAccessKey,omitempty"`
	AWSSecretKey string    `json:"awsSecretKey,omitempty"`
	IsActive     bool      `json:"isActive"`
	CreatedBy    string    `json:"createdBy,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// CreateInput carries a new config. TenantID and AppID requirements depend
// on Scope; for APP scope the app's tenant is authoritative regardless of
// what the caller supplies.
type CreateInput struct {
	Scope        string  `json:"scope"`
	TenantID     *string `json:"tenantId"`
	AppID        *string `json:"appId"`
	Host         string  `json:"host"`
	Port         int     `json:"port"`
	Secure       bool    `json:"secure"`
	User         string  `json:"user"`
	Pass         string  `json:"pass"`
	FromAddress  string  `json:"fromAddress"`
	FromName     string  `json:"fromName"`
	Service      string  `json:"service"`
	AWSRegion    string  `json:"awsRegion"`
	AWSAccessKey string  `json:"awsAccessKey"`
	AWSSecretKey string  `json:"awsSecretKey"`
	IsActive     *bool   `json:"isActive"`
}

// UpdateInput carries a partial update. Nil fields are left untouched;
// secret fields supplied here arrive in plaintext and are re-encrypted.
type UpdateInput struct {
	Host         *string `json:"host"`
	Port         *int    `json:"port"`
	Secure       *bool   `json:"secure"`
	User         *string `json:"user"`
	Pass         *string `json:"pass"`
	FromAddress  *string `json:"fromAddress"`
	FromName     *string `json:"fromName"`
	Service      *string `json:"service"`
	AWSRegion    *string `json:"awsRegion"`
	AWSAccessKey *string `json:"awsAccessKey"`
	AWSSecretKey *string `json:"awsSecretKey"`
	IsActive     *bool   `json:"isActive"`
}

func (s *Service) toSummary(cfg *db.EmailConfig) *Summary {
	return &Summary{
		ID:           cfg.ID,
		Scope:        cfg.Scope,
		TenantID:     cfg.TenantID,
		AppID:        cfg.AppID,
		Host:         cfg.Host,
		Port:         cfg.Port,
		Secure:       cfg.Secure,
		User:         cfg.User,
		Pass:         secrets.Mask(s.cipher.Decrypt(cfg.Pass)),
		FromAddress:  cfg.FromAddress,
		FromName:     cfg.FromName,
		Service:      cfg.Service,
		AWSRegion:    cfg.AWSRegion,
		AWSAccessKey: secrets.Mask(s.cipher.Decrypt(cfg.AWSAccessKey)),
		AWSSecretKey: secrets.Mask(s.cipher.Decrypt(cfg.AWSSecretKey)),
		IsActive:     cfg.IsActive,
		CreatedBy:    cfg.CreatedBy,
		CreatedAt:    cfg.CreatedAt,
		UpdatedAt:    cfg.UpdatedAt,
	}
}

// List returns every config the caller may see, with secrets masked.
// Superadmins see everything, tenant admins see global configs plus their
// own tenant's, everyone else sees active global configs only.
func (s *Service) List(ctx context.Context, user *types.UserContext) ([]*Summary, error) {
	visibility, tenantID := visibilityFor(user)

	configs, err := s.store.ListEmailConfigs(ctx, visibility, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing email configs: %w", err)
	}

	out := make([]*Summary, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, s.toSummary(cfg))
	}
	return out, nil
}

// Get returns one config with secrets masked. Cross-tenant reads are
// rejected with a forbidden error rather than a not-found so admin tooling
// can tell the cases apart.
func (s *Service) Get(ctx context.Context, id string, user *types.UserContext) (*Summary, error) {
	cfg, err := s.store.GetEmailConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canRead(user, cfg) {
		return nil, forbiddenf("config %s is outside the caller's tenant", id)
	}
	return s.toSummary(cfg), nil
}

// Create validates, authorizes and stores a new config. Activating it
// deactivates any sibling in the same scope bucket in the same transaction.
func (s *Service) Create(ctx context.Context, in CreateInput, user *types.UserContext) (*Summary, error) {
	user = types.Normalize(user)

	if in.Scope != db.ScopeGlobal && in.Scope != db.ScopeTenant && in.Scope != db.ScopeApp {
		return nil, validationf("unknown scope %q", in.Scope)
	}
	if in.Host == "" {
		return nil, validationf("host is required")
	}

	switch in.Scope {
	case db.ScopeGlobal:
		in.TenantID = nil
		in.AppID = nil
	case db.ScopeTenant:
		if in.TenantID == nil || *in.TenantID == "" {
			return nil, validationf("tenantId is required for tenant scope")
		}
		in.AppID = nil
	case db.ScopeApp:
		if in.AppID == nil || *in.AppID == "" {
			return nil, validationf("appId is required for app scope")
		}
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

	if in.Scope != db.ScopeGlobal {
		existing, err := s.store.FindEmailConfigByTuple(ctx, in.Scope, in.TenantID, in.AppID)
		if err != nil {
			return nil, fmt.Errorf("checking for existing config: %w", err)
		}
		if existing != nil {
			return nil, fmt.Errorf("config already exists for this scope target: %w", types.ErrConflict)
		}
	}

	pass, err := s.cipher.Encrypt(in.Pass)
	if err != nil {
		return nil, fmt.Errorf("encrypting password: %w", err)
	}
	accessKey, err := s.cipher.Encrypt(in.AWSAccessKey)
	if err != nil {
		return nil, fmt.Errorf("encrypting access key: %w", err)
	}
	secretKey, err := s.cipher.Encrypt(in.AWSSecretKey)
	if err != nil {
		return nil, fmt.Errorf("encrypting secret key: %w", err)
	}

	port := in.Port
	if port == 0 {
		port = 587
	}
	service := in.Service
	if service == "" {
		service = db.ServiceSMTP
	}
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}

	cfg := &db.EmailConfig{
		ID:           newConfigID(),
		Scope:        in.Scope,
		TenantID:     in.TenantID,
		AppID:        in.AppID,
		Host:         in.Host,
		Port:         port,
		Secure:       in.Secure,
		User:         in.User,
		Pass:         pass,
		FromAddress:  in.FromAddress,
		FromName:     in.FromName,
		Service:      service,
		AWSRegion:    in.AWSRegion,
		AWSAccessKey: accessKey,
		AWSSecretKey: secretKey,
		IsActive:     active,
		CreatedBy:    user.Subject,
	}

	if err := s.store.InsertEmailConfig(ctx, cfg); err != nil {
		return nil, err
	}

	s.logger.Info("email config created",
		zap.String("config_id", cfg.ID),
		zap.String("scope", cfg.Scope),
		zap.Bool("active", cfg.IsActive),
	)
	return s.toSummary(cfg), nil
}

// Update applies a partial update to a config the caller administers.
func (s *Service) Update(ctx context.Context, id string, in UpdateInput, user *types.UserContext) (*Summary, error) {
	user = types.Normalize(user)

	cfg, err := s.store.GetEmailConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeWrite(user, cfg.Scope, cfg.TenantID); err != nil {
		return nil, err
	}

	if in.Host != nil {
		cfg.Host = *in.Host
	}
	if in.Port != nil {
		cfg.Port = *in.Port
	}
	if in.Secure != nil {
		cfg.Secure = *in.Secure
	}
	if in.User != nil {
		cfg.User = *in.User
	}
	if in.Pass != nil {
		enc, err := s.cipher.Encrypt(*in.Pass)
		if err != nil {
			return nil, fmt.Errorf("encrypting password: %w", err)
		}
		cfg.Pass = enc
	}
	if in.FromAddress != nil {
		cfg.FromAddress = *in.FromAddress
	}
	if in.FromName != nil {
		cfg.FromName = *in.FromName
	}
	if in.Service != nil {
		cfg.Service = *in.Service
	}
	if in.AWSRegion != nil {
		cfg.AWSRegion = *in.AWSRegion
	}
	if in.AWSAccessKey != nil {
		enc, err := s.cipher.Encrypt(*in.AWSAccessKey)
		if err != nil {
			return nil, fmt.Errorf("encrypting access key: %w", err)
		}
		cfg.AWSAccessKey = enc
	}
	if in.AWSSecretKey != nil {
		enc, err := s.cipher.Encrypt(*in.AWSSecretKey)
		if err != nil {
			return nil, fmt.Errorf("encrypting secret key: %w", err)
		}
		cfg.AWSSecretKey = enc
	}
	if in.IsActive != nil {
		cfg.IsActive = *in.IsActive
	}

	if err := s.store.UpdateEmailConfig(ctx, cfg); err != nil {
		return nil, err
	}

	s.logger.Info("email config updated", zap.String("config_id", cfg.ID))
	return s.toSummary(cfg), nil
}

// Delete removes a config. Deleting the active GLOBAL config promotes the
// most recently updated remaining GLOBAL config so resolution never loses
// its last tier unexpectedly.
func (s *Service) Delete(ctx context.Context, id string, user *types.UserContext) error {
	user = types.Normalize(user)

	cfg, err := s.store.GetEmailConfig(ctx, id)
	if err != nil {
		return err
	}
	if err := authorizeWrite(user, cfg.Scope, cfg.TenantID); err != nil {
		return err
	}

	if err := s.store.DeleteEmailConfig(ctx, id); err != nil {
		return err
	}

	if cfg.Scope == db.ScopeGlobal && cfg.IsActive {
		candidate, err := s.store.NextGlobalEmailCandidate(ctx, id)
		if err != nil {
			s.logger.Warn("finding replacement global config failed", zap.Error(err))
			return nil
		}
		if candidate != nil {
			if err := s.store.SetEmailConfigActive(ctx, candidate, true); err != nil {
				s.logger.Warn("activating replacement global config failed",
					zap.String("config_id", candidate.ID), zap.Error(err))
				return nil
			}
			s.logger.Info("activated replacement global config",
				zap.String("config_id", candidate.ID))
		}
	}
	return nil
}

// Activate marks a GLOBAL config active, deactivating its siblings.
// Superadmin only. Already-active configs are a no-op.
func (s *Service) Activate(ctx context.Context, id string, user *types.UserContext) (*Summary, error) {
	user = types.Normalize(user)
	if !user.IsSuperadmin() {
		return nil, forbiddenf("only superadmins can activate global configs")
	}

	cfg, err := s.store.GetEmailConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	if cfg.Scope != db.ScopeGlobal {
		return nil, validationf("config %s is not global scope", id)
	}
	if cfg.IsActive {
		return s.toSummary(cfg), nil
	}

	if err := s.store.SetEmailConfigActive(ctx, cfg, true); err != nil {
		return nil, err
	}
	cfg.IsActive = true

	s.logger.Info("global email config activated", zap.String("config_id", cfg.ID))
	return s.toSummary(cfg), nil
}

// Effective describes what an app or tenant would actually send with,
// including which tier supplied it. Secrets are masked.
type Effective struct {
	Summary       *Summary `json:"config"`
	ResolvedFrom  string   `json:"resolvedFrom"`
	IsInherited   bool     `json:"isInherited"`
	InheritedFrom string   `json:"inheritedFrom,omitempty"`
	EnvFallback   bool     `json:"envFallback"`
}

// GetEffective resolves the config an app would send with and reports the
// inheritance relationship, for admin display.
func (s *Service) GetEffective(ctx context.Context, appID string, user *types.UserContext) (*Effective, error) {
	user = types.Normalize(user)

	if appID != "" && !user.IsSuperadmin() {
		app := s.lookupApp(ctx, appID)
		if app == nil {
			return nil, fmt.Errorf("app %s: %w", appID, types.ErrNotFound)
		}
		if user.TenantID == "" || app.TenantID != user.TenantID {
			return nil, forbiddenf("app %s is outside the caller's tenant", appID)
		}
	}

	resolved := s.Resolve(ctx, appID)

	eff := &Effective{
		ResolvedFrom: resolved.ResolvedFrom,
		IsInherited:  appID != "" && resolved.ResolvedFrom != db.ScopeApp,
	}
	if eff.IsInherited {
		eff.InheritedFrom = resolved.ResolvedFrom
	}

	if resolved.ConfigID == EnvFallbackConfigID {
		eff.EnvFallback = true
		eff.Summary = &Summary{
			ID:          EnvFallbackConfigID,
			Scope:       db.ScopeGlobal,
			Host:        resolved.Host,
			Port:        resolved.Port,
			Secure:      resolved.Secure,
			User:        resolved.User,
			Pass:        secrets.Mask(resolved.Pass),
			FromAddress: resolved.FromAddress,
			FromName:    resolved.FromName,
			Service:     resolved.Service,
			IsActive:    true,
		}
		return eff, nil
	}

	cfg, err := s.store.GetEmailConfig(ctx, resolved.ConfigID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return eff, nil
		}
		return nil, err
	}
	eff.Summary = s.toSummary(cfg)
	return eff, nil
}

// authorizeWrite decides whether the caller may create, update or delete a
// config at the given scope and tenant. Superadmins may write anywhere;
// tenant admins only within their own tenant at non-global scope.
func authorizeWrite(user *types.UserContext, scope string, tenantID *string) error {
	if user.IsSuperadmin() {
		return nil
	}
	if !user.IsTenantAdmin() {
		return forbiddenf("caller has no config admin role")
	}
	if scope == db.ScopeGlobal {
		return forbiddenf("only superadmins can manage global configs")
	}
	if tenantID == nil || *tenantID != user.TenantID {
		return forbiddenf("config target is outside the caller's tenant")
	}
	return nil
}
