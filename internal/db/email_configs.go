package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/avisitor/mail-service-sub000/internal/types"
)

const emailConfigColumns = `
	id, scope, tenant_id, app_id, host, port, secure, "user", pass,
	from_address, from_name, service, aws_region, aws_access_key,
	aws_secret_key, is_active, created_by, created_at, updated_at
`

func scanEmailConfig(row pgx.Row) (*EmailConfig, error) {
	var cfg EmailConfig
	err := row.Scan(
		&cfg.ID,
		&cfg.Scope,
		&cfg.TenantID,
		&cfg.AppID,
		&cfg.Host,
		&cfg.Port,
		&cfg.Secure,
		&cfg.User,
		&cfg.Pass,
		&cfg.FromAddress,
		&cfg.FromName,
		&cfg.Service,
		&cfg.AWSRegion,
		&cfg.AWSAccessKey,
		&cfg.AWSSecretKey,
		&cfg.IsActive,
		&cfg.CreatedBy,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FindActiveEmailConfig returns the active email config at one scope tier,
// or nil if the tier has none. Inactive rows never participate in resolution.
func (r *ConfigRepository) FindActiveEmailConfig(ctx context.Context, scope string, tenantID, appID *string) (*EmailConfig, error) {
	query := `
		SELECT ` + emailConfigColumns + `
		FROM email_configs
		WHERE scope = $1
		  AND is_active
		  AND ($2::text IS NULL OR tenant_id = $2)
		  AND ($3::text IS NULL OR app_id = $3)
		LIMIT 1
	`

	cfg, err := scanEmailConfig(r.db.Pool().QueryRow(ctx, query, scope, tenantID, appID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active email config: %w", err)
	}
	return cfg, nil
}

// GetEmailConfig retrieves an email config by id.
func (r *ConfigRepository) GetEmailConfig(ctx context.Context, id string) (*EmailConfig, error) {
	query := `
		SELECT ` + emailConfigColumns + `
		FROM email_configs
		WHERE id = $1
	`

	cfg, err := scanEmailConfig(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("email config %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query email config: %w", err)
	}
	return cfg, nil
}

// FindEmailConfigByTuple returns the config at an exact (scope, tenant, app)
// combination regardless of activation, or nil if none exists. Used for the
// duplicate-creation check on non-GLOBAL scopes.
func (r *ConfigRepository) FindEmailConfigByTuple(ctx context.Context, scope string, tenantID, appID *string) (*EmailConfig, error) {
	query := `
		SELECT ` + emailConfigColumns + `
		FROM email_configs
		WHERE scope = $1
		  AND tenant_id IS NOT DISTINCT FROM $2
		  AND app_id IS NOT DISTINCT FROM $3
		LIMIT 1
	`

	cfg, err := scanEmailConfig(r.db.Pool().QueryRow(ctx, query, scope, tenantID, appID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query email config tuple: %w", err)
	}
	return cfg, nil
}

// ConfigVisibility selects which rows a caller may list.
type ConfigVisibility int

const (
	// VisibilityAll: every GLOBAL config (active or not, for activation
	// switching) plus all active tenant/app configs.
	VisibilityAll ConfigVisibility = iota
	// VisibilityTenant: active GLOBAL configs plus active configs of one tenant.
	VisibilityTenant
	// VisibilityGlobalOnly: active GLOBAL configs only.
	VisibilityGlobalOnly
)

// ListEmailConfigs lists configs visible at the given level. tenantID is
// only consulted for VisibilityTenant.
func (r *ConfigRepository) ListEmailConfigs(ctx context.Context, visibility ConfigVisibility, tenantID string) ([]*EmailConfig, error) {
	var (
		where string
		args  []any
	)

	switch visibility {
	case VisibilityAll:
		where = `scope = 'GLOBAL' OR is_active`
	case VisibilityTenant:
		where = `is_active AND (scope = 'GLOBAL' OR tenant_id = $1)`
		args = append(args, tenantID)
	default:
		where = `is_active AND scope = 'GLOBAL'`
	}

	query := `
		SELECT ` + emailConfigColumns + `
		FROM email_configs
		WHERE ` + where + `
		ORDER BY scope, tenant_id NULLS FIRST, app_id NULLS FIRST
	`

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query email configs: %w", err)
	}
	defer rows.Close()

	var configs []*EmailConfig
	for rows.Next() {
		cfg, err := scanEmailConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan email config: %w", err)
		}
		configs = append(configs, cfg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return configs, nil
}

// InsertEmailConfig stores a new config. When the new row is active, every
// other config in the same scope bucket is deactivated in the same
// transaction so the single-active invariant holds at all times.
func (r *ConfigRepository) InsertEmailConfig(ctx context.Context, cfg *EmailConfig) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if cfg.IsActive {
		if err := deactivateEmailSiblings(ctx, tx, cfg); err != nil {
			return err
		}
	}

	query := `
		INSERT INTO email_configs (
			id, scope, tenant_id, app_id, host, port, secure, "user", pass,
			from_address, from_name, service, aws_region, aws_access_key,
			aws_secret_key, is_active, created_by
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
		)
		RETURNING created_at, updated_at
	`

	err = tx.QueryRow(ctx, query,
		cfg.ID, cfg.Scope, cfg.TenantID, cfg.AppID, cfg.Host, cfg.Port,
		cfg.Secure, cfg.User, cfg.Pass, cfg.FromAddress, cfg.FromName,
		cfg.Service, cfg.AWSRegion, cfg.AWSAccessKey, cfg.AWSSecretKey,
		cfg.IsActive, cfg.CreatedBy,
	).Scan(&cfg.CreatedAt, &cfg.UpdatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("email config for this scope target exists: %w", types.ErrConflict)
		}
		return fmt.Errorf("insert email config: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("email config created",
		zap.String("config_id", cfg.ID),
		zap.String("scope", cfg.Scope),
		zap.Bool("is_active", cfg.IsActive),
	)

	return nil
}

// UpdateEmailConfig writes the full row back. Activation deactivates bucket
// siblings in the same transaction.
func (r *ConfigRepository) UpdateEmailConfig(ctx context.Context, cfg *EmailConfig) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if cfg.IsActive {
		if err := deactivateEmailSiblings(ctx, tx, cfg); err != nil {
			return err
		}
	}

	query := `
		UPDATE email_configs
		SET host = $2, port = $3, secure = $4, "user" = $5, pass = $6,
		    from_address = $7, from_name = $8, service = $9, aws_region = $10,
		    aws_access_key = $11, aws_secret_key = $12, is_active = $13,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err = tx.QueryRow(ctx, query,
		cfg.ID, cfg.Host, cfg.Port, cfg.Secure, cfg.User, cfg.Pass,
		cfg.FromAddress, cfg.FromName, cfg.Service, cfg.AWSRegion,
		cfg.AWSAccessKey, cfg.AWSSecretKey, cfg.IsActive,
	).Scan(&cfg.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("email config %s: %w", cfg.ID, types.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update email config: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// deactivateEmailSiblings clears is_active on every other config in the same
// scope bucket: all globals for GLOBAL, same tenant for TENANT, same app for
// APP. The update deliberately touches every sibling row, not just active
// ones, so concurrent activations in one bucket contend on the same row
// locks and cannot both commit active.
func deactivateEmailSiblings(ctx context.Context, tx pgx.Tx, cfg *EmailConfig) error {
	var (
		query string
		args  []any
	)

	switch cfg.Scope {
	case ScopeGlobal:
		query = `UPDATE email_configs SET is_active = FALSE, updated_at = NOW()
			WHERE scope = 'GLOBAL' AND id <> $1`
		args = []any{cfg.ID}
	case ScopeTenant:
		query = `UPDATE email_configs SET is_active = FALSE, updated_at = NOW()
			WHERE scope = 'TENANT' AND tenant_id = $2 AND id <> $1`
		args = []any{cfg.ID, cfg.TenantID}
	default:
		query = `UPDATE email_configs SET is_active = FALSE, updated_at = NOW()
			WHERE scope = 'APP' AND app_id = $2 AND id <> $1`
		args = []any{cfg.ID, cfg.AppID}
	}

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("deactivate sibling email configs: %w", err)
	}
	return nil
}

// RewriteEmailSecrets updates only the encrypted credential columns, used
// for lazy migration of legacy-format ciphertext.
func (r *ConfigRepository) RewriteEmailSecrets(ctx context.Context, id, pass, awsAccessKey, awsSecretKey string) error {
	query := `
		UPDATE email_configs
		SET pass = $2, aws_access_key = $3, aws_secret_key = $4, updated_at = NOW()
		WHERE id = $1
	`

	if _, err := r.db.Pool().Exec(ctx, query, id, pass, awsAccessKey, awsSecretKey); err != nil {
		return fmt.Errorf("rewrite email secrets: %w", err)
	}
	return nil
}

// DeleteEmailConfig removes a config row.
func (r *ConfigRepository) DeleteEmailConfig(ctx context.Context, id string) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM email_configs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete email config: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("email config %s: %w", id, types.ErrNotFound)
	}

	r.logger.Info("email config deleted", zap.String("config_id", id))
	return nil
}

// NextGlobalEmailCandidate returns the most recently touched GLOBAL config
// other than excludeID, or nil. Used to auto-activate a replacement after
// the active global config is deleted.
func (r *ConfigRepository) NextGlobalEmailCandidate(ctx context.Context, excludeID string) (*EmailConfig, error) {
	query := `
		SELECT ` + emailConfigColumns + `
		FROM email_configs
		WHERE scope = 'GLOBAL' AND id <> $1
		ORDER BY updated_at DESC, created_at DESC
		LIMIT 1
	`

	cfg, err := scanEmailConfig(r.db.Pool().QueryRow(ctx, query, excludeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query global email candidate: %w", err)
	}
	return cfg, nil
}

// SetEmailConfigActive flips activation on one config, deactivating bucket
// siblings in the same transaction when activating.
func (r *ConfigRepository) SetEmailConfigActive(ctx context.Context, cfg *EmailConfig, active bool) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if active {
		if err := deactivateEmailSiblings(ctx, tx, cfg); err != nil {
			return err
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE email_configs SET is_active = $2, updated_at = NOW() WHERE id = $1`,
		cfg.ID, active,
	)
	if err != nil {
		return fmt.Errorf("set email config active: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	cfg.IsActive = active
	return nil
}
