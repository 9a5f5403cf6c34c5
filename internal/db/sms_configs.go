package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/avisitor/mail-service-sub000/internal/types"
)

const smsConfigColumns = `
	id, scope, tenant_id, app_id, sid, token, from_number, fallback_to,
	service_sid, is_active, created_by, created_at, updated_at
`

func scanSMSConfig(row pgx.Row) (*SMSConfig, error) {
	var cfg SMSConfig
	err := row.Scan(
		&cfg.ID,
		&cfg.Scope,
		&cfg.TenantID,
		&cfg.AppID,
		&cfg.SID,
		&cfg.Token,
		&cfg.FromNumber,
		&cfg.FallbackTo,
		&cfg.ServiceSID,
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

// FindActiveSMSConfig returns the active SMS config at one scope tier, or
// nil if the tier has none.
func (r *ConfigRepository) FindActiveSMSConfig(ctx context.Context, scope string, tenantID, appID *string) (*SMSConfig, error) {
	query := `
		SELECT ` + smsConfigColumns + `
		FROM sms_configs
		WHERE scope = $1
		  AND is_active
		  AND ($2::text IS NULL OR tenant_id = $2)
		  AND ($3::text IS NULL OR app_id = $3)
		LIMIT 1
	`

	cfg, err := scanSMSConfig(r.db.Pool().QueryRow(ctx, query, scope, tenantID, appID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active sms config: %w", err)
	}
	return cfg, nil
}

// GetSMSConfig retrieves an SMS config by id.
func (r *ConfigRepository) GetSMSConfig(ctx context.Context, id string) (*SMSConfig, error) {
	query := `
		SELECT ` + smsConfigColumns + `
		FROM sms_configs
		WHERE id = $1
	`

	cfg, err := scanSMSConfig(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("sms config %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query sms config: %w", err)
	}
	return cfg, nil
}

// FindSMSConfigByTuple returns the config at an exact (scope, tenant, app)
// combination regardless of activation, or nil.
func (r *ConfigRepository) FindSMSConfigByTuple(ctx context.Context, scope string, tenantID, appID *string) (*SMSConfig, error) {
	query := `
		SELECT ` + smsConfigColumns + `
		FROM sms_configs
		WHERE scope = $1
		  AND tenant_id IS NOT DISTINCT FROM $2
		  AND app_id IS NOT DISTINCT FROM $3
		LIMIT 1
	`

	cfg, err := scanSMSConfig(r.db.Pool().QueryRow(ctx, query, scope, tenantID, appID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query sms config tuple: %w", err)
	}
	return cfg, nil
}

// ListSMSConfigs lists configs visible at the given level.
func (r *ConfigRepository) ListSMSConfigs(ctx context.Context, visibility ConfigVisibility, tenantID string) ([]*SMSConfig, error) {
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
		SELECT ` + smsConfigColumns + `
		FROM sms_configs
		WHERE ` + where + `
		ORDER BY scope, tenant_id NULLS FIRST, app_id NULLS FIRST
	`

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sms configs: %w", err)
	}
	defer rows.Close()

	var configs []*SMSConfig
	for rows.Next() {
		cfg, err := scanSMSConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sms config: %w", err)
		}
		configs = append(configs, cfg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return configs, nil
}

// InsertSMSConfig stores a new config, deactivating bucket siblings in the
// same transaction when the new row is active.
func (r *ConfigRepository) InsertSMSConfig(ctx context.Context, cfg *SMSConfig) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if cfg.IsActive {
		if err := deactivateSMSSiblings(ctx, tx, cfg); err != nil {
			return err
		}
	}

	query := `
		INSERT INTO sms_configs (
			id, scope, tenant_id, app_id, sid, token, from_number,
			fallback_to, service_sid, is_active, created_by
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
		RETURNING created_at, updated_at
	`

	err = tx.QueryRow(ctx, query,
		cfg.ID, cfg.Scope, cfg.TenantID, cfg.AppID, cfg.SID, cfg.Token,
		cfg.FromNumber, cfg.FallbackTo, cfg.ServiceSID, cfg.IsActive,
		cfg.CreatedBy,
	).Scan(&cfg.CreatedAt, &cfg.UpdatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("sms config for this scope target exists: %w", types.ErrConflict)
		}
		return fmt.Errorf("insert sms config: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("sms config created",
		zap.String("config_id", cfg.ID),
		zap.String("scope", cfg.Scope),
		zap.Bool("is_active", cfg.IsActive),
	)

	return nil
}

// UpdateSMSConfig writes the full row back, deactivating bucket siblings in
// the same transaction when activating.
func (r *ConfigRepository) UpdateSMSConfig(ctx context.Context, cfg *SMSConfig) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if cfg.IsActive {
		if err := deactivateSMSSiblings(ctx, tx, cfg); err != nil {
			return err
		}
	}

	query := `
		UPDATE sms_configs
		SET sid = $2, token = $3, from_number = $4, fallback_to = $5,
		    service_sid = $6, is_active = $7, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err = tx.QueryRow(ctx, query,
		cfg.ID, cfg.SID, cfg.Token, cfg.FromNumber, cfg.FallbackTo,
		cfg.ServiceSID, cfg.IsActive,
	).Scan(&cfg.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("sms config %s: %w", cfg.ID, types.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update sms config: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

func deactivateSMSSiblings(ctx context.Context, tx pgx.Tx, cfg *SMSConfig) error {
	var (
		query string
		args  []any
	)

	// Touch every sibling row so concurrent activations in one bucket
	// contend on the same row locks and cannot both commit active.
	switch cfg.Scope {
	case ScopeGlobal:
		query = `UPDATE sms_configs SET is_active = FALSE, updated_at = NOW()
			WHERE scope = 'GLOBAL' AND id <> $1`
		args = []any{cfg.ID}
	case ScopeTenant:
		query = `UPDATE sms_configs SET is_active = FALSE, updated_at = NOW()
			WHERE scope = 'TENANT' AND tenant_id = $2 AND id <> $1`
		args = []any{cfg.ID, cfg.TenantID}
	default:
		query = `UPDATE sms_configs SET is_active = FALSE, updated_at = NOW()
			WHERE scope = 'APP' AND app_id = $2 AND id <> $1`
		args = []any{cfg.ID, cfg.AppID}
	}

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("deactivate sibling sms configs: %w", err)
	}
	return nil
}

// RewriteSMSSecrets updates only the encrypted token column, used for lazy
// migration of legacy-format ciphertext.
func (r *ConfigRepository) RewriteSMSSecrets(ctx context.Context, id, token string) error {
	query := `UPDATE sms_configs SET token = $2, updated_at = NOW() WHERE id = $1`

	if _, err := r.db.Pool().Exec(ctx, query, id, token); err != nil {
		return fmt.Errorf("rewrite sms secrets: %w", err)
	}
	return nil
}

// DeleteSMSConfig removes a config row.
func (r *ConfigRepository) DeleteSMSConfig(ctx context.Context, id string) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM sms_configs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete sms config: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("sms config %s: %w", id, types.ErrNotFound)
	}

	r.logger.Info("sms config deleted", zap.String("config_id", id))
	return nil
}
