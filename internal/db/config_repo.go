package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/avisitor/mail-service-sub000/internal/types"
)

// ConfigRepository handles database operations for apps and provider
// configurations (email and SMS).
type ConfigRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewConfigRepository creates a new provider-config repository
func NewConfigRepository(db *DB, logger *zap.Logger) *ConfigRepository {
	return &ConfigRepository{
		db:     db,
		logger: logger,
	}
}

// FindAppByID retrieves an app by its primary id.
func (r *ConfigRepository) FindAppByID(ctx context.Context, id string) (*App, error) {
	return r.findApp(ctx, "id", id)
}

// FindAppByClientID retrieves an app by its externally visible client id.
func (r *ConfigRepository) FindAppByClientID(ctx context.Context, clientID string) (*App, error) {
	return r.findApp(ctx, "client_id", clientID)
}

func (r *ConfigRepository) findApp(ctx context.Context, column, value string) (*App, error) {
	query := fmt.Sprintf(`
		SELECT id, client_id, name, tenant_id, created_at
		FROM apps
		WHERE %s = $1
	`, column)

	var app App
	err := r.db.Pool().QueryRow(ctx, query, value).Scan(
		&app.ID,
		&app.ClientID,
		&app.Name,
		&app.TenantID,
		&app.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("app %s: %w", value, types.ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("query app: %w", err)
	}

	return &app, nil
}

// CreateApp inserts a new app record.
func (r *ConfigRepository) CreateApp(ctx context.Context, app *App) error {
	query := `
		INSERT INTO apps (id, client_id, name, tenant_id)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		app.ID,
		app.ClientID,
		app.Name,
		app.TenantID,
	).Scan(&app.CreatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("app %s: %w", app.ClientID, types.ErrConflict)
		}
		return fmt.Errorf("insert app: %w", err)
	}

	r.logger.Info("app created",
		zap.String("app_id", app.ID),
		zap.String("tenant_id", app.TenantID),
	)

	return nil
}
