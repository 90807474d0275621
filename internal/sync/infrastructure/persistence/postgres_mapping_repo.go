package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felixgeelhaar/davsync/internal/sync/domain"
)

// PostgresMappingRepository persists calendar mappings in postgres.
type PostgresMappingRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresMappingRepository(pool *pgxpool.Pool) *PostgresMappingRepository {
	return &PostgresMappingRepository{pool: pool}
}

func (r *PostgresMappingRepository) Save(ctx context.Context, mapping *domain.Mapping) error {
	query := `
		INSERT INTO calendar_mappings (
			id, caldav_account_id, caldav_calendar_id, caldav_calendar_name,
			google_calendar_id, google_calendar_name, direction,
			sync_window_days, sync_interval_minutes, webhook_url, enabled,
			last_sync_at, last_sync_status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			caldav_account_id = EXCLUDED.caldav_account_id,
			caldav_calendar_id = EXCLUDED.caldav_calendar_id,
			caldav_calendar_name = EXCLUDED.caldav_calendar_name,
			google_calendar_id = EXCLUDED.google_calendar_id,
			google_calendar_name = EXCLUDED.google_calendar_name,
			direction = EXCLUDED.direction,
			sync_window_days = EXCLUDED.sync_window_days,
			sync_interval_minutes = EXCLUDED.sync_interval_minutes,
			webhook_url = EXCLUDED.webhook_url,
			enabled = EXCLUDED.enabled,
			last_sync_at = EXCLUDED.last_sync_at,
			last_sync_status = EXCLUDED.last_sync_status,
			updated_at = EXCLUDED.updated_at`

	_, err := r.pool.Exec(ctx, query,
		mapping.ID(),
		mapping.AccountID(),
		mapping.CalDAVCalendarID(),
		mapping.CalDAVCalendarName(),
		mapping.GoogleCalendarID(),
		mapping.GoogleCalendarName(),
		string(mapping.Direction()),
		mapping.SyncWindowDays(),
		mapping.SyncIntervalMinutes(),
		mapping.WebhookURL(),
		mapping.Enabled(),
		mapping.LastSyncAt(),
		string(mapping.LastSyncStatus()),
		mapping.CreatedAt(),
		mapping.UpdatedAt(),
	)
	if err != nil {
		return fmt.Errorf("save mapping: %w", err)
	}
	return nil
}

func (r *PostgresMappingRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Mapping, error) {
	row := r.pool.QueryRow(ctx, r.selectQuery("WHERE id = $1"), id)
	mapping, err := r.scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return mapping, err
}

func (r *PostgresMappingRepository) FindAll(ctx context.Context) ([]*domain.Mapping, error) {
	return r.list(ctx, r.selectQuery("ORDER BY created_at"))
}

func (r *PostgresMappingRepository) FindEnabled(ctx context.Context) ([]*domain.Mapping, error) {
	return r.list(ctx, r.selectQuery("WHERE enabled ORDER BY created_at"))
}

func (r *PostgresMappingRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.pool.Exec(ctx, "DELETE FROM calendar_mappings WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete mapping: %w", err)
	}
	return nil
}

func (r *PostgresMappingRepository) list(ctx context.Context, query string, args ...any) ([]*domain.Mapping, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*domain.Mapping
	for rows.Next() {
		mapping, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, mapping)
	}
	return mappings, rows.Err()
}

func (r *PostgresMappingRepository) selectQuery(suffix string) string {
	return `
		SELECT id, caldav_account_id, caldav_calendar_id, caldav_calendar_name,
		       google_calendar_id, google_calendar_name, direction,
		       sync_window_days, sync_interval_minutes, webhook_url, enabled,
		       last_sync_at, last_sync_status, created_at, updated_at
		FROM calendar_mappings ` + suffix
}

func (r *PostgresMappingRepository) scan(row pgx.Row) (*domain.Mapping, error) {
	var (
		id, accountID               uuid.UUID
		caldavCalID, caldavCalName  string
		googleCalID, googleCalName  string
		direction, lastSyncStatus   string
		windowDays, intervalMinutes int
		webhookURL                  string
		enabled                     bool
		lastSyncAt                  *time.Time
		createdAt, updatedAt        time.Time
	)
	if err := row.Scan(
		&id, &accountID, &caldavCalID, &caldavCalName,
		&googleCalID, &googleCalName, &direction,
		&windowDays, &intervalMinutes, &webhookURL, &enabled,
		&lastSyncAt, &lastSyncStatus, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	return domain.RehydrateMapping(
		id, accountID,
		caldavCalID, caldavCalName,
		googleCalID, googleCalName,
		domain.Direction(direction),
		windowDays, intervalMinutes,
		webhookURL, enabled,
		lastSyncAt, domain.SyncStatus(lastSyncStatus),
		createdAt, updatedAt,
	), nil
}
