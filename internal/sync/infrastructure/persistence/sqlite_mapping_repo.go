package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/davsync/internal/sync/domain"
)

// SQLiteMappingRepository persists calendar mappings in sqlite.
type SQLiteMappingRepository struct {
	db *sql.DB
}

func NewSQLiteMappingRepository(db *sql.DB) *SQLiteMappingRepository {
	return &SQLiteMappingRepository{db: db}
}

func (r *SQLiteMappingRepository) Save(ctx context.Context, mapping *domain.Mapping) error {
	query := `
		INSERT INTO calendar_mappings (
			id, caldav_account_id, caldav_calendar_id, caldav_calendar_name,
			google_calendar_id, google_calendar_name, direction,
			sync_window_days, sync_interval_minutes, webhook_url, enabled,
			last_sync_at, last_sync_status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			caldav_account_id = excluded.caldav_account_id,
			caldav_calendar_id = excluded.caldav_calendar_id,
			caldav_calendar_name = excluded.caldav_calendar_name,
			google_calendar_id = excluded.google_calendar_id,
			google_calendar_name = excluded.google_calendar_name,
			direction = excluded.direction,
			sync_window_days = excluded.sync_window_days,
			sync_interval_minutes = excluded.sync_interval_minutes,
			webhook_url = excluded.webhook_url,
			enabled = excluded.enabled,
			last_sync_at = excluded.last_sync_at,
			last_sync_status = excluded.last_sync_status,
			updated_at = excluded.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		mapping.ID().String(),
		mapping.AccountID().String(),
		mapping.CalDAVCalendarID(),
		mapping.CalDAVCalendarName(),
		mapping.GoogleCalendarID(),
		mapping.GoogleCalendarName(),
		string(mapping.Direction()),
		mapping.SyncWindowDays(),
		mapping.SyncIntervalMinutes(),
		mapping.WebhookURL(),
		mapping.Enabled(),
		fmtTimePtr(mapping.LastSyncAt()),
		string(mapping.LastSyncStatus()),
		fmtTime(mapping.CreatedAt()),
		fmtTime(mapping.UpdatedAt()),
	)
	if err != nil {
		return fmt.Errorf("save mapping: %w", err)
	}
	return nil
}

func (r *SQLiteMappingRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Mapping, error) {
	row := r.db.QueryRowContext(ctx, r.selectQuery("WHERE id = ?"), id.String())
	mapping, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return mapping, err
}

func (r *SQLiteMappingRepository) FindAll(ctx context.Context) ([]*domain.Mapping, error) {
	return r.list(ctx, r.selectQuery("ORDER BY created_at"))
}

func (r *SQLiteMappingRepository) FindEnabled(ctx context.Context) ([]*domain.Mapping, error) {
	return r.list(ctx, r.selectQuery("WHERE enabled = 1 ORDER BY created_at"))
}

func (r *SQLiteMappingRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM calendar_mappings WHERE id = ?", id.String()); err != nil {
		return fmt.Errorf("delete mapping: %w", err)
	}
	return nil
}

func (r *SQLiteMappingRepository) list(ctx context.Context, query string, args ...any) ([]*domain.Mapping, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
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

func (r *SQLiteMappingRepository) selectQuery(suffix string) string {
	return `
		SELECT id, caldav_account_id, caldav_calendar_id, caldav_calendar_name,
		       google_calendar_id, google_calendar_name, direction,
		       sync_window_days, sync_interval_minutes, webhook_url, enabled,
		       last_sync_at, last_sync_status, created_at, updated_at
		FROM calendar_mappings ` + suffix
}

func (r *SQLiteMappingRepository) scan(row rowScanner) (*domain.Mapping, error) {
	var (
		idStr, accountIDStr                        string
		caldavCalID, caldavCalName                 string
		googleCalID, googleCalName                 string
		direction, lastSyncStatus                  string
		windowDays, intervalMinutes                int
		webhookURL                                 string
		enabled                                    bool
		lastSyncAt                                 sql.NullString
		createdAtStr, updatedAtStr                 string
	)
	if err := row.Scan(
		&idStr, &accountIDStr, &caldavCalID, &caldavCalName,
		&googleCalID, &googleCalName, &direction,
		&windowDays, &intervalMinutes, &webhookURL, &enabled,
		&lastSyncAt, &lastSyncStatus, &createdAtStr, &updatedAtStr,
	); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse mapping id: %w", err)
	}
	accountID, err := uuid.Parse(accountIDStr)
	if err != nil {
		return nil, fmt.Errorf("parse mapping account id: %w", err)
	}
	lastSync, err := parseTimePtr(lastSyncAt)
	if err != nil {
		return nil, err
	}
	createdAt, err := parseTime(createdAtStr)
	if err != nil {
		return nil, err
	}
	updatedAt, err := parseTime(updatedAtStr)
	if err != nil {
		return nil, err
	}

	return domain.RehydrateMapping(
		id, accountID,
		caldavCalID, caldavCalName,
		googleCalID, googleCalName,
		domain.Direction(direction),
		windowDays, intervalMinutes,
		webhookURL, enabled,
		lastSync, domain.SyncStatus(lastSyncStatus),
		createdAt, updatedAt,
	), nil
}
