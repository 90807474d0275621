package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/davsync/internal/sync/domain"
)

// SQLiteSyncLogRepository persists sync run audit records.
type SQLiteSyncLogRepository struct {
	db *sql.DB
}

func NewSQLiteSyncLogRepository(db *sql.DB) *SQLiteSyncLogRepository {
	return &SQLiteSyncLogRepository{db: db}
}

func (r *SQLiteSyncLogRepository) Save(ctx context.Context, log *domain.SyncLog) error {
	query := `
		INSERT INTO sync_logs (
			id, mapping_id, direction, status,
			inserted, updated, deleted, error_count,
			error_messages, event_summaries, change_summary,
			started_at, completed_at, webhook_sent, webhook_status,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			inserted = excluded.inserted,
			updated = excluded.updated,
			deleted = excluded.deleted,
			error_count = excluded.error_count,
			error_messages = excluded.error_messages,
			event_summaries = excluded.event_summaries,
			change_summary = excluded.change_summary,
			completed_at = excluded.completed_at,
			webhook_sent = excluded.webhook_sent,
			webhook_status = excluded.webhook_status,
			updated_at = excluded.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		log.ID().String(),
		log.MappingID().String(),
		string(log.Direction()),
		string(log.Status()),
		log.Inserted(),
		log.Updated(),
		log.Deleted(),
		log.ErrorCount(),
		encodeStrings(log.ErrorMessages()),
		encodeStrings(log.EventSummaries()),
		log.ChangeSummary(),
		fmtTime(log.StartedAt()),
		fmtTimePtr(log.CompletedAt()),
		log.WebhookSent(),
		log.WebhookStatus(),
		fmtTime(log.CreatedAt()),
		fmtTime(log.UpdatedAt()),
	)
	if err != nil {
		return fmt.Errorf("save sync log: %w", err)
	}
	return nil
}

func (r *SQLiteSyncLogRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.SyncLog, error) {
	row := r.db.QueryRowContext(ctx, r.selectQuery("WHERE id = ?"), id.String())
	log, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return log, err
}

func (r *SQLiteSyncLogRepository) FindByMapping(ctx context.Context, mappingID uuid.UUID, limit int) ([]*domain.SyncLog, error) {
	rows, err := r.db.QueryContext(ctx,
		r.selectQuery("WHERE mapping_id = ? ORDER BY started_at DESC LIMIT ?"),
		mappingID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("list sync logs: %w", err)
	}
	defer rows.Close()

	var logs []*domain.SyncLog
	for rows.Next() {
		log, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

func (r *SQLiteSyncLogRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM sync_logs WHERE started_at < ?", fmtTime(before))
	if err != nil {
		return 0, fmt.Errorf("delete old sync logs: %w", err)
	}
	return result.RowsAffected()
}

func (r *SQLiteSyncLogRepository) selectQuery(suffix string) string {
	return `
		SELECT id, mapping_id, direction, status,
		       inserted, updated, deleted, error_count,
		       error_messages, event_summaries, change_summary,
		       started_at, completed_at, webhook_sent, webhook_status,
		       created_at, updated_at
		FROM sync_logs ` + suffix
}

func (r *SQLiteSyncLogRepository) scan(row rowScanner) (*domain.SyncLog, error) {
	var (
		idStr, mappingIDStr, direction, status       string
		inserted, updated, deleted, errorCount       int
		errorMessages, eventSummaries, changeSummary string
		startedAtStr                                 string
		completedAt                                  sql.NullString
		webhookSent                                  bool
		webhookStatus                                string
		createdAtStr, updatedAtStr                   string
	)
	if err := row.Scan(
		&idStr, &mappingIDStr, &direction, &status,
		&inserted, &updated, &deleted, &errorCount,
		&errorMessages, &eventSummaries, &changeSummary,
		&startedAtStr, &completedAt, &webhookSent, &webhookStatus,
		&createdAtStr, &updatedAtStr,
	); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse sync log id: %w", err)
	}
	mappingID, err := uuid.Parse(mappingIDStr)
	if err != nil {
		return nil, fmt.Errorf("parse sync log mapping id: %w", err)
	}
	startedAt, err := parseTime(startedAtStr)
	if err != nil {
		return nil, err
	}
	completed, err := parseTimePtr(completedAt)
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

	return domain.RehydrateSyncLog(
		id, mappingID,
		domain.Direction(direction), domain.SyncStatus(status),
		inserted, updated, deleted, errorCount,
		decodeStrings(errorMessages), decodeStrings(eventSummaries),
		changeSummary, startedAt, completed,
		webhookSent, webhookStatus,
		createdAt, updatedAt,
	), nil
}
