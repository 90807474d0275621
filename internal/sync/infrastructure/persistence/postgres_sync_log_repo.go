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

// PostgresSyncLogRepository persists sync run audit records.
type PostgresSyncLogRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresSyncLogRepository(pool *pgxpool.Pool) *PostgresSyncLogRepository {
	return &PostgresSyncLogRepository{pool: pool}
}

func (r *PostgresSyncLogRepository) Save(ctx context.Context, log *domain.SyncLog) error {
	query := `
		INSERT INTO sync_logs (
			id, mapping_id, direction, status,
			inserted, updated, deleted, error_count,
			error_messages, event_summaries, change_summary,
			started_at, completed_at, webhook_sent, webhook_status,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			inserted = EXCLUDED.inserted,
			updated = EXCLUDED.updated,
			deleted = EXCLUDED.deleted,
			error_count = EXCLUDED.error_count,
			error_messages = EXCLUDED.error_messages,
			event_summaries = EXCLUDED.event_summaries,
			change_summary = EXCLUDED.change_summary,
			completed_at = EXCLUDED.completed_at,
			webhook_sent = EXCLUDED.webhook_sent,
			webhook_status = EXCLUDED.webhook_status,
			updated_at = EXCLUDED.updated_at`

	_, err := r.pool.Exec(ctx, query,
		log.ID(),
		log.MappingID(),
		string(log.Direction()),
		string(log.Status()),
		log.Inserted(),
		log.Updated(),
		log.Deleted(),
		log.ErrorCount(),
		encodeStrings(log.ErrorMessages()),
		encodeStrings(log.EventSummaries()),
		log.ChangeSummary(),
		log.StartedAt(),
		log.CompletedAt(),
		log.WebhookSent(),
		log.WebhookStatus(),
		log.CreatedAt(),
		log.UpdatedAt(),
	)
	if err != nil {
		return fmt.Errorf("save sync log: %w", err)
	}
	return nil
}

func (r *PostgresSyncLogRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.SyncLog, error) {
	row := r.pool.QueryRow(ctx, r.selectQuery("WHERE id = $1"), id)
	log, err := r.scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return log, err
}

func (r *PostgresSyncLogRepository) FindByMapping(ctx context.Context, mappingID uuid.UUID, limit int) ([]*domain.SyncLog, error) {
	rows, err := r.pool.Query(ctx,
		r.selectQuery("WHERE mapping_id = $1 ORDER BY started_at DESC LIMIT $2"),
		mappingID, limit)
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

func (r *PostgresSyncLogRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, "DELETE FROM sync_logs WHERE started_at < $1", before)
	if err != nil {
		return 0, fmt.Errorf("delete old sync logs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresSyncLogRepository) selectQuery(suffix string) string {
	return `
		SELECT id, mapping_id, direction, status,
		       inserted, updated, deleted, error_count,
		       error_messages, event_summaries, change_summary,
		       started_at, completed_at, webhook_sent, webhook_status,
		       created_at, updated_at
		FROM sync_logs ` + suffix
}

func (r *PostgresSyncLogRepository) scan(row pgx.Row) (*domain.SyncLog, error) {
	var (
		id, mappingID                          uuid.UUID
		direction, status                      string
		inserted, updated, deleted, errorCount int
		errorMessages, eventSummaries          []byte
		changeSummary                          string
		startedAt                              time.Time
		completedAt                            *time.Time
		webhookSent                            bool
		webhookStatus                          string
		createdAt, updatedAt                   time.Time
	)
	if err := row.Scan(
		&id, &mappingID, &direction, &status,
		&inserted, &updated, &deleted, &errorCount,
		&errorMessages, &eventSummaries, &changeSummary,
		&startedAt, &completedAt, &webhookSent, &webhookStatus,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	return domain.RehydrateSyncLog(
		id, mappingID,
		domain.Direction(direction), domain.SyncStatus(status),
		inserted, updated, deleted, errorCount,
		decodeStrings(string(errorMessages)), decodeStrings(string(eventSummaries)),
		changeSummary, startedAt, completedAt,
		webhookSent, webhookStatus,
		createdAt, updatedAt,
	), nil
}
