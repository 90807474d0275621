package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/davsync/internal/sync/domain"
)

// SQLiteWebhookRetryRepository persists the webhook retry queue.
type SQLiteWebhookRetryRepository struct {
	db *sql.DB
}

func NewSQLiteWebhookRetryRepository(db *sql.DB) *SQLiteWebhookRetryRepository {
	return &SQLiteWebhookRetryRepository{db: db}
}

func (r *SQLiteWebhookRetryRepository) Save(ctx context.Context, retry *domain.WebhookRetry) error {
	query := `
		INSERT INTO webhook_retries (
			id, sync_log_id, url, payload,
			attempt_count, max_attempts, next_retry_at, last_error,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			attempt_count = excluded.attempt_count,
			next_retry_at = excluded.next_retry_at,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		retry.ID().String(),
		retry.SyncLogID().String(),
		retry.URL(),
		string(retry.Payload()),
		retry.AttemptCount(),
		retry.MaxAttempts(),
		fmtTime(retry.NextRetryAt()),
		retry.LastError(),
		fmtTime(retry.CreatedAt()),
		fmtTime(retry.UpdatedAt()),
	)
	if err != nil {
		return fmt.Errorf("save webhook retry: %w", err)
	}
	return nil
}

func (r *SQLiteWebhookRetryRepository) FindDue(ctx context.Context, now time.Time, limit int) ([]*domain.WebhookRetry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, sync_log_id, url, payload,
		       attempt_count, max_attempts, next_retry_at, last_error,
		       created_at, updated_at
		FROM webhook_retries
		WHERE next_retry_at <= ? AND attempt_count < max_attempts
		ORDER BY next_retry_at
		LIMIT ?`, fmtTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list due webhook retries: %w", err)
	}
	defer rows.Close()

	var retries []*domain.WebhookRetry
	for rows.Next() {
		retry, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		retries = append(retries, retry)
	}
	return retries, rows.Err()
}

func (r *SQLiteWebhookRetryRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM webhook_retries WHERE id = ?", id.String()); err != nil {
		return fmt.Errorf("delete webhook retry: %w", err)
	}
	return nil
}

func (r *SQLiteWebhookRetryRepository) DeleteExhaustedBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM webhook_retries
		WHERE attempt_count >= max_attempts AND updated_at < ?`, fmtTime(before))
	if err != nil {
		return 0, fmt.Errorf("delete exhausted webhook retries: %w", err)
	}
	return result.RowsAffected()
}

func (r *SQLiteWebhookRetryRepository) Stats(ctx context.Context) (domain.WebhookRetryStats, error) {
	var stats domain.WebhookRetryStats

	row := r.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN attempt_count < max_attempts THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN attempt_count >= max_attempts THEN 1 ELSE 0 END), 0),
			MIN(CASE WHEN attempt_count < max_attempts THEN next_retry_at END)
		FROM webhook_retries`)

	var next sql.NullString
	if err := row.Scan(&stats.Pending, &stats.Failed, &next); err != nil {
		return stats, fmt.Errorf("webhook retry stats: %w", err)
	}
	nextAt, err := parseTimePtr(next)
	if err != nil {
		return stats, err
	}
	stats.NextRetryAt = nextAt
	return stats, nil
}

func (r *SQLiteWebhookRetryRepository) scan(row rowScanner) (*domain.WebhookRetry, error) {
	var (
		idStr, syncLogIDStr, url, payload string
		attemptCount, maxAttempts         int
		nextRetryAtStr, lastError         string
		createdAtStr, updatedAtStr        string
	)
	if err := row.Scan(
		&idStr, &syncLogIDStr, &url, &payload,
		&attemptCount, &maxAttempts, &nextRetryAtStr, &lastError,
		&createdAtStr, &updatedAtStr,
	); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse webhook retry id: %w", err)
	}
	syncLogID, err := uuid.Parse(syncLogIDStr)
	if err != nil {
		return nil, fmt.Errorf("parse webhook retry sync log id: %w", err)
	}
	nextRetryAt, err := parseTime(nextRetryAtStr)
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

	return domain.RehydrateWebhookRetry(
		id, syncLogID, url, []byte(payload),
		attemptCount, maxAttempts, nextRetryAt, lastError,
		createdAt, updatedAt,
	), nil
}
