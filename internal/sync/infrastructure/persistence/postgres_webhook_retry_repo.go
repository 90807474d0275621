package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felixgeelhaar/davsync/internal/sync/domain"
)

// PostgresWebhookRetryRepository persists the webhook retry queue.
type PostgresWebhookRetryRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresWebhookRetryRepository(pool *pgxpool.Pool) *PostgresWebhookRetryRepository {
	return &PostgresWebhookRetryRepository{pool: pool}
}

func (r *PostgresWebhookRetryRepository) Save(ctx context.Context, retry *domain.WebhookRetry) error {
	query := `
		INSERT INTO webhook_retries (
			id, sync_log_id, url, payload,
			attempt_count, max_attempts, next_retry_at, last_error,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			attempt_count = EXCLUDED.attempt_count,
			next_retry_at = EXCLUDED.next_retry_at,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at`

	_, err := r.pool.Exec(ctx, query,
		retry.ID(),
		retry.SyncLogID(),
		retry.URL(),
		string(retry.Payload()),
		retry.AttemptCount(),
		retry.MaxAttempts(),
		retry.NextRetryAt(),
		retry.LastError(),
		retry.CreatedAt(),
		retry.UpdatedAt(),
	)
	if err != nil {
		return fmt.Errorf("save webhook retry: %w", err)
	}
	return nil
}

func (r *PostgresWebhookRetryRepository) FindDue(ctx context.Context, now time.Time, limit int) ([]*domain.WebhookRetry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, sync_log_id, url, payload,
		       attempt_count, max_attempts, next_retry_at, last_error,
		       created_at, updated_at
		FROM webhook_retries
		WHERE next_retry_at <= $1 AND attempt_count < max_attempts
		ORDER BY next_retry_at
		LIMIT $2`, now, limit)
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

func (r *PostgresWebhookRetryRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.pool.Exec(ctx, "DELETE FROM webhook_retries WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete webhook retry: %w", err)
	}
	return nil
}

func (r *PostgresWebhookRetryRepository) DeleteExhaustedBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM webhook_retries
		WHERE attempt_count >= max_attempts AND updated_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete exhausted webhook retries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresWebhookRetryRepository) Stats(ctx context.Context) (domain.WebhookRetryStats, error) {
	var stats domain.WebhookRetryStats

	row := r.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN attempt_count < max_attempts THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN attempt_count >= max_attempts THEN 1 ELSE 0 END), 0),
			MIN(CASE WHEN attempt_count < max_attempts THEN next_retry_at END)
		FROM webhook_retries`)

	if err := row.Scan(&stats.Pending, &stats.Failed, &stats.NextRetryAt); err != nil {
		return stats, fmt.Errorf("webhook retry stats: %w", err)
	}
	return stats, nil
}

func (r *PostgresWebhookRetryRepository) scan(row pgx.Row) (*domain.WebhookRetry, error) {
	var (
		id, syncLogID             uuid.UUID
		url, payload              string
		attemptCount, maxAttempts int
		nextRetryAt               time.Time
		lastError                 string
		createdAt, updatedAt      time.Time
	)
	if err := row.Scan(
		&id, &syncLogID, &url, &payload,
		&attemptCount, &maxAttempts, &nextRetryAt, &lastError,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	return domain.RehydrateWebhookRetry(
		id, syncLogID, url, []byte(payload),
		attemptCount, maxAttempts, nextRetryAt, lastError,
		createdAt, updatedAt,
	), nil
}
