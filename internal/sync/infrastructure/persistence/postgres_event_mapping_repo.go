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

// PostgresEventMappingRepository persists per-event sync bookkeeping.
type PostgresEventMappingRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresEventMappingRepository(pool *pgxpool.Pool) *PostgresEventMappingRepository {
	return &PostgresEventMappingRepository{pool: pool}
}

func (r *PostgresEventMappingRepository) Save(ctx context.Context, em *domain.EventMapping) error {
	query := `
		INSERT INTO event_mappings (
			id, mapping_id, caldav_uid, recurrence_id, google_event_id,
			last_caldav_modified, last_google_updated, last_sync_direction,
			content_hash, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (mapping_id, caldav_uid, recurrence_id) DO UPDATE SET
			google_event_id = EXCLUDED.google_event_id,
			last_caldav_modified = EXCLUDED.last_caldav_modified,
			last_google_updated = EXCLUDED.last_google_updated,
			last_sync_direction = EXCLUDED.last_sync_direction,
			content_hash = EXCLUDED.content_hash,
			updated_at = EXCLUDED.updated_at`

	_, err := r.pool.Exec(ctx, query,
		em.ID(),
		em.MappingID(),
		em.CalDAVUID(),
		em.RecurrenceID(),
		em.GoogleEventID(),
		em.LastCalDAVModified(),
		em.LastGoogleUpdated(),
		string(em.LastSyncDirection()),
		em.ContentHash(),
		em.CreatedAt(),
		em.UpdatedAt(),
	)
	if err != nil {
		return fmt.Errorf("save event mapping: %w", err)
	}
	return nil
}

func (r *PostgresEventMappingRepository) FindByMapping(ctx context.Context, mappingID uuid.UUID) ([]*domain.EventMapping, error) {
	rows, err := r.pool.Query(ctx,
		r.selectQuery("WHERE mapping_id = $1 ORDER BY caldav_uid, recurrence_id"), mappingID)
	if err != nil {
		return nil, fmt.Errorf("list event mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*domain.EventMapping
	for rows.Next() {
		em, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, em)
	}
	return mappings, rows.Err()
}

func (r *PostgresEventMappingRepository) FindByUID(ctx context.Context, mappingID uuid.UUID, caldavUID, recurrenceID string) (*domain.EventMapping, error) {
	row := r.pool.QueryRow(ctx,
		r.selectQuery("WHERE mapping_id = $1 AND caldav_uid = $2 AND recurrence_id = $3"),
		mappingID, caldavUID, recurrenceID)
	em, err := r.scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return em, err
}

func (r *PostgresEventMappingRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.pool.Exec(ctx, "DELETE FROM event_mappings WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete event mapping: %w", err)
	}
	return nil
}

func (r *PostgresEventMappingRepository) DeleteByMapping(ctx context.Context, mappingID uuid.UUID) error {
	if _, err := r.pool.Exec(ctx, "DELETE FROM event_mappings WHERE mapping_id = $1", mappingID); err != nil {
		return fmt.Errorf("delete event mappings: %w", err)
	}
	return nil
}

func (r *PostgresEventMappingRepository) selectQuery(suffix string) string {
	return `
		SELECT id, mapping_id, caldav_uid, recurrence_id, google_event_id,
		       last_caldav_modified, last_google_updated, last_sync_direction,
		       content_hash, created_at, updated_at
		FROM event_mappings ` + suffix
}

func (r *PostgresEventMappingRepository) scan(row pgx.Row) (*domain.EventMapping, error) {
	var (
		id, mappingID                     uuid.UUID
		caldavUID, recurrenceID, googleID string
		lastCalDAVModified, lastGoogleUpd *time.Time
		direction, contentHash            string
		createdAt, updatedAt              time.Time
	)
	if err := row.Scan(
		&id, &mappingID, &caldavUID, &recurrenceID, &googleID,
		&lastCalDAVModified, &lastGoogleUpd, &direction,
		&contentHash, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	return domain.RehydrateEventMapping(
		id, mappingID, caldavUID, recurrenceID, googleID,
		lastCalDAVModified, lastGoogleUpd, domain.Direction(direction), contentHash,
		createdAt, updatedAt,
	), nil
}
