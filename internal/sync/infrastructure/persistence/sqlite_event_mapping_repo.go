package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/davsync/internal/sync/domain"
)

// SQLiteEventMappingRepository persists per-event sync bookkeeping.
type SQLiteEventMappingRepository struct {
	db *sql.DB
}

func NewSQLiteEventMappingRepository(db *sql.DB) *SQLiteEventMappingRepository {
	return &SQLiteEventMappingRepository{db: db}
}

func (r *SQLiteEventMappingRepository) Save(ctx context.Context, em *domain.EventMapping) error {
	query := `
		INSERT INTO event_mappings (
			id, mapping_id, caldav_uid, recurrence_id, google_event_id,
			last_caldav_modified, last_google_updated, last_sync_direction,
			content_hash, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (mapping_id, caldav_uid, recurrence_id) DO UPDATE SET
			google_event_id = excluded.google_event_id,
			last_caldav_modified = excluded.last_caldav_modified,
			last_google_updated = excluded.last_google_updated,
			last_sync_direction = excluded.last_sync_direction,
			content_hash = excluded.content_hash,
			updated_at = excluded.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		em.ID().String(),
		em.MappingID().String(),
		em.CalDAVUID(),
		em.RecurrenceID(),
		em.GoogleEventID(),
		fmtTimePtr(em.LastCalDAVModified()),
		fmtTimePtr(em.LastGoogleUpdated()),
		string(em.LastSyncDirection()),
		em.ContentHash(),
		fmtTime(em.CreatedAt()),
		fmtTime(em.UpdatedAt()),
	)
	if err != nil {
		return fmt.Errorf("save event mapping: %w", err)
	}
	return nil
}

func (r *SQLiteEventMappingRepository) FindByMapping(ctx context.Context, mappingID uuid.UUID) ([]*domain.EventMapping, error) {
	rows, err := r.db.QueryContext(ctx, r.selectQuery("WHERE mapping_id = ? ORDER BY caldav_uid, recurrence_id"), mappingID.String())
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

func (r *SQLiteEventMappingRepository) FindByUID(ctx context.Context, mappingID uuid.UUID, caldavUID, recurrenceID string) (*domain.EventMapping, error) {
	row := r.db.QueryRowContext(ctx,
		r.selectQuery("WHERE mapping_id = ? AND caldav_uid = ? AND recurrence_id = ?"),
		mappingID.String(), caldavUID, recurrenceID)
	em, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return em, err
}

func (r *SQLiteEventMappingRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM event_mappings WHERE id = ?", id.String()); err != nil {
		return fmt.Errorf("delete event mapping: %w", err)
	}
	return nil
}

func (r *SQLiteEventMappingRepository) DeleteByMapping(ctx context.Context, mappingID uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM event_mappings WHERE mapping_id = ?", mappingID.String()); err != nil {
		return fmt.Errorf("delete event mappings: %w", err)
	}
	return nil
}

func (r *SQLiteEventMappingRepository) selectQuery(suffix string) string {
	return `
		SELECT id, mapping_id, caldav_uid, recurrence_id, google_event_id,
		       last_caldav_modified, last_google_updated, last_sync_direction,
		       content_hash, created_at, updated_at
		FROM event_mappings ` + suffix
}

func (r *SQLiteEventMappingRepository) scan(row rowScanner) (*domain.EventMapping, error) {
	var (
		idStr, mappingIDStr                 string
		caldavUID, recurrenceID, googleID   string
		lastCalDAVModified, lastGoogleUpd   sql.NullString
		direction, contentHash              string
		createdAtStr, updatedAtStr          string
	)
	if err := row.Scan(
		&idStr, &mappingIDStr, &caldavUID, &recurrenceID, &googleID,
		&lastCalDAVModified, &lastGoogleUpd, &direction,
		&contentHash, &createdAtStr, &updatedAtStr,
	); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse event mapping id: %w", err)
	}
	mappingID, err := uuid.Parse(mappingIDStr)
	if err != nil {
		return nil, fmt.Errorf("parse event mapping parent id: %w", err)
	}
	caldavMod, err := parseTimePtr(lastCalDAVModified)
	if err != nil {
		return nil, err
	}
	googleUpd, err := parseTimePtr(lastGoogleUpd)
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

	return domain.RehydrateEventMapping(
		id, mappingID, caldavUID, recurrenceID, googleID,
		caldavMod, googleUpd, domain.Direction(direction), contentHash,
		createdAt, updatedAt,
	), nil
}
