package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"

	shareddomain "github.com/felixgeelhaar/davsync/internal/shared/domain"
)

// EventMapping is the persisted correspondence between one CalDAV event and
// one Google event within a mapping. It is the only source of truth tying
// the two sides; losing it forces a resync by content.
//
// (mappingID, caldavUID, recurrenceID) is unique; recurrenceID is empty for
// non-recurring events and series masters, so overridden instances track
// separately from their series.
type EventMapping struct {
	shareddomain.BaseEntity
	mappingID          uuid.UUID
	caldavUID          string
	recurrenceID       string
	googleEventID      string
	lastCalDAVModified *time.Time
	lastGoogleUpdated  *time.Time
	lastSyncDirection  Direction
	contentHash        string
}

// NewEventMapping records the first successful sync of an event pair.
func NewEventMapping(mappingID uuid.UUID, caldavUID, recurrenceID, googleEventID string) (*EventMapping, error) {
	if mappingID == uuid.Nil {
		return nil, errors.New("event mapping requires a mapping id")
	}
	if caldavUID == "" {
		return nil, errors.New("event mapping requires a caldav uid")
	}
	return &EventMapping{
		BaseEntity:    shareddomain.NewBaseEntity(),
		mappingID:     mappingID,
		caldavUID:     caldavUID,
		recurrenceID:  recurrenceID,
		googleEventID: googleEventID,
	}, nil
}

// RehydrateEventMapping recreates an event mapping from persisted state.
func RehydrateEventMapping(
	id, mappingID uuid.UUID,
	caldavUID, recurrenceID, googleEventID string,
	lastCalDAVModified, lastGoogleUpdated *time.Time,
	lastSyncDirection Direction,
	contentHash string,
	createdAt, updatedAt time.Time,
) *EventMapping {
	return &EventMapping{
		BaseEntity:         shareddomain.RehydrateBaseEntity(id, createdAt, updatedAt),
		mappingID:          mappingID,
		caldavUID:          caldavUID,
		recurrenceID:       recurrenceID,
		googleEventID:      googleEventID,
		lastCalDAVModified: lastCalDAVModified,
		lastGoogleUpdated:  lastGoogleUpdated,
		lastSyncDirection:  lastSyncDirection,
		contentHash:        contentHash,
	}
}

func (em *EventMapping) MappingID() uuid.UUID            { return em.mappingID }
func (em *EventMapping) CalDAVUID() string               { return em.caldavUID }
func (em *EventMapping) RecurrenceID() string            { return em.recurrenceID }
func (em *EventMapping) GoogleEventID() string           { return em.googleEventID }
func (em *EventMapping) LastCalDAVModified() *time.Time  { return em.lastCalDAVModified }
func (em *EventMapping) LastGoogleUpdated() *time.Time   { return em.lastGoogleUpdated }
func (em *EventMapping) LastSyncDirection() Direction    { return em.lastSyncDirection }
func (em *EventMapping) ContentHash() string             { return em.contentHash }

// SetGoogleEventID records the Google id assigned on insert.
func (em *EventMapping) SetGoogleEventID(id string) {
	em.googleEventID = id
	em.Touch()
}

// RecordSync updates the bookkeeping after a successful apply. The content
// hash is the hash of the source side of the applied change.
func (em *EventMapping) RecordSync(caldavModified, googleUpdated *time.Time, direction Direction, contentHash string) {
	if caldavModified != nil {
		t := caldavModified.UTC()
		em.lastCalDAVModified = &t
	}
	if googleUpdated != nil {
		t := googleUpdated.UTC()
		em.lastGoogleUpdated = &t
	}
	em.lastSyncDirection = direction
	em.contentHash = contentHash
	em.Touch()
}
