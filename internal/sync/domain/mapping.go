package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	shareddomain "github.com/felixgeelhaar/davsync/internal/shared/domain"
)

// Direction describes which way events flow for a mapping.
type Direction string

const (
	DirectionCalDAVToGoogle Direction = "caldav_to_google"
	DirectionGoogleToCalDAV Direction = "google_to_caldav"
	DirectionBidirectional  Direction = "bidirectional"
)

// Valid reports whether the direction is one of the known values.
func (d Direction) Valid() bool {
	switch d {
	case DirectionCalDAVToGoogle, DirectionGoogleToCalDAV, DirectionBidirectional:
		return true
	}
	return false
}

// SyncsToGoogle reports whether the direction writes to Google.
func (d Direction) SyncsToGoogle() bool {
	return d == DirectionCalDAVToGoogle || d == DirectionBidirectional
}

// SyncsToCalDAV reports whether the direction writes to CalDAV.
func (d Direction) SyncsToCalDAV() bool {
	return d == DirectionGoogleToCalDAV || d == DirectionBidirectional
}

// Mapping binds one CalDAV calendar to one Google calendar with a sync
// direction, window and interval.
type Mapping struct {
	shareddomain.BaseEntity
	accountID           uuid.UUID
	caldavCalendarID    string
	caldavCalendarName  string
	googleCalendarID    string
	googleCalendarName  string
	direction           Direction
	syncWindowDays      int
	syncIntervalMinutes int
	webhookURL          string
	enabled             bool
	lastSyncAt          *time.Time
	lastSyncStatus      SyncStatus
}

// NewMapping creates a mapping. Window and interval bounds follow the
// schedulable range: window 1-365 days, interval 1-1440 minutes.
func NewMapping(
	accountID uuid.UUID,
	caldavCalendarID, caldavCalendarName string,
	googleCalendarID, googleCalendarName string,
	direction Direction,
	syncWindowDays, syncIntervalMinutes int,
	webhookURL string,
) (*Mapping, error) {
	if accountID == uuid.Nil {
		return nil, errors.New("mapping requires a caldav account")
	}
	if strings.TrimSpace(caldavCalendarID) == "" {
		return nil, errors.New("mapping requires a caldav calendar id")
	}
	if strings.TrimSpace(googleCalendarID) == "" {
		return nil, errors.New("mapping requires a google calendar id")
	}
	if !direction.Valid() {
		return nil, fmt.Errorf("invalid sync direction %q", direction)
	}
	if syncWindowDays < 1 || syncWindowDays > 365 {
		return nil, fmt.Errorf("sync window must be 1-365 days, got %d", syncWindowDays)
	}
	if syncIntervalMinutes < 1 || syncIntervalMinutes > 1440 {
		return nil, fmt.Errorf("sync interval must be 1-1440 minutes, got %d", syncIntervalMinutes)
	}
	return &Mapping{
		BaseEntity:          shareddomain.NewBaseEntity(),
		accountID:           accountID,
		caldavCalendarID:    caldavCalendarID,
		caldavCalendarName:  caldavCalendarName,
		googleCalendarID:    googleCalendarID,
		googleCalendarName:  googleCalendarName,
		direction:           direction,
		syncWindowDays:      syncWindowDays,
		syncIntervalMinutes: syncIntervalMinutes,
		webhookURL:          webhookURL,
		enabled:             true,
	}, nil
}

// RehydrateMapping recreates a mapping from persisted state.
func RehydrateMapping(
	id, accountID uuid.UUID,
	caldavCalendarID, caldavCalendarName string,
	googleCalendarID, googleCalendarName string,
	direction Direction,
	syncWindowDays, syncIntervalMinutes int,
	webhookURL string,
	enabled bool,
	lastSyncAt *time.Time,
	lastSyncStatus SyncStatus,
	createdAt, updatedAt time.Time,
) *Mapping {
	return &Mapping{
		BaseEntity:          shareddomain.RehydrateBaseEntity(id, createdAt, updatedAt),
		accountID:           accountID,
		caldavCalendarID:    caldavCalendarID,
		caldavCalendarName:  caldavCalendarName,
		googleCalendarID:    googleCalendarID,
		googleCalendarName:  googleCalendarName,
		direction:           direction,
		syncWindowDays:      syncWindowDays,
		syncIntervalMinutes: syncIntervalMinutes,
		webhookURL:          webhookURL,
		enabled:             enabled,
		lastSyncAt:          lastSyncAt,
		lastSyncStatus:      lastSyncStatus,
	}
}

func (m *Mapping) AccountID() uuid.UUID       { return m.accountID }
func (m *Mapping) CalDAVCalendarID() string   { return m.caldavCalendarID }
func (m *Mapping) CalDAVCalendarName() string { return m.caldavCalendarName }
func (m *Mapping) GoogleCalendarID() string   { return m.googleCalendarID }
func (m *Mapping) GoogleCalendarName() string { return m.googleCalendarName }
func (m *Mapping) Direction() Direction       { return m.direction }
func (m *Mapping) SyncWindowDays() int        { return m.syncWindowDays }
func (m *Mapping) SyncIntervalMinutes() int   { return m.syncIntervalMinutes }
func (m *Mapping) WebhookURL() string         { return m.webhookURL }
func (m *Mapping) Enabled() bool              { return m.enabled }
func (m *Mapping) LastSyncAt() *time.Time     { return m.lastSyncAt }
func (m *Mapping) LastSyncStatus() SyncStatus { return m.lastSyncStatus }

// SyncInterval returns the sync interval as a duration.
func (m *Mapping) SyncInterval() time.Duration {
	return time.Duration(m.syncIntervalMinutes) * time.Minute
}

// Enable allows the mapping to be scheduled.
func (m *Mapping) Enable() {
	m.enabled = true
	m.Touch()
}

// Disable removes the mapping from scheduling.
func (m *Mapping) Disable() {
	m.enabled = false
	m.Touch()
}

// SetWebhookURL replaces the webhook target. Empty disables delivery.
func (m *Mapping) SetWebhookURL(url string) {
	m.webhookURL = url
	m.Touch()
}

// RecordSyncResult stamps the outcome of the latest run.
func (m *Mapping) RecordSyncResult(status SyncStatus, at time.Time) {
	at = at.UTC()
	m.lastSyncAt = &at
	m.lastSyncStatus = status
	m.Touch()
}
