package application

import (
	"context"
	"time"

	"github.com/felixgeelhaar/davsync/internal/sync/domain"
)

// CalDAVClient is the port to a CalDAV server. Implementations fail with
// the domain error taxonomy (ConnectionError, AuthError, NotFoundError,
// ProtocolError).
type CalDAVClient interface {
	TestConnection(ctx context.Context, account *domain.CalDAVAccount, password string) error
	DiscoverCalendars(ctx context.Context, account *domain.CalDAVAccount, password string) ([]domain.CalendarInfo, error)
	GetEvents(ctx context.Context, account *domain.CalDAVAccount, password, calendarID string, start, end time.Time) ([]domain.Event, error)
	CreateEvent(ctx context.Context, account *domain.CalDAVAccount, password, calendarID string, event domain.Event) error
	UpdateEvent(ctx context.Context, account *domain.CalDAVAccount, password, calendarID string, event domain.Event) error
	DeleteEvent(ctx context.Context, account *domain.CalDAVAccount, password, calendarID, uid string) error
}

// GoogleClient is the port to the Google Calendar API. Implementations fail
// with the domain error taxonomy (AuthError, RateLimitError, NotFoundError,
// ProtocolError).
type GoogleClient interface {
	ListCalendars(ctx context.Context) ([]domain.CalendarInfo, error)
	GetCalendar(ctx context.Context, calendarID string) (*domain.CalendarInfo, error)
	GetEvents(ctx context.Context, calendarID string, start, end time.Time) ([]domain.Event, error)
	// CreateEvent returns the Google event id assigned by the API.
	CreateEvent(ctx context.Context, calendarID string, event domain.Event) (string, error)
	UpdateEvent(ctx context.Context, calendarID string, event domain.Event) error
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
	FindEventsByUID(ctx context.Context, calendarID, icalUID string) ([]domain.Event, error)
}

// CredentialProvider yields a valid Google access token, refreshing as
// needed. It fails with an AuthError when the stored credential is missing
// or the refresh token has been revoked.
type CredentialProvider interface {
	AccessToken(ctx context.Context) (token string, expiresAt time.Time, err error)
}
