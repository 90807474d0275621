package domain

import (
	"fmt"
	"time"
)

// AuthError means the remote side rejected the credentials. A sync run
// aborts as a hard failure when one surfaces; the mapping stays enabled so
// operators can fix the credential.
type AuthError struct {
	Provider string // "caldav" or "google"
	Reason   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s authentication failed: %s", e.Provider, e.Reason)
}

// RateLimitError means the remote side throttled the request. Adapters
// handle it transparently via sleep-and-retry; it only escapes when retries
// are exhausted.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// NotFoundError means the addressed calendar or event does not exist.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Resource)
}

// ProtocolError means the remote side answered in a way the adapter could
// not interpret, including unparseable bodies and unexpected status codes.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error in %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ConnectionError means the remote side could not be reached.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error in %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// MappingError means a mapping references state that no longer exists or is
// unusable, such as a deleted or disabled account.
type MappingError struct {
	MappingID string
	Reason    string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("mapping %s: %s", e.MappingID, e.Reason)
}
