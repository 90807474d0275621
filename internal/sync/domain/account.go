package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	shareddomain "github.com/felixgeelhaar/davsync/internal/shared/domain"
)

// CalDAVAccount holds the credentials for one CalDAV endpoint. The password
// is stored encrypted and never leaves the account in plaintext.
type CalDAVAccount struct {
	shareddomain.BaseEntity
	name              string
	serverURL         string
	username          string
	passwordEncrypted string
	verifySSL         bool
	enabled           bool
	lastTestedAt      *time.Time
	lastTestSuccess   *bool
}

// NewCalDAVAccount creates a new account. The password must already be
// encrypted by the caller.
func NewCalDAVAccount(name, serverURL, username, passwordEncrypted string, verifySSL bool) (*CalDAVAccount, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("account name is required")
	}
	if strings.TrimSpace(serverURL) == "" {
		return nil, errors.New("account server url is required")
	}
	if strings.TrimSpace(username) == "" {
		return nil, errors.New("account username is required")
	}
	if passwordEncrypted == "" {
		return nil, errors.New("account password is required")
	}
	return &CalDAVAccount{
		BaseEntity:        shareddomain.NewBaseEntity(),
		name:              name,
		serverURL:         strings.TrimRight(serverURL, "/"),
		username:          username,
		passwordEncrypted: passwordEncrypted,
		verifySSL:         verifySSL,
		enabled:           true,
	}, nil
}

// RehydrateCalDAVAccount recreates an account from persisted state.
func RehydrateCalDAVAccount(
	id uuid.UUID,
	name, serverURL, username, passwordEncrypted string,
	verifySSL, enabled bool,
	lastTestedAt *time.Time,
	lastTestSuccess *bool,
	createdAt, updatedAt time.Time,
) *CalDAVAccount {
	return &CalDAVAccount{
		BaseEntity:        shareddomain.RehydrateBaseEntity(id, createdAt, updatedAt),
		name:              name,
		serverURL:         serverURL,
		username:          username,
		passwordEncrypted: passwordEncrypted,
		verifySSL:         verifySSL,
		enabled:           enabled,
		lastTestedAt:      lastTestedAt,
		lastTestSuccess:   lastTestSuccess,
	}
}

func (a *CalDAVAccount) Name() string               { return a.name }
func (a *CalDAVAccount) ServerURL() string          { return a.serverURL }
func (a *CalDAVAccount) Username() string           { return a.username }
func (a *CalDAVAccount) PasswordEncrypted() string  { return a.passwordEncrypted }
func (a *CalDAVAccount) VerifySSL() bool            { return a.verifySSL }
func (a *CalDAVAccount) Enabled() bool              { return a.enabled }
func (a *CalDAVAccount) LastTestedAt() *time.Time   { return a.lastTestedAt }
func (a *CalDAVAccount) LastTestSuccess() *bool     { return a.lastTestSuccess }

// Enable marks the account usable for syncing.
func (a *CalDAVAccount) Enable() {
	a.enabled = true
	a.Touch()
}

// Disable prevents any mapping over this account from running.
func (a *CalDAVAccount) Disable() {
	a.enabled = false
	a.Touch()
}

// UpdatePassword replaces the encrypted password.
func (a *CalDAVAccount) UpdatePassword(passwordEncrypted string) {
	a.passwordEncrypted = passwordEncrypted
	a.Touch()
}

// RecordConnectionTest stores the outcome of a connection test.
func (a *CalDAVAccount) RecordConnectionTest(ok bool, at time.Time) {
	at = at.UTC()
	a.lastTestedAt = &at
	a.lastTestSuccess = &ok
	a.Touch()
}
