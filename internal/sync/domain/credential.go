package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"

	shareddomain "github.com/felixgeelhaar/davsync/internal/shared/domain"
)

// OAuthCredential holds the Google access and refresh tokens, both stored
// encrypted. The process keeps a single credential row and refreshes it in
// place.
type OAuthCredential struct {
	shareddomain.BaseEntity
	accessTokenEncrypted  string
	refreshTokenEncrypted string
	expiry                time.Time
	scopes                []string
}

// NewOAuthCredential creates a credential from an initial token exchange.
// Tokens must already be encrypted.
func NewOAuthCredential(accessTokenEncrypted, refreshTokenEncrypted string, expiry time.Time, scopes []string) (*OAuthCredential, error) {
	if accessTokenEncrypted == "" {
		return nil, errors.New("access token is required")
	}
	if refreshTokenEncrypted == "" {
		return nil, errors.New("refresh token is required")
	}
	return &OAuthCredential{
		BaseEntity:            shareddomain.NewBaseEntity(),
		accessTokenEncrypted:  accessTokenEncrypted,
		refreshTokenEncrypted: refreshTokenEncrypted,
		expiry:                expiry.UTC(),
		scopes:                scopes,
	}, nil
}

// RehydrateOAuthCredential recreates a credential from persisted state.
func RehydrateOAuthCredential(
	id uuid.UUID,
	accessTokenEncrypted, refreshTokenEncrypted string,
	expiry time.Time,
	scopes []string,
	createdAt, updatedAt time.Time,
) *OAuthCredential {
	return &OAuthCredential{
		BaseEntity:            shareddomain.RehydrateBaseEntity(id, createdAt, updatedAt),
		accessTokenEncrypted:  accessTokenEncrypted,
		refreshTokenEncrypted: refreshTokenEncrypted,
		expiry:                expiry,
		scopes:                scopes,
	}
}

func (c *OAuthCredential) AccessTokenEncrypted() string  { return c.accessTokenEncrypted }
func (c *OAuthCredential) RefreshTokenEncrypted() string { return c.refreshTokenEncrypted }
func (c *OAuthCredential) Expiry() time.Time             { return c.expiry }
func (c *OAuthCredential) Scopes() []string              { return c.scopes }

// IsExpired reports whether the access token has expired at the given
// instant, with a one minute skew margin.
func (c *OAuthCredential) IsExpired(now time.Time) bool {
	if c.expiry.IsZero() {
		return true
	}
	return !now.UTC().Before(c.expiry.Add(-time.Minute))
}

// UpdateTokens stores a rotated token pair. An empty refresh token keeps the
// existing one, matching the Google behavior of omitting it on refresh.
func (c *OAuthCredential) UpdateTokens(accessTokenEncrypted, refreshTokenEncrypted string, expiry time.Time) {
	c.accessTokenEncrypted = accessTokenEncrypted
	if refreshTokenEncrypted != "" {
		c.refreshTokenEncrypted = refreshTokenEncrypted
	}
	c.expiry = expiry.UTC()
	c.Touch()
}
