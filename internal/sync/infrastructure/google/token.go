package google

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/felixgeelhaar/davsync/internal/shared/infrastructure/crypto"
	"github.com/felixgeelhaar/davsync/internal/sync/domain"
)

var googleEndpoint = oauth2.Endpoint{
	AuthURL:  "https://accounts.google.com/o/oauth2/auth",
	TokenURL: "https://oauth2.googleapis.com/token",
}

// TokenProvider yields valid Google access tokens from the stored encrypted
// credential, refreshing through the OAuth token endpoint and writing
// rotated tokens back.
type TokenProvider struct {
	config    *oauth2.Config
	store     domain.OAuthCredentialRepository
	encrypter crypto.Encrypter
	logger    *slog.Logger

	mu     sync.Mutex
	cached *oauth2.Token
}

func NewTokenProvider(clientID, clientSecret, redirectURL string, scopes []string, store domain.OAuthCredentialRepository, encrypter crypto.Encrypter, logger *slog.Logger) *TokenProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenProvider{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       scopes,
			Endpoint:     googleEndpoint,
		},
		store:     store,
		encrypter: encrypter,
		logger:    logger,
	}
}

// AccessToken returns a valid access token and its expiry, refreshing the
// stored credential when needed.
func (p *TokenProvider) AccessToken(ctx context.Context) (string, time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && p.cached.Expiry.After(time.Now().Add(time.Minute)) {
		return p.cached.AccessToken, p.cached.Expiry, nil
	}

	cred, err := p.store.Find(ctx)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("load google credential: %w", err)
	}
	if cred == nil {
		return "", time.Time{}, &domain.AuthError{Provider: "google", Reason: "no stored credential, run the oauth flow first"}
	}

	access, err := p.encrypter.DecryptString(cred.AccessTokenEncrypted())
	if err != nil {
		return "", time.Time{}, fmt.Errorf("decrypt access token: %w", err)
	}
	refresh, err := p.encrypter.DecryptString(cred.RefreshTokenEncrypted())
	if err != nil {
		return "", time.Time{}, fmt.Errorf("decrypt refresh token: %w", err)
	}

	token := &oauth2.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		Expiry:       cred.Expiry(),
	}
	if token.Valid() {
		p.cached = token
		return token.AccessToken, token.Expiry, nil
	}

	refreshed, err := p.config.TokenSource(ctx, token).Token()
	if err != nil {
		if strings.Contains(err.Error(), "invalid_grant") {
			return "", time.Time{}, &domain.AuthError{Provider: "google", Reason: "refresh token revoked"}
		}
		return "", time.Time{}, &domain.ConnectionError{Op: "refresh google token", Err: err}
	}

	if err := p.persist(ctx, cred, refreshed); err != nil {
		p.logger.Error("persist refreshed google token", "error", err)
	}

	p.cached = refreshed
	p.logger.Debug("google access token refreshed", "expiry", refreshed.Expiry)
	return refreshed.AccessToken, refreshed.Expiry, nil
}

// Invalidate drops the cached token, forcing the next call through the
// store and the refresh path. Called by the API client on invalid_grant.
func (p *TokenProvider) Invalidate() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
}

func (p *TokenProvider) persist(ctx context.Context, cred *domain.OAuthCredential, token *oauth2.Token) error {
	accessEnc, err := p.encrypter.EncryptString(token.AccessToken)
	if err != nil {
		return err
	}
	refreshEnc := ""
	if token.RefreshToken != "" {
		refreshEnc, err = p.encrypter.EncryptString(token.RefreshToken)
		if err != nil {
			return err
		}
	}
	cred.UpdateTokens(accessEnc, refreshEnc, token.Expiry)
	return p.store.Save(ctx, cred)
}
