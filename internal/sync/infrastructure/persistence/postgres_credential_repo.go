package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felixgeelhaar/davsync/internal/sync/domain"
)

// PostgresCredentialRepository persists the single Google OAuth credential.
type PostgresCredentialRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresCredentialRepository(pool *pgxpool.Pool) *PostgresCredentialRepository {
	return &PostgresCredentialRepository{pool: pool}
}

func (r *PostgresCredentialRepository) Save(ctx context.Context, credential *domain.OAuthCredential) error {
	query := `
		INSERT INTO google_oauth_tokens (
			id, access_token_encrypted, refresh_token_encrypted,
			token_expiry, scopes, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			access_token_encrypted = EXCLUDED.access_token_encrypted,
			refresh_token_encrypted = EXCLUDED.refresh_token_encrypted,
			token_expiry = EXCLUDED.token_expiry,
			scopes = EXCLUDED.scopes,
			updated_at = EXCLUDED.updated_at`

	_, err := r.pool.Exec(ctx, query,
		credential.ID(),
		credential.AccessTokenEncrypted(),
		credential.RefreshTokenEncrypted(),
		credential.Expiry(),
		strings.Join(credential.Scopes(), " "),
		credential.CreatedAt(),
		credential.UpdatedAt(),
	)
	if err != nil {
		return fmt.Errorf("save google credential: %w", err)
	}
	return nil
}

func (r *PostgresCredentialRepository) Find(ctx context.Context) (*domain.OAuthCredential, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, access_token_encrypted, refresh_token_encrypted,
		       token_expiry, scopes, created_at, updated_at
		FROM google_oauth_tokens
		ORDER BY updated_at DESC
		LIMIT 1`)

	var (
		id                     uuid.UUID
		accessEnc, refreshEnc  string
		expiry                 time.Time
		scopes                 string
		createdAt, updatedAt   time.Time
	)
	err := row.Scan(&id, &accessEnc, &refreshEnc, &expiry, &scopes, &createdAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load google credential: %w", err)
	}

	return domain.RehydrateOAuthCredential(
		id, accessEnc, refreshEnc, expiry,
		strings.Fields(scopes), createdAt, updatedAt,
	), nil
}

func (r *PostgresCredentialRepository) Delete(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, "DELETE FROM google_oauth_tokens"); err != nil {
		return fmt.Errorf("delete google credential: %w", err)
	}
	return nil
}
