package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/davsync/internal/sync/domain"
)

// SQLiteCredentialRepository persists the single Google OAuth credential.
type SQLiteCredentialRepository struct {
	db *sql.DB
}

func NewSQLiteCredentialRepository(db *sql.DB) *SQLiteCredentialRepository {
	return &SQLiteCredentialRepository{db: db}
}

func (r *SQLiteCredentialRepository) Save(ctx context.Context, credential *domain.OAuthCredential) error {
	query := `
		INSERT INTO google_oauth_tokens (
			id, access_token_encrypted, refresh_token_encrypted,
			token_expiry, scopes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			access_token_encrypted = excluded.access_token_encrypted,
			refresh_token_encrypted = excluded.refresh_token_encrypted,
			token_expiry = excluded.token_expiry,
			scopes = excluded.scopes,
			updated_at = excluded.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		credential.ID().String(),
		credential.AccessTokenEncrypted(),
		credential.RefreshTokenEncrypted(),
		fmtTime(credential.Expiry()),
		strings.Join(credential.Scopes(), " "),
		fmtTime(credential.CreatedAt()),
		fmtTime(credential.UpdatedAt()),
	)
	if err != nil {
		return fmt.Errorf("save google credential: %w", err)
	}
	return nil
}

func (r *SQLiteCredentialRepository) Find(ctx context.Context) (*domain.OAuthCredential, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, access_token_encrypted, refresh_token_encrypted,
		       token_expiry, scopes, created_at, updated_at
		FROM google_oauth_tokens
		ORDER BY updated_at DESC
		LIMIT 1`)

	var (
		idStr, accessEnc, refreshEnc, scopes string
		expiryStr, createdAtStr, updatedAtStr string
	)
	err := row.Scan(&idStr, &accessEnc, &refreshEnc, &expiryStr, &scopes, &createdAtStr, &updatedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load google credential: %w", err)
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse credential id: %w", err)
	}
	expiry, err := parseTime(expiryStr)
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

	return domain.RehydrateOAuthCredential(
		id, accessEnc, refreshEnc, expiry,
		strings.Fields(scopes), createdAt, updatedAt,
	), nil
}

func (r *SQLiteCredentialRepository) Delete(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM google_oauth_tokens"); err != nil {
		return fmt.Errorf("delete google credential: %w", err)
	}
	return nil
}
