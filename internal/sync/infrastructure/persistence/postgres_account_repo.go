package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felixgeelhaar/davsync/internal/sync/domain"
)

// PostgresAccountRepository persists CalDAV accounts in postgres.
type PostgresAccountRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresAccountRepository(pool *pgxpool.Pool) *PostgresAccountRepository {
	return &PostgresAccountRepository{pool: pool}
}

func (r *PostgresAccountRepository) Save(ctx context.Context, account *domain.CalDAVAccount) error {
	query := `
		INSERT INTO caldav_accounts (
			id, name, server_url, username, password_encrypted,
			verify_ssl, enabled, last_tested_at, last_test_success,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			server_url = EXCLUDED.server_url,
			username = EXCLUDED.username,
			password_encrypted = EXCLUDED.password_encrypted,
			verify_ssl = EXCLUDED.verify_ssl,
			enabled = EXCLUDED.enabled,
			last_tested_at = EXCLUDED.last_tested_at,
			last_test_success = EXCLUDED.last_test_success,
			updated_at = EXCLUDED.updated_at`

	_, err := r.pool.Exec(ctx, query,
		account.ID(),
		account.Name(),
		account.ServerURL(),
		account.Username(),
		account.PasswordEncrypted(),
		account.VerifySSL(),
		account.Enabled(),
		account.LastTestedAt(),
		account.LastTestSuccess(),
		account.CreatedAt(),
		account.UpdatedAt(),
	)
	if err != nil {
		return fmt.Errorf("save caldav account: %w", err)
	}
	return nil
}

func (r *PostgresAccountRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.CalDAVAccount, error) {
	return r.findOne(ctx, "WHERE id = $1", id)
}

func (r *PostgresAccountRepository) FindByName(ctx context.Context, name string) (*domain.CalDAVAccount, error) {
	return r.findOne(ctx, "WHERE name = $1", name)
}

func (r *PostgresAccountRepository) FindAll(ctx context.Context) ([]*domain.CalDAVAccount, error) {
	rows, err := r.pool.Query(ctx, r.selectQuery("ORDER BY name"))
	if err != nil {
		return nil, fmt.Errorf("list caldav accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*domain.CalDAVAccount
	for rows.Next() {
		account, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func (r *PostgresAccountRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.pool.Exec(ctx, "DELETE FROM caldav_accounts WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete caldav account: %w", err)
	}
	return nil
}

func (r *PostgresAccountRepository) findOne(ctx context.Context, where string, arg any) (*domain.CalDAVAccount, error) {
	row := r.pool.QueryRow(ctx, r.selectQuery(where), arg)
	account, err := r.scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return account, err
}

func (r *PostgresAccountRepository) selectQuery(suffix string) string {
	return `
		SELECT id, name, server_url, username, password_encrypted,
		       verify_ssl, enabled, last_tested_at, last_test_success,
		       created_at, updated_at
		FROM caldav_accounts ` + suffix
}

func (r *PostgresAccountRepository) scan(row pgx.Row) (*domain.CalDAVAccount, error) {
	var (
		id                                  uuid.UUID
		name, serverURL, username, password string
		verifySSL, enabled                  bool
		lastTestedAt                        *time.Time
		lastTestSuccess                     *bool
		createdAt, updatedAt                time.Time
	)
	if err := row.Scan(
		&id, &name, &serverURL, &username, &password,
		&verifySSL, &enabled, &lastTestedAt, &lastTestSuccess,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	return domain.RehydrateCalDAVAccount(
		id, name, serverURL, username, password,
		verifySSL, enabled, lastTestedAt, lastTestSuccess,
		createdAt, updatedAt,
	), nil
}
