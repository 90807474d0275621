package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/davsync/internal/sync/domain"
)

// SQLiteAccountRepository persists CalDAV accounts in sqlite.
type SQLiteAccountRepository struct {
	db *sql.DB
}

func NewSQLiteAccountRepository(db *sql.DB) *SQLiteAccountRepository {
	return &SQLiteAccountRepository{db: db}
}

func (r *SQLiteAccountRepository) Save(ctx context.Context, account *domain.CalDAVAccount) error {
	query := `
		INSERT INTO caldav_accounts (
			id, name, server_url, username, password_encrypted,
			verify_ssl, enabled, last_tested_at, last_test_success,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			server_url = excluded.server_url,
			username = excluded.username,
			password_encrypted = excluded.password_encrypted,
			verify_ssl = excluded.verify_ssl,
			enabled = excluded.enabled,
			last_tested_at = excluded.last_tested_at,
			last_test_success = excluded.last_test_success,
			updated_at = excluded.updated_at`

	var lastTestSuccess any
	if v := account.LastTestSuccess(); v != nil {
		lastTestSuccess = *v
	}

	_, err := r.db.ExecContext(ctx, query,
		account.ID().String(),
		account.Name(),
		account.ServerURL(),
		account.Username(),
		account.PasswordEncrypted(),
		account.VerifySSL(),
		account.Enabled(),
		fmtTimePtr(account.LastTestedAt()),
		lastTestSuccess,
		fmtTime(account.CreatedAt()),
		fmtTime(account.UpdatedAt()),
	)
	if err != nil {
		return fmt.Errorf("save caldav account: %w", err)
	}
	return nil
}

func (r *SQLiteAccountRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.CalDAVAccount, error) {
	return r.findOne(ctx, "WHERE id = ?", id.String())
}

func (r *SQLiteAccountRepository) FindByName(ctx context.Context, name string) (*domain.CalDAVAccount, error) {
	return r.findOne(ctx, "WHERE name = ?", name)
}

func (r *SQLiteAccountRepository) FindAll(ctx context.Context) ([]*domain.CalDAVAccount, error) {
	rows, err := r.db.QueryContext(ctx, r.selectQuery("ORDER BY name"))
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

func (r *SQLiteAccountRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM caldav_accounts WHERE id = ?", id.String())
	if err != nil {
		return fmt.Errorf("delete caldav account: %w", err)
	}
	return nil
}

func (r *SQLiteAccountRepository) findOne(ctx context.Context, where string, arg any) (*domain.CalDAVAccount, error) {
	row := r.db.QueryRowContext(ctx, r.selectQuery(where), arg)
	account, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return account, err
}

func (r *SQLiteAccountRepository) selectQuery(suffix string) string {
	return `
		SELECT id, name, server_url, username, password_encrypted,
		       verify_ssl, enabled, last_tested_at, last_test_success,
		       created_at, updated_at
		FROM caldav_accounts ` + suffix
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *SQLiteAccountRepository) scan(row rowScanner) (*domain.CalDAVAccount, error) {
	var (
		idStr, name, serverURL, username, passwordEnc string
		verifySSL, enabled                            bool
		lastTestedAt                                  sql.NullString
		lastTestSuccess                               sql.NullBool
		createdAtStr, updatedAtStr                    string
	)
	if err := row.Scan(
		&idStr, &name, &serverURL, &username, &passwordEnc,
		&verifySSL, &enabled, &lastTestedAt, &lastTestSuccess,
		&createdAtStr, &updatedAtStr,
	); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse account id: %w", err)
	}
	tested, err := parseTimePtr(lastTestedAt)
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

	var testSuccess *bool
	if lastTestSuccess.Valid {
		v := lastTestSuccess.Bool
		testSuccess = &v
	}

	return domain.RehydrateCalDAVAccount(
		id, name, serverURL, username, passwordEnc,
		verifySSL, enabled, tested, testSuccess,
		createdAt, updatedAt,
	), nil
}
