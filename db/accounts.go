package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mailyard/mailyard/consts"
)

// Account represents one user account as stored, without its credential.
type Account struct {
	ID        int64
	Username  string
	Status    string
	CreatedAt time.Time
}

// CreateAccountRequest represents the parameters for creating a new account.
type CreateAccountRequest struct {
	Username string
	Password string
}

// CreateAccount creates a new active account with a bcrypt credential.
func (db *Database) CreateAccount(ctx context.Context, req CreateAccountRequest) error {
	if req.Username == "" {
		return fmt.Errorf("username cannot be empty")
	}
	if req.Password == "" {
		return fmt.Errorf("password cannot be empty")
	}

	hashedPassword, err := GenerateBcryptHash(req.Password)
	if err != nil {
		return fmt.Errorf("failed to generate bcrypt hash: %w", err)
	}

	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	_, err = db.Pool.Exec(ctx, `
		INSERT INTO accounts (username, password_hash, status)
		VALUES ($1, $2, 'active')
	`, req.Username, hashedPassword)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return consts.ErrAccountExists
		}
		return fmt.Errorf("failed to create account %s: %w", req.Username, err)
	}
	return nil
}

// UpdatePassword replaces the credential of an active account.
func (db *Database) UpdatePassword(ctx context.Context, username, newPassword string) error {
	if newPassword == "" {
		return fmt.Errorf("password cannot be empty")
	}

	hashedPassword, err := GenerateBcryptHash(newPassword)
	if err != nil {
		return fmt.Errorf("failed to generate bcrypt hash: %w", err)
	}

	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	tag, err := db.Pool.Exec(ctx, `
		UPDATE accounts SET password_hash = $1, updated_at = now()
		WHERE username = $2 AND status = 'active'
	`, hashedPassword, username)
	if err != nil {
		return fmt.Errorf("failed to update password for %s: %w", username, err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrUserNotFound
	}
	return nil
}

// DeleteAccount deactivates an account. The account row and its messages are
// kept; an inactive account fails both existence and authentication checks.
func (db *Database) DeleteAccount(ctx context.Context, username string) error {
	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	tag, err := db.Pool.Exec(ctx, `
		UPDATE accounts SET status = 'inactive', updated_at = now()
		WHERE username = $1 AND status = 'active'
	`, username)
	if err != nil {
		return fmt.Errorf("failed to delete account %s: %w", username, err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrUserNotFound
	}
	return nil
}

// AccountExists reports whether an active account with this username exists.
func (db *Database) AccountExists(ctx context.Context, username string) (bool, error) {
	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	var count int
	err := db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM accounts WHERE username = $1 AND status = 'active'
	`, username).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check account %s: %w", username, err)
	}
	return count > 0, nil
}

// ListAccounts returns all accounts ordered by username.
func (db *Database) ListAccounts(ctx context.Context) ([]Account, error) {
	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	rows, err := db.Pool.Query(ctx, `
		SELECT id, username, status, created_at FROM accounts ORDER BY username
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.Username, &a.Status, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account row: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read account rows: %w", err)
	}
	return accounts, nil
}
