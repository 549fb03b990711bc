package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/mailyard/mailyard/consts"
)

// Authenticate verifies the password against the active account's bcrypt
// credential and returns the account id on success. A missing account and a
// wrong password both map to ErrAuthFailed so the two are indistinguishable
// on the wire.
func (db *Database) Authenticate(ctx context.Context, username, password string) (int64, error) {
	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	var accountID int64
	var hashedPassword string
	err := db.Pool.QueryRow(ctx, `
		SELECT id, password_hash FROM accounts WHERE username = $1 AND status = 'active'
	`, username).Scan(&accountID, &hashedPassword)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, consts.ErrAuthFailed
		}
		return 0, fmt.Errorf("%w: %v", consts.ErrAuthUnavailable, err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password)); err != nil {
		return 0, consts.ErrAuthFailed
	}
	return accountID, nil
}

// GenerateBcryptHash hashes a password with bcrypt at the default cost.
func GenerateBcryptHash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
