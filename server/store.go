package server

import (
	"context"

	"github.com/mailyard/mailyard/db"
)

// MailboxStore is the contract both protocol engines depend on. The
// implementation is responsible for serializing concurrent writes to the
// same user's log; the engines never share mutable state directly.
type MailboxStore interface {
	// AppendMessage durably records one message in the recipient's log and
	// returns its id.
	AppendMessage(ctx context.Context, recipient string, msg *db.Message) (int64, error)

	// ListActiveMessages returns the recipient's non-deleted messages in
	// arrival order, with no caching staleness.
	ListActiveMessages(ctx context.Context, recipient string) ([]db.Message, error)

	// AccountExists reports whether the user is known to the store.
	AccountExists(ctx context.Context, username string) (bool, error)

	// SoftDeleteMessages marks the given still-live messages as deleted and
	// returns the ids actually deleted; absent or already-deleted ids are
	// missing from the result without aborting the batch.
	SoftDeleteMessages(ctx context.Context, recipient string, ids []int64) ([]int64, error)
}

// AuthProvider is the credential collaborator consumed by both engines.
// Lookup failures (service unreachable, timeout) surface as errors distinct
// from a plain authentication rejection and must be mapped by the caller to
// a transient-unavailable protocol reply.
type AuthProvider interface {
	// Authenticate returns the account id when the password matches, or
	// consts.ErrAuthFailed when it does not.
	Authenticate(ctx context.Context, username, password string) (int64, error)

	// AccountExists reports whether an active account exists.
	AccountExists(ctx context.Context, username string) (bool, error)
}
