package db

import (
	"context"
	"fmt"
	"time"

	"github.com/mailyard/mailyard/consts"
)

// Message is one recipient's copy of a submitted mail. A mail accepted for N
// recipients produces N independent rows; they are not linked after creation.
type Message struct {
	ID        int64
	Recipient string // Local part of the recipient address
	Sender    string
	Subject   string
	Body      string
	Size      int64
	SentAt    time.Time
	Deleted   bool
}

// AppendMessage durably records one message in the recipient's log and
// returns its id. The row is visible to subsequent reads immediately.
func (db *Database) AppendMessage(ctx context.Context, recipient string, msg *Message) (int64, error) {
	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	var id int64
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO messages (recipient, sender, subject, body, size, sent_at, deleted)
		VALUES ($1, $2, $3, $4, $5, now(), FALSE)
		RETURNING id
	`, recipient, msg.Sender, msg.Subject, msg.Body, msg.Size).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", consts.ErrDBInsertFailed, err)
	}
	return id, nil
}

// ListActiveMessages returns the recipient's non-deleted messages in arrival
// order. The result reflects every prior successful append and soft-delete.
func (db *Database) ListActiveMessages(ctx context.Context, recipient string) ([]Message, error) {
	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	rows, err := db.Pool.Query(ctx, `
		SELECT id, recipient, sender, subject, body, size, sent_at
		FROM messages
		WHERE recipient = $1 AND NOT deleted
		ORDER BY sent_at, id
	`, recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages for %s: %w", recipient, err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Recipient, &m.Sender, &m.Subject, &m.Body, &m.Size, &m.SentAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read message rows: %w", err)
	}
	return messages, nil
}

// SoftDeleteMessages marks the given still-live messages of the recipient as
// deleted in one transaction and returns the ids actually deleted. Ids that
// are absent or already deleted are simply missing from the result; the rest
// of the batch is not aborted.
func (db *Database) SoftDeleteMessages(ctx context.Context, recipient string, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		UPDATE messages
		SET deleted = TRUE
		WHERE recipient = $1 AND id = ANY($2) AND NOT deleted
		RETURNING id
	`, recipient, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to soft-delete messages for %s: %w", recipient, err)
	}

	var deleted []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan deleted id: %w", err)
		}
		deleted = append(deleted, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read deleted ids: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}
	return deleted, nil
}
