package testutils

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mailyard/mailyard/consts"
	"github.com/mailyard/mailyard/db"
)

// MemoryStore is an in-memory implementation of the mailbox store and
// credential provider contracts, safe for concurrent use. It mirrors the
// store semantics the protocol engines rely on: append-only per-user logs,
// arrival-ordered listings, and per-id soft deletion.
type MemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	accounts map[string]string // username -> password
	messages map[string][]db.Message

	// Errors to inject for failure-path tests. When set, the corresponding
	// operation fails with that error instead of touching state.
	AppendErr error
	ListErr   error
	AuthErr   error
	ExistsErr error
	DeleteErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]string),
		messages: make(map[string][]db.Message),
	}
}

// AddAccount registers a user with the given password.
func (m *MemoryStore) AddAccount(username, password string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[username] = password
}

// AddMessage appends a message directly, bypassing the submission engine.
// It returns the assigned id.
func (m *MemoryStore) AddMessage(recipient string, msg db.Message) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	msg.ID = m.nextID
	msg.Recipient = recipient
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	m.messages[recipient] = append(m.messages[recipient], msg)
	return msg.ID
}

func (m *MemoryStore) AppendMessage(ctx context.Context, recipient string, msg *db.Message) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AppendErr != nil {
		return 0, m.AppendErr
	}
	m.nextID++
	stored := *msg
	stored.ID = m.nextID
	stored.Recipient = recipient
	if stored.SentAt.IsZero() {
		stored.SentAt = time.Now()
	}
	m.messages[recipient] = append(m.messages[recipient], stored)
	return stored.ID, nil
}

func (m *MemoryStore) ListActiveMessages(ctx context.Context, recipient string) ([]db.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	var active []db.Message
	for _, msg := range m.messages[recipient] {
		if !msg.Deleted {
			active = append(active, msg)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].SentAt.Equal(active[j].SentAt) {
			return active[i].ID < active[j].ID
		}
		return active[i].SentAt.Before(active[j].SentAt)
	})
	return active, nil
}

func (m *MemoryStore) AccountExists(ctx context.Context, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ExistsErr != nil {
		return false, m.ExistsErr
	}
	_, ok := m.accounts[username]
	return ok, nil
}

func (m *MemoryStore) SoftDeleteMessages(ctx context.Context, recipient string, ids []int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return nil, m.DeleteErr
	}
	wanted := make(map[int64]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var deleted []int64
	msgs := m.messages[recipient]
	for i := range msgs {
		if wanted[msgs[i].ID] && !msgs[i].Deleted {
			msgs[i].Deleted = true
			deleted = append(deleted, msgs[i].ID)
		}
	}
	return deleted, nil
}

func (m *MemoryStore) Authenticate(ctx context.Context, username, password string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AuthErr != nil {
		return 0, m.AuthErr
	}
	stored, ok := m.accounts[username]
	if !ok || stored != password {
		return 0, consts.ErrAuthFailed
	}
	return 1, nil
}

// ActiveCount returns the number of non-deleted messages for the recipient.
func (m *MemoryStore) ActiveCount(recipient string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, msg := range m.messages[recipient] {
		if !msg.Deleted {
			count++
		}
	}
	return count
}
