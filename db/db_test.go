package db_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailyard/mailyard/consts"
	"github.com/mailyard/mailyard/db"
	"github.com/mailyard/mailyard/testutils"
)

func uniqueUsername(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

func TestAccountLifecycle(t *testing.T) {
	tdb := testutils.SetupTestDatabase(t)
	ctx := context.Background()
	username := uniqueUsername("lifecycle")
	t.Cleanup(func() { tdb.CleanupAccount(t, username) })

	err := tdb.CreateAccount(ctx, db.CreateAccountRequest{Username: username, Password: "initial"})
	require.NoError(t, err)

	err = tdb.CreateAccount(ctx, db.CreateAccountRequest{Username: username, Password: "other"})
	assert.ErrorIs(t, err, consts.ErrAccountExists)

	exists, err := tdb.AccountExists(ctx, username)
	require.NoError(t, err)
	assert.True(t, exists)

	id, err := tdb.Authenticate(ctx, username, "initial")
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	_, err = tdb.Authenticate(ctx, username, "wrong")
	assert.ErrorIs(t, err, consts.ErrAuthFailed)

	require.NoError(t, tdb.UpdatePassword(ctx, username, "changed"))
	_, err = tdb.Authenticate(ctx, username, "initial")
	assert.ErrorIs(t, err, consts.ErrAuthFailed)
	_, err = tdb.Authenticate(ctx, username, "changed")
	assert.NoError(t, err)

	require.NoError(t, tdb.DeleteAccount(ctx, username))

	// An inactive account fails both the existence check and authentication.
	exists, err = tdb.AccountExists(ctx, username)
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = tdb.Authenticate(ctx, username, "changed")
	assert.ErrorIs(t, err, consts.ErrAuthFailed)

	assert.ErrorIs(t, tdb.DeleteAccount(ctx, username), consts.ErrUserNotFound)
	assert.ErrorIs(t, tdb.UpdatePassword(ctx, username, "x"), consts.ErrUserNotFound)
}

func TestAuthenticateUnknownUser(t *testing.T) {
	tdb := testutils.SetupTestDatabase(t)
	_, err := tdb.Authenticate(context.Background(), uniqueUsername("ghost"), "pw")
	assert.ErrorIs(t, err, consts.ErrAuthFailed)
}

func TestMessageAppendListDelete(t *testing.T) {
	tdb := testutils.SetupTestDatabase(t)
	ctx := context.Background()
	username := uniqueUsername("msgs")
	t.Cleanup(func() { tdb.CleanupAccount(t, username) })

	require.NoError(t, tdb.CreateAccount(ctx, db.CreateAccountRequest{Username: username, Password: "pw"}))

	var ids []int64
	for i := 1; i <= 3; i++ {
		body := fmt.Sprintf("message %d\r\n", i)
		id, err := tdb.AppendMessage(ctx, username, &db.Message{
			Sender:  "alice@mail.example.com",
			Subject: fmt.Sprintf("subject %d", i),
			Body:    body,
			Size:    int64(len(body)),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	msgs, err := tdb.ListActiveMessages(ctx, username)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	// Arrival order.
	assert.Equal(t, "subject 1", msgs[0].Subject)
	assert.Equal(t, "subject 3", msgs[2].Subject)
	assert.Equal(t, "message 1\r\n", msgs[0].Body)
	assert.Equal(t, int64(len("message 1\r\n")), msgs[0].Size)

	deleted, err := tdb.SoftDeleteMessages(ctx, username, []int64{ids[0], ids[2]})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{ids[0], ids[2]}, deleted)

	msgs, err = tdb.ListActiveMessages(ctx, username)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, ids[1], msgs[0].ID)

	// Re-deleting already-deleted ids reports only what was still live.
	deleted, err = tdb.SoftDeleteMessages(ctx, username, []int64{ids[0], ids[1]})
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[1]}, deleted)

	msgs, err = tdb.ListActiveMessages(ctx, username)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSoftDeleteScopedToRecipient(t *testing.T) {
	tdb := testutils.SetupTestDatabase(t)
	ctx := context.Background()
	owner := uniqueUsername("owner")
	other := uniqueUsername("other")
	t.Cleanup(func() {
		tdb.CleanupAccount(t, owner)
		tdb.CleanupAccount(t, other)
	})

	require.NoError(t, tdb.CreateAccount(ctx, db.CreateAccountRequest{Username: owner, Password: "pw"}))
	require.NoError(t, tdb.CreateAccount(ctx, db.CreateAccountRequest{Username: other, Password: "pw"}))

	id, err := tdb.AppendMessage(ctx, owner, &db.Message{Sender: "a@mail.example.com", Body: "x\r\n", Size: 3})
	require.NoError(t, err)

	// A different recipient cannot delete someone else's message.
	deleted, err := tdb.SoftDeleteMessages(ctx, other, []int64{id})
	require.NoError(t, err)
	assert.Empty(t, deleted)

	msgs, err := tdb.ListActiveMessages(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestGenerateBcryptHash(t *testing.T) {
	hash, err := db.GenerateBcryptHash("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", hash)
	assert.Contains(t, hash, "$2")
}
