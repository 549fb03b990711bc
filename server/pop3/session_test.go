package pop3

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailyard/mailyard/db"
	"github.com/mailyard/mailyard/testutils"
)

const testDomain = "mail.example.com"

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
	done   chan struct{}
}

func startSession(t *testing.T, store *testutils.MemoryStore) *testClient {
	t.Helper()

	server, err := New(context.Background(), "test", testDomain, ":0", store, store, POP3ServerOptions{})
	require.NoError(t, err)

	clientConn, serverConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.handleConnection(serverConn)
	}()

	client := &testClient{
		t:      t,
		conn:   clientConn,
		reader: bufio.NewReader(clientConn),
		done:   done,
	}
	t.Cleanup(func() {
		clientConn.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("session did not terminate")
		}
	})

	client.expect("+OK ")
	return client
}

func (c *testClient) send(line string) {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := c.conn.Write([]byte(line + "\r\n"))
	require.NoError(c.t, err)
}

func (c *testClient) readLine() string {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.reader.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimRight(line, "\r\n")
}

func (c *testClient) expect(prefix string) string {
	c.t.Helper()
	line := c.readLine()
	require.True(c.t, strings.HasPrefix(line, prefix), "expected reply starting with %q, got %q", prefix, line)
	return line
}

func (c *testClient) cmd(line, expectPrefix string) string {
	c.t.Helper()
	c.send(line)
	return c.expect(expectPrefix)
}

// readMultiline consumes reply lines until the "." terminator.
func (c *testClient) readMultiline() []string {
	c.t.Helper()
	var lines []string
	for {
		line := c.readLine()
		if line == "." {
			return lines
		}
		lines = append(lines, line)
	}
}

func newTestStore() *testutils.MemoryStore {
	store := testutils.NewMemoryStore()
	store.AddAccount("alice", "secret1")
	store.AddAccount("bob", "secret2")
	return store
}

func seedMessages(store *testutils.MemoryStore, recipient string, bodies ...string) []int64 {
	ids := make([]int64, 0, len(bodies))
	base := time.Now().Add(-time.Hour)
	for i, body := range bodies {
		ids = append(ids, store.AddMessage(recipient, db.Message{
			Sender:  "alice@" + testDomain,
			Subject: "test",
			Body:    body,
			Size:    int64(len(body)),
			SentAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}
	return ids
}

func login(t *testing.T, client *testClient, user, pass string) {
	t.Helper()
	client.cmd("USER "+user, "+OK User accepted")
	client.cmd("PASS "+pass, "+OK Mailbox locked and ready")
}

func TestSessionAuthorization(t *testing.T) {
	store := newTestStore()
	client := startSession(t, store)

	client.cmd("PASS secret2", "-ERR Must provide USER first")
	client.cmd("USER nobody", "-ERR No such user")
	client.cmd("STAT", "-ERR Not authenticated")
	login(t, client, "bob", "secret2")
	client.cmd("USER bob", "-ERR Already authenticated")
}

func TestSessionWrongPasswordAllowsRetry(t *testing.T) {
	store := newTestStore()
	client := startSession(t, store)

	client.cmd("USER bob", "+OK User accepted")
	client.cmd("PASS wrong", "-ERR Invalid password")
	// The USER candidate is retained for another attempt.
	client.cmd("PASS secret2", "+OK Mailbox locked and ready")
	client.cmd("STAT", "+OK ")
}

func TestSessionClosesAfterTooManyAuthFailures(t *testing.T) {
	store := newTestStore()
	client := startSession(t, store)

	client.cmd("USER bob", "+OK User accepted")
	client.cmd("PASS wrong", "-ERR Invalid password")
	client.cmd("PASS wrong", "-ERR Invalid password")
	client.cmd("PASS wrong", "-ERR Too many authentication failures")

	select {
	case <-client.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate after repeated failures")
	}
}

func TestSessionAuthServiceUnavailable(t *testing.T) {
	store := newTestStore()
	client := startSession(t, store)

	client.cmd("USER bob", "+OK User accepted")
	store.AuthErr = errors.New("auth backend down")
	client.cmd("PASS secret2", "-ERR Auth service unavailable")
	store.AuthErr = nil
	client.cmd("PASS secret2", "+OK Mailbox locked and ready")
}

func TestSessionStatAndList(t *testing.T) {
	store := newTestStore()
	seedMessages(store, "bob", "first\r\n", "second message\r\n")
	client := startSession(t, store)
	login(t, client, "bob", "secret2")

	assert.Equal(t, "+OK 2 23", client.cmd("STAT", "+OK "))

	client.cmd("LIST", "+OK ")
	lines := client.readMultiline()
	require.Equal(t, []string{"1 7", "2 16"}, lines)

	assert.Equal(t, "+OK 2 16", client.cmd("LIST 2", "+OK "))
	client.cmd("LIST 3", "-ERR No such message")
	client.cmd("LIST 0", "-ERR Invalid message number")
	client.cmd("LIST x", "-ERR Invalid message number")
}

func TestSessionRetr(t *testing.T) {
	store := newTestStore()
	seedMessages(store, "bob", "line one\r\nline two\r\n")
	client := startSession(t, store)
	login(t, client, "bob", "secret2")

	client.cmd("RETR 1", "+OK 20 octets")
	lines := client.readMultiline()
	assert.Equal(t, []string{"line one", "line two"}, lines)

	client.cmd("RETR 2", "-ERR No such message")
	client.cmd("RETR", "-ERR Missing message number")
}

func TestSessionDeleAndQuitSoftDeletes(t *testing.T) {
	store := newTestStore()
	seedMessages(store, "bob", "one\r\n", "two\r\n", "three\r\n")
	client := startSession(t, store)
	login(t, client, "bob", "secret2")

	client.cmd("DELE 2", "+OK Message 2 marked for deletion")
	client.cmd("DELE 2", "-ERR Message marked for deletion")
	client.cmd("RETR 2", "-ERR Message marked for deletion")
	assert.Equal(t, "+OK 2 12", client.cmd("STAT", "+OK "))

	// Positions over the snapshot do not renumber after a mark.
	client.cmd("LIST", "+OK ")
	lines := client.readMultiline()
	require.Equal(t, []string{"1 5", "3 7"}, lines)

	client.cmd("QUIT", "+OK Goodbye")
	select {
	case <-client.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate after QUIT")
	}

	assert.Equal(t, 2, store.ActiveCount("bob"))
}

func TestSessionRsetCancelsMarks(t *testing.T) {
	store := newTestStore()
	seedMessages(store, "bob", "one\r\n", "two\r\n")
	client := startSession(t, store)
	login(t, client, "bob", "secret2")

	client.cmd("DELE 1", "+OK ")
	client.cmd("DELE 2", "+OK ")
	client.cmd("RSET", "+OK Reset")
	client.cmd("RETR 1", "+OK ")
	client.readMultiline()
	client.cmd("QUIT", "+OK Goodbye")

	select {
	case <-client.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate after QUIT")
	}
	assert.Equal(t, 2, store.ActiveCount("bob"))
}

func TestSessionQuitWithoutMarksDeletesNothing(t *testing.T) {
	store := newTestStore()
	seedMessages(store, "bob", "one\r\n")
	client := startSession(t, store)
	login(t, client, "bob", "secret2")

	client.cmd("QUIT", "+OK Goodbye")
	select {
	case <-client.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate after QUIT")
	}
	assert.Equal(t, 1, store.ActiveCount("bob"))
}

func TestSessionSnapshotIgnoresConcurrentDelivery(t *testing.T) {
	store := newTestStore()
	seedMessages(store, "bob", "existing\r\n")
	client := startSession(t, store)
	login(t, client, "bob", "secret2")

	// Delivered after the snapshot was taken; invisible to this session.
	seedMessages(store, "bob", "late arrival\r\n")

	assert.Equal(t, "+OK 1 10", client.cmd("STAT", "+OK "))
	client.cmd("RETR 2", "-ERR No such message")
}

func TestSessionConcurrentDeleteMakesSnapshotEntryStale(t *testing.T) {
	store := newTestStore()
	ids := seedMessages(store, "bob", "one\r\n", "two\r\n")
	client := startSession(t, store)
	login(t, client, "bob", "secret2")

	// Another session deletes message 1 underneath us.
	_, err := store.SoftDeleteMessages(context.Background(), "bob", ids[:1])
	require.NoError(t, err)

	client.cmd("RETR 1", "-ERR No such message")
	client.cmd("DELE 1", "-ERR No such message")
	// The second entry keeps its original position.
	client.cmd("RETR 2", "+OK ")
	client.readMultiline()
}

func TestSessionQuitReportsPartialDeletion(t *testing.T) {
	store := newTestStore()
	ids := seedMessages(store, "bob", "one\r\n", "two\r\n")
	client := startSession(t, store)
	login(t, client, "bob", "secret2")

	client.cmd("DELE 1", "+OK ")
	client.cmd("DELE 2", "+OK ")

	// Message 1 disappears between the mark and QUIT.
	_, err := store.SoftDeleteMessages(context.Background(), "bob", ids[:1])
	require.NoError(t, err)

	client.cmd("QUIT", "+OK Some messages could not be deleted")
	select {
	case <-client.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate after QUIT")
	}
	assert.Equal(t, 0, store.ActiveCount("bob"))
}

func TestSessionQuitDeletionFailure(t *testing.T) {
	store := newTestStore()
	seedMessages(store, "bob", "one\r\n")
	client := startSession(t, store)
	login(t, client, "bob", "secret2")

	client.cmd("DELE 1", "+OK ")
	store.DeleteErr = errors.New("store down")
	client.cmd("QUIT", "-ERR Could not delete messages")
	select {
	case <-client.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate after QUIT")
	}
	store.DeleteErr = nil
	assert.Equal(t, 1, store.ActiveCount("bob"))
}

func TestSessionUnknownCommand(t *testing.T) {
	store := newTestStore()
	client := startSession(t, store)

	client.cmd("FOO", "-ERR Unknown command: FOO")
	client.cmd("NOOP", "-ERR Not authenticated")
	// The session keeps serving after errors.
	login(t, client, "bob", "secret2")
	client.cmd("NOOP", "+OK")
}

func TestSessionRetrEnsuresCRLFTermination(t *testing.T) {
	store := newTestStore()
	store.AddMessage("bob", db.Message{Body: "no trailing newline", Size: 19})
	client := startSession(t, store)
	login(t, client, "bob", "secret2")

	client.cmd("RETR 1", "+OK 19 octets")
	lines := client.readMultiline()
	assert.Equal(t, []string{"no trailing newline"}, lines)
}
