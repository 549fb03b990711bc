package pop3

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mailyard/mailyard/consts"
	"github.com/mailyard/mailyard/db"
	"github.com/mailyard/mailyard/pkg/metrics"
	serverPkg "github.com/mailyard/mailyard/server"
)

// Pop3MaxAuthFailures is the number of failed PASS attempts tolerated
// before the connection is terminated.
const Pop3MaxAuthFailures = 3

type sessionState int

const (
	stateAuthorization sessionState = iota
	stateTransaction
	stateUpdate
)

// POP3Session is the per-connection retrieval state machine. The snapshot
// taken when PASS succeeds is immutable: message numbering over it never
// changes for the life of the session, regardless of concurrent deliveries
// or deletions by other sessions.
type POP3Session struct {
	serverPkg.Session
	server        *POP3Server
	conn          net.Conn
	state         sessionState
	candidate     string       // Username given by USER, not yet authenticated
	snapshot      []db.Message // Non-deleted messages at the moment PASS succeeded
	deleted       map[int]bool // Snapshot indexes (0-based) marked for deletion
	authenticated bool
	authFailures  int
	ctx           context.Context
	cancel        context.CancelFunc
	startTime     time.Time
}

func (s *POP3Session) handleConnection() {
	defer s.cancel()
	defer s.close()

	reader := bufio.NewReader(s.conn)
	writer := bufio.NewWriter(s.conn)

	fmt.Fprintf(writer, "+OK %s POP3 server ready\r\n", s.server.localDomain)
	writer.Flush()

	s.Log("connected")

	for {
		if s.server.idleTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.server.idleTimeout))
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				fmt.Fprintf(writer, "-ERR Connection timed out due to inactivity\r\n")
				writer.Flush()
				s.Log("timed out")
			} else if err == io.EOF {
				s.Log("client dropped connection")
			} else {
				s.Log("read error: %v", err)
			}
			return
		}

		if s.ctx.Err() != nil {
			s.Log("context cancelled, closing session")
			return
		}

		cmd, arg := serverPkg.ParseCommand(strings.TrimRight(line, "\r\n"))
		start := time.Now()
		var ok, terminate bool

		switch cmd {
		case "USER":
			ok = s.cmdUser(writer, arg)
		case "PASS":
			ok, terminate = s.cmdPass(writer, arg)
		case "STAT":
			ok = s.cmdStat(writer)
		case "LIST":
			ok = s.cmdList(writer, arg)
		case "RETR":
			ok = s.cmdRetr(writer, arg)
		case "DELE":
			ok = s.cmdDele(writer, arg)
		case "NOOP":
			if s.state != stateTransaction {
				fmt.Fprintf(writer, "-ERR Not authenticated\r\n")
			} else {
				fmt.Fprintf(writer, "+OK\r\n")
				ok = true
			}
		case "RSET":
			ok = s.cmdRset(writer)
		case "QUIT":
			s.cmdQuit(writer)
			s.observe(cmd, start, true)
			writer.Flush()
			return
		default:
			fmt.Fprintf(writer, "-ERR Unknown command: %s\r\n", cmd)
			s.Log("unknown command: %s", cmd)
		}

		s.observe(cmd, start, ok)
		writer.Flush()
		if terminate {
			return
		}
	}
}

func (s *POP3Session) cmdUser(writer *bufio.Writer, arg string) bool {
	if s.state != stateAuthorization {
		fmt.Fprintf(writer, "-ERR Already authenticated\r\n")
		return false
	}
	if arg == "" || strings.ContainsAny(arg, " \t") {
		fmt.Fprintf(writer, "-ERR Syntax: USER name\r\n")
		return false
	}

	exists, err := s.server.store.AccountExists(s.ctx, arg)
	if err != nil {
		fmt.Fprintf(writer, "-ERR Service unavailable, try again later\r\n")
		s.Log("user existence check failed: %v", err)
		return false
	}
	if !exists {
		fmt.Fprintf(writer, "-ERR No such user\r\n")
		s.Log("rejected unknown user %s", arg)
		return false
	}

	s.candidate = arg
	fmt.Fprintf(writer, "+OK User accepted\r\n")
	return true
}

func (s *POP3Session) cmdPass(writer *bufio.Writer, arg string) (ok, terminate bool) {
	if s.state != stateAuthorization {
		fmt.Fprintf(writer, "-ERR Already authenticated\r\n")
		return false, false
	}
	if s.candidate == "" {
		fmt.Fprintf(writer, "-ERR Must provide USER first\r\n")
		return false, false
	}
	if arg == "" {
		fmt.Fprintf(writer, "-ERR Syntax: PASS secret\r\n")
		return false, false
	}

	s.Log("authentication attempt for %s", s.candidate)

	_, err := s.server.auth.Authenticate(s.ctx, s.candidate, arg)
	if err != nil {
		if errors.Is(err, consts.ErrAuthFailed) {
			metrics.AuthenticationAttempts.WithLabelValues("pop3", "failure").Inc()
			s.authFailures++
			// Candidate username is retained; the client may retry.
			if s.server.authFailDelay > 0 {
				time.Sleep(time.Duration(s.authFailures) * s.server.authFailDelay)
			}
			if s.authFailures >= Pop3MaxAuthFailures {
				fmt.Fprintf(writer, "-ERR Too many authentication failures, closing connection\r\n")
				s.Log("too many authentication failures")
				return false, true
			}
			fmt.Fprintf(writer, "-ERR Invalid password\r\n")
			return false, false
		}
		metrics.AuthenticationAttempts.WithLabelValues("pop3", "unavailable").Inc()
		fmt.Fprintf(writer, "-ERR Auth service unavailable\r\n")
		s.Log("authentication lookup failed: %v", err)
		return false, false
	}

	// The snapshot is taken exactly once, here; everything the transaction
	// phase does is relative to it.
	snapshot, err := s.server.store.ListActiveMessages(s.ctx, s.candidate)
	if err != nil {
		fmt.Fprintf(writer, "-ERR Service unavailable, try again later\r\n")
		s.Log("failed to load mailbox for %s: %v", s.candidate, err)
		return false, false
	}

	s.snapshot = snapshot
	s.Username = s.candidate
	s.authenticated = true
	s.state = stateTransaction

	metrics.AuthenticationAttempts.WithLabelValues("pop3", "success").Inc()
	authCount := s.server.authenticatedConnections.Add(1)
	totalCount := s.server.totalConnections.Load()
	s.Log("authenticated, %d messages in snapshot (connections: total=%d, authenticated=%d)", len(s.snapshot), totalCount, authCount)

	fmt.Fprintf(writer, "+OK Mailbox locked and ready\r\n")
	return true, false
}

func (s *POP3Session) cmdStat(writer *bufio.Writer) bool {
	if s.state != stateTransaction {
		fmt.Fprintf(writer, "-ERR Not authenticated\r\n")
		return false
	}

	var count int
	var size int64
	for i, msg := range s.snapshot {
		if !s.deleted[i] {
			count++
			size += msg.Size
		}
	}
	fmt.Fprintf(writer, "+OK %d %d\r\n", count, size)
	return true
}

func (s *POP3Session) cmdList(writer *bufio.Writer, arg string) bool {
	if s.state != stateTransaction {
		fmt.Fprintf(writer, "-ERR Not authenticated\r\n")
		return false
	}

	if arg == "" {
		fmt.Fprintf(writer, "+OK scan listing follows\r\n")
		for i, msg := range s.snapshot {
			if !s.deleted[i] {
				fmt.Fprintf(writer, "%d %d\r\n", i+1, msg.Size)
			}
		}
		fmt.Fprintf(writer, ".\r\n")
		s.Log("listed %d messages", len(s.snapshot))
		return true
	}

	n, errReply := s.parseMessageNumber(arg)
	if errReply != "" {
		fmt.Fprintf(writer, "%s", errReply)
		return false
	}
	fmt.Fprintf(writer, "+OK %d %d\r\n", n, s.snapshot[n-1].Size)
	return true
}

func (s *POP3Session) cmdRetr(writer *bufio.Writer, arg string) bool {
	if s.state != stateTransaction {
		fmt.Fprintf(writer, "-ERR Not authenticated\r\n")
		return false
	}

	n, errReply := s.parseMessageNumber(arg)
	if errReply != "" {
		fmt.Fprintf(writer, "%s", errReply)
		return false
	}

	msg := s.snapshot[n-1]
	live, err := s.isLive(msg.ID)
	if err != nil {
		fmt.Fprintf(writer, "-ERR Internal server error\r\n")
		s.Log("RETR liveness check failed: %v", err)
		return false
	}
	if !live {
		// Deleted by a concurrent session after our snapshot was taken.
		fmt.Fprintf(writer, "-ERR No such message\r\n")
		s.Log("RETR %d refers to concurrently deleted message %d", n, msg.ID)
		return false
	}

	fmt.Fprintf(writer, "+OK %d octets\r\n", msg.Size)
	writer.WriteString(msg.Body)
	if !strings.HasSuffix(msg.Body, "\r\n") {
		writer.WriteString("\r\n")
	}
	writer.WriteString(".\r\n")
	s.Log("retrieved message %d (id %d)", n, msg.ID)
	return true
}

func (s *POP3Session) cmdDele(writer *bufio.Writer, arg string) bool {
	if s.state != stateTransaction {
		fmt.Fprintf(writer, "-ERR Not authenticated\r\n")
		return false
	}

	n, errReply := s.parseMessageNumber(arg)
	if errReply != "" {
		fmt.Fprintf(writer, "%s", errReply)
		return false
	}

	msg := s.snapshot[n-1]
	live, err := s.isLive(msg.ID)
	if err != nil {
		fmt.Fprintf(writer, "-ERR Internal server error\r\n")
		s.Log("DELE liveness check failed: %v", err)
		return false
	}
	if !live {
		fmt.Fprintf(writer, "-ERR No such message\r\n")
		s.Log("DELE %d refers to concurrently deleted message %d", n, msg.ID)
		return false
	}

	s.deleted[n-1] = true
	fmt.Fprintf(writer, "+OK Message %d marked for deletion\r\n", n)
	s.Log("marked message %d (id %d) for deletion", n, msg.ID)
	return true
}

func (s *POP3Session) cmdRset(writer *bufio.Writer) bool {
	if s.state != stateTransaction {
		fmt.Fprintf(writer, "-ERR Not authenticated\r\n")
		return false
	}
	s.deleted = make(map[int]bool)
	fmt.Fprintf(writer, "+OK Reset\r\n")
	s.Log("reset")
	return true
}

// cmdQuit enters the update phase: marked snapshot entries are soft-deleted
// as one batch, and the reply reflects whether every mark was applied. A
// deletion failure is reported but never prevents the connection from
// closing normally.
func (s *POP3Session) cmdQuit(writer *bufio.Writer) {
	defer func() { s.state = stateUpdate }()

	if s.state != stateTransaction || len(s.deleted) == 0 {
		fmt.Fprintf(writer, "+OK Goodbye\r\n")
		return
	}

	ids := make([]int64, 0, len(s.deleted))
	for i := range s.deleted {
		if s.deleted[i] && i < len(s.snapshot) {
			ids = append(ids, s.snapshot[i].ID)
		}
	}

	deleted, err := s.server.store.SoftDeleteMessages(s.ctx, s.Username, ids)
	if err != nil {
		fmt.Fprintf(writer, "-ERR Could not delete messages\r\n")
		s.Log("failed to delete messages: %v", err)
		return
	}

	metrics.MessagesDeleted.Add(float64(len(deleted)))
	if len(deleted) == len(ids) {
		fmt.Fprintf(writer, "+OK Goodbye\r\n")
	} else {
		// Some ids were already gone, deleted first by another session.
		fmt.Fprintf(writer, "+OK Some messages could not be deleted\r\n")
	}
	s.Log("deleted %d/%d marked messages", len(deleted), len(ids))
}

// parseMessageNumber validates a LIST/RETR/DELE argument against the
// snapshot and the deletion marks. It returns the 1-based position, or the
// full error reply line when the argument is invalid.
func (s *POP3Session) parseMessageNumber(arg string) (int, string) {
	if arg == "" {
		return 0, "-ERR Missing message number\r\n"
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 {
		return 0, "-ERR Invalid message number\r\n"
	}
	if n > len(s.snapshot) {
		return 0, "-ERR No such message\r\n"
	}
	if s.deleted[n-1] {
		return 0, "-ERR Message marked for deletion\r\n"
	}
	return n, ""
}

// isLive reports whether the message id is still present in the store's
// active view. Snapshot entries deleted by a concurrent session must answer
// "no such message" rather than serving stale content.
func (s *POP3Session) isLive(id int64) (bool, error) {
	active, err := s.server.store.ListActiveMessages(s.ctx, s.Username)
	if err != nil {
		return false, err
	}
	for _, msg := range active {
		if msg.ID == id {
			return true, nil
		}
	}
	return false, nil
}

func (s *POP3Session) observe(cmd string, start time.Time, ok bool) {
	status := "failure"
	if ok {
		status = "success"
	}
	metrics.CommandsTotal.WithLabelValues("pop3", cmd, status).Inc()
	metrics.CommandDuration.WithLabelValues("pop3", cmd).Observe(time.Since(start).Seconds())
}

func (s *POP3Session) close() {
	s.conn.Close()
	total := s.server.totalConnections.Add(-1)
	var authCount int64
	if s.authenticated {
		authCount = s.server.authenticatedConnections.Add(-1)
	} else {
		authCount = s.server.authenticatedConnections.Load()
	}
	metrics.ConnectionsCurrent.WithLabelValues("pop3").Dec()
	metrics.ConnectionDuration.WithLabelValues("pop3").Observe(time.Since(s.startTime).Seconds())
	s.Log("closed (connections: total=%d, authenticated=%d)", total, authCount)
}
