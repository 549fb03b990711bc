// Package pop3 implements the mailbox retrieval side of the exchange: a
// line-oriented POP3 state machine operating on an immutable snapshot of
// the user's mailbox taken at the moment authentication succeeds.
package pop3

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/mailyard/mailyard/logger"
	"github.com/mailyard/mailyard/pkg/metrics"
	serverPkg "github.com/mailyard/mailyard/server"
	"github.com/mailyard/mailyard/server/idgen"
)

type POP3Server struct {
	addr          string
	name          string
	localDomain   string
	store         serverPkg.MailboxStore
	auth          serverPkg.AuthProvider
	appCtx        context.Context
	cancel        context.CancelFunc
	pool          *serverPkg.WorkerPool
	idleTimeout   time.Duration
	authFailDelay time.Duration

	totalConnections         atomic.Int64
	authenticatedConnections atomic.Int64
}

type POP3ServerOptions struct {
	Workers       int
	IdleTimeout   time.Duration // Maximum idle time between commands (0 = disabled)
	AuthFailDelay time.Duration // Delay added after each failed PASS (0 = disabled)
}

func New(appCtx context.Context, name, localDomain, addr string, store serverPkg.MailboxStore, auth serverPkg.AuthProvider, options POP3ServerOptions) (*POP3Server, error) {
	if localDomain == "" {
		return nil, fmt.Errorf("local domain is required")
	}

	serverCtx, serverCancel := context.WithCancel(appCtx)

	return &POP3Server{
		addr:          addr,
		name:          name,
		localDomain:   localDomain,
		store:         store,
		auth:          auth,
		appCtx:        serverCtx,
		cancel:        serverCancel,
		pool:          serverPkg.NewWorkerPool("POP3", options.Workers),
		idleTimeout:   options.IdleTimeout,
		authFailDelay: options.AuthFailDelay,
	}, nil
}

// Start listens on the configured address and serves connections through
// the worker pool until the server is closed. Fatal errors are sent to
// errChan.
func (s *POP3Server) Start(errChan chan error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.cancel()
		errChan <- fmt.Errorf("failed to create POP3 listener: %w", err)
		return
	}
	logger.Info("POP3 server listening", "name", s.name, "addr", s.addr, "workers", s.pool.Size())

	go func() {
		<-s.appCtx.Done()
		logger.Debug("POP3: stopping", "name", s.name)
		listener.Close()
	}()

	if err := s.pool.Serve(s.appCtx, listener, s.handleConnection); err != nil {
		errChan <- fmt.Errorf("POP3 accept loop failed: %w", err)
		return
	}
	logger.Info("POP3 server stopped", "name", s.name)
}

func (s *POP3Server) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *POP3Server) handleConnection(conn net.Conn) {
	sessionCtx, sessionCancel := context.WithCancel(s.appCtx)

	totalCount := s.totalConnections.Add(1)
	metrics.ConnectionsTotal.WithLabelValues("pop3").Inc()
	metrics.ConnectionsCurrent.WithLabelValues("pop3").Inc()

	session := &POP3Session{
		server:    s,
		conn:      conn,
		state:     stateAuthorization,
		deleted:   make(map[int]bool),
		ctx:       sessionCtx,
		cancel:    sessionCancel,
		startTime: time.Now(),
	}
	session.RemoteIP = remoteIP(conn)
	session.Protocol = "POP3"
	session.ServerName = s.name
	session.Id = idgen.New()
	session.Stats = s

	logger.Debug("POP3: new connection", "name", s.name, "remote", session.RemoteIP, "total_connections", totalCount)

	session.handleConnection()
}

// GetTotalConnections returns the current total connection count
func (s *POP3Server) GetTotalConnections() int64 {
	return s.totalConnections.Load()
}

// GetAuthenticatedConnections returns the current authenticated connection count
func (s *POP3Server) GetAuthenticatedConnections() int64 {
	return s.authenticatedConnections.Load()
}

func remoteIP(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		if host, _, err := net.SplitHostPort(addr.String()); err == nil {
			return host
		}
		return addr.String()
	}
	return "unknown"
}
