// Package smtp implements the mail submission side of the exchange: a
// line-oriented SMTP state machine that validates sender and recipients
// against the local domain and the auth collaborator, then appends one copy
// of the message per accepted recipient to the mailbox store.
package smtp

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

type SMTPServer struct {
	addr        string
	name        string
	localDomain string
	store       serverPkg.MailboxStore
	auth        serverPkg.AuthProvider
	appCtx      context.Context
	cancel      context.CancelFunc
	pool        *serverPkg.WorkerPool
	idleTimeout time.Duration

	totalConnections         atomic.Int64
	authenticatedConnections atomic.Int64 // Always zero; submission sessions do not authenticate
}

type SMTPServerOptions struct {
	Workers     int
	IdleTimeout time.Duration // Maximum idle time between commands (0 = disabled)
}

func New(appCtx context.Context, name, localDomain, addr string, store serverPkg.MailboxStore, auth serverPkg.AuthProvider, options SMTPServerOptions) (*SMTPServer, error) {
	if localDomain == "" {
		return nil, fmt.Errorf("local domain is required")
	}

	serverCtx, serverCancel := context.WithCancel(appCtx)

	return &SMTPServer{
		addr:        addr,
		name:        name,
		localDomain: localDomain,
		store:       store,
		auth:        auth,
		appCtx:      serverCtx,
		cancel:      serverCancel,
		pool:        serverPkg.NewWorkerPool("SMTP", options.Workers),
		idleTimeout: options.IdleTimeout,
	}, nil
}

// Start listens on the configured address and serves connections through
// the worker pool until the server is closed. Fatal errors are sent to
// errChan.
func (s *SMTPServer) Start(errChan chan error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.cancel()
		errChan <- fmt.Errorf("failed to create SMTP listener: %w", err)
		return
	}
	logger.Info("SMTP server listening", "name", s.name, "addr", s.addr, "domain", s.localDomain, "workers", s.pool.Size())

	go func() {
		<-s.appCtx.Done()
		logger.Debug("SMTP: stopping", "name", s.name)
		listener.Close()
	}()

	if err := s.pool.Serve(s.appCtx, listener, s.handleConnection); err != nil {
		errChan <- fmt.Errorf("SMTP accept loop failed: %w", err)
		return
	}
	logger.Info("SMTP server stopped", "name", s.name)
}

func (s *SMTPServer) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *SMTPServer) handleConnection(conn net.Conn) {
	sessionCtx, sessionCancel := context.WithCancel(s.appCtx)

	totalCount := s.totalConnections.Add(1)
	metrics.ConnectionsTotal.WithLabelValues("smtp").Inc()
	metrics.ConnectionsCurrent.WithLabelValues("smtp").Inc()

	session := &SMTPSession{
		server:    s,
		conn:      conn,
		state:     stateConnected,
		ctx:       sessionCtx,
		cancel:    sessionCancel,
		startTime: time.Now(),
	}
	session.RemoteIP = remoteIP(conn)
	session.Protocol = "SMTP"
	session.ServerName = s.name
	session.Id = idgen.New()
	session.Stats = s

	logger.Debug("SMTP: new connection", "name", s.name, "remote", session.RemoteIP, "total_connections", totalCount)

	session.handleConnection()
}

// GetTotalConnections returns the current total connection count
func (s *SMTPServer) GetTotalConnections() int64 {
	return s.totalConnections.Load()
}

// GetAuthenticatedConnections returns the current authenticated connection count
func (s *SMTPServer) GetAuthenticatedConnections() int64 {
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
