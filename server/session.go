package server

import (
	"fmt"

	"github.com/mailyard/mailyard/logger"
)

// ConnectionStatsProvider defines an interface for getting connection statistics
type ConnectionStatsProvider interface {
	GetTotalConnections() int64
	GetAuthenticatedConnections() int64
}

// Session carries the per-connection identity shared by both protocol
// engines: a compact id for log correlation, the remote address, and the
// owning server's connection counters.
type Session struct {
	Id         string
	RemoteIP   string
	HostName   string
	ServerName string
	Protocol   string
	Username   string // Set once a user is associated with the session
	Stats      ConnectionStatsProvider
}

func (s *Session) Log(format string, args ...any) {
	user := s.Username
	if user == "" {
		user = "none"
	}
	if s.Stats != nil {
		logger.Info("Session",
			"protocol", s.Protocol,
			"remote", s.RemoteIP,
			"user", user,
			"session", s.Id,
			"conn_total", s.Stats.GetTotalConnections(),
			"conn_auth", s.Stats.GetAuthenticatedConnections(),
			"msg", fmt.Sprintf(format, args...))
	} else {
		logger.Info("Session",
			"protocol", s.Protocol,
			"remote", s.RemoteIP,
			"user", user,
			"session", s.Id,
			"msg", fmt.Sprintf(format, args...))
	}
}

func (s *Session) DebugLog(format string, args ...any) {
	user := s.Username
	if user == "" {
		user = "none"
	}
	logger.Debug("Session",
		"protocol", s.Protocol,
		"remote", s.RemoteIP,
		"user", user,
		"session", s.Id,
		"msg", fmt.Sprintf(format, args...))
}
