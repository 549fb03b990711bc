// Package config defines the TOML configuration consumed by the mailyard
// server and its admin tooling.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration loaded from the TOML file.
type Config struct {
	// LocalDomain is the single fixed domain this server accepts mail for.
	// Sender and recipient addresses outside it are rejected as non-local.
	LocalDomain string `toml:"local_domain"`

	Database DatabaseConfig `toml:"database"`
	Servers  ServersConfig  `toml:"servers"`
	HTTPAPI  HTTPAPIConfig  `toml:"http_api"`
	Logging  LoggingConfig  `toml:"logging"`
}

// ServersConfig groups the protocol listeners.
type ServersConfig struct {
	SMTP SMTPServerConfig `toml:"smtp"`
	POP3 POP3ServerConfig `toml:"pop3"`
}

// SMTPServerConfig configures the mail submission listener.
type SMTPServerConfig struct {
	Start       bool   `toml:"start"`
	Addr        string `toml:"addr"`
	Workers     int    `toml:"workers"`      // Size of the fixed worker pool handling connections
	IdleTimeout string `toml:"idle_timeout"` // Maximum idle time before the connection is closed (e.g. "5m")
}

// POP3ServerConfig configures the mailbox retrieval listener.
type POP3ServerConfig struct {
	Start       bool   `toml:"start"`
	Addr        string `toml:"addr"`
	Workers     int    `toml:"workers"`
	IdleTimeout string `toml:"idle_timeout"`
}

// DatabaseConfig holds the connection settings for the backing PostgreSQL
// database used by the mailbox and account stores.
type DatabaseConfig struct {
	Host         string `toml:"host"`
	Port         string `toml:"port"`
	User         string `toml:"user"`
	Password     string `toml:"password"`
	Name         string `toml:"name"`
	TLSMode      bool   `toml:"tls"`
	MaxConns     int    `toml:"max_conns"`
	MinConns     int    `toml:"min_conns"`
	LogQueries   bool   `toml:"log_queries"`
	QueryTimeout string `toml:"query_timeout"` // Timeout for individual database queries (default: "30s")
}

// HTTPAPIConfig configures the account-management HTTP API.
type HTTPAPIConfig struct {
	Start  bool   `toml:"start"`
	Addr   string `toml:"addr"`
	APIKey string `toml:"api_key"`
}

// LoggingConfig controls the global logger. Output is one of "stdout",
// "stderr", "syslog" or a file path.
type LoggingConfig struct {
	Output string `toml:"output"`
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// GetIdleTimeout parses the SMTP idle timeout, defaulting to 5 minutes.
func (s *SMTPServerConfig) GetIdleTimeout() (time.Duration, error) {
	return parseDurationWithDefault(s.IdleTimeout, 5*time.Minute)
}

// GetIdleTimeout parses the POP3 idle timeout, defaulting to 5 minutes.
func (p *POP3ServerConfig) GetIdleTimeout() (time.Duration, error) {
	return parseDurationWithDefault(p.IdleTimeout, 5*time.Minute)
}

// GetQueryTimeout parses the database query timeout, defaulting to 30 seconds.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	return parseDurationWithDefault(d.QueryTimeout, 30*time.Second)
}

func parseDurationWithDefault(value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	return d, nil
}

// Load reads the TOML file at path into cfg, leaving cfg untouched if the
// file does not exist so that application defaults apply.
func Load(path string, cfg *Config) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return cfg.Validate()
}

// Validate checks the configuration for values that cannot work at runtime.
func (c *Config) Validate() error {
	if c.LocalDomain == "" {
		return fmt.Errorf("local_domain must be set")
	}
	for _, listener := range []struct {
		name string
		on   bool
		addr string
	}{
		{"servers.smtp", c.Servers.SMTP.Start, c.Servers.SMTP.Addr},
		{"servers.pop3", c.Servers.POP3.Start, c.Servers.POP3.Addr},
		{"http_api", c.HTTPAPI.Start, c.HTTPAPI.Addr},
	} {
		if !listener.on {
			continue
		}
		if _, _, err := net.SplitHostPort(listener.addr); err != nil {
			return fmt.Errorf("%s: invalid addr %q: %w", listener.name, listener.addr, err)
		}
	}
	if c.Servers.SMTP.Workers < 0 || c.Servers.POP3.Workers < 0 {
		return fmt.Errorf("worker pool size cannot be negative")
	}
	if _, err := c.Servers.SMTP.GetIdleTimeout(); err != nil {
		return fmt.Errorf("servers.smtp: %w", err)
	}
	if _, err := c.Servers.POP3.GetIdleTimeout(); err != nil {
		return fmt.Errorf("servers.pop3: %w", err)
	}
	if _, err := c.Database.GetQueryTimeout(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}
