package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Config{LocalDomain: "mail.example.com"}
	cfg.Servers.SMTP.Start = true
	cfg.Servers.SMTP.Addr = ":2525"
	cfg.Servers.POP3.Start = true
	cfg.Servers.POP3.Addr = ":1110"
	return cfg
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg := validConfig()
	err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"), &cfg)
	require.NoError(t, err)
	assert.Equal(t, "mail.example.com", cfg.LocalDomain)
	assert.Equal(t, ":2525", cfg.Servers.SMTP.Addr)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
local_domain = "mail.internal.test"

[servers.smtp]
start = true
addr = ":25"
workers = 20
idle_timeout = "2m"

[servers.pop3]
start = false

[database]
host = "db.internal.test"
port = "5433"
user = "mailyard"
name = "mailyard"

[logging]
level = "debug"
format = "json"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg := validConfig()
	err := Load(path, &cfg)
	require.NoError(t, err)

	assert.Equal(t, "mail.internal.test", cfg.LocalDomain)
	assert.Equal(t, ":25", cfg.Servers.SMTP.Addr)
	assert.Equal(t, 20, cfg.Servers.SMTP.Workers)
	assert.False(t, cfg.Servers.POP3.Start)
	assert.Equal(t, "db.internal.test", cfg.Database.Host)
	assert.Equal(t, "debug", cfg.Logging.Level)

	timeout, err := cfg.Servers.SMTP.GetIdleTimeout()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, timeout)
}

func TestLoadRejectsBadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("local_domain = [unclosed"), 0o644))

	cfg := validConfig()
	assert.Error(t, Load(path, &cfg))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{
			name:    "missing local domain",
			mutate:  func(c *Config) { c.LocalDomain = "" },
			wantErr: "local_domain",
		},
		{
			name:    "bad smtp addr",
			mutate:  func(c *Config) { c.Servers.SMTP.Addr = "no-port" },
			wantErr: "servers.smtp",
		},
		{
			name:    "bad pop3 addr",
			mutate:  func(c *Config) { c.Servers.POP3.Addr = "" },
			wantErr: "servers.pop3",
		},
		{
			name: "disabled listener addr ignored",
			mutate: func(c *Config) {
				c.Servers.POP3.Start = false
				c.Servers.POP3.Addr = "garbage"
			},
		},
		{
			name:    "negative workers",
			mutate:  func(c *Config) { c.Servers.SMTP.Workers = -1 },
			wantErr: "worker pool",
		},
		{
			name:    "bad idle timeout",
			mutate:  func(c *Config) { c.Servers.POP3.IdleTimeout = "soon" },
			wantErr: "servers.pop3",
		},
		{
			name:    "bad query timeout",
			mutate:  func(c *Config) { c.Database.QueryTimeout = "never" },
			wantErr: "database",
		},
		{
			name: "bad http api addr",
			mutate: func(c *Config) {
				c.HTTPAPI.Start = true
				c.HTTPAPI.Addr = "no-port"
			},
			wantErr: "http_api",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestDurationDefaults(t *testing.T) {
	var smtp SMTPServerConfig
	d, err := smtp.GetIdleTimeout()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, d)

	var db DatabaseConfig
	qt, err := db.GetQueryTimeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, qt)
}
