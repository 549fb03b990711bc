package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/mailyard/mailyard/config"
	"github.com/mailyard/mailyard/db"
	"github.com/stretchr/testify/require"
)

// TestConfig represents minimal test configuration
type TestConfig struct {
	Database config.DatabaseConfig `toml:"database"`
}

// TestDatabase wraps database functionality for testing
type TestDatabase struct {
	*db.Database
	Config *TestConfig
}

// SetupTestDatabase creates a database connection using local PostgreSQL and config-test.toml
func SetupTestDatabase(t *testing.T) *TestDatabase {
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	ctx := context.Background()

	// Find the config-test.toml file by walking up from current directory
	configPath, err := findTestConfig()
	require.NoError(t, err, "config-test.toml not found. Please ensure it exists in the project root")

	var cfg TestConfig
	_, err = toml.DecodeFile(configPath, &cfg)
	require.NoError(t, err, "Failed to load test config. Please check config-test.toml syntax")

	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == "" {
		cfg.Database.Port = "5432"
	}

	database, err := db.NewDatabase(ctx, &cfg.Database)
	require.NoError(t, err, "Failed to connect to test database")

	t.Cleanup(func() {
		database.Close()
	})

	return &TestDatabase{
		Database: database,
		Config:   &cfg,
	}
}

// CleanupAccount removes an account and its messages so tests can re-run
// against a persistent database.
func (td *TestDatabase) CleanupAccount(t *testing.T, username string) {
	ctx := context.Background()
	_, err := td.Pool.Exec(ctx, "DELETE FROM messages WHERE recipient = $1", username)
	require.NoError(t, err)
	_, err = td.Pool.Exec(ctx, "DELETE FROM accounts WHERE username = $1", username)
	require.NoError(t, err)
}

func findTestConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, "config-test.toml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("config-test.toml not found in any parent directory")
		}
		dir = parent
	}
}
