// Package db implements the mailbox and account stores on PostgreSQL.
//
// The mailbox store keeps one row per recipient copy of a message with a
// soft-delete flag; all writes go through single-statement or transactional
// updates so that concurrent deliveries and deletions for the same user are
// serialized by the database rather than by the protocol engines.
package db

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"

	"github.com/mailyard/mailyard/config"
	"github.com/mailyard/mailyard/logger"
)

//go:embed schema.sql
var schema string

type Database struct {
	Pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// NewDatabase opens a connection pool from the database configuration and
// applies the embedded schema.
func NewDatabase(ctx context.Context, cfg *config.DatabaseConfig) (*Database, error) {
	sslMode := "disable"
	if cfg.TLSMode {
		sslMode = "require"
	}

	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == "" {
		port = "5432"
	}

	connString := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.User, cfg.Password, host, port, cfg.Name, sslMode)

	logger.Info("connecting to database", "host", host, "port", port, "name", cfg.Name, "sslmode", sslMode)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	if cfg.LogQueries {
		poolConfig.ConnConfig.Tracer = &tracelog.TraceLog{
			Logger:   tracelog.LoggerFunc(traceQuery),
			LogLevel: tracelog.LogLevelDebug,
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	queryTimeout, err := cfg.GetQueryTimeout()
	if err != nil {
		pool.Close()
		return nil, err
	}

	db := &Database{Pool: pool, queryTimeout: queryTimeout}
	if err := db.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}
	return db, nil
}

func (db *Database) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

func (db *Database) migrate(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx, schema)
	return err
}

// queryContext applies the configured per-query timeout.
func (db *Database) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.queryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, db.queryTimeout)
}

// BeginTx starts a read-write transaction.
func (db *Database) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return db.Pool.Begin(ctx)
}

func traceQuery(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
	logger.Debug("db: "+msg, "data", data)
}
