package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mailyard/mailyard/config"
	"github.com/mailyard/mailyard/db"
	"github.com/mailyard/mailyard/logger"
	"github.com/mailyard/mailyard/pkg/retry"
	"github.com/mailyard/mailyard/server/httpapi"
	"github.com/mailyard/mailyard/server/pop3"
	"github.com/mailyard/mailyard/server/smtp"
)

func main() {
	// Initialize with application defaults; the TOML file and then the
	// command-line flags are layered on top.
	cfg := newDefaultConfig()

	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")

	fLocalDomain := flag.String("domain", cfg.LocalDomain, "Local mail domain (overrides config)")

	// Database flags
	fDbHost := flag.String("dbhost", cfg.Database.Host, "Database host (overrides config)")
	fDbPort := flag.String("dbport", cfg.Database.Port, "Database port (overrides config)")
	fDbUser := flag.String("dbuser", cfg.Database.User, "Database user (overrides config)")
	fDbPassword := flag.String("dbpassword", cfg.Database.Password, "Database password (overrides config)")
	fDbName := flag.String("dbname", cfg.Database.Name, "Database name (overrides config)")
	fDbTLS := flag.Bool("dbtls", cfg.Database.TLSMode, "Enable TLS for database connection (overrides config)")
	fDbLogQueries := flag.Bool("dblogqueries", cfg.Database.LogQueries, "Log all database queries (overrides config)")

	// Server enable/address flags
	fStartSmtp := flag.Bool("smtp", cfg.Servers.SMTP.Start, "Start the SMTP server (overrides config)")
	fSmtpAddr := flag.String("smtpaddr", cfg.Servers.SMTP.Addr, "SMTP server address (overrides config)")
	fSmtpWorkers := flag.Int("smtpworkers", cfg.Servers.SMTP.Workers, "SMTP worker pool size (overrides config)")
	fStartPop3 := flag.Bool("pop3", cfg.Servers.POP3.Start, "Start the POP3 server (overrides config)")
	fPop3Addr := flag.String("pop3addr", cfg.Servers.POP3.Addr, "POP3 server address (overrides config)")
	fPop3Workers := flag.Int("pop3workers", cfg.Servers.POP3.Workers, "POP3 worker pool size (overrides config)")
	fStartHTTPAPI := flag.Bool("httpapi", cfg.HTTPAPI.Start, "Start the HTTP API server (overrides config)")
	fHTTPAPIAddr := flag.String("httpapiaddr", cfg.HTTPAPI.Addr, "HTTP API server address (overrides config)")

	// Logging flags
	fLogOutput := flag.String("logoutput", cfg.Logging.Output, "Log output: 'stdout', 'stderr', 'syslog' or a file path (overrides config)")
	fLogLevel := flag.String("loglevel", cfg.Logging.Level, "Log level: debug, info, warn, error (overrides config)")

	flag.Parse()

	if err := config.Load(*configPath, &cfg); err != nil {
		log.Fatalf("Error loading configuration file '%s': %v", *configPath, err)
	}

	// Command-line flags override the file.
	if isFlagSet("domain") {
		cfg.LocalDomain = *fLocalDomain
	}
	if isFlagSet("dbhost") {
		cfg.Database.Host = *fDbHost
	}
	if isFlagSet("dbport") {
		cfg.Database.Port = *fDbPort
	}
	if isFlagSet("dbuser") {
		cfg.Database.User = *fDbUser
	}
	if isFlagSet("dbpassword") {
		cfg.Database.Password = *fDbPassword
	}
	if isFlagSet("dbname") {
		cfg.Database.Name = *fDbName
	}
	if isFlagSet("dbtls") {
		cfg.Database.TLSMode = *fDbTLS
	}
	if isFlagSet("dblogqueries") {
		cfg.Database.LogQueries = *fDbLogQueries
	}
	if isFlagSet("smtp") {
		cfg.Servers.SMTP.Start = *fStartSmtp
	}
	if isFlagSet("smtpaddr") {
		cfg.Servers.SMTP.Addr = *fSmtpAddr
	}
	if isFlagSet("smtpworkers") {
		cfg.Servers.SMTP.Workers = *fSmtpWorkers
	}
	if isFlagSet("pop3") {
		cfg.Servers.POP3.Start = *fStartPop3
	}
	if isFlagSet("pop3addr") {
		cfg.Servers.POP3.Addr = *fPop3Addr
	}
	if isFlagSet("pop3workers") {
		cfg.Servers.POP3.Workers = *fPop3Workers
	}
	if isFlagSet("httpapi") {
		cfg.HTTPAPI.Start = *fStartHTTPAPI
	}
	if isFlagSet("httpapiaddr") {
		cfg.HTTPAPI.Addr = *fHTTPAPIAddr
	}
	if isFlagSet("logoutput") {
		cfg.Logging.Output = *fLogOutput
	}
	if isFlagSet("loglevel") {
		cfg.Logging.Level = *fLogLevel
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if !cfg.Servers.SMTP.Start && !cfg.Servers.POP3.Start {
		log.Fatal("No servers enabled. Please enable at least one server (SMTP or POP3).")
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle SIGINT and SIGTERM for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received shutdown signal", "signal", sig.String())
		cancel()
	}()

	logger.Info("Connecting to database",
		"host", cfg.Database.Host, "port", cfg.Database.Port,
		"user", cfg.Database.User, "name", cfg.Database.Name)

	var database *db.Database
	err = retry.WithRetry(ctx, func() error {
		var connErr error
		database, connErr = db.NewDatabase(ctx, &cfg.Database)
		return connErr
	}, retry.DefaultBackoffConfig())
	if err != nil {
		logger.Fatal("Failed to connect to the database", "error", err)
	}
	defer database.Close()

	hostname, _ := os.Hostname()
	errChan := make(chan error, 1)

	if cfg.Servers.SMTP.Start {
		go startSMTPServer(ctx, hostname, database, errChan, cfg)
	}
	if cfg.Servers.POP3.Start {
		go startPOP3Server(ctx, hostname, database, errChan, cfg)
	}
	if cfg.HTTPAPI.Start {
		go httpapi.Start(ctx, database, httpapi.ServerOptions{
			Name:   hostname,
			Addr:   cfg.HTTPAPI.Addr,
			APIKey: cfg.HTTPAPI.APIKey,
		}, errChan)
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down mailyard servers")
	case err := <-errChan:
		logger.Fatal("Server error", "error", err)
	}
}

func startSMTPServer(ctx context.Context, hostname string, database *db.Database, errChan chan error, cfg config.Config) {
	idleTimeout, err := cfg.Servers.SMTP.GetIdleTimeout()
	if err != nil {
		errChan <- fmt.Errorf("invalid SMTP idle_timeout: %w", err)
		return
	}

	s, err := smtp.New(ctx, hostname, cfg.LocalDomain, cfg.Servers.SMTP.Addr, database, database, smtp.SMTPServerOptions{
		Workers:     cfg.Servers.SMTP.Workers,
		IdleTimeout: idleTimeout,
	})
	if err != nil {
		errChan <- fmt.Errorf("failed to create SMTP server: %w", err)
		return
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down SMTP server")
		s.Close()
	}()

	s.Start(errChan)
}

func startPOP3Server(ctx context.Context, hostname string, database *db.Database, errChan chan error, cfg config.Config) {
	idleTimeout, err := cfg.Servers.POP3.GetIdleTimeout()
	if err != nil {
		errChan <- fmt.Errorf("invalid POP3 idle_timeout: %w", err)
		return
	}

	s, err := pop3.New(ctx, hostname, cfg.LocalDomain, cfg.Servers.POP3.Addr, database, database, pop3.POP3ServerOptions{
		Workers:     cfg.Servers.POP3.Workers,
		IdleTimeout: idleTimeout,
	})
	if err != nil {
		errChan <- fmt.Errorf("failed to create POP3 server: %w", err)
		return
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down POP3 server")
		s.Close()
	}()

	s.Start(errChan)
}

// Helper function to check if a flag was explicitly set on the command line
func isFlagSet(name string) bool {
	isSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			isSet = true
		}
	})
	return isSet
}
