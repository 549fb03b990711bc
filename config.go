package main

import "github.com/mailyard/mailyard/config"

// newDefaultConfig returns the application defaults applied before the TOML
// file and command-line flags are layered on top.
func newDefaultConfig() config.Config {
	cfg := config.Config{
		LocalDomain: "mail.example.com",
		Database: config.DatabaseConfig{
			Host:     "localhost",
			Port:     "5432",
			User:     "postgres",
			Password: "",
			Name:     "mailyard_db",
			MaxConns: 20,
			MinConns: 2,
		},
		Logging: config.LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
	}
	cfg.Servers.SMTP = config.SMTPServerConfig{
		Start:       true,
		Addr:        ":25",
		Workers:     10,
		IdleTimeout: "5m",
	}
	cfg.Servers.POP3 = config.POP3ServerConfig{
		Start:       true,
		Addr:        ":110",
		Workers:     10,
		IdleTimeout: "5m",
	}
	cfg.HTTPAPI = config.HTTPAPIConfig{
		Start: false,
		Addr:  ":8080",
	}
	return cfg
}
