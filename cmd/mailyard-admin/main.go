package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/mailyard/mailyard/config"
	"github.com/mailyard/mailyard/consts"
	"github.com/mailyard/mailyard/db"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "create-account":
		handleCreateAccount()
	case "update-password":
		handleUpdatePassword()
	case "delete-account":
		handleDeleteAccount()
	case "list-accounts":
		handleListAccounts()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`Mailyard Admin Tool

Usage:
  mailyard-admin <command> [options]

Commands:
  create-account    Create a new account
  update-password   Update an existing account's password
  delete-account    Deactivate an account
  list-accounts     List all accounts
  help              Show this help message

Use 'mailyard-admin <command> --help' for command-specific options.
`)
}

// connectFlags holds the database flags shared by every command.
type connectFlags struct {
	configPath *string
	dbHost     *string
	dbPort     *string
	dbUser     *string
	dbPassword *string
	dbName     *string
	dbTLS      *bool
}

func registerConnectFlags(fs *flag.FlagSet) connectFlags {
	return connectFlags{
		configPath: fs.String("config", "config.toml", "Path to TOML configuration file"),
		dbHost:     fs.String("dbhost", "", "Database host (overrides config)"),
		dbPort:     fs.String("dbport", "", "Database port (overrides config)"),
		dbUser:     fs.String("dbuser", "", "Database user (overrides config)"),
		dbPassword: fs.String("dbpassword", "", "Database password (overrides config)"),
		dbName:     fs.String("dbname", "", "Database name (overrides config)"),
		dbTLS:      fs.Bool("dbtls", false, "Enable TLS for database connection (overrides config)"),
	}
}

// connect loads the configuration, applies flag overrides, and opens the
// database.
func connect(ctx context.Context, flags connectFlags) *db.Database {
	cfg := config.Config{
		LocalDomain: "mail.example.com",
		Database: config.DatabaseConfig{
			Host: "localhost",
			Port: "5432",
			User: "postgres",
			Name: "mailyard_db",
		},
	}
	if err := config.Load(*flags.configPath, &cfg); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *flags.dbHost != "" {
		cfg.Database.Host = *flags.dbHost
	}
	if *flags.dbPort != "" {
		cfg.Database.Port = *flags.dbPort
	}
	if *flags.dbUser != "" {
		cfg.Database.User = *flags.dbUser
	}
	if *flags.dbPassword != "" {
		cfg.Database.Password = *flags.dbPassword
	}
	if *flags.dbName != "" {
		cfg.Database.Name = *flags.dbName
	}
	if *flags.dbTLS {
		cfg.Database.TLSMode = true
	}

	database, err := db.NewDatabase(ctx, &cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	return database
}

func handleCreateAccount() {
	fs := flag.NewFlagSet("create-account", flag.ExitOnError)
	username := fs.String("username", "", "Username for the new account (required)")
	password := fs.String("password", "", "Password for the new account (required)")
	flags := registerConnectFlags(fs)

	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}
	if *username == "" || *password == "" {
		fmt.Printf("Error: --username and --password are required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	ctx := context.Background()
	database := connect(ctx, flags)
	defer database.Close()

	err := database.CreateAccount(ctx, db.CreateAccountRequest{Username: *username, Password: *password})
	if err != nil {
		if errors.Is(err, consts.ErrAccountExists) {
			log.Fatalf("Account %s already exists", *username)
		}
		log.Fatalf("Failed to create account: %v", err)
	}
	fmt.Printf("Account %s created successfully\n", *username)
}

func handleUpdatePassword() {
	fs := flag.NewFlagSet("update-password", flag.ExitOnError)
	username := fs.String("username", "", "Username of the account (required)")
	password := fs.String("password", "", "New password (required)")
	flags := registerConnectFlags(fs)

	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}
	if *username == "" || *password == "" {
		fmt.Printf("Error: --username and --password are required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	ctx := context.Background()
	database := connect(ctx, flags)
	defer database.Close()

	err := database.UpdatePassword(ctx, *username, *password)
	if err != nil {
		if errors.Is(err, consts.ErrUserNotFound) {
			log.Fatalf("Account %s not found", *username)
		}
		log.Fatalf("Failed to update password: %v", err)
	}
	fmt.Printf("Password updated for %s\n", *username)
}

func handleDeleteAccount() {
	fs := flag.NewFlagSet("delete-account", flag.ExitOnError)
	username := fs.String("username", "", "Username of the account (required)")
	flags := registerConnectFlags(fs)

	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}
	if *username == "" {
		fmt.Printf("Error: --username is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	ctx := context.Background()
	database := connect(ctx, flags)
	defer database.Close()

	err := database.DeleteAccount(ctx, *username)
	if err != nil {
		if errors.Is(err, consts.ErrUserNotFound) {
			log.Fatalf("Account %s not found", *username)
		}
		log.Fatalf("Failed to delete account: %v", err)
	}
	fmt.Printf("Account %s deactivated\n", *username)
}

func handleListAccounts() {
	fs := flag.NewFlagSet("list-accounts", flag.ExitOnError)
	flags := registerConnectFlags(fs)

	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	ctx := context.Background()
	database := connect(ctx, flags)
	defer database.Close()

	accounts, err := database.ListAccounts(ctx)
	if err != nil {
		log.Fatalf("Failed to list accounts: %v", err)
	}

	if len(accounts) == 0 {
		fmt.Println("No accounts found")
		return
	}
	fmt.Printf("%-30s %-10s %s\n", "USERNAME", "STATUS", "CREATED")
	for _, a := range accounts {
		fmt.Printf("%-30s %-10s %s\n", a.Username, a.Status, a.CreatedAt.Format("2006-01-02 15:04:05"))
	}
}
