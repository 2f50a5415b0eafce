// Database migration CLI tool
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	_ "github.com/lib/pq"

	"github.com/ajitpratap0/streamgate/internal/config"
	"github.com/ajitpratap0/streamgate/internal/db"
)

func main() {
	command := flag.String("command", "migrate", "Command to run: migrate or status")
	dbURL := flag.String("db", os.Getenv("DATABASE_URL"), "Database connection URL")
	configPath := flag.String("config", "", "Config file used when -db and DATABASE_URL are empty")
	migrationsDir := flag.String("migrations", "migrations", "Path to migrations directory")
	flag.Parse()

	config.InitLogger("info", "console")

	dsn := *dbURL
	if dsn == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		dsn = cfg.Database.GetDSN()
	}

	database, err := sql.Open("postgres", dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	os.Exit(run(context.Background(), database, *command, *migrationsDir))
}

func run(ctx context.Context, database *sql.DB, command, dir string) int {
	defer func() {
		if err := database.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to close database connection: %v\n", err)
		}
	}()

	if err := database.PingContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to ping database: %v\n", err)
		return 1
	}

	migrator := db.NewMigrator(database, dir)

	switch command {
	case "migrate":
		applied, err := migrator.Migrate(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Migration failed after %d applied: %v\n", applied, err)
			return 1
		}
		fmt.Printf("Applied %d migration(s)\n", applied)
	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Status check failed: %v\n", err)
			return 1
		}
		for _, s := range statuses {
			mark := " "
			if s.Applied {
				mark = "x"
			}
			fmt.Printf("[%s] %03d %s\n", mark, s.Version, s.Description)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		fmt.Fprintf(os.Stderr, "Usage: migrate -command=[migrate|status]\n")
		return 1
	}
	return 0
}
