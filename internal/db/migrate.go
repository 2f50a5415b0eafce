package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Migration is one NNN_description.sql file
type Migration struct {
	Version     int
	Description string
	SQL         string
	Filename    string
}

// MigrationStatus reports whether a migration has been applied
type MigrationStatus struct {
	Migration
	Applied bool
}

// Migrator applies SQL migrations over database/sql (lib/pq), tracking them in schema_version
type Migrator struct {
	db  *sql.DB
	dir string
}

// NewMigrator creates a migration runner reading files from dir
func NewMigrator(db *sql.DB, dir string) *Migrator {
	return &Migrator{db: db, dir: dir}
}

func (m *Migrator) ensureSchemaVersionTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW(),
			description TEXT
		)
	`)
	return err
}

// CurrentVersion returns the highest applied version, 0 when none
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

// LoadMigrations reads and orders the up migrations of the directory
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") || strings.HasSuffix(name, "_down.sql") {
			continue
		}

		path := filepath.Clean(filepath.Join(dir, name))
		if !strings.HasPrefix(path, filepath.Clean(dir)) {
			return nil, fmt.Errorf("invalid migration file path: %s", name)
		}

		var (
			version     int
			description string
		)
		if _, err := fmt.Sscanf(name, "%d_%s", &version, &description); err != nil {
			return nil, fmt.Errorf("invalid migration filename format: %s (expected: NNN_description.sql)", name)
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", name, err)
		}

		migrations = append(migrations, Migration{
			Version:     version,
			Description: strings.ReplaceAll(strings.TrimSuffix(description, ".sql"), "_", " "),
			SQL:         string(content),
			Filename:    name,
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// Migrate applies every pending migration, each in its own transaction
func (m *Migrator) Migrate(ctx context.Context) (int, error) {
	if err := m.ensureSchemaVersionTable(ctx); err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return 0, err
	}

	migrations, err := LoadMigrations(m.dir)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, migration := range migrations {
		if migration.Version <= current {
			continue
		}
		if err := m.apply(ctx, migration); err != nil {
			return applied, fmt.Errorf("failed to apply migration %d: %w", migration.Version, err)
		}
		applied++
	}

	if applied == 0 {
		log.Info().Int("version", current).Msg("Database schema is up to date")
	}
	return applied, nil
}

func (m *Migrator) apply(ctx context.Context, migration Migration) error {
	log.Info().
		Int("version", migration.Version).
		Str("description", migration.Description).
		Msg("Applying migration")

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO schema_version (version, description) VALUES ($1, $2) ON CONFLICT (version) DO NOTHING",
		migration.Version, migration.Description,
	)
	if err != nil {
		return fmt.Errorf("failed to record migration version: %w", err)
	}

	return tx.Commit()
}

// Status lists every known migration with its applied flag
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.ensureSchemaVersionTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}

	migrations, err := LoadMigrations(m.dir)
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, len(migrations))
	for i, migration := range migrations {
		statuses[i] = MigrationStatus{Migration: migration, Applied: migration.Version <= current}
	}
	return statuses, nil
}
