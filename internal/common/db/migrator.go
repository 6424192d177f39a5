// Package db prepares the Postgres databases behind the record store and the
// audit trail: database creation and ordered SQL migrations.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	vqlog "github.com/PlainFunction/vaultquery/internal/common/logger"
)

func logger() *logrus.Entry {
	return vqlog.WithComponent("Migrator")
}

// Migrator handles database migrations
type Migrator struct {
	db         *sql.DB
	migrations fs.FS
	// prefix restricts the migrator to files starting with it, so the
	// gateway and the audit persister can share one directory.
	prefix string
}

// NewMigrator reads migrations from a directory on disk.
func NewMigrator(db *sql.DB, migrationsDir string) *Migrator {
	return NewMigratorFS(db, os.DirFS(migrationsDir))
}

func NewMigratorFS(db *sql.DB, migrations fs.FS) *Migrator {
	return &Migrator{
		db:         db,
		migrations: migrations,
	}
}

// WithPrefix limits the migrator to files whose names start with prefix.
func (m *Migrator) WithPrefix(prefix string) *Migrator {
	m.prefix = prefix
	return m
}

// InitializeMigrationsTable creates the migrations tracking table if it doesn't exist
func (m *Migrator) InitializeMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	logger().Debug("Schema migrations table initialized")
	return nil
}

// GetAppliedMigrations returns a list of already applied migration versions
func (m *Migrator) GetAppliedMigrations(ctx context.Context) (map[string]bool, error) {
	applied := make(map[string]bool)

	rows, err := m.db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// GetPendingMigrations returns migrations that haven't been applied yet
func (m *Migrator) GetPendingMigrations(ctx context.Context) ([]string, error) {
	files, err := fs.ReadDir(m.migrations, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	var pending []string
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || !strings.HasSuffix(name, ".sql") || !strings.HasPrefix(name, m.prefix) {
			continue
		}
		if !applied[strings.TrimSuffix(name, ".sql")] {
			pending = append(pending, name)
		}
	}

	// Sort migrations by name (which should be numeric prefixed)
	sort.Strings(pending)
	return pending, nil
}

// ApplyMigration applies a single migration file
func (m *Migrator) ApplyMigration(ctx context.Context, filename string) error {
	log := logger().WithField("migration", filename)
	log.Info("📝 Applying migration")

	content, err := fs.ReadFile(m.migrations, filename)
	if err != nil {
		return fmt.Errorf("failed to read migration file: %w", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("failed to execute migration: %w", err)
	}

	version := strings.TrimSuffix(filename, ".sql")
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	log.Info("✅ Successfully applied")
	return nil
}

// MigrateUp runs all pending migrations and reports how many were applied.
func (m *Migrator) MigrateUp(ctx context.Context) (int, error) {
	logger().Info("🚀 Starting database migration...")

	if err := m.InitializeMigrationsTable(ctx); err != nil {
		return 0, err
	}

	pending, err := m.GetPendingMigrations(ctx)
	if err != nil {
		return 0, err
	}

	if len(pending) == 0 {
		logger().Info("✅ No pending migrations, database is up to date")
		return 0, nil
	}

	logger().Infof("📋 Found %d pending migration(s)", len(pending))

	for _, filename := range pending {
		if err := m.ApplyMigration(ctx, filename); err != nil {
			return 0, fmt.Errorf("migration %s failed: %w", filename, err)
		}
	}

	logger().Infof("✅ Successfully applied %d migration(s)", len(pending))
	return len(pending), nil
}

// Migrate opens databaseURL and applies the pending migrations in dir whose
// names start with prefix. A missing dir is not an error: the schema is
// assumed to exist already.
func Migrate(ctx context.Context, databaseURL, dir, prefix string) (int, error) {
	log := logger().WithField("prefix", prefix)

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		log.Warnf("⚠️  Migrations directory not found: %s", dir)
		log.Warn("⚠️  Skipping migrations - assuming schema already exists")
		return 0, nil
	}

	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return 0, fmt.Errorf("failed to open database: %w", err)
	}
	defer conn.Close()

	if err := conn.PingContext(ctx); err != nil {
		return 0, fmt.Errorf("failed to ping database: %w", err)
	}
	log.Info("✅ Connected to database")

	return NewMigrator(conn, dir).WithPrefix(prefix).MigrateUp(ctx)
}
