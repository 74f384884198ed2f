package store

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	Statements  []string
}

// GetMigrations returns all migrations in order for the given record table.
// table and tagCol must already be quoted.
func GetMigrations(d dialect, table, tagCol string) []Migration {
	tagIndex := []string{}
	if d.tagIndex {
		tagIndex = append(tagIndex, fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS idx_records_tag ON %s(%s)", table, tagCol))
	}
	return []Migration{
		{
			Version:     1,
			Description: "Add tag index",
			Statements:  tagIndex,
		},
		{
			Version:     2,
			Description: "Add mutation_journal table",
			Statements: []string{`
				CREATE TABLE IF NOT EXISTS mutation_journal (
					id VARCHAR PRIMARY KEY,
					op VARCHAR NOT NULL,
					tag VARCHAR,
					record_ids TEXT NOT NULL,
					created_at BIGINT NOT NULL
				)`,
			},
		},
	}
}

// RunMigrations executes all pending migrations
func RunMigrations(db *sql.DB, migrations []Migration, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description VARCHAR NOT NULL,
			applied_at BIGINT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	logger.Debug("current schema version", zap.Int("version", currentVersion))

	appliedCount := 0
	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		logger.Info("applying migration",
			zap.Int("version", migration.Version),
			zap.String("description", migration.Description))

		if err := applyMigration(db, migration); err != nil {
			return err
		}
		appliedCount++
	}

	if appliedCount > 0 {
		logger.Info("applied migrations", zap.Int("count", appliedCount))
	} else {
		logger.Debug("no pending migrations")
	}

	return nil
}

func applyMigration(db *sql.DB, migration Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction for migration %d: %w", migration.Version, err)
	}
	defer tx.Rollback()

	for _, stmt := range migration.Statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}
	}

	_, err = tx.Exec(
		"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
		migration.Version, migration.Description, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
	}
	return nil
}
