package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// SQLite defaults match the layout of existing ladybird databases.
const (
	DefaultSQLiteTable     = "ladybirds"
	DefaultSQLiteIDColumn  = "id"
	DefaultSQLiteTagColumn = "class_"
)

// OpenSQLite opens (or creates) a SQLite database file. ":memory:" opens a
// private in-memory database.
func OpenSQLite(path string, opts Options) (*SQLStorage, error) {
	opts, err := opts.withDefaults(DefaultSQLiteTable, DefaultSQLiteIDColumn, DefaultSQLiteTagColumn)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s, err := newSQLStorage(db, sqliteDialect, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
