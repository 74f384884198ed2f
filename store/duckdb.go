package store

import (
	"database/sql"
	"fmt"

	_ "github.com/duckdb/duckdb-go/v2"
)

// DuckDB defaults for a freshly created record table.
const (
	DefaultDuckDBTable     = "records"
	DefaultDuckDBIDColumn  = "id"
	DefaultDuckDBTagColumn = "tag"
)

// OpenDuckDB opens (or creates) a DuckDB database at path and prepares the
// record table. An empty path opens an in-memory database.
func OpenDuckDB(path string, opts Options) (*SQLStorage, error) {
	opts, err := opts.withDefaults(DefaultDuckDBTable, DefaultDuckDBIDColumn, DefaultDuckDBTagColumn)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}

	s, err := newSQLStorage(db, duckDBDialect, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
