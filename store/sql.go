// Package store implements models.RecordStore on top of DuckDB, SQLite,
// ClickHouse and plain memory.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/orian/tagbug/models"
)

// Options configures the record table a store reads and writes.
type Options struct {
	// Table is the record table name.
	Table string
	// IDColumn is the primary key column.
	IDColumn string
	// TagColumn is the nullable tag column.
	TagColumn string
	// Logger receives migration and lifecycle logs. Nil disables logging.
	Logger *zap.Logger
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (o Options) withDefaults(table, idCol, tagCol string) (Options, error) {
	if o.Table == "" {
		o.Table = table
	}
	if o.IDColumn == "" {
		o.IDColumn = idCol
	}
	if o.TagColumn == "" {
		o.TagColumn = tagCol
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	for _, ident := range []string{o.Table, o.IDColumn, o.TagColumn} {
		if !identRe.MatchString(ident) {
			return o, fmt.Errorf("invalid identifier %q", ident)
		}
	}
	return o, nil
}

// dialect captures the few places DuckDB and SQLite differ.
type dialect struct {
	name string
	// jsonIDs binds id allow-lists as one JSON argument via json_each
	// instead of one placeholder per id.
	jsonIDs bool
	// tagIndex creates a secondary index on the tag column.
	tagIndex bool
}

var (
	duckDBDialect = dialect{name: "duckdb"}
	sqliteDialect = dialect{name: "sqlite", jsonIDs: true, tagIndex: true}
)

// SQLStorage is a RecordStore over a database/sql connection.
// Writes go into a transaction opened on the first staged change.
type SQLStorage struct {
	db      *sql.DB
	tx      *sql.Tx
	dialect dialect
	table   string
	idCol   string
	tagCol  string
	logger  *zap.Logger
}

func newSQLStorage(db *sql.DB, d dialect, opts Options) (*SQLStorage, error) {
	// One connection keeps reads inside the staged transaction consistent
	// and matches the single-operator model.
	db.SetMaxOpenConns(1)

	s := &SQLStorage{
		db:      db,
		dialect: d,
		table:   quoteIdent(opts.Table),
		idCol:   quoteIdent(opts.IDColumn),
		tagCol:  quoteIdent(opts.TagColumn),
		logger:  opts.Logger,
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := RunMigrations(db, GetMigrations(d, s.table, s.tagCol), opts.Logger); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLStorage) initSchema() error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			%s VARCHAR PRIMARY KEY,
			%s VARCHAR
		)`, s.table, s.idCol, s.tagCol)
	_, err := s.db.Exec(schema)
	return err
}

// normalizedTag is the SQL form of models.NormalizeTag.
func (s *SQLStorage) normalizedTag() string {
	return fmt.Sprintf("COALESCE(NULLIF(TRIM(%s), ''), '%s')", s.tagCol, models.NoneTag)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// conn returns the open transaction so reads observe staged writes.
func (s *SQLStorage) conn() queryer {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func (s *SQLStorage) DistinctTags(ctx context.Context) ([]string, error) {
	rows, err := s.conn().QueryContext(ctx, fmt.Sprintf(
		"SELECT DISTINCT %s FROM %s", s.normalizedTag(), s.table))
	if err != nil {
		return nil, models.NewStoreError("distinct tags", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, models.NewStoreError("distinct tags", err)
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, models.NewStoreError("distinct tags", err)
	}
	return tags, nil
}

// buildFilter returns the WHERE clause and its arguments for q.
func (s *SQLStorage) buildFilter(q models.Query) (string, []any, error) {
	placeholders := make([]string, len(q.Tags))
	args := make([]any, 0, len(q.Tags)+1)
	for i, tag := range q.Tags {
		placeholders[i] = "?"
		args = append(args, tag)
	}
	where := fmt.Sprintf("%s IN (%s)", s.normalizedTag(), joinPlaceholders(placeholders))

	if !q.RestrictIDs {
		return where, args, nil
	}
	if s.dialect.jsonIDs {
		ids, err := json.Marshal(q.IDs)
		if err != nil {
			return "", nil, fmt.Errorf("failed to marshal id list: %w", err)
		}
		where += fmt.Sprintf(" AND %s IN (SELECT value FROM json_each(?))", s.idCol)
		return where, append(args, string(ids)), nil
	}
	idPlaceholders := make([]string, len(q.IDs))
	for i, id := range q.IDs {
		idPlaceholders[i] = "?"
		args = append(args, id)
	}
	where += fmt.Sprintf(" AND %s IN (%s)", s.idCol, joinPlaceholders(idPlaceholders))
	return where, args, nil
}

func (s *SQLStorage) QueryFiltered(ctx context.Context, q models.Query) ([]models.Record, int, error) {
	if len(q.Tags) == 0 || (q.RestrictIDs && len(q.IDs) == 0) {
		return []models.Record{}, 0, nil
	}
	where, args, err := s.buildFilter(q)
	if err != nil {
		return nil, 0, err
	}

	var total int
	err = s.conn().QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", s.table, where), args...,
	).Scan(&total)
	if err != nil {
		return nil, 0, models.NewStoreError("count", err)
	}
	n := q.Rows(total)
	if n == 0 {
		return []models.Record{}, total, nil
	}

	rows, err := s.conn().QueryContext(ctx, fmt.Sprintf(`
		SELECT %s, %s
		FROM %s
		WHERE %s
		ORDER BY %s ASC
		LIMIT ? OFFSET ?
	`, s.idCol, s.tagCol, s.table, where, s.idCol), append(args, n, q.Offset)...)
	if err != nil {
		return nil, 0, models.NewStoreError("query", err)
	}
	defer rows.Close()

	records := make([]models.Record, 0, n)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, models.NewStoreError("query", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, models.NewStoreError("query", err)
	}
	return records, total, nil
}

func (s *SQLStorage) FindByID(ctx context.Context, id string) (*models.Record, error) {
	row := s.conn().QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s = ?", s.idCol, s.tagCol, s.table, s.idCol), id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, models.NewStoreError("find", err)
	}
	return &rec, nil
}

func (s *SQLStorage) begin(ctx context.Context) error {
	if s.tx != nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.NewStoreError("begin", err)
	}
	s.tx = tx
	return nil
}

func (s *SQLStorage) UpdateTag(ctx context.Context, id, tag string) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	_, err := s.tx.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ?", s.table, s.tagCol, s.idCol),
		nullString(tag), id,
	)
	if err != nil {
		return models.NewStoreError("update", err)
	}
	return nil
}

func (s *SQLStorage) Delete(ctx context.Context, id string) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	_, err := s.tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s = ?", s.table, s.idCol), id)
	if err != nil {
		return models.NewStoreError("delete", err)
	}
	return nil
}

func (s *SQLStorage) Commit(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Commit(); err != nil {
		return models.NewStoreError("commit", err)
	}
	return nil
}

func (s *SQLStorage) Rollback(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return models.NewStoreError("rollback", err)
	}
	return nil
}

// Insert adds records in one transaction. It is used to seed new databases
// and is not part of the browsing surface.
func (s *SQLStorage) Insert(ctx context.Context, records ...models.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt := fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (?, ?)", s.table, s.idCol, s.tagCol)
	for _, rec := range records {
		var tag any
		if rec.Tag != nil {
			tag = *rec.Tag
		}
		if _, err := tx.ExecContext(ctx, stmt, rec.ID, tag); err != nil {
			return fmt.Errorf("failed to insert record %s: %w", rec.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStorage) Close() error {
	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (models.Record, error) {
	var rec models.Record
	var tag sql.NullString
	if err := sc.Scan(&rec.ID, &tag); err != nil {
		return rec, err
	}
	if tag.Valid {
		rec.Tag = &tag.String
	}
	return rec, nil
}

// Helper to join placeholders for SQL IN clause
func joinPlaceholders(placeholders []string) string {
	return strings.Join(placeholders, ", ")
}

func quoteIdent(ident string) string {
	return `"` + ident + `"`
}

// Helper functions
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

var _ models.RecordStore = (*SQLStorage)(nil)
