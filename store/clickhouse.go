package store

import (
	"context"
	"crypto/tls"
	"fmt"
	"sort"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/orian/tagbug/models"
)

// ClickHouseConfig holds connection settings for a ClickHouse record table.
type ClickHouseConfig struct {
	Addr     string
	Database string
	User     string
	Password string
	// Secure enables TLS. Ports ending in :9440 imply it.
	Secure bool
}

// ClickHouseStorage is a RecordStore over a ClickHouse MergeTree table.
//
// ClickHouse has no multi-statement transactions, so writes are buffered in
// memory and flushed on Commit as synchronous mutations.
type ClickHouseStorage struct {
	conn    driver.Conn
	table   string
	idCol   string
	tagCol  string
	pending []memOp
	logger  *zap.Logger
}

// OpenClickHouse connects to ClickHouse and ensures the record table exists.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig, opts Options) (*ClickHouseStorage, error) {
	opts, err := opts.withDefaults(DefaultDuckDBTable, DefaultDuckDBIDColumn, DefaultDuckDBTagColumn)
	if err != nil {
		return nil, err
	}

	options := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{
				{Name: "tagbug", Version: "1.0"},
			},
		},
		Settings: clickhouse.Settings{
			"send_logs_level": "none",
		},
	}
	if cfg.Secure || strings.HasSuffix(cfg.Addr, ":9440") {
		options.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse ping failed: %w", err)
	}

	s := NewClickHouseStorage(conn, opts)
	if err := s.initSchema(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	opts.Logger.Info("connected to clickhouse",
		zap.String("addr", cfg.Addr),
		zap.String("database", cfg.Database),
		zap.String("table", opts.Table))
	return s, nil
}

// NewClickHouseStorage wraps an existing connection. opts must carry valid
// identifiers.
func NewClickHouseStorage(conn driver.Conn, opts Options) *ClickHouseStorage {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClickHouseStorage{
		conn:   conn,
		table:  quoteCHIdent(opts.Table),
		idCol:  quoteCHIdent(opts.IDColumn),
		tagCol: quoteCHIdent(opts.TagColumn),
		logger: logger,
	}
}

func (s *ClickHouseStorage) initSchema(ctx context.Context) error {
	return s.conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			%s String,
			%s Nullable(String)
		) ENGINE = MergeTree ORDER BY %s
	`, s.table, s.idCol, s.tagCol, s.idCol))
}

func (s *ClickHouseStorage) normalizedTag() string {
	return fmt.Sprintf("coalesce(nullIf(trimBoth(%s), ''), '%s')", s.tagCol, models.NoneTag)
}

// buildFilter returns the WHERE clause for q. Lists are bound as arrays.
func (s *ClickHouseStorage) buildFilter(q models.Query) (string, []any) {
	where := fmt.Sprintf("has(?, %s)", s.normalizedTag())
	args := []any{q.Tags}
	if q.RestrictIDs {
		where += fmt.Sprintf(" AND has(?, %s)", s.idCol)
		args = append(args, q.IDs)
	}
	return where, args
}

func (s *ClickHouseStorage) DistinctTags(ctx context.Context) ([]string, error) {
	rows, err := s.conn.Query(ctx, fmt.Sprintf("SELECT DISTINCT %s FROM %s", s.normalizedTag(), s.table))
	if err != nil {
		return nil, models.NewStoreError("distinct tags", err)
	}
	lines, err := scanTextRows(rows)
	if err != nil {
		return nil, models.NewStoreError("distinct tags", err)
	}
	return lines, nil
}

func (s *ClickHouseStorage) QueryFiltered(ctx context.Context, q models.Query) ([]models.Record, int, error) {
	if len(q.Tags) == 0 || (q.RestrictIDs && len(q.IDs) == 0) {
		return []models.Record{}, 0, nil
	}
	where, args := s.buildFilter(q)

	var total uint64
	if err := s.conn.QueryRow(ctx,
		fmt.Sprintf("SELECT count() FROM %s WHERE %s", s.table, where), args...,
	).Scan(&total); err != nil {
		return nil, 0, models.NewStoreError("count", err)
	}
	n := q.Rows(int(total))
	if n == 0 {
		return []models.Record{}, int(total), nil
	}

	rows, err := s.conn.Query(ctx, fmt.Sprintf(`
		SELECT %s, %s FROM %s WHERE %s ORDER BY %s ASC LIMIT ? OFFSET ?
	`, s.idCol, s.tagCol, s.table, where, s.idCol), append(args, n, q.Offset)...)
	if err != nil {
		return nil, 0, models.NewStoreError("query", err)
	}
	defer rows.Close()

	records := make([]models.Record, 0, n)
	for rows.Next() {
		var rec models.Record
		if err := rows.Scan(&rec.ID, &rec.Tag); err != nil {
			return nil, 0, models.NewStoreError("query", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, models.NewStoreError("query", err)
	}
	return records, int(total), nil
}

func (s *ClickHouseStorage) FindByID(ctx context.Context, id string) (*models.Record, error) {
	rows, err := s.conn.Query(ctx,
		fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s = ? LIMIT 1", s.idCol, s.tagCol, s.table, s.idCol), id)
	if err != nil {
		return nil, models.NewStoreError("find", err)
	}
	defer rows.Close()

	found := map[string]*string{}
	for rows.Next() {
		var rec models.Record
		if err := rows.Scan(&rec.ID, &rec.Tag); err != nil {
			return nil, models.NewStoreError("find", err)
		}
		found[rec.ID] = rec.Tag
	}
	if err := rows.Err(); err != nil {
		return nil, models.NewStoreError("find", err)
	}

	// Overlay buffered writes so validation sees the batch in progress.
	for _, op := range s.pending {
		if op.id == id {
			applyOp(found, op)
		}
	}
	tag, ok := found[id]
	if !ok {
		return nil, nil
	}
	return &models.Record{ID: id, Tag: tag}, nil
}

func (s *ClickHouseStorage) UpdateTag(ctx context.Context, id, tag string) error {
	s.pending = append(s.pending, memOp{id: id, tag: tag})
	return nil
}

func (s *ClickHouseStorage) Delete(ctx context.Context, id string) error {
	s.pending = append(s.pending, memOp{id: id, delete: true})
	return nil
}

// chMutation is one ALTER TABLE statement produced by a flush.
type chMutation struct {
	query string
	args  []any
}

// buildMutations collapses buffered writes into one statement per target
// tag plus one delete. The last write to an id wins.
func (s *ClickHouseStorage) buildMutations() []chMutation {
	final := make(map[string]memOp, len(s.pending))
	for _, op := range s.pending {
		final[op.id] = op
	}

	byTag := make(map[string][]string)
	var deletes []string
	for id, op := range final {
		if op.delete {
			deletes = append(deletes, id)
			continue
		}
		byTag[op.tag] = append(byTag[op.tag], id)
	}

	tags := make([]string, 0, len(byTag))
	for tag := range byTag {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	var out []chMutation
	for _, tag := range tags {
		ids := byTag[tag]
		sort.Strings(ids)
		out = append(out, chMutation{
			query: fmt.Sprintf("ALTER TABLE %s UPDATE %s = ? WHERE has(?, %s) SETTINGS mutations_sync = 2",
				s.table, s.tagCol, s.idCol),
			args: []any{nullString(tag), ids},
		})
	}
	if len(deletes) > 0 {
		sort.Strings(deletes)
		out = append(out, chMutation{
			query: fmt.Sprintf("ALTER TABLE %s DELETE WHERE has(?, %s) SETTINGS mutations_sync = 2",
				s.table, s.idCol),
			args: []any{deletes},
		})
	}
	return out
}

func (s *ClickHouseStorage) Commit(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}
	mutations := s.buildMutations()
	s.pending = nil

	for _, m := range mutations {
		s.logger.Debug("running clickhouse mutation", zap.String("query", m.query))
		if err := s.conn.Exec(ctx, m.query, m.args...); err != nil {
			return models.NewStoreError("commit", err)
		}
	}
	return nil
}

func (s *ClickHouseStorage) Rollback(ctx context.Context) error {
	s.pending = nil
	return nil
}

func (s *ClickHouseStorage) Close() error {
	s.pending = nil
	return s.conn.Close()
}

// scanTextRows scans rows from queries that return a single text column.
func scanTextRows(rows driver.Rows) ([]string, error) {
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func quoteCHIdent(ident string) string {
	return "`" + ident + "`"
}

var _ models.RecordStore = (*ClickHouseStorage)(nil)
