package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/orian/tagbug/models"
)

func TestOptionsRejectInvalidIdentifiers(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{name: "space in table", opts: Options{Table: "bad table"}},
		{name: "quote in column", opts: Options{TagColumn: `tag"; DROP`}},
		{name: "leading digit", opts: Options{IDColumn: "1id"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := OpenSQLite(":memory:", tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	_, err := OpenSQLite("", Options{})
	assert.Error(t, err)
}

func TestSQLiteCustomColumns(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(":memory:", Options{Table: "items", IDColumn: "key", TagColumn: "label"})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Insert(ctx, models.NewRecord("a", "x"), models.NewRecord("b", "")))

	records, total, err := s.QueryFiltered(ctx, models.Query{Tags: []string{"x", models.NoneTag}, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, []string{"a", "b"}, recordIDs(records))
}

func TestMigrationsRunOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ladybirds.db")
	core, logs := observer.New(zap.InfoLevel)
	opts := Options{Logger: zap.New(core)}

	s, err := OpenSQLite(path, opts)
	require.NoError(t, err)
	require.NoError(t, s.Insert(context.Background(), models.NewRecord("r1", "red")))
	require.NoError(t, s.Close())
	assert.Equal(t, 2, logs.FilterMessage("applying migration").Len())

	s, err = OpenSQLite(path, opts)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, 2, logs.FilterMessage("applying migration").Len(), "no migration reapplied")

	var version int
	require.NoError(t, s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version))
	assert.Equal(t, 2, version)

	r, err := s.FindByID(context.Background(), "r1")
	require.NoError(t, err)
	require.NotNil(t, r)
}

func TestGetMigrations(t *testing.T) {
	sqlite := GetMigrations(sqliteDialect, `"ladybirds"`, `"class_"`)
	require.Len(t, sqlite, 2)
	assert.Equal(t, []string{`CREATE INDEX IF NOT EXISTS idx_records_tag ON "ladybirds"("class_")`}, sqlite[0].Statements)

	duck := GetMigrations(duckDBDialect, `"records"`, `"tag"`)
	require.Len(t, duck, 2)
	assert.Empty(t, duck[0].Statements)
	for i, m := range duck {
		assert.Equal(t, i+1, m.Version)
	}
}

func TestRunMigrationsSkipsApplied(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)

	migrations := []Migration{
		{Version: 1, Description: "one", Statements: []string{"CREATE TABLE one (x INTEGER)"}},
	}
	require.NoError(t, RunMigrations(db, migrations, nil))
	// A second run would fail on CREATE TABLE if version 1 were reapplied.
	require.NoError(t, RunMigrations(db, migrations, nil))

	migrations = append(migrations, Migration{Version: 2, Description: "broken", Statements: []string{"NOT SQL"}})
	err = RunMigrations(db, migrations, nil)
	assert.ErrorContains(t, err, "failed to execute migration 2")

	var version int
	require.NoError(t, db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version))
	assert.Equal(t, 1, version)
}

func TestSQLiteFilterBindsIDsAsJSON(t *testing.T) {
	s := &SQLStorage{dialect: sqliteDialect, idCol: `"id"`, tagCol: `"class_"`}
	where, args, err := s.buildFilter(models.Query{Tags: []string{"red", "None"}, RestrictIDs: true, IDs: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t,
		`COALESCE(NULLIF(TRIM("class_"), ''), 'None') IN (?, ?) AND "id" IN (SELECT value FROM json_each(?))`,
		where)
	assert.Equal(t, []any{"red", "None", `["a","b"]`}, args)
}

func TestDuckDBFilterBindsIDPlaceholders(t *testing.T) {
	s := &SQLStorage{dialect: duckDBDialect, idCol: `"id"`, tagCol: `"tag"`}
	where, args, err := s.buildFilter(models.Query{Tags: []string{"red"}, RestrictIDs: true, IDs: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, `COALESCE(NULLIF(TRIM("tag"), ''), 'None') IN (?) AND "id" IN (?, ?)`, where)
	assert.Equal(t, []any{"red", "a", "b"}, args)
}
