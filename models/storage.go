package models

import "context"

// RecordStore defines the persistence layer for tagbug records.
//
// It provides the minimal surface the catalog engine needs to browse and
// mutate a table of (id, tag) rows. Implementations live in the store
// package: DuckDB, SQLite (the labelling tool .db format), ClickHouse, and an
// in-memory store for tests.
//
// The interface is organized into three categories:
//   - Reads: DistinctTags, QueryFiltered, FindByID
//   - Staged writes: UpdateTag, Delete
//   - Transaction control: Commit, Rollback
//
// Writes are staged until Commit. A failed or abandoned batch must be
// discarded with Rollback so that no partial change becomes visible.
//
// Thread Safety: the engine serializes access; implementations are not
// required to support concurrent writers.
type RecordStore interface {
	// DistinctTags returns every distinct tag value in the table,
	// normalized so that NULL and empty tags are reported as NoneTag.
	DistinctTags(ctx context.Context) ([]string, error)

	// QueryFiltered returns the records matching q ordered by id ascending,
	// together with the total number of matches ignoring Offset and Limit.
	//
	// A record matches when its normalized tag is in q.Tags and, if
	// q.RestrictIDs is set, its id is in q.IDs.
	QueryFiltered(ctx context.Context, q Query) ([]Record, int, error)

	// FindByID retrieves a record by its ID.
	//
	// Returns nil and no error when the record does not exist.
	FindByID(ctx context.Context, id string) (*Record, error)

	// UpdateTag stages a tag change for the record with the given id.
	UpdateTag(ctx context.Context, id, tag string) error

	// Delete stages removal of the record with the given id. Deleting a
	// missing id is not an error.
	Delete(ctx context.Context, id string) error

	// Commit makes all staged writes durable in one step.
	Commit(ctx context.Context) error

	// Rollback discards staged writes. It is a no-op when nothing is staged.
	Rollback(ctx context.Context) error

	// Close releases any resources held by the store.
	//
	// After Close is called, the store should not be used.
	Close() error
}

// Journal records committed mutations.
//
// The journal is informational: the engine logs journal failures and
// never fails a committed mutation because of them.
type Journal interface {
	// RecordMutation persists a committed mutation entry.
	RecordMutation(ctx context.Context, entry *MutationEntry) error

	// RecentMutations returns up to limit entries, newest first.
	RecentMutations(ctx context.Context, limit int) ([]*MutationEntry, error)
}
