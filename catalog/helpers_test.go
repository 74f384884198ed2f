package catalog

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orian/tagbug/models"
	"github.com/orian/tagbug/store"
)

func rec(id, tag string) models.Record {
	return models.NewRecord(id, tag)
}

func ids(records []models.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

// numbered returns n records r000..r(n-1) cycling through tags.
func numbered(n int, tags ...string) []models.Record {
	out := make([]models.Record, n)
	for i := range out {
		out[i] = rec(fmt.Sprintf("r%03d", i), tags[i%len(tags)])
	}
	return out
}

func newTestEngine(t *testing.T, records ...models.Record) (*Engine, *store.MemStore) {
	t.Helper()
	s := store.NewMemStore(records...)
	e, err := New(s)
	require.NoError(t, err)
	return e, s
}

var errBoom = errors.New("boom")

// faultyStore wraps a MemStore and fails selected operations.
type faultyStore struct {
	*store.MemStore
	failUpdateAfter int
	failCommit      bool
	failFind        bool
	// breakReadsOnCommit makes every QueryFiltered fail once a commit went
	// through.
	breakReadsOnCommit bool
	readsBroken        bool
	updates            int
	rollbacks          int
}

func (f *faultyStore) UpdateTag(ctx context.Context, id, tag string) error {
	if f.failUpdateAfter > 0 && f.updates >= f.failUpdateAfter {
		return errBoom
	}
	f.updates++
	return f.MemStore.UpdateTag(ctx, id, tag)
}

func (f *faultyStore) Commit(ctx context.Context) error {
	if f.failCommit {
		return errBoom
	}
	if f.breakReadsOnCommit {
		f.readsBroken = true
	}
	return f.MemStore.Commit(ctx)
}

func (f *faultyStore) QueryFiltered(ctx context.Context, q models.Query) ([]models.Record, int, error) {
	if f.readsBroken {
		return nil, 0, errBoom
	}
	return f.MemStore.QueryFiltered(ctx, q)
}

func (f *faultyStore) FindByID(ctx context.Context, id string) (*models.Record, error) {
	if f.failFind {
		return nil, errBoom
	}
	return f.MemStore.FindByID(ctx, id)
}

func (f *faultyStore) Rollback(ctx context.Context) error {
	f.rollbacks++
	return f.MemStore.Rollback(ctx)
}
