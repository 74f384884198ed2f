package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orian/tagbug/models"
)

func newTestClickHouse() *ClickHouseStorage {
	return NewClickHouseStorage(nil, Options{Table: "ladybirds", IDColumn: "id", TagColumn: "class_"})
}

func TestClickHouseBuildFilter(t *testing.T) {
	s := newTestClickHouse()

	where, args := s.buildFilter(models.Query{Tags: []string{"red"}})
	assert.Equal(t, "has(?, coalesce(nullIf(trimBoth(`class_`), ''), 'None'))", where)
	assert.Equal(t, []any{[]string{"red"}}, args)

	where, args = s.buildFilter(models.Query{Tags: []string{"red"}, RestrictIDs: true, IDs: []string{"a"}})
	assert.Contains(t, where, " AND has(?, `id`)")
	assert.Equal(t, []any{[]string{"red"}, []string{"a"}}, args)
}

func TestClickHouseBuildMutations(t *testing.T) {
	tests := []struct {
		name    string
		pending []memOp
		want    []chMutation
	}{
		{
			name: "groups updates by tag",
			pending: []memOp{
				{id: "r2", tag: "red"},
				{id: "r1", tag: "red"},
				{id: "r3", tag: "blue"},
			},
			want: []chMutation{
				{
					query: "ALTER TABLE `ladybirds` UPDATE `class_` = ? WHERE has(?, `id`) SETTINGS mutations_sync = 2",
					args:  []any{"blue", []string{"r3"}},
				},
				{
					query: "ALTER TABLE `ladybirds` UPDATE `class_` = ? WHERE has(?, `id`) SETTINGS mutations_sync = 2",
					args:  []any{"red", []string{"r1", "r2"}},
				},
			},
		},
		{
			name: "last write wins and deletes come last",
			pending: []memOp{
				{id: "r1", tag: "red"},
				{id: "r1", delete: true},
				{id: "r2", tag: ""},
			},
			want: []chMutation{
				{
					query: "ALTER TABLE `ladybirds` UPDATE `class_` = ? WHERE has(?, `id`) SETTINGS mutations_sync = 2",
					args:  []any{nil, []string{"r2"}},
				},
				{
					query: "ALTER TABLE `ladybirds` DELETE WHERE has(?, `id`) SETTINGS mutations_sync = 2",
					args:  []any{[]string{"r1"}},
				},
			},
		},
		{
			name:    "nothing staged",
			pending: nil,
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestClickHouse()
			s.pending = tt.pending
			assert.Equal(t, tt.want, s.buildMutations())
		})
	}
}

func TestClickHouseRollbackDropsPending(t *testing.T) {
	ctx := context.Background()
	s := newTestClickHouse()
	require.NoError(t, s.UpdateTag(ctx, "r1", "red"))
	require.NoError(t, s.Delete(ctx, "r2"))
	assert.Len(t, s.pending, 2)

	require.NoError(t, s.Rollback(ctx))
	assert.Empty(t, s.pending)
	// Commit with nothing staged never touches the connection.
	require.NoError(t, s.Commit(ctx))
}
