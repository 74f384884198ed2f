package catalog

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/orian/tagbug/models"
	"github.com/orian/tagbug/store"
)

type recordingMetrics struct {
	mu        sync.Mutex
	refreshes int
	mutations []string
}

func (m *recordingMetrics) ObserveRefresh(d time.Duration, visible, selected int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshes++
}

func (m *recordingMetrics) ObserveMutation(op, outcome string, affected int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations = append(m.mutations, op+":"+outcome)
}

// tagsFailStore fails every vocabulary read.
type tagsFailStore struct {
	*store.MemStore
}

func (s tagsFailStore) DistinctTags(ctx context.Context) ([]string, error) {
	return nil, errBoom
}

// queryFailStore fails every filtered read but serves tags.
type queryFailStore struct {
	*store.MemStore
}

func (s queryFailStore) QueryFiltered(ctx context.Context, q models.Query) ([]models.Record, int, error) {
	return nil, 0, errBoom
}

// countingStore counts lookups that reach the store.
type countingStore struct {
	*store.MemStore
	finds   int
	queries int
}

func (s *countingStore) FindByID(ctx context.Context, id string) (*models.Record, error) {
	s.finds++
	return s.MemStore.FindByID(ctx, id)
}

func (s *countingStore) QueryFiltered(ctx context.Context, q models.Query) ([]models.Record, int, error) {
	s.queries++
	return s.MemStore.QueryFiltered(ctx, q)
}

func tagStates(snap Snapshot) map[string]bool {
	out := make(map[string]bool, len(snap.Tags))
	for _, ts := range snap.Tags {
		out[ts.Name] = ts.Active
	}
	return out
}

func TestEngineFilterScenario(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, rec("r1", "red"), rec("r2", "red"), rec("r3", "blue"))

	snap, err := e.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Window.TotalCount)
	assert.Equal(t, map[string]bool{"blue": true, "red": true}, tagStates(snap))

	snap, err = e.SetTagActive(ctx, "blue", false)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Window.TotalCount)
	assert.Equal(t, []string{"r1", "r2"}, ids(snap.Window.Items))

	snap, err = e.DeactivateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Window.TotalCount)
	assert.Empty(t, snap.Window.Items)

	snap, err = e.ActivateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Window.TotalCount)
}

func TestEngineSelectionSurvivesNavigation(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore(numbered(10, "red")...)
	e, err := New(s, WithGeometry(models.Geometry{Width: 2, Height: 2}))
	require.NoError(t, err)

	_, err = e.Toggle(ctx, "r000", true)
	require.NoError(t, err)

	snap, err := e.NextPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Window.PageIndex)
	assert.Equal(t, []string{"r004", "r005", "r006", "r007"}, ids(snap.Window.Items))

	_, err = e.Toggle(ctx, "r005", true)
	require.NoError(t, err)

	snap, err = e.PrevPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Window.PageIndex)
	assert.Equal(t, []string{"r000", "r005"}, snap.Selected)
}

func TestEngineSelectAllVisibleAndRegion(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore(numbered(6, "red")...)
	e, err := New(s, WithGeometry(models.Geometry{Width: 3, Height: 1}))
	require.NoError(t, err)

	snap, err := e.SelectAllVisible(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r000", "r001", "r002"}, snap.Selected)

	items := gridItems("r000", "r001", "r002")
	snap, err = e.SelectByRegion(ctx, items, models.Rect{X: 150, Y: 0, W: 100, H: 10}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"r000"}, snap.Selected, "hits flip off")

	snap, err = e.ClearSelection(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Selected)
}

func TestEngineReconcilesSelection(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t, rec("r1", "red"), rec("r2", "red"))

	_, err := e.Toggle(ctx, "r1", true)
	require.NoError(t, err)
	_, err = e.Toggle(ctx, "r2", true)
	require.NoError(t, err)

	// Another process deletes r2.
	require.NoError(t, s.Delete(ctx, "r2"))
	require.NoError(t, s.Commit(ctx))

	snap, err := e.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, snap.Selected)

	snap, err = e.Toggle(ctx, "never-existed", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, snap.Selected)
}

func TestEngineSubset(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, rec("r1", "red"), rec("r2", "red"), rec("r3", "blue"))

	snap, err := e.LoadSubset(ctx, []string{"r1", "r3", "r9"})
	require.NoError(t, err)
	assert.True(t, snap.SubsetActive)
	assert.Equal(t, 3, snap.SubsetSize)
	assert.Equal(t, []string{"r1", "r3"}, ids(snap.Window.Items))

	_, err = e.Toggle(ctx, "r1", true)
	require.NoError(t, err)
	res, snap, err := e.ExcludeFromSubset(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, res.Affected)
	assert.Equal(t, []string{"r3"}, ids(snap.Window.Items))
	assert.Empty(t, snap.Selected)

	snap, err = e.DeactivateSubset(ctx)
	require.NoError(t, err)
	assert.False(t, snap.SubsetActive)
	assert.Equal(t, []string{"r1", "r2", "r3"}, ids(snap.Window.Items))

	_, _, err = e.ExcludeFromSubset(ctx)
	assert.ErrorIs(t, err, models.ErrEmptySelection)
}

func TestEngineMutationsJournal(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t, rec("r1", "red"), rec("r2", "red"), rec("r3", "blue"))

	_, err := e.Toggle(ctx, "r1", true)
	require.NoError(t, err)
	res, snap, err := e.Retag(ctx, "green")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, res.Affected)
	assert.Empty(t, snap.Selected)
	assert.Equal(t, map[string]bool{"blue": true, "green": true, "red": true}, tagStates(snap))

	_, err = e.Toggle(ctx, "r2", true)
	require.NoError(t, err)
	_, _, err = e.CreateAndApplyTag(ctx, "spotted")
	require.NoError(t, err)

	_, err = e.Toggle(ctx, "r3", true)
	require.NoError(t, err)
	_, snap, err = e.DeleteSelected(ctx, DeleteConfirmation{Confirmed: true, Count: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Window.TotalCount)
	assert.Equal(t, 2, s.Len())

	entries, err := e.Journal(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, OpDelete, entries[0].Op)
	assert.Equal(t, []string{"r3"}, entries[0].RecordIDs)
	assert.Equal(t, OpCreateTag, entries[1].Op)
	assert.Equal(t, "spotted", entries[1].Tag)
	assert.Equal(t, OpRetag, entries[2].Op)
	assert.NotEmpty(t, entries[2].ID)

	entries, err = e.Journal(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestEngineFailedMutationKeepsSelection(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, rec("r1", "red"))

	_, err := e.Toggle(ctx, "r1", true)
	require.NoError(t, err)

	_, _, err = e.DeleteSelected(ctx, DeleteConfirmation{Confirmed: true, Count: 5})
	assert.ErrorIs(t, err, models.ErrUnconfirmed)

	_, _, err = e.CreateAndApplyTag(ctx, "red")
	assert.ErrorIs(t, err, models.ErrDuplicateTag)

	snap, err := e.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, snap.Selected)

	entries, err := e.Journal(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEngineGeometry(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, numbered(5, "red")...)

	snap, err := e.SetGeometry(ctx, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Window.PageSize)
	assert.Len(t, snap.Window.Items, 2)

	_, err = e.SetGeometry(ctx, 0, 4)
	assert.ErrorIs(t, err, models.ErrInvalidGeometry)
	snap, err = e.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Geometry{Width: 2, Height: 1}, snap.Geometry)

	snap, err = e.GoToPage(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"r004"}, ids(snap.Window.Items))

	_, err = e.GoToPage(ctx, -1)
	assert.ErrorIs(t, err, models.ErrInvalidPage)

	page, err := e.Page(ctx, 0, 5)
	require.NoError(t, err)
	assert.Len(t, page.Items, 5)

	count, err := e.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestEngineDetail(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, rec("r1", "red"), rec("r2", ""))

	_, err := e.SetTagActive(ctx, "red", false)
	require.NoError(t, err)
	_, err = e.Toggle(ctx, "r2", true)
	require.NoError(t, err)

	d, err := e.Detail(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "red", d.Tag)
	assert.False(t, d.Visible)
	assert.False(t, d.Selected)

	d, err = e.Detail(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, models.NoneTag, d.Tag)
	assert.True(t, d.Visible)
	assert.True(t, d.Selected)

	_, err = e.Detail(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestEngineAttachStore(t *testing.T) {
	ctx := context.Background()
	e, first := newTestEngine(t, rec("r1", "red"))

	_, err := e.Refresh(ctx)
	require.NoError(t, err)

	second := store.NewMemStore(rec("x1", "blue"), rec("x2", "blue"))
	prev, snap, err := e.AttachStore(ctx, second)
	require.NoError(t, err)
	assert.Same(t, first, prev)
	assert.Equal(t, []string{"x1", "x2"}, ids(snap.Window.Items))
	assert.Equal(t, map[string]bool{"blue": true, "red": true}, tagStates(snap), "vocabulary is kept")

	_, err = e.Toggle(ctx, "x1", true)
	require.NoError(t, err)
	_, _, err = e.Retag(ctx, "red")
	require.NoError(t, err)

	entries, err := second.RecentMutations(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "journal follows the attached store")
	entries, err = first.RecentMutations(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEngineAttachStoreFailureKeepsPrevious(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, rec("r1", "red"))

	broken := tagsFailStore{MemStore: store.NewMemStore(rec("x1", "blue"))}
	prev, _, err := e.AttachStore(ctx, broken)
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.Nil(t, prev)

	snap, err := e.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, ids(snap.Window.Items))
}

func TestEngineAttachStoreFailureRestoresVocabulary(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, rec("r1", "red"), rec("r2", "red"))

	_, err := e.Toggle(ctx, "r1", true)
	require.NoError(t, err)

	// Tags are readable, so the refresh gets as far as learning "blue"
	// before the page query fails.
	broken := queryFailStore{MemStore: store.NewMemStore(rec("x1", "blue"))}
	_, _, err = e.AttachStore(ctx, broken)
	require.ErrorIs(t, err, errBoom)

	snap, err := e.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"red": true}, tagStates(snap))
	assert.Equal(t, []string{"r1"}, snap.Selected)
	assert.Equal(t, []string{"r1", "r2"}, ids(snap.Window.Items))
}

func TestEngineReconcileIsBatched(t *testing.T) {
	ctx := context.Background()
	s := &countingStore{MemStore: store.NewMemStore(numbered(300, "red", "blue")...)}
	e, err := New(s, WithGeometry(models.Geometry{Width: 5, Height: 5}))
	require.NoError(t, err)

	for range 6 {
		_, err = e.SelectAllVisible(ctx)
		require.NoError(t, err)
		_, err = e.NextPage(ctx)
		require.NoError(t, err)
	}

	s.finds, s.queries = 0, 0
	snap, err := e.Refresh(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Selected, 150)
	assert.Zero(t, s.finds, "no per-id lookups")
	assert.Equal(t, 2, s.queries, "one page query and one selection check")
}

func TestEngineGoToPageBeyondIntRange(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, rec("r1", "red"), rec("r2", "red"))

	snap, err := e.GoToPage(ctx, math.MaxInt)
	require.NoError(t, err)
	assert.Empty(t, snap.Window.Items)
	assert.Equal(t, 2, snap.Window.TotalCount)

	snap, err = e.NextPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, math.MaxInt, snap.Window.PageIndex)

	_, err = e.SetGeometry(ctx, 1<<32, 1<<32)
	assert.ErrorIs(t, err, models.ErrInvalidGeometry)
}

func TestEngineRefreshFailureAfterCommit(t *testing.T) {
	ctx := context.Background()
	s := &faultyStore{MemStore: store.NewMemStore(rec("r1", "red"), rec("r2", "red")), breakReadsOnCommit: true}
	e, err := New(s)
	require.NoError(t, err)

	_, err = e.Toggle(ctx, "r1", true)
	require.NoError(t, err)

	res, snap, err := e.Retag(ctx, "blue")
	require.NoError(t, err, "a committed retag is not reported as failed")
	assert.Equal(t, StateCommitted, res.State)
	assert.Equal(t, []string{"r1"}, res.Affected)
	assert.NotEmpty(t, res.Warnings)
	assert.Empty(t, snap.Selected)
	assert.Equal(t, []string{"r1", "r2"}, ids(snap.Window.Items), "last rendered window is kept")

	got, err := s.MemStore.FindByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "blue", got.NormalizedTag())
}

func TestEngineSubscribersAndMetrics(t *testing.T) {
	ctx := context.Background()
	metrics := &recordingMetrics{}
	core, logs := observer.New(zap.InfoLevel)
	s := store.NewMemStore(rec("r1", "red"), rec("r2", "blue"))
	e, err := New(s, WithMetrics(metrics), WithLogger(zap.New(core)))
	require.NoError(t, err)

	var snaps []Snapshot
	e.Subscribe(func(s Snapshot) { snaps = append(snaps, s) })
	var discovered [][]string
	e.OnVocabularyChange(func(added []string) { discovered = append(discovered, added) })

	_, err = e.Refresh(ctx)
	require.NoError(t, err)
	_, err = e.Toggle(ctx, "r1", true)
	require.NoError(t, err)
	_, _, err = e.Retag(ctx, "green")
	require.NoError(t, err)
	_, _, err = e.Retag(ctx, "green")
	assert.ErrorIs(t, err, models.ErrEmptySelection)

	assert.Len(t, snaps, 3)
	assert.Equal(t, [][]string{{"blue", "red"}, {"green"}}, discovered)
	assert.Equal(t, 3, metrics.refreshes)
	assert.Equal(t, []string{"retag:committed", "retag:failed"}, metrics.mutations)

	assert.Equal(t, 1, logs.FilterMessage("mutation committed").Len())
	assert.Equal(t, 1, logs.FilterMessage("mutation rejected").Len())
	assert.Equal(t, 2, logs.FilterMessage("new tags discovered").Len())
}
