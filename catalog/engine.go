// Package catalog implements the browsing and tagging engine: tag
// vocabulary and filter, subset restriction, paged view, cross-page
// selection and bulk mutations over a models.RecordStore.
package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orian/tagbug/models"
)

// Metrics receives engine measurements. A nil Metrics is ignored.
type Metrics interface {
	ObserveRefresh(d time.Duration, visible, selected int)
	ObserveMutation(op string, outcome string, affected int)
}

// TagState is one vocabulary entry with its filter flag.
type TagState struct {
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Snapshot is the projection handed to renderers after every refresh.
type Snapshot struct {
	Window       models.PageWindow `json:"window"`
	Geometry     models.Geometry   `json:"geometry"`
	Selected     []string          `json:"selected"`
	Tags         []TagState        `json:"tags"`
	SubsetActive bool              `json:"subsetActive"`
	SubsetSize   int               `json:"subsetSize"`
}

// RecordDetail is the detail view of one record.
type RecordDetail struct {
	Record   models.Record `json:"record"`
	Tag      string        `json:"tag"`
	Selected bool          `json:"selected"`
	Visible  bool          `json:"visible"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithGeometry sets the initial grid geometry.
func WithGeometry(g models.Geometry) Option {
	return func(e *Engine) { e.geometry = g }
}

// WithJournal records committed mutations in j.
func WithJournal(j models.Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithMetrics reports refreshes and mutations to m.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine owns the catalog state for one operator. All methods are
// serialized; exactly one view computation or mutation runs at a time.
type Engine struct {
	mu          sync.Mutex
	store       models.RecordStore
	vocab       *Vocabulary
	view        *View
	selection   *Selection
	mutator     *Mutator
	geometry    models.Geometry
	journal     models.Journal
	metrics     Metrics
	logger      *zap.Logger
	subscribers []func(Snapshot)
	last        *Snapshot
}

// New creates an engine over store.
func New(store models.RecordStore, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:     store,
		vocab:     NewVocabulary(),
		selection: NewSelection(),
		geometry:  models.DefaultGeometry,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.journal == nil {
		if j, ok := store.(models.Journal); ok {
			e.journal = j
		}
	}

	view, err := NewView(store, e.vocab, e.geometry)
	if err != nil {
		return nil, err
	}
	e.view = view
	e.mutator = NewMutator(store, e.vocab, view, e.selection)
	e.vocab.OnChange(func(added []string) {
		e.logger.Info("new tags discovered", zap.Strings("tags", added))
	})
	return e, nil
}

// Subscribe registers fn to receive every snapshot the engine computes.
func (e *Engine) Subscribe(fn func(Snapshot)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers = append(e.subscribers, fn)
}

// OnVocabularyChange registers fn to receive newly added tags.
func (e *Engine) OnVocabularyChange(fn func(added []string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vocab.OnChange(fn)
}

// Refresh recomputes the current page and publishes it.
func (e *Engine) Refresh(ctx context.Context) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refresh(ctx)
}

// refresh re-synchronizes the vocabulary, drops selected ids that no longer
// exist, computes the window and notifies subscribers. Caller holds mu.
func (e *Engine) refresh(ctx context.Context) (Snapshot, error) {
	start := time.Now()

	window, err := e.view.Current(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if err := e.reconcileSelection(ctx); err != nil {
		return Snapshot{}, err
	}

	snap := e.snapshot(window)
	e.last = &snap
	if e.metrics != nil {
		e.metrics.ObserveRefresh(time.Since(start), window.TotalCount, len(snap.Selected))
	}
	for _, fn := range e.subscribers {
		fn(snap)
	}
	return snap, nil
}

// reconcileSelection drops selected ids that no longer exist in one batched
// query. The vocabulary was refreshed by the caller, so every stored record
// carries one of its tags.
func (e *Engine) reconcileSelection(ctx context.Context) error {
	selected := e.selection.IDs()
	if len(selected) == 0 {
		return nil
	}
	existing, _, err := e.store.QueryFiltered(ctx, models.Query{
		Tags:        e.vocab.Tags(),
		RestrictIDs: true,
		IDs:         selected,
		Limit:       len(selected),
	})
	if err != nil {
		return fmt.Errorf("reconcile selection: %w", models.NewStoreError("query", err))
	}
	found := make(map[string]struct{}, len(existing))
	for _, rec := range existing {
		found[rec.ID] = struct{}{}
	}
	dropped := e.selection.Retain(func(id string) bool {
		_, ok := found[id]
		return ok
	})
	if len(dropped) > 0 {
		e.logger.Debug("dropped vanished records from selection", zap.Strings("ids", dropped))
	}
	return nil
}

func (e *Engine) snapshot(window models.PageWindow) Snapshot {
	tags := e.vocab.Tags()
	states := make([]TagState, len(tags))
	for i, t := range tags {
		states[i] = TagState{Name: t, Active: e.vocab.IsActive(t)}
	}
	snap := Snapshot{
		Window:   window,
		Geometry: e.view.Geometry(),
		Selected: e.selection.IDs(),
		Tags:     states,
	}
	if s := e.view.Subset(); s != nil {
		snap.SubsetActive = true
		snap.SubsetSize = s.Len()
	}
	return snap
}

// Count returns the number of visible records.
func (e *Engine) Count(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view.Count(ctx)
}

// Page returns an arbitrary page without moving the current page.
func (e *Engine) Page(ctx context.Context, pageIndex, pageSize int) (models.PageWindow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view.Page(ctx, pageIndex, pageSize)
}

// NextPage advances when more records exist and refreshes.
func (e *Engine) NextPage(ctx context.Context) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.view.NextPage(ctx); err != nil {
		return Snapshot{}, err
	}
	return e.refresh(ctx)
}

// PrevPage steps back one page and refreshes.
func (e *Engine) PrevPage(ctx context.Context) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.view.PrevPage()
	return e.refresh(ctx)
}

// GoToPage jumps to pageIndex and refreshes.
func (e *Engine) GoToPage(ctx context.Context, pageIndex int) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.view.SetPageIndex(pageIndex); err != nil {
		return Snapshot{}, err
	}
	return e.refresh(ctx)
}

// SetGeometry resizes the grid. Invalid sizes change nothing.
func (e *Engine) SetGeometry(ctx context.Context, width, height int) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.view.SetGeometry(width, height); err != nil {
		return Snapshot{}, err
	}
	e.geometry = e.view.Geometry()
	return e.refresh(ctx)
}

// SetTagActive toggles one tag in the filter.
func (e *Engine) SetTagActive(ctx context.Context, tag string, active bool) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vocab.SetActive(tag, active)
	return e.refresh(ctx)
}

// ActivateAll shows every known tag.
func (e *Engine) ActivateAll(ctx context.Context) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vocab.ActivateAll()
	return e.refresh(ctx)
}

// DeactivateAll hides every tag.
func (e *Engine) DeactivateAll(ctx context.Context) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vocab.DeactivateAll()
	return e.refresh(ctx)
}

// CreateTag adds an active tag to the vocabulary without applying it.
func (e *Engine) CreateTag(ctx context.Context, name string) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.vocab.CreateTag(name); err != nil {
		return Snapshot{}, err
	}
	return e.refresh(ctx)
}

// Toggle selects or deselects one record.
func (e *Engine) Toggle(ctx context.Context, id string, selected bool) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.selection.Toggle(id, selected)
	return e.refresh(ctx)
}

// SelectAllVisible selects every record on the current page.
func (e *Engine) SelectAllVisible(ctx context.Context) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	window, err := e.view.Current(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	e.selection.SelectAllVisible(window.Items)
	return e.refresh(ctx)
}

// ClearSelection unselects everything.
func (e *Engine) ClearSelection(ctx context.Context) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.selection.Clear()
	return e.refresh(ctx)
}

// SelectByRegion applies a rubber-band selection over renderer boxes.
func (e *Engine) SelectByRegion(ctx context.Context, items []models.BoundedItem, rect models.Rect, additive bool) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.selection.SelectByRegion(items, rect, additive)
	return e.refresh(ctx)
}

// LoadSubset restricts visibility to ids.
func (e *Engine) LoadSubset(ctx context.Context, ids []string) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	subset := LoadSubset(ids)
	e.view.SetSubset(subset)
	e.logger.Info("subset loaded", zap.Int("ids", subset.Len()))
	return e.refresh(ctx)
}

// DeactivateSubset removes the subset restriction.
func (e *Engine) DeactivateSubset(ctx context.Context) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.view.ClearSubset()
	return e.refresh(ctx)
}

// AttachStore switches to another record store and returns the previous
// one so the caller can close it. The vocabulary is kept.
func (e *Engine) AttachStore(ctx context.Context, store models.RecordStore) (models.RecordStore, Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.store
	vocab := e.vocab.save()
	selected := e.selection.save()
	e.setStore(store)
	snap, err := e.refresh(ctx)
	if err != nil {
		e.setStore(prev)
		e.vocab.restore(vocab)
		e.selection.restore(selected)
		return nil, Snapshot{}, err
	}
	if j, ok := store.(models.Journal); ok {
		e.journal = j
	} else {
		e.journal = nil
	}
	return prev, snap, nil
}

func (e *Engine) setStore(store models.RecordStore) {
	e.store = store
	e.view.SetStore(store)
	e.mutator.SetStore(store)
}

// Detail returns one record with its selection and visibility state.
func (e *Engine) Detail(ctx context.Context, id string) (RecordDetail, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.store.FindByID(ctx, id)
	if err != nil {
		return RecordDetail{}, models.NewStoreError("find", err)
	}
	if rec == nil {
		return RecordDetail{}, &models.RecordNotFoundError{ID: id}
	}
	tag := rec.NormalizedTag()
	visible := e.vocab.IsActive(tag)
	if s := e.view.Subset(); s != nil && !s.Contains(id) {
		visible = false
	}
	return RecordDetail{
		Record:   *rec,
		Tag:      tag,
		Selected: e.selection.Contains(id),
		Visible:  visible,
	}, nil
}

// Retag applies tag to the current selection.
func (e *Engine) Retag(ctx context.Context, tag string) (MutationResult, Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, err := e.mutator.Retag(ctx, e.selection.IDs(), tag)
	return e.finishMutation(ctx, res, err)
}

// DeleteSelected deletes the current selection from the store.
func (e *Engine) DeleteSelected(ctx context.Context, confirm DeleteConfirmation) (MutationResult, Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, err := e.mutator.DeleteSelected(ctx, e.selection.IDs(), confirm)
	return e.finishMutation(ctx, res, err)
}

// ExcludeFromSubset drops the current selection from the subset.
func (e *Engine) ExcludeFromSubset(ctx context.Context) (MutationResult, Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, err := e.mutator.ExcludeFromSubset(e.selection.IDs())
	return e.finishMutation(ctx, res, err)
}

// CreateAndApplyTag creates name and applies it to the current selection.
func (e *Engine) CreateAndApplyTag(ctx context.Context, name string) (MutationResult, Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, err := e.mutator.CreateAndApplyTag(ctx, name, e.selection.IDs())
	return e.finishMutation(ctx, res, err)
}

// finishMutation logs, journals and refreshes after a mutation. Caller
// holds mu.
func (e *Engine) finishMutation(ctx context.Context, res MutationResult, err error) (MutationResult, Snapshot, error) {
	outcome := res.State.String()
	if e.metrics != nil {
		e.metrics.ObserveMutation(res.Op, outcome, len(res.Affected))
	}
	if res.State != StateCommitted {
		e.logger.Warn("mutation rejected", zap.String("op", res.Op), zap.Error(err))
		return res, Snapshot{}, err
	}

	e.logger.Info("mutation committed",
		zap.String("op", res.Op),
		zap.String("tag", res.Tag),
		zap.Int("affected", len(res.Affected)),
		zap.Int("skipped", len(res.Skipped)))
	e.recordJournal(ctx, res)

	// The mutation is committed; later failures only make the view stale.
	if err != nil {
		e.logger.Warn("vocabulary refresh after commit failed", zap.String("op", res.Op), zap.Error(err))
		res.Warnings = append(res.Warnings, "tag list may be out of date")
	}
	snap, err := e.refresh(ctx)
	if err != nil {
		e.logger.Warn("view refresh after commit failed", zap.String("op", res.Op), zap.Error(err))
		res.Warnings = append(res.Warnings, "view may be out of date, reload it")
		var window models.PageWindow
		if e.last != nil {
			window = e.last.Window
		}
		snap = e.snapshot(window)
	}
	return res, snap, nil
}

func (e *Engine) recordJournal(ctx context.Context, res MutationResult) {
	if e.journal == nil || res.Op == OpExclude {
		return
	}
	entry := models.NewMutationEntry(res.Op, res.Tag, res.Affected)
	if err := e.journal.RecordMutation(ctx, entry); err != nil {
		e.logger.Warn("failed to journal mutation", zap.String("op", res.Op), zap.Error(err))
	}
}

// Journal returns the most recent committed mutations.
func (e *Engine) Journal(ctx context.Context, limit int) ([]*models.MutationEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.journal == nil {
		return []*models.MutationEntry{}, nil
	}
	return e.journal.RecentMutations(ctx, limit)
}
