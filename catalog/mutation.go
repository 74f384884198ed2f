package catalog

import (
	"context"
	"fmt"
	"sort"

	"github.com/orian/tagbug/models"
)

// MutationState tracks one mutation through validation and apply.
type MutationState int

const (
	StateIdle MutationState = iota
	StateValidating
	StateApplying
	StateCommitted
	StateFailed
)

func (s MutationState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateApplying:
		return "applying"
	case StateCommitted:
		return "committed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("MutationState(%d)", int(s))
	}
}

// Mutation op names, also used as journal and metric labels.
const (
	OpRetag     = "retag"
	OpDelete    = "delete"
	OpExclude   = "exclude"
	OpCreateTag = "create-tag"
)

// MutationResult describes a finished mutation.
type MutationResult struct {
	Op    string        `json:"op"`
	State MutationState `json:"-"`
	Tag   string        `json:"tag,omitempty"`
	// Affected lists the ids the mutation changed.
	Affected []string `json:"affected"`
	// Skipped lists ids that were ignored, e.g. already deleted records.
	Skipped []string `json:"skipped,omitempty"`
	// Warnings report post-commit problems; the mutation itself stands.
	Warnings []string `json:"warnings,omitempty"`
}

// DeleteConfirmation is the caller's explicit approval of a delete. Count
// must equal the number of selected records the caller showed the operator.
type DeleteConfirmation struct {
	Confirmed bool `json:"confirmed"`
	Count     int  `json:"count"`
}

// Mutator applies bulk mutations to the store and keeps the vocabulary,
// subset and selection consistent with the outcome.
type Mutator struct {
	store     models.RecordStore
	vocab     *Vocabulary
	view      *View
	selection *Selection
	state     MutationState
	onCommit  []func(MutationResult)
}

// NewMutator wires a mutator to the engine-owned state.
func NewMutator(store models.RecordStore, vocab *Vocabulary, view *View, selection *Selection) *Mutator {
	return &Mutator{store: store, vocab: vocab, view: view, selection: selection}
}

// OnCommit registers fn to run after every committed mutation.
func (m *Mutator) OnCommit(fn func(MutationResult)) {
	m.onCommit = append(m.onCommit, fn)
}

// State returns the state the last mutation ended in.
func (m *Mutator) State() MutationState {
	return m.state
}

// SetStore swaps the backing store.
func (m *Mutator) SetStore(store models.RecordStore) {
	m.store = store
}

func (m *Mutator) fail(res MutationResult, err error) (MutationResult, error) {
	m.state = StateFailed
	res.State = StateFailed
	return res, err
}

// rollback discards staged writes after a failed apply. A rollback failure
// is reported together with the original error.
func (m *Mutator) rollback(ctx context.Context, err error) error {
	if rbErr := m.store.Rollback(ctx); rbErr != nil {
		return fmt.Errorf("%w (rollback: %v)", err, rbErr)
	}
	return err
}

func (m *Mutator) committed(res MutationResult) MutationResult {
	m.state = StateCommitted
	res.State = StateCommitted
	m.selection.Clear()
	for _, fn := range m.onCommit {
		fn(res)
	}
	return res
}

// uniqueIDs returns ids deduplicated and sorted.
func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// validateExisting looks up every id before anything is written. The first
// missing id aborts the batch.
func (m *Mutator) validateExisting(ctx context.Context, ids []string) error {
	for _, id := range ids {
		rec, err := m.store.FindByID(ctx, id)
		if err != nil {
			return models.NewStoreError("find", err)
		}
		if rec == nil {
			return &models.RecordNotFoundError{ID: id}
		}
	}
	return nil
}

// applyRetag stages and commits the tag change. Nothing is written unless
// every id exists.
func (m *Mutator) applyRetag(ctx context.Context, res MutationResult, ids []string) (MutationResult, error) {
	if err := m.validateExisting(ctx, ids); err != nil {
		return m.fail(res, err)
	}

	m.state = StateApplying
	for _, id := range ids {
		if err := m.store.UpdateTag(ctx, id, res.Tag); err != nil {
			return m.fail(res, m.rollback(ctx, models.NewStoreError("update", err)))
		}
	}
	if err := m.store.Commit(ctx); err != nil {
		return m.fail(res, m.rollback(ctx, models.NewStoreError("commit", err)))
	}
	res.Affected = ids
	return res, nil
}

// Retag sets the tag of every selected record. Either all records are
// retagged or none: a missing id fails the batch with RecordNotFoundError
// before any write.
func (m *Mutator) Retag(ctx context.Context, selection []string, newTag string) (MutationResult, error) {
	m.state = StateValidating
	res := MutationResult{Op: OpRetag}

	ids := uniqueIDs(selection)
	if len(ids) == 0 {
		return m.fail(res, models.ErrEmptySelection)
	}
	tag, err := models.ParseTagName(newTag)
	if err != nil {
		return m.fail(res, err)
	}
	res.Tag = tag

	res, err = m.applyRetag(ctx, res, ids)
	if err != nil {
		return res, err
	}
	res = m.committed(res)
	if _, err := m.vocab.RefreshFromStore(ctx, m.store); err != nil {
		return res, err
	}
	return res, nil
}

// DeleteSelected removes the selected records. The confirmation must match
// the selection size. Ids that no longer exist are skipped.
func (m *Mutator) DeleteSelected(ctx context.Context, selection []string, confirm DeleteConfirmation) (MutationResult, error) {
	m.state = StateValidating
	res := MutationResult{Op: OpDelete}

	ids := uniqueIDs(selection)
	if len(ids) == 0 {
		return m.fail(res, models.ErrEmptySelection)
	}
	if !confirm.Confirmed || confirm.Count != len(ids) {
		return m.fail(res, fmt.Errorf("confirmed %d of %d records: %w", confirm.Count, len(ids), models.ErrUnconfirmed))
	}

	m.state = StateApplying
	for _, id := range ids {
		rec, err := m.store.FindByID(ctx, id)
		if err != nil {
			return m.fail(res, m.rollback(ctx, models.NewStoreError("find", err)))
		}
		if rec == nil {
			res.Skipped = append(res.Skipped, id)
			continue
		}
		if err := m.store.Delete(ctx, id); err != nil {
			return m.fail(res, m.rollback(ctx, models.NewStoreError("delete", err)))
		}
		res.Affected = append(res.Affected, id)
	}
	if err := m.store.Commit(ctx); err != nil {
		return m.fail(res, m.rollback(ctx, models.NewStoreError("commit", err)))
	}
	return m.committed(res), nil
}

// ExcludeFromSubset removes the selected ids from the loaded subset. The
// store is not touched.
func (m *Mutator) ExcludeFromSubset(selection []string) (MutationResult, error) {
	m.state = StateValidating
	res := MutationResult{Op: OpExclude}

	ids := uniqueIDs(selection)
	if len(ids) == 0 {
		return m.fail(res, models.ErrEmptySelection)
	}
	subset := m.view.Subset()
	if subset == nil {
		return m.fail(res, models.ErrNoSubset)
	}

	m.state = StateApplying
	for _, id := range ids {
		if subset.Contains(id) {
			res.Affected = append(res.Affected, id)
		} else {
			res.Skipped = append(res.Skipped, id)
		}
	}
	subset.Remove(res.Affected)
	return m.committed(res), nil
}

// CreateAndApplyTag creates name and retags the selection with it. A
// duplicate name fails before anything is applied. The vocabulary only
// learns the tag once the retag has committed.
func (m *Mutator) CreateAndApplyTag(ctx context.Context, name string, selection []string) (MutationResult, error) {
	m.state = StateValidating
	res := MutationResult{Op: OpCreateTag}

	ids := uniqueIDs(selection)
	if len(ids) == 0 {
		return m.fail(res, models.ErrEmptySelection)
	}
	tag, err := models.ParseTagName(name)
	if err != nil {
		return m.fail(res, err)
	}
	if m.vocab.Contains(tag) {
		return m.fail(res, fmt.Errorf("create tag %q: %w", tag, models.ErrDuplicateTag))
	}
	res.Tag = tag

	res, err = m.applyRetag(ctx, res, ids)
	if err != nil {
		return res, err
	}
	if _, err := m.vocab.CreateTag(tag); err != nil {
		return m.fail(res, err)
	}
	res = m.committed(res)
	if _, err := m.vocab.RefreshFromStore(ctx, m.store); err != nil {
		return res, err
	}
	return res, nil
}
