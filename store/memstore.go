package store

import (
	"context"
	"sort"
	"sync"

	"github.com/orian/tagbug/models"
)

type memOp struct {
	id     string
	tag    string
	delete bool
}

// MemStore is an in-memory implementation of models.RecordStore for tests
// and demos. Staged writes are kept in order and replayed on Commit.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]*string
	staged  []memOp
	journal []*models.MutationEntry
	commits int
}

// NewMemStore creates a store holding copies of records.
func NewMemStore(records ...models.Record) *MemStore {
	s := &MemStore{records: make(map[string]*string, len(records))}
	for _, r := range records {
		s.records[r.ID] = copyTag(r.Tag)
	}
	return s
}

func copyTag(tag *string) *string {
	if tag == nil {
		return nil
	}
	t := *tag
	return &t
}

// view returns the committed state with staged writes applied.
// Caller must hold the lock.
func (s *MemStore) view() map[string]*string {
	if len(s.staged) == 0 {
		return s.records
	}
	out := make(map[string]*string, len(s.records))
	for id, tag := range s.records {
		out[id] = tag
	}
	for _, op := range s.staged {
		applyOp(out, op)
	}
	return out
}

func applyOp(m map[string]*string, op memOp) {
	if op.delete {
		delete(m, op.id)
		return
	}
	if _, ok := m[op.id]; !ok {
		return
	}
	if op.tag == "" {
		m[op.id] = nil
		return
	}
	tag := op.tag
	m[op.id] = &tag
}

func (s *MemStore) DistinctTags(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, tag := range s.view() {
		seen[models.Record{Tag: tag}.NormalizedTag()] = struct{}{}
	}
	return models.SortedTags(seen), nil
}

func (s *MemStore) QueryFiltered(ctx context.Context, q models.Query) ([]models.Record, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tags := make(map[string]struct{}, len(q.Tags))
	for _, t := range q.Tags {
		tags[t] = struct{}{}
	}
	var ids map[string]struct{}
	if q.RestrictIDs {
		ids = make(map[string]struct{}, len(q.IDs))
		for _, id := range q.IDs {
			ids[id] = struct{}{}
		}
	}

	var matched []models.Record
	for id, tag := range s.view() {
		rec := models.Record{ID: id, Tag: copyTag(tag)}
		if _, ok := tags[rec.NormalizedTag()]; !ok {
			continue
		}
		if ids != nil {
			if _, ok := ids[id]; !ok {
				continue
			}
		}
		matched = append(matched, rec)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	total := len(matched)
	n := q.Rows(total)
	if n == 0 {
		return []models.Record{}, total, nil
	}
	return matched[q.Offset : q.Offset+n], total, nil
}

func (s *MemStore) FindByID(ctx context.Context, id string) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tag, ok := s.view()[id]
	if !ok {
		return nil, nil
	}
	return &models.Record{ID: id, Tag: copyTag(tag)}, nil
}

func (s *MemStore) UpdateTag(ctx context.Context, id, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged = append(s.staged, memOp{id: id, tag: tag})
	return nil
}

func (s *MemStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged = append(s.staged, memOp{id: id, delete: true})
	return nil
}

func (s *MemStore) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range s.staged {
		applyOp(s.records, op)
	}
	s.staged = nil
	s.commits++
	return nil
}

func (s *MemStore) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged = nil
	return nil
}

// Commits returns how many times Commit was called.
func (s *MemStore) Commits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commits
}

// Len returns the number of committed records.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemStore) RecordMutation(ctx context.Context, entry *models.MutationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = generateID()
	}
	e := *entry
	e.RecordIDs = append([]string(nil), entry.RecordIDs...)
	s.journal = append(s.journal, &e)
	return nil
}

func (s *MemStore) RecentMutations(ctx context.Context, limit int) ([]*models.MutationEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.MutationEntry
	for i := len(s.journal) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		e := *s.journal[i]
		out = append(out, &e)
	}
	return out, nil
}

// Close is a no-op for MemStore.
func (s *MemStore) Close() error {
	return nil
}

// Compile-time interface check
var (
	_ models.RecordStore = (*MemStore)(nil)
	_ models.Journal     = (*MemStore)(nil)
)
