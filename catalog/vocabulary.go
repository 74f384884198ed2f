package catalog

import (
	"context"
	"fmt"
	"maps"

	"github.com/orian/tagbug/models"
)

// Vocabulary is the set of known tags together with the active filter.
//
// The vocabulary only grows. Every tag that enters it, whether discovered in
// the store or created by the operator, starts out active.
type Vocabulary struct {
	known     map[string]struct{}
	active    map[string]struct{}
	listeners []func(added []string)
}

// NewVocabulary returns an empty vocabulary.
func NewVocabulary() *Vocabulary {
	return &Vocabulary{
		known:  make(map[string]struct{}),
		active: make(map[string]struct{}),
	}
}

// OnChange registers fn to be called with the newly added tags whenever the
// vocabulary grows.
func (v *Vocabulary) OnChange(fn func(added []string)) {
	v.listeners = append(v.listeners, fn)
}

// RefreshFromStore merges the store's distinct tags into the vocabulary and
// returns the tags that were not known before, sorted.
func (v *Vocabulary) RefreshFromStore(ctx context.Context, store models.RecordStore) ([]string, error) {
	observed, err := store.DistinctTags(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load tags: %w", err)
	}

	added := make(map[string]struct{})
	for _, tag := range observed {
		tag = models.NormalizeTag(tag)
		if _, ok := v.known[tag]; !ok {
			added[tag] = struct{}{}
		}
	}
	if len(added) == 0 {
		return nil, nil
	}
	return v.add(models.SortedTags(added)), nil
}

// add inserts tags into the vocabulary and the active filter and notifies
// listeners. tags must not already be known.
func (v *Vocabulary) add(tags []string) []string {
	for _, tag := range tags {
		v.known[tag] = struct{}{}
		v.active[tag] = struct{}{}
	}
	for _, fn := range v.listeners {
		fn(append([]string(nil), tags...))
	}
	return tags
}

// SetActive includes or excludes tag from the filter. Unknown tags are
// added to the vocabulary first.
func (v *Vocabulary) SetActive(tag string, active bool) {
	tag = models.NormalizeTag(tag)
	if _, ok := v.known[tag]; !ok {
		v.add([]string{tag})
	}
	if active {
		v.active[tag] = struct{}{}
	} else {
		delete(v.active, tag)
	}
}

// ActivateAll makes every known tag active.
func (v *Vocabulary) ActivateAll() {
	for tag := range v.known {
		v.active[tag] = struct{}{}
	}
}

// DeactivateAll empties the filter, hiding every record.
func (v *Vocabulary) DeactivateAll() {
	v.active = make(map[string]struct{})
}

// CreateTag adds a new active tag. It fails with ErrDuplicateTag when the
// name is already known and with ErrInvalidTag when it is blank.
func (v *Vocabulary) CreateTag(name string) (string, error) {
	name, err := models.ParseTagName(name)
	if err != nil {
		return "", err
	}
	if _, ok := v.known[name]; ok {
		return "", fmt.Errorf("create tag %q: %w", name, models.ErrDuplicateTag)
	}
	v.add([]string{name})
	return name, nil
}

// Contains reports whether tag is known.
func (v *Vocabulary) Contains(tag string) bool {
	_, ok := v.known[models.NormalizeTag(tag)]
	return ok
}

// IsActive reports whether tag is part of the filter.
func (v *Vocabulary) IsActive(tag string) bool {
	_, ok := v.active[models.NormalizeTag(tag)]
	return ok
}

// Tags returns all known tags sorted.
func (v *Vocabulary) Tags() []string {
	return models.SortedTags(v.known)
}

// vocabState is a copy of the vocabulary taken before a refresh that may
// have to be undone.
type vocabState struct {
	known  map[string]struct{}
	active map[string]struct{}
}

func (v *Vocabulary) save() vocabState {
	return vocabState{known: maps.Clone(v.known), active: maps.Clone(v.active)}
}

func (v *Vocabulary) restore(s vocabState) {
	v.known = s.known
	v.active = s.active
}

// Active returns the active tags sorted.
func (v *Vocabulary) Active() []string {
	return models.SortedTags(v.active)
}
