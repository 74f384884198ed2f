package catalog

import (
	"maps"
	"sort"

	"github.com/orian/tagbug/models"
)

// Selection is the set of selected record ids. It holds ids, not grid
// positions, so it survives page navigation and filter changes.
type Selection struct {
	ids map[string]struct{}
}

// NewSelection returns an empty selection.
func NewSelection() *Selection {
	return &Selection{ids: make(map[string]struct{})}
}

// Toggle adds or removes id.
func (s *Selection) Toggle(id string, selected bool) {
	if selected {
		s.ids[id] = struct{}{}
	} else {
		delete(s.ids, id)
	}
}

// SelectAllVisible adds every record of the current page.
func (s *Selection) SelectAllVisible(items []models.Record) {
	for _, rec := range items {
		s.ids[rec.ID] = struct{}{}
	}
}

// Clear empties the selection.
func (s *Selection) Clear() {
	s.ids = make(map[string]struct{})
}

// SelectByRegion applies a rubber-band selection over the rendered page.
//
// Items whose bounds intersect rect are hit. With additive set, hits are
// added and nothing is deselected. Otherwise each hit flips its own state,
// so a selected item inside the band becomes unselected. It returns the hit
// ids in page order.
func (s *Selection) SelectByRegion(items []models.BoundedItem, rect models.Rect, additive bool) []string {
	var hits []string
	for _, item := range items {
		if !rect.Intersects(item.Bounds) {
			continue
		}
		hits = append(hits, item.ID)
		if additive {
			s.ids[item.ID] = struct{}{}
			continue
		}
		_, selected := s.ids[item.ID]
		s.Toggle(item.ID, !selected)
	}
	return hits
}

// Contains reports whether id is selected.
func (s *Selection) Contains(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// Len returns the number of selected ids.
func (s *Selection) Len() int {
	return len(s.ids)
}

// IDs returns the selected ids in ascending order.
func (s *Selection) IDs() []string {
	ids := make([]string, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Selection) save() map[string]struct{} {
	return maps.Clone(s.ids)
}

func (s *Selection) restore(ids map[string]struct{}) {
	s.ids = ids
}

// Retain drops every id for which keep returns false and returns the
// dropped ids.
func (s *Selection) Retain(keep func(id string) bool) []string {
	var dropped []string
	for id := range s.ids {
		if !keep(id) {
			dropped = append(dropped, id)
		}
	}
	for _, id := range dropped {
		delete(s.ids, id)
	}
	sort.Strings(dropped)
	return dropped
}
