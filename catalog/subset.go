package catalog

import "sort"

// Subset is an allow-list of record ids loaded from an external file.
// Removing ids from it never touches the record store.
type Subset struct {
	ids map[string]struct{}
}

// LoadSubset builds a subset from ids. Duplicates collapse.
func LoadSubset(ids []string) *Subset {
	s := &Subset{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	return s
}

// Contains reports whether id is allowed.
func (s *Subset) Contains(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// Remove drops ids from the subset and returns how many were present.
func (s *Subset) Remove(ids []string) int {
	removed := 0
	for _, id := range ids {
		if _, ok := s.ids[id]; ok {
			delete(s.ids, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of ids in the subset.
func (s *Subset) Len() int {
	return len(s.ids)
}

// IDs returns the ids in ascending order.
func (s *Subset) IDs() []string {
	ids := make([]string, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
