package service

import "sort"

// IDSet is a set of user identities (ids or phones).
type IDSet map[string]struct{}

// NewIDSet returns a set holding the non-empty ids.
func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	s.Add(ids...)
	return s
}

// Add inserts the non-empty ids.
func (s IDSet) Add(ids ...string) {
	for _, id := range ids {
		if id != "" {
			s[id] = struct{}{}
		}
	}
}

// Has reports whether id is in the set.
func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Minus returns the members of s missing from other, sorted.
func (s IDSet) Minus(other []string) []string {
	have := NewIDSet(other...)
	var out []string
	for id := range s {
		if !have.Has(id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Sorted returns the members in ascending order.
func (s IDSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
