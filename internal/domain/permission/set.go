package permission

import "sort"

// Set is an unordered collection of capability identifiers.
type Set map[ID]struct{}

// NewSet creates a Set from the given identifiers.
func NewSet(ids ...ID) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// FromStrings creates a Set from raw string tokens.
func FromStrings(tokens []string) Set {
	s := make(Set, len(tokens))
	for _, t := range tokens {
		if t == "" {
			continue
		}
		s[ID(t)] = struct{}{}
	}
	return s
}

// Has reports whether id is in the set.
func (s Set) Has(id ID) bool {
	_, ok := s[id]
	return ok
}

// Add inserts id into the set.
func (s Set) Add(id ID) {
	s[id] = struct{}{}
}

// Intersect returns a new set containing identifiers present in both sets.
func (s Set) Intersect(other Set) Set {
	out := make(Set)
	for id := range s {
		if other.Has(id) {
			out.Add(id)
		}
	}
	return out
}

// Sorted returns the identifiers as sorted strings, for logging and
// serialization.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, string(id))
	}
	sort.Strings(out)
	return out
}
