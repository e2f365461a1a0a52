package opio

import (
	"path/filepath"
	"sort"
)

// PathSet is an unordered, deduplicated set of paths.
// Paths are cleaned with filepath.Clean on insertion so "a/b/" and "a/b" are the same member.
//
// A nil PathSet is meaningful: it marks a channel that is declared but carries no value.
type PathSet map[string]struct{}

// NewPathSet creates a PathSet holding the given paths.
func NewPathSet(paths ...string) PathSet {
	s := make(PathSet, len(paths))
	for _, p := range paths {
		s.Add(p)
	}
	return s
}

// Add inserts a path into the set.
func (s PathSet) Add(p string) {
	s[filepath.Clean(p)] = struct{}{}
}

// Contains reports whether p is a member of the set.
func (s PathSet) Contains(p string) bool {
	_, ok := s[filepath.Clean(p)]
	return ok
}

// Len returns the number of paths in the set.
func (s PathSet) Len() int {
	return len(s)
}

// Sorted returns the members in lexical order.
// Callers that need deterministic iteration must go through Sorted.
func (s PathSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Equal reports whether both sets hold exactly the same paths.
// A nil set only equals another nil set.
func (s PathSet) Equal(other PathSet) bool {
	if (s == nil) != (other == nil) {
		return false
	}
	if len(s) != len(other) {
		return false
	}
	for p := range s {
		if _, ok := other[p]; !ok {
			return false
		}
	}
	return true
}

// Clone returns an independent copy. Cloning nil yields nil.
func (s PathSet) Clone() PathSet {
	if s == nil {
		return nil
	}
	out := make(PathSet, len(s))
	for p := range s {
		out[p] = struct{}{}
	}
	return out
}
