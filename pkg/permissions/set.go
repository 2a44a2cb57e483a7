package permissions

import "sort"

// Set is an unordered collection of permission names. The zero value is an
// empty, read-only set.
type Set map[string]struct{}

// FromSlice builds a Set, dropping blank names.
func FromSlice(names []string) Set {
	s := make(Set, len(names))
	for _, n := range names {
		if n != "" {
			s[n] = struct{}{}
		}
	}
	return s
}

func (s Set) Has(name string) bool {
	if name == "" {
		return false
	}
	_, ok := s[name]
	return ok
}

// HasAny reports whether at least one of names is held. An empty list is
// never satisfied; callers that mean "no requirement" must not call it.
func (s Set) HasAny(names ...string) bool {
	for _, n := range names {
		if s.Has(n) {
			return true
		}
	}
	return false
}

// Sorted returns the names in lexical order. Never nil.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Clone returns an independent copy.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for n := range s {
		out[n] = struct{}{}
	}
	return out
}

func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for n := range s {
		if _, ok := other[n]; !ok {
			return false
		}
	}
	return true
}
