package domain

import "sort"

// Permission is an atomic capability gate. Inactive permissions are never
// granted regardless of role or plan.
type Permission struct {
	Name     string
	Module   string
	IsActive bool
}

// PermissionSet is a set of permission names.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from names.
func NewPermissionSet(names ...string) PermissionSet {
	set := make(PermissionSet, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		set[name] = struct{}{}
	}
	return set
}

// Has reports membership.
func (s PermissionSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Intersect returns the names present in both sets.
func (s PermissionSet) Intersect(other PermissionSet) PermissionSet {
	out := make(PermissionSet)
	for name := range s {
		if other.Has(name) {
			out[name] = struct{}{}
		}
	}
	return out
}

// Names returns the sorted member names.
func (s PermissionSet) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
