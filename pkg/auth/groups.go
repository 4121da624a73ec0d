package auth

import (
	"sort"
	"sync"
)

// GroupResolver resolves a group id to the permission codes it grants.
type GroupResolver interface {
	Permissions(groupID string) ([]int, bool)
}

// GroupTable is an in-memory GroupResolver that can be reloaded at runtime.
type GroupTable struct {
	mu     sync.RWMutex
	groups map[string][]int
}

// NewGroupTable creates a table from a group → permissions map.
func NewGroupTable(groups map[string][]int) *GroupTable {
	t := &GroupTable{}
	t.Replace(groups)
	return t
}

// Permissions returns the permission codes granted by groupID. A nil table grants nothing.
func (t *GroupTable) Permissions(groupID string) ([]int, bool) {
	if t == nil {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	perms, ok := t.groups[groupID]
	return perms, ok
}

// Merge adds or replaces the given groups, keeping the others.
func (t *GroupTable) Merge(groups map[string][]int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.groups == nil {
		t.groups = make(map[string][]int, len(groups))
	}
	for id, perms := range groups {
		t.groups[id] = normalize(perms)
	}
}

// Replace swaps the whole table.
func (t *GroupTable) Replace(groups map[string][]int) {
	next := make(map[string][]int, len(groups))
	for id, perms := range groups {
		next[id] = normalize(perms)
	}
	t.mu.Lock()
	t.groups = next
	t.mu.Unlock()
}

// Len returns the number of known groups.
func (t *GroupTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.groups)
}

func normalize(perms []int) []int {
	out := append([]int(nil), perms...)
	sort.Ints(out)
	return out
}
