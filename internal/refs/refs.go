// Package refs tracks how many live consumers hold each cached model of a
// category.
package refs

import (
	"fmt"
	"sort"
	"sync"
)

// Entry is one tracked model.
type Entry struct {
	Identifier string `json:"identifier"`
	Key        string `json:"key"`
	Count      int    `json:"count"`
}

// Table maps display identifiers to reference counts.
type Table struct {
	mu      sync.RWMutex
	entries map[string]*Entry // by identifier
	byKey   map[string]string // key -> identifier
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		entries: make(map[string]*Entry),
		byKey:   make(map[string]string),
	}
}

// Track records a freshly materialized file at count zero. Any identifier
// previously tracked for the same key is replaced.
func (t *Table) Track(identifier, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.byKey[key]; ok && old != identifier {
		delete(t.entries, old)
	}
	if e, ok := t.entries[identifier]; ok && e.Key != key {
		delete(t.byKey, e.Key)
	}
	t.entries[identifier] = &Entry{Identifier: identifier, Key: key}
	t.byKey[key] = identifier
}

// Acquire increments the count of a tracked identifier.
func (t *Table) Acquire(identifier string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[identifier]
	if !ok {
		return 0, fmt.Errorf("model not tracked: %s", identifier)
	}
	e.Count++
	return e.Count, nil
}

// Release decrements the count of a tracked identifier, never below zero.
func (t *Table) Release(identifier string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[identifier]
	if !ok {
		return 0, fmt.Errorf("model not tracked: %s", identifier)
	}
	if e.Count > 0 {
		e.Count--
	}
	return e.Count, nil
}

// Remove drops an identifier.
func (t *Table) Remove(identifier string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[identifier]; ok {
		delete(t.byKey, e.Key)
		delete(t.entries, identifier)
	}
}

// RemoveKey drops whatever identifier is tracked for key and returns it.
func (t *Table) RemoveKey(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.byKey[key]
	if !ok {
		return "", false
	}
	delete(t.byKey, key)
	delete(t.entries, id)
	return id, true
}

// Lookup returns a copy of the entry for identifier.
func (t *Table) Lookup(identifier string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[identifier]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// IdentifierFor returns the identifier tracked for key.
func (t *Table) IdentifierFor(key string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byKey[key]
	return id, ok
}

// MinNonZero returns the entry with the smallest positive count. Ties go to
// the lexicographically smallest identifier.
func (t *Table) MinNonZero() (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var best *Entry
	for _, e := range t.entries {
		if e.Count <= 0 {
			continue
		}
		if best == nil || e.Count < best.Count ||
			(e.Count == best.Count && e.Identifier < best.Identifier) {
			best = e
		}
	}
	if best == nil {
		return Entry{}, false
	}
	return *best, true
}

// Zero returns every entry with count zero, sorted by identifier.
func (t *Table) Zero() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Entry
	for _, e := range t.entries {
		if e.Count == 0 {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// Snapshot returns every entry sorted by identifier.
func (t *Table) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// Len returns the number of tracked entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
