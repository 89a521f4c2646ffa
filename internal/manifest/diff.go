package manifest

import "sort"

// Changes is the difference between two records. Each slice is sorted.
type Changes struct {
	Added    []string
	Modified []string
	Removed  []string
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Removed) == 0
}

// Pending returns the keys that need a download: added then modified.
func (c Changes) Pending() []string {
	out := make([]string, 0, len(c.Added)+len(c.Modified))
	out = append(out, c.Added...)
	return append(out, c.Modified...)
}

// Diff compares the previous record with a fresh one. Keys present in both
// with the same ETag are untouched.
func Diff(old, cur Record) Changes {
	var c Changes
	for k, e := range cur {
		prev, ok := old[k]
		switch {
		case !ok:
			c.Added = append(c.Added, k)
		case prev.ETag != e.ETag:
			c.Modified = append(c.Modified, k)
		}
	}
	for k := range old {
		if _, ok := cur[k]; !ok {
			c.Removed = append(c.Removed, k)
		}
	}
	sort.Strings(c.Added)
	sort.Strings(c.Modified)
	sort.Strings(c.Removed)
	return c
}
