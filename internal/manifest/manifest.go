// Package manifest persists the last known remote state of a category and
// computes incremental diffs against a fresh listing.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/990248516/sd-modelsync/internal/category"
	"github.com/990248516/sd-modelsync/internal/models"
)

// ErrManifestCorrupt is returned by Load alongside an empty record when the
// manifest file exists but cannot be decoded.
var ErrManifestCorrupt = errors.New("manifest corrupt")

// Entry is the persisted state of one remote key.
type Entry struct {
	ETag    string
	SizeGiB float64
}

// MarshalJSON encodes the entry as ["<etag>", <sizeGiB>].
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.ETag, e.SizeGiB})
}

// UnmarshalJSON decodes ["<etag>", <sizeGiB>].
func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("manifest entry: want 2 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &e.ETag); err != nil {
		return fmt.Errorf("manifest entry etag: %w", err)
	}
	if err := json.Unmarshal(raw[1], &e.SizeGiB); err != nil {
		return fmt.Errorf("manifest entry size: %w", err)
	}
	return nil
}

// Record maps relative keys to their persisted state.
type Record map[string]Entry

// FromObjects builds a record from a remote listing.
func FromObjects(objects []models.Object) Record {
	r := make(Record, len(objects))
	for _, o := range objects {
		r[o.Key] = Entry{ETag: o.ETag, SizeGiB: o.SizeGiB()}
	}
	return r
}

// Keys returns the record's keys in sorted order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Store reads and writes one manifest file per category in a directory.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create manifest dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Path returns the manifest file for a category.
func (s *Store) Path(c category.Category) string {
	return s.PathFor(c.Slug())
}

// PathFor returns the manifest file for an arbitrary name.
func (s *Store) PathFor(name string) string {
	return filepath.Join(s.dir, "s3_files_"+name+".json")
}

// Load reads a category's manifest.
func (s *Store) Load(c category.Category) (Record, error) {
	return s.LoadNamed(c.Slug())
}

// LoadNamed reads the manifest stored under name. A missing file yields an
// empty record and no error. An undecodable file yields an empty record
// and an error wrapping ErrManifestCorrupt.
func (s *Store) LoadNamed(name string) (Record, error) {
	path := s.PathFor(name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, nil
		}
		return Record{}, fmt.Errorf("%w: read %s: %v", ErrManifestCorrupt, path, err)
	}

	rec := Record{}
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: decode %s: %v", ErrManifestCorrupt, path, err)
	}
	if rec == nil {
		rec = Record{}
	}
	return rec, nil
}

// Save atomically replaces a category's manifest.
func (s *Store) Save(c category.Category, rec Record) error {
	return s.SaveNamed(c.Slug(), rec)
}

// SaveNamed atomically replaces the manifest stored under name. Keys are
// written in sorted order so an unchanged record produces identical bytes.
func (s *Store) SaveNamed(name string, rec Record) error {
	if rec == nil {
		rec = Record{}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	path := s.PathFor(name)
	tmp, err := os.CreateTemp(s.dir, ".s3_files_"+name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close manifest: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod manifest: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}
