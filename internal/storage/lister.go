package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/990248516/sd-modelsync/internal/models"
)

// ErrRemoteUnavailable wraps every listing or transport failure. Callers
// skip the cycle instead of treating it as fatal.
var ErrRemoteUnavailable = errors.New("remote unavailable")

// Lister enumerates one prefix of a backend, returning keys relative to the
// prefix and keeping only those accepted by match.
type Lister struct {
	backend Backend
	prefix  string
	match   func(key string) bool
}

// NewLister creates a Lister. A nil match accepts every key.
func NewLister(backend Backend, prefix string, match func(key string) bool) *Lister {
	return &Lister{
		backend: backend,
		prefix:  strings.Trim(prefix, "/"),
		match:   match,
	}
}

// Prefix returns the normalized remote prefix.
func (l *Lister) Prefix() string {
	return l.prefix
}

// Backend returns the underlying backend.
func (l *Lister) Backend() Backend {
	return l.backend
}

// List returns every matching object under the prefix.
func (l *Lister) List(ctx context.Context) ([]models.Object, error) {
	listPrefix := ""
	if l.prefix != "" {
		listPrefix = l.prefix + "/"
	}

	var objects []models.Object
	err := l.backend.ListObjects(ctx, listPrefix, func(obj models.Object) error {
		rel := strings.TrimLeft(strings.TrimPrefix(obj.Key, listPrefix), "/")
		if rel == "" || strings.HasSuffix(rel, "/") {
			return nil
		}
		if l.match != nil && !l.match(rel) {
			return nil
		}
		objects = append(objects, models.Object{
			Key:  rel,
			ETag: models.NormalizeETag(obj.ETag),
			Size: obj.Size,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list %s/%s: %v", ErrRemoteUnavailable, l.backend.Type(), listPrefix, err)
	}
	return objects, nil
}

// Open retrieves the object stored under the relative key.
func (l *Lister) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	full := key
	if l.prefix != "" {
		full = l.prefix + "/" + key
	}
	rc, size, err := l.backend.GetObject(ctx, full)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	return rc, size, nil
}
