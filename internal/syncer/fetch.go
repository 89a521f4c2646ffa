package syncer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/990248516/sd-modelsync/internal/manifest"
	"github.com/990248516/sd-modelsync/internal/storage"
)

// localPath maps a relative remote key into dir.
func localPath(dir, key string) string {
	return filepath.Join(dir, filepath.FromSlash(key))
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// fetch copies one object into dir. Content is written atomically (temp
// file then rename) so a failed transfer never leaves a partial model.
func fetch(ctx context.Context, lister *storage.Lister, dir, key string) (int64, error) {
	rc, _, err := lister.Open(ctx, key)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	dest := localPath(dir, key)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+"-*.part")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	written, err := io.Copy(tmp, rc)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("write content: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("chmod: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("rename temp file: %w", err)
	}
	return written, nil
}

// persisted builds the manifest to write back: every remote key whose file
// is on disk. A key that failed this cycle keeps its previous entry, if
// any, so it shows up as pending again next cycle.
func persisted(dir string, remote, old manifest.Record, failed map[string]bool) manifest.Record {
	next := make(manifest.Record, len(remote))
	for key, entry := range remote {
		if !exists(localPath(dir, key)) {
			continue
		}
		if failed[key] {
			prev, ok := old[key]
			if !ok {
				continue
			}
			entry = prev
		}
		next[key] = entry
	}
	return next
}
