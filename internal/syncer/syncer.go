// Package syncer keeps one local model directory in step with its remote
// prefix: diff, download with eviction under the disk budget, removal,
// manifest write-back and registration.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/990248516/sd-modelsync/internal/category"
	"github.com/990248516/sd-modelsync/internal/events"
	"github.com/990248516/sd-modelsync/internal/evict"
	"github.com/990248516/sd-modelsync/internal/logging"
	"github.com/990248516/sd-modelsync/internal/manifest"
	"github.com/990248516/sd-modelsync/internal/metrics"
	"github.com/990248516/sd-modelsync/internal/modelhash"
	"github.com/990248516/sd-modelsync/internal/refs"
	"github.com/990248516/sd-modelsync/internal/registrar"
	"github.com/990248516/sd-modelsync/internal/retry"
	"github.com/990248516/sd-modelsync/internal/storage"
)

var (
	// ErrDownloadFailed marks a transfer error for one key. It consumes
	// one attempt.
	ErrDownloadFailed = errors.New("download failed")

	// ErrRetriesExhausted is returned for a key whose every attempt failed.
	ErrRetriesExhausted = errors.New("retries exhausted")

	errNoSpace = errors.New("insufficient disk space")
)

// DefaultInterval is the pause between cycles.
const DefaultInterval = 30 * time.Second

// Budget decides whether a download of sizeGiB fits.
type Budget interface {
	CanAfford(sizeGiB float64) bool
}

// Evicter frees space by removing one cached model.
type Evicter interface {
	EvictOne(ctx context.Context) (evict.Result, error)
}

// Config holds everything one category's loop owns.
type Config struct {
	Category  category.Category
	Lister    *storage.Lister
	Manifests *manifest.Store
	Table     *refs.Table
	Budget    Budget
	Evictor   Evicter
	Registrar registrar.Registrar
	Events    *events.Broadcaster
	Dir       string
	Retry     retry.Config
	Interval  time.Duration
}

// Syncer runs sync cycles for one category. Cycles of the same category
// never overlap; different categories do not coordinate with each other.
type Syncer struct {
	cfg  Config
	hash func(path string) (string, error)
	log  *zap.Logger

	mu sync.Mutex // held for a whole cycle

	statusMu sync.RWMutex
	last     *Report
}

// New creates a Syncer.
func New(cfg Config) (*Syncer, error) {
	if cfg.Lister == nil || cfg.Manifests == nil || cfg.Budget == nil || cfg.Evictor == nil {
		return nil, fmt.Errorf("syncer %s: lister, manifests, budget and evictor are required", cfg.Category)
	}
	if cfg.Table == nil {
		cfg.Table = refs.NewTable()
	}
	if cfg.Registrar == nil {
		cfg.Registrar = registrar.Nop{}
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create model dir: %w", err)
	}

	return &Syncer{
		cfg:  cfg,
		hash: modelhash.Short,
		log:  logging.With(zap.String("category", cfg.Category.Slug())),
	}, nil
}

// Category returns the synced category.
func (s *Syncer) Category() category.Category { return s.cfg.Category }

// Table returns the category's reference table.
func (s *Syncer) Table() *refs.Table { return s.cfg.Table }

// Dir returns the local model directory.
func (s *Syncer) Dir() string { return s.cfg.Dir }

// Prefix returns the remote prefix.
func (s *Syncer) Prefix() string { return s.cfg.Lister.Prefix() }

// Manifest returns the persisted record.
func (s *Syncer) Manifest() (manifest.Record, error) {
	return s.cfg.Manifests.Load(s.cfg.Category)
}

// LastReport returns the report of the most recent cycle, if any.
func (s *Syncer) LastReport() (Report, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	if s.last == nil {
		return Report{}, false
	}
	return *s.last, true
}

func (s *Syncer) setLast(r Report) {
	s.statusMu.Lock()
	s.last = &r
	s.statusMu.Unlock()
}

// Run loops cycles until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) error {
	s.log.Info("sync loop started",
		zap.String("prefix", s.Prefix()),
		zap.String("dir", s.cfg.Dir),
		zap.Duration("interval", s.cfg.Interval),
	)
	for {
		if _, err := s.RunCycle(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("sync cycle failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			s.log.Info("sync loop stopped")
			return nil
		case <-time.After(s.cfg.Interval):
		}
	}
}

// Diff previews the changes the next cycle would apply.
func (s *Syncer) Diff(ctx context.Context) (manifest.Changes, error) {
	remote, old, err := s.observe(ctx)
	if err != nil {
		return manifest.Changes{}, err
	}
	return manifest.Diff(old, remote), nil
}

// observe lists the remote prefix and loads the persisted manifest. A
// corrupt manifest is logged and treated as empty.
func (s *Syncer) observe(ctx context.Context) (remote, old manifest.Record, err error) {
	objects, err := s.cfg.Lister.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	remote = manifest.FromObjects(objects)

	old, err = s.cfg.Manifests.Load(s.cfg.Category)
	if err != nil {
		s.log.Warn("manifest unreadable, starting from empty", zap.Error(err))
	}
	return remote, old, nil
}

// RunCycle performs one full cycle under the category lock.
func (s *Syncer) RunCycle(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slug := s.cfg.Category.Slug()
	report := Report{CycleID: uuid.NewString(), Category: slug, Started: time.Now()}
	log := s.log.With(zap.String("cycle_id", report.CycleID))

	remote, old, err := s.observe(ctx)
	if err != nil {
		report.Result = ResultRemoteUnavailable
		report.Duration = time.Since(report.Started)
		metrics.RecordSyncCycle(slug, report.Result, report.Duration)
		s.setLast(report)
		return report, err
	}

	changes := manifest.Diff(old, remote)
	report.Added, report.Modified, report.Removed = changes.Added, changes.Modified, changes.Removed
	if !changes.Empty() {
		log.Info("remote changes detected",
			zap.Int("added", len(changes.Added)),
			zap.Int("modified", len(changes.Modified)),
			zap.Int("removed", len(changes.Removed)),
		)
	}

	// Disk changes made before a cancellation are still persisted and
	// announced, so notifications run on a context that outlives ctx.
	notifyCtx := context.WithoutCancel(ctx)

	for _, key := range changes.Removed {
		s.remove(notifyCtx, key)
	}

	failed := make(map[string]bool)
	for _, key := range changes.Pending() {
		if ctx.Err() != nil {
			failed[key] = true
			report.Failed = append(report.Failed, key)
			continue
		}
		_, modified := old[key]
		id, err := s.apply(ctx, key, remote[key], modified, &report)
		if err != nil {
			failed[key] = true
			report.Failed = append(report.Failed, key)
			if ctx.Err() == nil {
				log.Error("model not synced", zap.String("key", key), zap.Error(err))
			}
			continue
		}
		report.Downloaded = append(report.Downloaded, id)
	}

	next := persisted(s.cfg.Dir, remote, old, failed)
	if !maps.Equal(next, old) || !exists(s.cfg.Manifests.Path(s.cfg.Category)) {
		if err := s.cfg.Manifests.Save(s.cfg.Category, next); err != nil {
			log.Error("save manifest", zap.Error(err))
		}
	}
	report.Entries = len(next)
	metrics.SetManifestEntries(slug, len(next))

	if !changes.Empty() {
		if err := s.cfg.Registrar.Register(notifyCtx, s.cfg.Category, report.Downloaded); err != nil {
			log.Warn("register models", zap.Error(err))
		}
	}

	report.Result = ResultOK
	if len(report.Failed) > 0 {
		report.Result = ResultPartial
	}
	if err := ctx.Err(); err != nil {
		report.Result = ResultCancelled
		report.Duration = time.Since(report.Started)
		metrics.RecordSyncCycle(slug, report.Result, report.Duration)
		s.setLast(report)
		log.Warn("sync cycle interrupted", reportField(report))
		return report, err
	}
	report.Duration = time.Since(report.Started)
	metrics.RecordSyncCycle(slug, report.Result, report.Duration)
	s.setLast(report)

	if report.Changed() {
		log.Info("sync cycle complete", reportField(report))
	} else {
		log.Debug("sync cycle complete", reportField(report))
	}
	return report, nil
}

// remove deletes a key that disappeared remotely.
func (s *Syncer) remove(ctx context.Context, key string) {
	path := localPath(s.cfg.Dir, key)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.Error("remove model", zap.String("path", path), zap.Error(err))
	}

	id, ok := s.cfg.Table.RemoveKey(key)
	if !ok {
		id = s.cfg.Category.DisplayName(key)
	}
	if err := s.cfg.Registrar.Deregister(ctx, s.cfg.Category, id); err != nil {
		s.log.Warn("deregister model", zap.String("identifier", id), zap.Error(err))
	}
	s.cfg.Events.Publish(events.Event{
		Type:       events.EventDelete,
		Category:   s.cfg.Category.Slug(),
		Key:        key,
		Identifier: id,
	})
	s.log.Info("removed model", zap.String("key", key))
}

// apply runs the download-with-eviction protocol for one key. A panic is
// recovered and reported as that key's error.
func (s *Syncer) apply(ctx context.Context, key string, entry manifest.Entry, modified bool, report *Report) (id string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic syncing %s: %v", key, r)
		}
	}()

	slug := s.cfg.Category.Slug()
	var written int64

	err = retry.Do(ctx, s.cfg.Retry, func(attempt int) error {
		if !s.cfg.Budget.CanAfford(entry.SizeGiB) {
			res, err := s.cfg.Evictor.EvictOne(ctx)
			if err != nil {
				return retry.Retryable(fmt.Errorf("%w for %.2f GiB: %w", errNoSpace, entry.SizeGiB, err))
			}
			report.Evicted = append(report.Evicted, res.Identifier)
			return retry.Retryable(fmt.Errorf("%w for %.2f GiB", errNoSpace, entry.SizeGiB))
		}

		n, err := fetch(ctx, s.cfg.Lister, s.cfg.Dir, key)
		if err != nil {
			metrics.RecordDownload(slug, 0, false)
			s.log.Warn("download attempt failed",
				zap.String("key", key),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return retry.Retryable(fmt.Errorf("%w: %s: %w", ErrDownloadFailed, key, err))
		}
		written = n
		metrics.RecordDownload(slug, n, true)
		return nil
	})
	if err != nil {
		if errors.Is(err, retry.ErrExhausted) {
			metrics.RecordRetryExhausted(slug)
			return "", fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, s.cfg.Retry.MaxAttempts, err)
		}
		return "", err
	}

	id = s.identify(key)
	s.cfg.Table.Track(id, key)

	eventType := events.EventCreate
	if modified {
		eventType = events.EventModify
	}
	s.cfg.Events.Publish(events.Event{
		Type:       eventType,
		Category:   slug,
		Key:        key,
		Identifier: id,
		Size:       written,
	})
	s.log.Info("downloaded model",
		zap.String("key", key),
		zap.String("identifier", id),
		zap.Int64("bytes", written),
	)
	return id, nil
}

// identify derives the display identifier of a downloaded file.
func (s *Syncer) identify(key string) string {
	hash, err := s.hash(localPath(s.cfg.Dir, key))
	if err != nil {
		s.log.Warn("hash model", zap.String("key", key), zap.Error(err))
		return s.cfg.Category.DisplayName(key)
	}
	return s.cfg.Category.Identifier(key, hash)
}

// Adopt tracks files that are already on disk and listed in the manifest,
// at count zero, so they are evictable after a restart.
func (s *Syncer) Adopt(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.cfg.Manifests.Load(s.cfg.Category)
	if err != nil {
		return 0, err
	}

	adopted := 0
	for _, key := range rec.Keys() {
		if ctx.Err() != nil {
			return adopted, ctx.Err()
		}
		if _, ok := s.cfg.Table.IdentifierFor(key); ok {
			continue
		}
		if !exists(localPath(s.cfg.Dir, key)) {
			continue
		}
		s.cfg.Table.Track(s.identify(key), key)
		adopted++
	}
	if adopted > 0 {
		s.log.Info("adopted cached models", zap.Int("count", adopted))
	}
	return adopted, nil
}
