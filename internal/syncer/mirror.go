package syncer

import (
	"context"
	"fmt"
	"maps"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/990248516/sd-modelsync/internal/events"
	"github.com/990248516/sd-modelsync/internal/logging"
	"github.com/990248516/sd-modelsync/internal/manifest"
	"github.com/990248516/sd-modelsync/internal/storage"
)

// DefaultMirrorInterval is the pause between asset mirror passes.
const DefaultMirrorInterval = 10 * time.Second

// MirrorConfig configures an asset mirror.
type MirrorConfig struct {
	Name      string // manifest name, e.g. "assets"
	Lister    *storage.Lister
	Manifests *manifest.Store
	Events    *events.Broadcaster
	Dir       string
	Interval  time.Duration
}

// Mirror copies a remote prefix into a directory without any disk budget
// or eviction. It is used for small UI assets rather than models.
type Mirror struct {
	cfg MirrorConfig
	log *zap.Logger
	mu  sync.Mutex
}

// NewMirror creates a Mirror.
func NewMirror(cfg MirrorConfig) (*Mirror, error) {
	if cfg.Lister == nil || cfg.Manifests == nil {
		return nil, fmt.Errorf("mirror %s: lister and manifests are required", cfg.Name)
	}
	if cfg.Name == "" {
		cfg.Name = "assets"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultMirrorInterval
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create mirror dir: %w", err)
	}
	return &Mirror{cfg: cfg, log: logging.With(zap.String("mirror", cfg.Name))}, nil
}

// RunOnce performs one mirror pass.
func (m *Mirror) RunOnce(ctx context.Context) (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	report := Report{CycleID: uuid.NewString(), Category: m.cfg.Name, Started: time.Now()}

	objects, err := m.cfg.Lister.List(ctx)
	if err != nil {
		report.Result = ResultRemoteUnavailable
		return report, err
	}
	remote := manifest.FromObjects(objects)

	old, err := m.cfg.Manifests.LoadNamed(m.cfg.Name)
	if err != nil {
		m.log.Warn("manifest unreadable, starting from empty", zap.Error(err))
	}

	changes := manifest.Diff(old, remote)
	report.Added, report.Modified, report.Removed = changes.Added, changes.Modified, changes.Removed

	for _, key := range changes.Removed {
		if err := os.Remove(localPath(m.cfg.Dir, key)); err != nil && !os.IsNotExist(err) {
			m.log.Warn("remove asset", zap.String("key", key), zap.Error(err))
		}
		m.cfg.Events.Publish(events.Event{Type: events.EventDelete, Category: m.cfg.Name, Key: key})
	}

	failed := make(map[string]bool)
	for _, key := range changes.Pending() {
		if ctx.Err() != nil {
			failed[key] = true
			report.Failed = append(report.Failed, key)
			continue
		}
		n, err := fetch(ctx, m.cfg.Lister, m.cfg.Dir, key)
		if err != nil {
			failed[key] = true
			report.Failed = append(report.Failed, key)
			if ctx.Err() == nil {
				m.log.Warn("fetch asset", zap.String("key", key), zap.Error(err))
			}
			continue
		}
		report.Downloaded = append(report.Downloaded, key)
		m.cfg.Events.Publish(events.Event{Type: events.EventCreate, Category: m.cfg.Name, Key: key, Size: n})
	}

	next := persisted(m.cfg.Dir, remote, old, failed)
	if !maps.Equal(next, old) || !exists(m.cfg.Manifests.PathFor(m.cfg.Name)) {
		if err := m.cfg.Manifests.SaveNamed(m.cfg.Name, next); err != nil {
			m.log.Error("save manifest", zap.Error(err))
		}
	}
	report.Entries = len(next)

	report.Result = ResultOK
	if len(report.Failed) > 0 {
		report.Result = ResultPartial
	}
	if ctx.Err() != nil {
		report.Result = ResultCancelled
	}
	report.Duration = time.Since(report.Started)
	if report.Changed() {
		m.log.Info("mirror pass complete", reportField(report))
	}
	return report, ctx.Err()
}

// Run loops passes until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context) error {
	for {
		if _, err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn("mirror pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.cfg.Interval):
		}
	}
}
