// Package evict frees disk space by removing one cached model at a time.
package evict

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/990248516/sd-modelsync/internal/category"
	"github.com/990248516/sd-modelsync/internal/events"
	"github.com/990248516/sd-modelsync/internal/logging"
	"github.com/990248516/sd-modelsync/internal/metrics"
	"github.com/990248516/sd-modelsync/internal/models"
	"github.com/990248516/sd-modelsync/internal/refs"
	"github.com/990248516/sd-modelsync/internal/registrar"
)

// ErrNoCandidate is returned when nothing in the category can be evicted.
var ErrNoCandidate = errors.New("no eviction candidate")

// Eviction strategies, also used as metric labels.
const (
	StrategyMinRef  = "min_ref"
	StrategyZeroRef = "zero_ref"
	StrategyNone    = "none"
)

// Result describes one eviction.
type Result struct {
	Path       string
	Identifier string
	Key        string
	Strategy   string
	FreedBytes int64
}

// Config wires an evictor to its category.
type Config struct {
	Category  category.Category
	Dir       string
	Table     *refs.Table
	Registrar registrar.Registrar
	Events    *events.Broadcaster

	// ProtectInUse skips the minimum non-zero step so that models with
	// live references are never chosen.
	ProtectInUse bool
}

// Evictor picks and removes victims from one category's directory.
type Evictor struct {
	cfg       Config
	birthTime func(path string) (time.Time, error)
	log       *zap.Logger
}

// New creates an evictor.
func New(cfg Config) *Evictor {
	if cfg.Registrar == nil {
		cfg.Registrar = registrar.Nop{}
	}
	return &Evictor{
		cfg:       cfg,
		birthTime: BirthTime,
		log:       logging.With(zap.String("category", cfg.Category.Slug())),
	}
}

// WithBirthTime replaces the creation time probe. Used by tests.
func (e *Evictor) WithBirthTime(fn func(path string) (time.Time, error)) *Evictor {
	e.birthTime = fn
	return e
}

// EvictOne removes a single file. The entry with the smallest non-zero
// reference count goes first (ties to the smallest identifier). Failing
// that, the oldest file among zero-count entries still on disk goes.
func (e *Evictor) EvictOne(ctx context.Context) (Result, error) {
	victim, strategy, ok := e.choose()
	if !ok {
		metrics.RecordEviction(e.cfg.Category.Slug(), StrategyNone)
		e.log.Warn("nothing to evict")
		return Result{}, ErrNoCandidate
	}

	path := e.path(victim.Key)
	var size int64
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return Result{}, fmt.Errorf("evict %s: %w", path, err)
	}
	e.cfg.Table.Remove(victim.Identifier)

	if err := e.cfg.Registrar.Deregister(ctx, e.cfg.Category, victim.Identifier); err != nil {
		e.log.Warn("deregister failed", zap.String("identifier", victim.Identifier), zap.Error(err))
	}
	e.cfg.Events.Publish(events.Event{
		Type:       events.EventEvict,
		Category:   e.cfg.Category.Slug(),
		Key:        victim.Key,
		Identifier: victim.Identifier,
		Size:       size,
	})
	metrics.RecordEviction(e.cfg.Category.Slug(), strategy)

	e.log.Info("evicted model",
		zap.String("identifier", victim.Identifier),
		zap.String("path", path),
		zap.String("strategy", strategy),
		zap.Int("refs", victim.Count),
		zap.Float64("freed_gib", float64(size)/models.GiB),
	)

	return Result{
		Path:       path,
		Identifier: victim.Identifier,
		Key:        victim.Key,
		Strategy:   strategy,
		FreedBytes: size,
	}, nil
}

func (e *Evictor) choose() (refs.Entry, string, bool) {
	if !e.cfg.ProtectInUse {
		if victim, ok := e.cfg.Table.MinNonZero(); ok {
			return victim, StrategyMinRef, true
		}
	}

	var (
		victim refs.Entry
		oldest time.Time
		found  bool
	)
	for _, entry := range e.cfg.Table.Zero() {
		born, err := e.birthTime(e.path(entry.Key))
		if err != nil {
			continue
		}
		if !found || born.Before(oldest) {
			victim, oldest, found = entry, born, true
		}
	}
	return victim, StrategyZeroRef, found
}

func (e *Evictor) path(key string) string {
	return filepath.Join(e.cfg.Dir, filepath.FromSlash(key))
}
