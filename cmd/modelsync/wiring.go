package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/990248516/sd-modelsync/internal/category"
	"github.com/990248516/sd-modelsync/internal/config"
	"github.com/990248516/sd-modelsync/internal/disk"
	"github.com/990248516/sd-modelsync/internal/events"
	"github.com/990248516/sd-modelsync/internal/evict"
	"github.com/990248516/sd-modelsync/internal/logging"
	"github.com/990248516/sd-modelsync/internal/manifest"
	"github.com/990248516/sd-modelsync/internal/refs"
	"github.com/990248516/sd-modelsync/internal/registrar"
	"github.com/990248516/sd-modelsync/internal/retry"
	"github.com/990248516/sd-modelsync/internal/storage"
	"github.com/990248516/sd-modelsync/internal/syncer"
)

// app holds the wired components of one process.
type app struct {
	backend     storage.Backend
	guard       *disk.Guard
	broadcaster *events.Broadcaster
	syncers     []*syncer.Syncer
	mirror      *syncer.Mirror
}

func (a *app) Close() error {
	return a.backend.Close()
}

// syncer returns the loop for c, or nil.
func (a *app) syncer(c category.Category) *syncer.Syncer {
	for _, s := range a.syncers {
		if s.Category() == c {
			return s
		}
	}
	return nil
}

// parseCategories resolves command arguments; no arguments means all.
func parseCategories(args []string) ([]category.Category, error) {
	if len(args) == 0 {
		return category.All, nil
	}
	cats := make([]category.Category, 0, len(args))
	for _, a := range args {
		c, err := category.Parse(a)
		if err != nil {
			return nil, err
		}
		cats = append(cats, c)
	}
	return cats, nil
}

// build wires one syncer per category sharing a backend, a disk guard and
// a broadcaster.
func build(ctx context.Context, cfg *config.Config, cats []category.Category) (*app, error) {
	backend, err := storage.NewBackend(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("storage backend: %w", err)
	}

	if err := os.MkdirAll(cfg.ModelsDir, 0755); err != nil {
		backend.Close()
		return nil, fmt.Errorf("create models dir: %w", err)
	}
	store, err := manifest.NewStore(cfg.CacheDir)
	if err != nil {
		backend.Close()
		return nil, err
	}

	a := &app{
		backend:     backend,
		guard:       disk.NewGuard(cfg.ModelsDir, cfg.ReserveGiB),
		broadcaster: events.NewBroadcaster(),
	}

	reg := registrar.Multi{registrar.Events{B: a.broadcaster}}
	if h := registrar.NewHTTP(registrar.HTTPConfig{
		Endpoint:     cfg.APIEndpoint,
		EndpointName: cfg.EndpointName,
	}); h != nil {
		reg = append(reg, h)
		logging.Info("model registration enabled", zap.String("endpoint", cfg.APIEndpoint))
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.RetryBudget
	retryCfg.InitialWait = cfg.RetryWait

	for _, c := range cats {
		dir := cfg.Dir(c)
		table := refs.NewTable()
		s, err := syncer.New(syncer.Config{
			Category:  c,
			Lister:    storage.NewLister(backend, cfg.Prefix(c), c.Matches),
			Manifests: store,
			Table:     table,
			Budget:    a.guard,
			Evictor: evict.New(evict.Config{
				Category:     c,
				Dir:          dir,
				Table:        table,
				Registrar:    reg,
				Events:       a.broadcaster,
				ProtectInUse: cfg.ProtectInUse,
			}),
			Registrar: reg,
			Events:    a.broadcaster,
			Dir:       dir,
			Retry:     retryCfg,
			Interval:  cfg.PollInterval,
		})
		if err != nil {
			backend.Close()
			return nil, err
		}
		a.syncers = append(a.syncers, s)
	}

	if cfg.AssetPrefix != "" {
		a.mirror, err = syncer.NewMirror(syncer.MirrorConfig{
			Name:      "assets",
			Lister:    storage.NewLister(backend, cfg.AssetPrefix, nil),
			Manifests: store,
			Events:    a.broadcaster,
			Dir:       cfg.AssetDir,
			Interval:  cfg.AssetInterval,
		})
		if err != nil {
			backend.Close()
			return nil, err
		}
	}

	logging.Info("components wired",
		zap.String("backend", backend.Type()),
		zap.Int("categories", len(a.syncers)),
		zap.Bool("asset_mirror", a.mirror != nil),
		zap.Float64("reserve_gib", cfg.ReserveGiB),
	)
	return a, nil
}
