package syncer

import (
	"context"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/990248516/sd-modelsync/internal/manifest"
	"github.com/990248516/sd-modelsync/internal/metrics"
)

// firstFamily returns the keys sharing the path-without-extension of the
// smallest key, in key order.
func firstFamily(remote manifest.Record) []string {
	keys := remote.Keys()
	if len(keys) == 0 {
		return nil
	}
	stem := func(k string) string { return strings.TrimSuffix(k, path.Ext(k)) }
	root := stem(keys[0])

	var family []string
	for _, k := range keys {
		if stem(k) == root {
			family = append(family, k)
		}
	}
	sort.Strings(family)
	return family
}

// Bootstrap fetches just the first model family of the remote prefix so a
// fresh node has something to serve before the periodic loop catches up.
// It does nothing when a manifest with entries already exists.
func (s *Syncer) Bootstrap(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slug := s.cfg.Category.Slug()
	report := Report{CycleID: uuid.NewString(), Category: slug, Started: time.Now()}
	log := s.log.With(zap.String("cycle_id", report.CycleID), zap.Bool("bootstrap", true))

	remote, old, err := s.observe(ctx)
	if err != nil {
		report.Result = ResultRemoteUnavailable
		return report, err
	}
	if len(old) > 0 {
		report.Result = ResultSkipped
		report.Entries = len(old)
		log.Debug("bootstrap skipped, manifest present", zap.Int("entries", len(old)))
		return report, nil
	}

	family := firstFamily(remote)
	report.Added = family

	next := manifest.Record{}
	for _, key := range family {
		if ctx.Err() != nil {
			report.Failed = append(report.Failed, key)
			continue
		}
		id, err := s.apply(ctx, key, remote[key], false, &report)
		if err != nil {
			report.Failed = append(report.Failed, key)
			if ctx.Err() == nil {
				log.Error("bootstrap model not synced", zap.String("key", key), zap.Error(err))
			}
			continue
		}
		report.Downloaded = append(report.Downloaded, id)
		next[key] = remote[key]
	}

	if err := s.cfg.Manifests.Save(s.cfg.Category, next); err != nil {
		log.Error("save manifest", zap.Error(err))
	}
	report.Entries = len(next)
	metrics.SetManifestEntries(slug, len(next))

	if len(family) > 0 {
		if err := s.cfg.Registrar.Register(context.WithoutCancel(ctx), s.cfg.Category, report.Downloaded); err != nil {
			log.Warn("register models", zap.Error(err))
		}
	}

	report.Result = ResultOK
	if len(report.Failed) > 0 {
		report.Result = ResultPartial
	}
	if ctx.Err() != nil {
		report.Result = ResultCancelled
	}
	report.Duration = time.Since(report.Started)
	s.setLast(report)
	log.Info("bootstrap complete", reportField(report))
	return report, ctx.Err()
}
