package syncer

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/990248516/sd-modelsync/internal/logging"
)

// Supervisor runs every category loop plus the optional asset mirror.
type Supervisor struct {
	Syncers []*Syncer
	Mirror  *Mirror

	// Bootstrap, when set, gets a one-shot bootstrap pass before the
	// periodic loops start.
	Bootstrap *Syncer
}

// Run adopts cached files, bootstraps, then runs one goroutine per loop
// until ctx is cancelled.
func (sv *Supervisor) Run(ctx context.Context) error {
	for _, s := range sv.Syncers {
		if _, err := s.Adopt(ctx); err != nil {
			logging.Warn("adopt cached models",
				zap.String("category", s.Category().Slug()),
				zap.Error(err),
			)
		}
	}

	if sv.Bootstrap != nil {
		if _, err := sv.Bootstrap.Bootstrap(ctx); err != nil {
			logging.Warn("bootstrap failed",
				zap.String("category", sv.Bootstrap.Category().Slug()),
				zap.Error(err),
			)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range sv.Syncers {
		g.Go(func() error { return s.Run(ctx) })
	}
	if sv.Mirror != nil {
		g.Go(func() error { return sv.Mirror.Run(ctx) })
	}
	return g.Wait()
}
