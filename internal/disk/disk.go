// Package disk answers whether a download fits under the free-space floor.
package disk

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/990248516/sd-modelsync/internal/logging"
	"github.com/990248516/sd-modelsync/internal/metrics"
	"github.com/990248516/sd-modelsync/internal/models"
)

// Snapshot is the state of the filesystem backing the cache, in GiB.
type Snapshot struct {
	TotalGiB float64 `json:"total_gib"`
	UsedGiB  float64 `json:"used_gib"`
	FreeGiB  float64 `json:"free_gib"`
}

// Usage is the raw filesystem usage in bytes. Avail is what an unprivileged
// writer may still use; Free includes blocks reserved for root.
type Usage struct {
	Total uint64
	Free  uint64
	Avail uint64
}

// ProbeFunc reports the usage of the filesystem holding path.
type ProbeFunc func(path string) (Usage, error)

// Guard checks prospective downloads against a reserved floor. Each check
// takes a fresh snapshot; nothing is cached between calls. Guards shared by
// several categories do not serialize their callers, so two categories may
// both pass the check and together dip below the floor.
type Guard struct {
	path       string
	reserveGiB float64
	probe      ProbeFunc
}

// NewGuard creates a guard for the filesystem holding path.
func NewGuard(path string, reserveGiB float64) *Guard {
	return &Guard{path: path, reserveGiB: reserveGiB, probe: probe}
}

// WithProbe replaces the platform probe. Used by tests.
func (g *Guard) WithProbe(fn ProbeFunc) *Guard {
	g.probe = fn
	return g
}

// Path returns the probed path.
func (g *Guard) Path() string { return g.path }

// ReserveGiB returns the floor.
func (g *Guard) ReserveGiB() float64 { return g.reserveGiB }

// Snapshot reads current usage.
func (g *Guard) Snapshot() (Snapshot, error) {
	u, err := g.probe(g.path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("probe %s: %w", g.path, err)
	}

	total := float64(u.Total) / models.GiB
	free := float64(u.Avail) / models.GiB
	used := float64(u.Total-u.Free) / models.GiB

	metrics.SetDiskFree(free)
	return Snapshot{TotalGiB: total, UsedGiB: used, FreeGiB: free}, nil
}

// CanAfford reports whether free space minus sizeGiB stays at or above the
// reserve. A failed probe answers false.
func (g *Guard) CanAfford(sizeGiB float64) bool {
	snap, err := g.Snapshot()
	if err != nil {
		logging.Warn("disk probe failed", zap.String("path", g.path), zap.Error(err))
		return false
	}
	ok := snap.FreeGiB-sizeGiB >= g.reserveGiB
	logging.Debug("disk budget check",
		zap.Float64("free_gib", snap.FreeGiB),
		zap.Float64("size_gib", sizeGiB),
		zap.Float64("reserve_gib", g.reserveGiB),
		zap.Bool("fits", ok),
	)
	return ok
}
