// Package statusgate answers "is this jurisdiction up?" from the registry's
// own status endpoint, cached for a short TTL.
package statusgate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/joseph-ayodele/vat-checker/internal/registry"
)

// refreshTimeout bounds a status fetch made while the gate lock is held.
const refreshTimeout = 5 * time.Second

// Gate is fail-open: unknown jurisdictions and a missing snapshot count as available.
type Gate struct {
	reg registry.Registry
	ttl time.Duration
	log *slog.Logger
	now func() time.Time

	mu        sync.Mutex
	snapshot  map[string]string
	fetchedAt time.Time
	nextFetch time.Time
}

func New(reg registry.Registry, ttl time.Duration, log *slog.Logger, now func() time.Time) *Gate {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Gate{reg: reg, ttl: ttl, log: log, now: now}
}

// Available reports whether jurisdiction may be called now.
func (g *Gate) Available(ctx context.Context, jurisdiction string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if now := g.now(); !now.Before(g.nextFetch) {
		g.refresh(ctx, now)
	}
	if g.snapshot == nil {
		return true
	}
	status, ok := g.snapshot[jurisdiction]
	return !ok || status == registry.AvailabilityAvailable
}

// refresh replaces the snapshot. On failure the previous snapshot stays and the
// next attempt waits a full TTL. Caller holds g.mu.
func (g *Gate) refresh(ctx context.Context, now time.Time) {
	g.nextFetch = now.Add(g.ttl)
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()
	snap, err := g.reg.Status(ctx)
	if err != nil || snap == nil {
		g.log.Warn("statusgate.refresh failed, keeping last snapshot",
			"error", err, "snapshot_age_ms", g.age(now).Milliseconds())
		return
	}
	countries := make(map[string]string, len(snap.Countries))
	for k, v := range snap.Countries {
		countries[k] = v
	}
	g.snapshot = countries
	g.fetchedAt = now
	g.log.Debug("statusgate.refreshed", "countries", len(countries))
}

func (g *Gate) age(now time.Time) time.Duration {
	if g.fetchedAt.IsZero() {
		return 0
	}
	return now.Sub(g.fetchedAt)
}
