// Package availability gates calls to the upstream during outages.
//
// When every lookup of a batch fails transiently the worker marks the
// upstream unavailable; publishers and workers then stop hammering it until
// a cooldown has elapsed. After the cooldown the next caller gets to probe:
// if the upstream is still down, its failures re-mark it.
package availability

import (
	"context"
	"sync"
	"time"

	"github.com/nuget-trends/nuget-trends/go/metrics2"
	"github.com/nuget-trends/nuget-trends/go/now"
	"github.com/nuget-trends/nuget-trends/go/sklog"
)

// Gate tracks whether the upstream is believed to be available.
type Gate struct {
	cooldown time.Duration

	mutex            sync.Mutex
	available        bool
	unavailableSince time.Time

	unavailableMetric metrics2.Int64Metric
}

// New returns a Gate that considers the upstream available. The cooldown is
// how long after MarkUnavailable the gate stays closed.
func New(cooldown time.Duration) *Gate {
	return &Gate{
		cooldown:          cooldown,
		available:         true,
		unavailableMetric: metrics2.GetInt64Metric("upstream_unavailable", nil),
	}
}

// MarkUnavailable closes the gate. A no-op while the gate is closed and the
// cooldown is still running, so concurrent workers hitting the same outage
// do not keep pushing the cooldown out. A failed probe after the cooldown
// starts a fresh one.
func (g *Gate) MarkUnavailable(ctx context.Context) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	timestamp := now.Now(ctx)
	if !g.available && timestamp.Sub(g.unavailableSince) < g.cooldown {
		return
	}
	g.available = false
	g.unavailableSince = timestamp
	g.unavailableMetric.Update(1)
	sklog.Warningf("Upstream marked unavailable; backing off for %s", g.cooldown)
}

// MarkAvailable reopens the gate. Called after a successful batch.
func (g *Gate) MarkAvailable() {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if g.available {
		return
	}
	g.available = true
	g.unavailableMetric.Update(0)
	sklog.Infof("Upstream marked available again")
}

// IsAvailable returns true if the upstream is believed available, or if the
// cooldown has elapsed and a probe is due. A probe does not mutate the gate;
// the prober either confirms recovery via MarkAvailable or re-marks the
// outage.
func (g *Gate) IsAvailable(ctx context.Context) bool {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if g.available {
		return true
	}
	return now.Now(ctx).Sub(g.unavailableSince) >= g.cooldown
}
