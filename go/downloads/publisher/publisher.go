// Package publisher enqueues the packages whose download counts are due for
// a refresh.
package publisher

import (
	"context"
	"time"

	"github.com/nuget-trends/nuget-trends/go/availability"
	"github.com/nuget-trends/nuget-trends/go/bus"
	"github.com/nuget-trends/nuget-trends/go/metrics2"
	"github.com/nuget-trends/nuget-trends/go/now"
	"github.com/nuget-trends/nuget-trends/go/packages"
	"github.com/nuget-trends/nuget-trends/go/skerr"
	"github.com/nuget-trends/nuget-trends/go/sklog"
)

// DefaultBatchSize is how many package ids go into one queue message unless
// configured otherwise.
const DefaultBatchSize = 25

// Publisher streams pending packages out of the metadata store and publishes
// them in batches.
type Publisher struct {
	store     packages.Store
	bus       bus.Publisher
	gate      *availability.Gate
	batchSize int

	packagesStreamed metrics2.Counter
	batchesPublished metrics2.Counter
	ticksSkipped     metrics2.Counter
}

// New returns a Publisher. A batchSize of zero means DefaultBatchSize.
func New(store packages.Store, b bus.Publisher, gate *availability.Gate, batchSize int) *Publisher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Publisher{
		store:            store,
		bus:              b,
		gate:             gate,
		batchSize:        batchSize,
		packagesStreamed: metrics2.GetCounter("publisher_packages_streamed", nil),
		batchesPublished: metrics2.GetCounter("publisher_batches_published", nil),
		ticksSkipped:     metrics2.GetCounter("publisher_ticks_skipped", nil),
	}
}

// Publish enqueues every package not yet checked today (UTC). The first
// publish failure fails the run; the ids not yet enqueued keep their stale
// checked-at timestamp, so the next run picks them up again.
func (p *Publisher) Publish(ctx context.Context) error {
	if !p.gate.IsAvailable(ctx) {
		sklog.Warningf("Upstream unavailable, skipping publisher run")
		p.ticksSkipped.Inc(1)
		return nil
	}
	today := todayUTC(ctx)
	batch := make([]string, 0, p.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.bus.Publish(ctx, batch); err != nil {
			return skerr.Wrap(err)
		}
		p.batchesPublished.Inc(1)
		batch = make([]string, 0, p.batchSize)
		return nil
	}
	err := p.store.StreamPendingDownloads(ctx, today, func(packageIDLower string) error {
		p.packagesStreamed.Inc(1)
		batch = append(batch, packageIDLower)
		if len(batch) == p.batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return skerr.Wrap(err)
	}
	return skerr.Wrap(flush())
}

// todayUTC returns midnight UTC of the current day.
func todayUTC(ctx context.Context) time.Time {
	return now.Now(ctx).UTC().Truncate(24 * time.Hour)
}
