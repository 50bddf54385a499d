// Package worker consumes batches of package ids from the queue, looks up
// their current download totals upstream and writes them to both stores.
package worker

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nuget-trends/nuget-trends/go/availability"
	"github.com/nuget-trends/nuget-trends/go/bus"
	"github.com/nuget-trends/nuget-trends/go/metrics2"
	"github.com/nuget-trends/nuget-trends/go/now"
	"github.com/nuget-trends/nuget-trends/go/packages"
	"github.com/nuget-trends/nuget-trends/go/registry"
	"github.com/nuget-trends/nuget-trends/go/skerr"
	"github.com/nuget-trends/nuget-trends/go/sklog"
	"github.com/nuget-trends/nuget-trends/go/timeseries"
)

const (
	// lookupConcurrency bounds the concurrent upstream lookups per batch.
	lookupConcurrency = 25

	// requeueDelay is how long a worker sits on a batch before returning it
	// to the queue while the upstream is unavailable, so the queue is not
	// spun through at full speed during an outage.
	requeueDelay = 30 * time.Second
)

// Lookuper is the part of registry.Client the worker uses.
type Lookuper interface {
	Lookup(ctx context.Context, packageIDLower string) (*registry.PackageStats, error)
}

// Worker processes queued download-refresh batches.
type Worker struct {
	consumer    bus.Consumer
	lookuper    Lookuper
	store       packages.Store
	ts          timeseries.Store
	gate        *availability.Gate
	workerCount int

	// Overridable for tests.
	requeueDelay time.Duration

	packagesUpdated  metrics2.Counter
	packagesNotFound metrics2.Counter
	lookupFailures   metrics2.Counter
	outagesDetected  metrics2.Counter
	liveness         *metrics2.Liveness
}

// New returns a Worker that will run workerCount concurrent consumers.
func New(consumer bus.Consumer, lookuper Lookuper, store packages.Store, ts timeseries.Store, gate *availability.Gate, workerCount int) *Worker {
	return &Worker{
		consumer:         consumer,
		lookuper:         lookuper,
		store:            store,
		ts:               ts,
		gate:             gate,
		workerCount:      workerCount,
		requeueDelay:     requeueDelay,
		packagesUpdated:  metrics2.GetCounter("worker_packages_updated", nil),
		packagesNotFound: metrics2.GetCounter("worker_packages_not_found", nil),
		lookupFailures:   metrics2.GetCounter("worker_lookup_failures", nil),
		outagesDetected:  metrics2.GetCounter("worker_outages_detected", nil),
		liveness:         metrics2.NewLiveness("download_worker", nil),
	}
}

// Run consumes batches until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.workerCount; i++ {
		eg.Go(func() error {
			return w.consumer.Receive(egCtx, w.handleDelivery)
		})
	}
	return skerr.Wrap(eg.Wait())
}

// lookupResult is the outcome of one id's upstream lookup.
type lookupResult struct {
	stats *registry.PackageStats
	err   error
}

func (w *Worker) handleDelivery(ctx context.Context, d *bus.Delivery) {
	if !w.gate.IsAvailable(ctx) {
		w.requeueLater(ctx, d)
		return
	}

	results := w.lookupBatch(ctx, d.PackageIDsLower)

	// If not a single lookup got through and every failure looks like the
	// upstream itself, treat it as an outage: no partial writes, the whole
	// batch redelivers once the cooldown is over.
	if isOutage(results) {
		sklog.Warningf("All %d lookups of the batch failed transiently, marking upstream unavailable", len(results))
		w.outagesDetected.Inc(1)
		w.gate.MarkUnavailable(ctx)
		w.requeueLater(ctx, d)
		return
	}

	checkedAt := now.Now(ctx).UTC()
	date := checkedAt.Truncate(24 * time.Hour)
	var daily []timeseries.DailyDownload
	var updates []packages.DownloadUpdate
	for i, id := range d.PackageIDsLower {
		result := results[i]
		switch {
		case result.err == nil:
			daily = append(daily, timeseries.DailyDownload{
				PackageIDLower: id,
				Date:           date,
				DownloadCount:  result.stats.TotalDownloads,
			})
			updates = append(updates, packages.DownloadUpdate{
				PackageID:      result.stats.PackageID,
				PackageIDLower: id,
				DownloadCount:  result.stats.TotalDownloads,
				CheckedUTC:     checkedAt,
				IconURL:        result.stats.IconURL,
			})
		case errors.Is(result.err, registry.ErrNotFound):
			// Deleted upstream after we enqueued it.
			w.packagesNotFound.Inc(1)
		default:
			// A single bad id must not poison the batch.
			w.lookupFailures.Inc(1)
			sklog.Errorf("Lookup of %q failed: %s", id, result.err)
		}
	}

	// The time-series row first: if the metadata write then fails, the
	// package stays pending and a redelivery just replaces today's row.
	if err := w.ts.InsertDaily(ctx, daily); err != nil {
		sklog.Errorf("Writing %d daily rows failed: %s", len(daily), err)
		w.requeueLater(ctx, d)
		return
	}
	if err := w.store.UpsertDownloads(ctx, updates); err != nil {
		sklog.Errorf("Upserting %d download rows failed: %s", len(updates), err)
		w.requeueLater(ctx, d)
		return
	}
	w.packagesUpdated.Inc(int64(len(updates)))
	if len(updates) > 0 {
		w.gate.MarkAvailable()
	}
	if err := d.Ack(); err != nil {
		sklog.Errorf("Acking batch failed: %s", err)
	}
	w.liveness.Reset()
}

// lookupBatch fans out the batch's lookups, bounded by lookupConcurrency.
func (w *Worker) lookupBatch(ctx context.Context, ids []string) []lookupResult {
	results := make([]lookupResult, len(ids))
	eg := errgroup.Group{}
	eg.SetLimit(lookupConcurrency)
	for i, id := range ids {
		i, id := i, id
		eg.Go(func() error {
			stats, err := w.lookuper.Lookup(ctx, id)
			results[i] = lookupResult{stats: stats, err: err}
			return nil
		})
	}
	_ = eg.Wait()
	return results
}

// isOutage returns true if every lookup of the batch failed transiently.
func isOutage(results []lookupResult) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if r.err == nil || !registry.IsTransient(r.err) {
			return false
		}
	}
	return true
}

// requeueLater nacks the delivery after a short delay, or immediately if ctx
// ends first.
func (w *Worker) requeueLater(ctx context.Context, d *bus.Delivery) {
	select {
	case <-ctx.Done():
	case <-time.After(w.requeueDelay):
	}
	if err := d.NackRequeue(); err != nil {
		sklog.Errorf("Requeueing batch failed: %s", err)
	}
}
