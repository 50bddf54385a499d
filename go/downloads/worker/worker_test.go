package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuget-trends/nuget-trends/go/availability"
	"github.com/nuget-trends/nuget-trends/go/bus"
	"github.com/nuget-trends/nuget-trends/go/now"
	"github.com/nuget-trends/nuget-trends/go/packages"
	"github.com/nuget-trends/nuget-trends/go/registry"
	"github.com/nuget-trends/nuget-trends/go/skerr"
	"github.com/nuget-trends/nuget-trends/go/timeseries"
)

var today = time.Date(2026, 2, 7, 9, 30, 0, 0, time.UTC)

// fakeLookuper serves canned lookup results.
type fakeLookuper struct {
	mutex   sync.Mutex
	results map[string]*registry.PackageStats
	errs    map[string]error
}

func (f *fakeLookuper) Lookup(ctx context.Context, packageIDLower string) (*registry.PackageStats, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if err, ok := f.errs[packageIDLower]; ok {
		return nil, err
	}
	if stats, ok := f.results[packageIDLower]; ok {
		return stats, nil
	}
	return nil, registry.ErrNotFound
}

// memStore records upserted download rows.
type memStore struct {
	packages.Store

	upserted  []packages.DownloadUpdate
	upsertErr error
}

func (m *memStore) UpsertDownloads(ctx context.Context, updates []packages.DownloadUpdate) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.upserted = append(m.upserted, updates...)
	return nil
}

// memTimeSeries records inserted daily rows.
type memTimeSeries struct {
	timeseries.Store

	daily     []timeseries.DailyDownload
	insertErr error
}

func (m *memTimeSeries) InsertDaily(ctx context.Context, rows []timeseries.DailyDownload) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.daily = append(m.daily, rows...)
	return nil
}

// delivery builds a bus.Delivery that records how it was settled.
type settled struct {
	acked    bool
	requeued bool
}

func delivery(s *settled, ids ...string) *bus.Delivery {
	return &bus.Delivery{
		PackageIDsLower: ids,
		Ack:             func() error { s.acked = true; return nil },
		NackRequeue:     func() error { s.requeued = true; return nil },
	}
}

func newTestWorker(l Lookuper, store *memStore, ts *memTimeSeries, gate *availability.Gate) *Worker {
	w := New(nil, l, store, ts, gate, 1)
	w.requeueDelay = 0
	return w
}


func TestHandleDelivery_DualWrite(t *testing.T) {
	lookuper := &fakeLookuper{results: map[string]*registry.PackageStats{
		"sentry": {PackageID: "Sentry", TotalDownloads: 49_600_000, IconURL: "u"},
	}}
	store := &memStore{}
	ts := &memTimeSeries{}
	w := newTestWorker(lookuper, store, ts, availability.New(time.Hour))
	ctx := now.TimeTravelingContext(today)

	s := &settled{}
	w.handleDelivery(ctx, delivery(s, "sentry"))

	require.True(t, s.acked)
	require.False(t, s.requeued)

	require.Len(t, ts.daily, 1)
	assert.Equal(t, "sentry", ts.daily[0].PackageIDLower)
	assert.Equal(t, int64(49_600_000), ts.daily[0].DownloadCount)
	assert.Equal(t, time.Date(2026, 2, 7, 0, 0, 0, 0, time.UTC), ts.daily[0].Date)

	require.Len(t, store.upserted, 1)
	assert.Equal(t, "Sentry", store.upserted[0].PackageID)
	assert.Equal(t, int64(49_600_000), store.upserted[0].DownloadCount)
	assert.Equal(t, "u", store.upserted[0].IconURL)
	assert.Equal(t, today, store.upserted[0].CheckedUTC)
}

func TestHandleDelivery_AllTransientFailures_OutageNoPartialWrites(t *testing.T) {
	te := registry.NewTransientError(skerr.Fmt("connection refused"))
	lookuper := &fakeLookuper{errs: map[string]error{"a": te, "b": te, "c": te}}
	store := &memStore{}
	ts := &memTimeSeries{}
	gate := availability.New(time.Hour)
	w := newTestWorker(lookuper, store, ts, gate)
	ctx := now.TimeTravelingContext(today)

	s := &settled{}
	w.handleDelivery(ctx, delivery(s, "a", "b", "c"))

	assert.False(t, s.acked)
	assert.True(t, s.requeued)
	assert.Empty(t, ts.daily)
	assert.Empty(t, store.upserted)
	assert.False(t, gate.IsAvailable(ctx))
}

func TestHandleDelivery_GateClosed_RequeuesWithoutLookups(t *testing.T) {
	lookuper := &fakeLookuper{}
	store := &memStore{}
	ts := &memTimeSeries{}
	gate := availability.New(time.Hour)
	ctx := now.TimeTravelingContext(today)
	gate.MarkUnavailable(ctx)
	w := newTestWorker(lookuper, store, ts, gate)

	s := &settled{}
	w.handleDelivery(ctx, delivery(s, "sentry"))

	assert.False(t, s.acked)
	assert.True(t, s.requeued)
	assert.Empty(t, ts.daily)
}

func TestHandleDelivery_NotFound_SkippedBatchStillAcked(t *testing.T) {
	lookuper := &fakeLookuper{results: map[string]*registry.PackageStats{
		"sentry": {PackageID: "Sentry", TotalDownloads: 10},
	}}
	// "ghost" has no canned result, so the fake returns ErrNotFound.
	store := &memStore{}
	ts := &memTimeSeries{}
	w := newTestWorker(lookuper, store, ts, availability.New(time.Hour))
	ctx := now.TimeTravelingContext(today)

	s := &settled{}
	w.handleDelivery(ctx, delivery(s, "sentry", "ghost"))

	assert.True(t, s.acked)
	require.Len(t, ts.daily, 1)
	require.Len(t, store.upserted, 1)
	assert.Equal(t, "sentry", store.upserted[0].PackageIDLower)
}

func TestHandleDelivery_PoisonID_DoesNotPoisonBatch(t *testing.T) {
	lookuper := &fakeLookuper{
		results: map[string]*registry.PackageStats{
			"good": {PackageID: "Good", TotalDownloads: 5},
		},
		errs: map[string]error{"poison": skerr.Fmt("malformed response")},
	}
	store := &memStore{}
	ts := &memTimeSeries{}
	gate := availability.New(time.Hour)
	w := newTestWorker(lookuper, store, ts, gate)
	ctx := now.TimeTravelingContext(today)

	s := &settled{}
	w.handleDelivery(ctx, delivery(s, "good", "poison"))

	assert.True(t, s.acked)
	require.Len(t, store.upserted, 1)
	assert.Equal(t, "good", store.upserted[0].PackageIDLower)
	assert.True(t, gate.IsAvailable(ctx))
}

func TestHandleDelivery_TimeSeriesWriteFails_RequeuedNotAcked(t *testing.T) {
	lookuper := &fakeLookuper{results: map[string]*registry.PackageStats{
		"sentry": {PackageID: "Sentry", TotalDownloads: 10},
	}}
	store := &memStore{}
	ts := &memTimeSeries{insertErr: skerr.Fmt("clickhouse down")}
	w := newTestWorker(lookuper, store, ts, availability.New(time.Hour))
	ctx := now.TimeTravelingContext(today)

	s := &settled{}
	w.handleDelivery(ctx, delivery(s, "sentry"))

	assert.False(t, s.acked)
	assert.True(t, s.requeued)
	assert.Empty(t, store.upserted)
}

func TestHandleDelivery_SuccessReopensGateAfterCooldown(t *testing.T) {
	lookuper := &fakeLookuper{results: map[string]*registry.PackageStats{
		"sentry": {PackageID: "Sentry", TotalDownloads: 10},
	}}
	store := &memStore{}
	ts := &memTimeSeries{}
	gate := availability.New(time.Minute)
	ctx := now.TimeTravelingContext(today)
	gate.MarkUnavailable(ctx)
	ctx.SetTime(today.Add(2 * time.Minute))
	w := newTestWorker(lookuper, store, ts, gate)

	s := &settled{}
	w.handleDelivery(ctx, delivery(s, "sentry"))

	assert.True(t, s.acked)
	gate.MarkUnavailable(ctx) // fresh failure would close it again
	assert.False(t, gate.IsAvailable(ctx))
}
