package trending

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuget-trends/nuget-trends/go/now"
	"github.com/nuget-trends/nuget-trends/go/packages"
	"github.com/nuget-trends/nuget-trends/go/timeseries"
)

// A Saturday, so the data week is the Monday of the week before.
var refreshTime = time.Date(2026, 2, 7, 6, 0, 0, 0, time.UTC)

// memTimeSeries serves canned candidates and records snapshot writes.
type memTimeSeries struct {
	timeseries.Store

	candidates []timeseries.TrendingCandidate

	firstSeenCalls  int
	queriedData     time.Time
	queriedCompare  time.Time
	queriedCutoff   time.Time
	queriedMin      int64
	queriedLimit    int
	writtenSnapshot []timeseries.TrendingPackage
}

func (m *memTimeSeries) UpdateFirstSeen(ctx context.Context) error {
	m.firstSeenCalls++
	return nil
}

func (m *memTimeSeries) QueryTrendingCandidates(ctx context.Context, dataWeek, comparisonWeek, ageCutoff time.Time, minWeekly int64, limit int) ([]timeseries.TrendingCandidate, error) {
	m.queriedData = dataWeek
	m.queriedCompare = comparisonWeek
	m.queriedCutoff = ageCutoff
	m.queriedMin = minWeekly
	m.queriedLimit = limit
	return m.candidates, nil
}

func (m *memTimeSeries) InsertTrending(ctx context.Context, rows []timeseries.TrendingPackage) error {
	m.writtenSnapshot = append(m.writtenSnapshot, rows...)
	return nil
}

// memMeta serves canned display details.
type memMeta struct {
	packages.Store

	details map[string]packages.Details
}

func (m *memMeta) GetPackageDetails(ctx context.Context, idsLower []string) (map[string]packages.Details, error) {
	found := map[string]packages.Details{}
	for _, id := range idsLower {
		if d, ok := m.details[id]; ok {
			found[id] = d
		}
	}
	return found, nil
}

func TestRefresh_WritesEnrichedSnapshotRows(t *testing.T) {
	ts := &memTimeSeries{candidates: []timeseries.TrendingCandidate{
		{PackageIDLower: "p", WeekDownloads: 200, ComparisonDownloads: 100, Growth: 1.0},
	}}
	meta := &memMeta{details: map[string]packages.Details{
		"p": {PackageIDLower: "p", PackageID: "P", IconURL: "icon", ProjectURL: "https://github.com/someone/p"},
	}}
	r := New(ts, meta)
	ctx := now.TimeTravelingContext(refreshTime)

	require.NoError(t, r.Refresh(ctx))

	require.Len(t, ts.writtenSnapshot, 1)
	row := ts.writtenSnapshot[0]
	assert.Equal(t, time.Date(2026, 1, 26, 0, 0, 0, 0, time.UTC), row.Week)
	assert.Equal(t, "p", row.PackageIDLower)
	assert.Equal(t, "P", row.PackageID)
	assert.Equal(t, 1.0, row.Growth)
	assert.Equal(t, "icon", row.IconURL)
	assert.Equal(t, "https://github.com/someone/p", row.GithubURL)
	assert.Equal(t, refreshTime, row.ComputedAt)
}

func TestRefresh_QueryParameters(t *testing.T) {
	ts := &memTimeSeries{}
	r := New(ts, &memMeta{})
	ctx := now.TimeTravelingContext(refreshTime)

	require.NoError(t, r.Refresh(ctx))

	dataWeek := time.Date(2026, 1, 26, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 1, ts.firstSeenCalls)
	assert.Equal(t, dataWeek, ts.queriedData)
	assert.Equal(t, dataWeek.AddDate(0, 0, -7), ts.queriedCompare)
	assert.Equal(t, dataWeek.AddDate(0, -12, 0), ts.queriedCutoff)
	assert.Equal(t, int64(1000), ts.queriedMin)
	assert.Equal(t, 1000, ts.queriedLimit)
}

func TestRefresh_Rerun_SameRowsLaterComputedAt(t *testing.T) {
	ts := &memTimeSeries{candidates: []timeseries.TrendingCandidate{
		{PackageIDLower: "p", WeekDownloads: 200, ComparisonDownloads: 100, Growth: 1.0},
	}}
	meta := &memMeta{details: map[string]packages.Details{"p": {PackageID: "P"}}}
	r := New(ts, meta)
	ctx := now.TimeTravelingContext(refreshTime)

	require.NoError(t, r.Refresh(ctx))
	ctx.SetTime(refreshTime.Add(time.Hour))
	require.NoError(t, r.Refresh(ctx))

	require.Len(t, ts.writtenSnapshot, 2)
	first, second := ts.writtenSnapshot[0], ts.writtenSnapshot[1]
	assert.Equal(t, first.Week, second.Week)
	assert.Equal(t, first.PackageIDLower, second.PackageIDLower)
	assert.Equal(t, first.Growth, second.Growth)
	assert.True(t, second.ComputedAt.After(first.ComputedAt))
}

func TestRefresh_MissingDetails_FallsBackToLowercaseID(t *testing.T) {
	ts := &memTimeSeries{candidates: []timeseries.TrendingCandidate{
		{PackageIDLower: "gone", WeekDownloads: 2000, ComparisonDownloads: 1000, Growth: 1.0},
	}}
	r := New(ts, &memMeta{})
	ctx := now.TimeTravelingContext(refreshTime)

	require.NoError(t, r.Refresh(ctx))
	require.Len(t, ts.writtenSnapshot, 1)
	assert.Equal(t, "gone", ts.writtenSnapshot[0].PackageID)
}

func TestMondayOf(t *testing.T) {
	monday := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, monday, MondayOf(time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)))  // Monday
	assert.Equal(t, monday, MondayOf(time.Date(2026, 2, 5, 23, 59, 0, 0, time.UTC))) // Thursday
	assert.Equal(t, monday, MondayOf(time.Date(2026, 2, 8, 0, 0, 0, 0, time.UTC)))   // Sunday
}

func TestGithubURL(t *testing.T) {
	assert.Equal(t, "https://github.com/getsentry/sentry-dotnet", GithubURL("https://github.com/getsentry/sentry-dotnet"))
	assert.Equal(t, "https://www.github.com/x/y", GithubURL("https://www.github.com/x/y"))
	assert.Equal(t, "", GithubURL("https://example.com/project"))
	assert.Equal(t, "", GithubURL("https://github.com.evil.example/x"))
	assert.Equal(t, "", GithubURL(""))
	assert.Equal(t, "", GithubURL("::not a url::"))
}
