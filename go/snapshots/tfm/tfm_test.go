package tfm

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

var refreshTime = time.Date(2026, 2, 7, 6, 0, 0, 0, time.UTC)

// memMeta streams a fixed set of first listed versions.
type memMeta struct {
	packages.Store

	versions []packages.FirstListedVersion
}

func (m *memMeta) StreamFirstListedVersions(ctx context.Context, fn func(packages.FirstListedVersion) error) error {
	for _, v := range m.versions {
		if err := fn(v); err != nil {
			return err
		}
	}
	return nil
}

// memTimeSeries records adoption writes.
type memTimeSeries struct {
	timeseries.Store

	written []timeseries.TfmAdoption
}

func (m *memTimeSeries) InsertTfmAdoption(ctx context.Context, rows []timeseries.TfmAdoption) error {
	m.written = append(m.written, rows...)
	return nil
}

func firstListed(id string, published time.Time, tfms ...string) packages.FirstListedVersion {
	return packages.FirstListedVersion{
		PackageIDLower:   id,
		Published:        published,
		TargetFrameworks: tfms,
	}
}

func findRow(t *testing.T, rows []timeseries.TfmAdoption, month time.Time, tfm string) timeseries.TfmAdoption {
	for _, row := range rows {
		if row.Month.Equal(month) && row.Tfm == tfm {
			return row
		}
	}
	t.Fatalf("no row for %s %s", month.Format("2006-01"), tfm)
	return timeseries.TfmAdoption{}
}

func TestRefresh_CountsNewAndCumulativePerMonth(t *testing.T) {
	jan := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	meta := &memMeta{versions: []packages.FirstListedVersion{
		firstListed("a", jan.Add(24*time.Hour), "net8.0"),
		firstListed("b", jan.Add(48*time.Hour), "net8.0", "netstandard2.0"),
		firstListed("c", feb.Add(24*time.Hour), "net8.0"),
	}}
	ts := &memTimeSeries{}
	r := New(ts, meta)

	require.NoError(t, r.Refresh(now.TimeTravelingContext(refreshTime)))

	require.Len(t, ts.written, 3)

	janNet := findRow(t, ts.written, jan, "net8.0")
	assert.Equal(t, int64(2), janNet.NewPackages)
	assert.Equal(t, int64(2), janNet.CumulativeTotal)
	assert.Equal(t, FamilyDotNet, janNet.Family)

	febNet := findRow(t, ts.written, feb, "net8.0")
	assert.Equal(t, int64(1), febNet.NewPackages)
	assert.Equal(t, int64(3), febNet.CumulativeTotal)

	janStd := findRow(t, ts.written, jan, "netstandard2.0")
	assert.Equal(t, int64(1), janStd.NewPackages)
	assert.Equal(t, int64(1), janStd.CumulativeTotal)
	assert.Equal(t, FamilyStandard, janStd.Family)
}

func TestRefresh_NormalizesTfmCasing(t *testing.T) {
	jan := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	meta := &memMeta{versions: []packages.FirstListedVersion{
		firstListed("a", jan, "Net8.0"),
		firstListed("b", jan, "net8.0"),
	}}
	ts := &memTimeSeries{}
	r := New(ts, meta)

	require.NoError(t, r.Refresh(now.TimeTravelingContext(refreshTime)))

	require.Len(t, ts.written, 1)
	assert.Equal(t, int64(2), ts.written[0].NewPackages)
}

func TestRefresh_StampsComputedAt(t *testing.T) {
	meta := &memMeta{versions: []packages.FirstListedVersion{
		firstListed("a", time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), "net8.0"),
	}}
	ts := &memTimeSeries{}
	r := New(ts, meta)

	require.NoError(t, r.Refresh(now.TimeTravelingContext(refreshTime)))
	require.Len(t, ts.written, 1)
	assert.Equal(t, refreshTime, ts.written[0].ComputedAt)
}

func TestFamily(t *testing.T) {
	assert.Equal(t, FamilyDotNet, Family("net5.0"))
	assert.Equal(t, FamilyDotNet, Family("net8.0"))
	assert.Equal(t, FamilyDotNet, Family("net10.0"))
	assert.Equal(t, FamilyDotNet, Family("netcoreapp3.1"))
	assert.Equal(t, FamilyFramework, Family("net45"))
	assert.Equal(t, FamilyFramework, Family("net472"))
	assert.Equal(t, FamilyFramework, Family("net48"))
	assert.Equal(t, FamilyStandard, Family("netstandard2.0"))
	assert.Equal(t, FamilyStandard, Family("netstandard1.6"))
	assert.Equal(t, FamilyOther, Family("uap10.0"))
	assert.Equal(t, FamilyOther, Family("xamarin.ios"))
	assert.Equal(t, FamilyOther, Family(""))
	assert.Equal(t, FamilyDotNet, Family("NET8.0"))
}
