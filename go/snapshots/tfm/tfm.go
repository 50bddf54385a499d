// Package tfm recomputes the target-framework adoption snapshot: per month,
// how many packages had their first listed version targeting each framework,
// both newly and cumulatively.
package tfm

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/nuget-trends/nuget-trends/go/metrics2"
	"github.com/nuget-trends/nuget-trends/go/now"
	"github.com/nuget-trends/nuget-trends/go/packages"
	"github.com/nuget-trends/nuget-trends/go/skerr"
	"github.com/nuget-trends/nuget-trends/go/sklog"
	"github.com/nuget-trends/nuget-trends/go/timeseries"
)

// Framework family labels as shown in charts.
const (
	FamilyDotNet    = ".NET"
	FamilyFramework = ".NET Framework"
	FamilyStandard  = ".NET Standard"
	FamilyOther     = "Other"
)

// modernNet matches net5.0 and later (a dot separates major and minor),
// as opposed to the dotless .NET Framework monikers like net48.
var modernNet = regexp.MustCompile(`^net\d+\.\d`)

// classicNet matches .NET Framework monikers: net followed by digits only.
var classicNet = regexp.MustCompile(`^net\d+$`)

// Family returns the framework family label of a TFM.
func Family(tfm string) string {
	t := strings.ToLower(strings.TrimSpace(tfm))
	switch {
	case strings.HasPrefix(t, "netstandard"):
		return FamilyStandard
	case strings.HasPrefix(t, "netcoreapp"), modernNet.MatchString(t):
		return FamilyDotNet
	case classicNet.MatchString(t):
		return FamilyFramework
	default:
		return FamilyOther
	}
}

// Refresher recomputes the adoption snapshot.
type Refresher struct {
	ts   timeseries.Store
	meta packages.Store

	rowsWritten metrics2.Counter
	liveness    *metrics2.Liveness
}

// New returns a Refresher.
func New(ts timeseries.Store, meta packages.Store) *Refresher {
	return &Refresher{
		ts:          ts,
		meta:        meta,
		rowsWritten: metrics2.GetCounter("tfm_rows_written", nil),
		liveness:    metrics2.NewLiveness("tfm_refresher", nil),
	}
}

// monthTfm is one cell of the new-packages histogram.
type monthTfm struct {
	month time.Time
	tfm   string
}

// Refresh streams every package's first listed version, buckets them by
// month and framework and writes new plus cumulative counts. Safe to
// re-run, same as the trending snapshot.
func (r *Refresher) Refresh(ctx context.Context) error {
	timestamp := now.Now(ctx).UTC()
	newCounts := map[monthTfm]int64{}
	streamed := 0
	err := r.meta.StreamFirstListedVersions(ctx, func(v packages.FirstListedVersion) error {
		streamed++
		month := time.Date(v.Published.UTC().Year(), v.Published.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
		for _, t := range v.TargetFrameworks {
			newCounts[monthTfm{month: month, tfm: strings.ToLower(t)}]++
		}
		return nil
	})
	if err != nil {
		return skerr.Wrap(err)
	}

	// Cumulative totals need the months in order, per framework.
	cells := make([]monthTfm, 0, len(newCounts))
	for cell := range newCounts {
		cells = append(cells, cell)
	}
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].tfm != cells[j].tfm {
			return cells[i].tfm < cells[j].tfm
		}
		return cells[i].month.Before(cells[j].month)
	})

	rows := make([]timeseries.TfmAdoption, 0, len(cells))
	var runningTfm string
	var runningTotal int64
	for _, cell := range cells {
		if cell.tfm != runningTfm {
			runningTfm = cell.tfm
			runningTotal = 0
		}
		runningTotal += newCounts[cell]
		rows = append(rows, timeseries.TfmAdoption{
			Month:           cell.month,
			Tfm:             cell.tfm,
			Family:          Family(cell.tfm),
			NewPackages:     newCounts[cell],
			CumulativeTotal: runningTotal,
			ComputedAt:      timestamp,
		})
	}
	if err := r.ts.InsertTfmAdoption(ctx, rows); err != nil {
		return skerr.Wrap(err)
	}
	r.rowsWritten.Inc(int64(len(rows)))
	sklog.Infof("Wrote %d adoption rows from %d packages", len(rows), streamed)
	r.liveness.Reset()
	return nil
}
