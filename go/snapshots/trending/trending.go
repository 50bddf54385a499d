// Package trending recomputes the trending-packages snapshot: young
// packages whose weekly downloads grew the most against the week before.
package trending

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/nuget-trends/nuget-trends/go/metrics2"
	"github.com/nuget-trends/nuget-trends/go/now"
	"github.com/nuget-trends/nuget-trends/go/packages"
	"github.com/nuget-trends/nuget-trends/go/skerr"
	"github.com/nuget-trends/nuget-trends/go/sklog"
	"github.com/nuget-trends/nuget-trends/go/timeseries"
)

const (
	// minWeeklyDownloads filters out noise: a package needs at least this
	// many downloads in the data week to qualify.
	minWeeklyDownloads = 1000

	// candidateLimit caps the snapshot size.
	candidateLimit = 1000

	// maxAgeMonths excludes packages first seen longer ago than this.
	maxAgeMonths = 12
)

// Refresher recomputes the trending snapshot.
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
		rowsWritten: metrics2.GetCounter("trending_rows_written", nil),
		liveness:    metrics2.NewLiveness("trending_refresher", nil),
	}
}

// Refresh recomputes the snapshot for the most recent complete week. Safe to
// re-run: it produces the same rows with a later computed-at, and the
// snapshot's replacing semantics keep the latest.
func (r *Refresher) Refresh(ctx context.Context) error {
	timestamp := now.Now(ctx).UTC()
	dataWeek := MondayOf(timestamp.AddDate(0, 0, -7))
	comparisonWeek := dataWeek.AddDate(0, 0, -7)
	ageCutoff := dataWeek.AddDate(0, -maxAgeMonths, 0)

	// Packages that appeared since the last run get their first-seen week
	// recorded before the age filter runs.
	if err := r.ts.UpdateFirstSeen(ctx); err != nil {
		return skerr.Wrap(err)
	}
	candidates, err := r.ts.QueryTrendingCandidates(ctx, dataWeek, comparisonWeek, ageCutoff, minWeeklyDownloads, candidateLimit)
	if err != nil {
		return skerr.Wrap(err)
	}
	if len(candidates) == 0 {
		sklog.Infof("No trending candidates for week %s", dataWeek.Format("2006-01-02"))
		r.liveness.Reset()
		return nil
	}

	idsLower := make([]string, 0, len(candidates))
	for _, c := range candidates {
		idsLower = append(idsLower, c.PackageIDLower)
	}
	details, err := r.meta.GetPackageDetails(ctx, idsLower)
	if err != nil {
		return skerr.Wrap(err)
	}

	rows := make([]timeseries.TrendingPackage, 0, len(candidates))
	for _, c := range candidates {
		d := details[c.PackageIDLower]
		packageID := d.PackageID
		if packageID == "" {
			// Deleted from the metadata store since the candidate query.
			packageID = c.PackageIDLower
		}
		rows = append(rows, timeseries.TrendingPackage{
			Week:                dataWeek,
			PackageIDLower:      c.PackageIDLower,
			PackageID:           packageID,
			WeekDownloads:       c.WeekDownloads,
			ComparisonDownloads: c.ComparisonDownloads,
			Growth:              c.Growth,
			IconURL:             d.IconURL,
			GithubURL:           GithubURL(d.ProjectURL),
			ComputedAt:          timestamp,
		})
	}
	if err := r.ts.InsertTrending(ctx, rows); err != nil {
		return skerr.Wrap(err)
	}
	r.rowsWritten.Inc(int64(len(rows)))
	sklog.Infof("Wrote %d trending rows for week %s", len(rows), dataWeek.Format("2006-01-02"))
	r.liveness.Reset()
	return nil
}

// MondayOf returns midnight UTC of the Monday starting the week containing
// the given time.
func MondayOf(t time.Time) time.Time {
	t = t.UTC().Truncate(24 * time.Hour)
	// time.Weekday counts from Sunday.
	offset := (int(t.Weekday()) + 6) % 7
	return t.AddDate(0, 0, -offset)
}

// GithubURL returns the project URL if it points at github.com, else "".
func GithubURL(projectURL string) string {
	if projectURL == "" {
		return ""
	}
	u, err := url.Parse(projectURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if host == "github.com" || host == "www.github.com" {
		return projectURL
	}
	return ""
}
