// Package timeseries defines the types and the Store interface for the
// download history database.
package timeseries

import (
	"context"
	"time"
)

// DailyDownload is one package's total download count observed on one day.
// Re-observations of the same (package, date) replace the earlier row.
type DailyDownload struct {
	PackageIDLower string
	Date           time.Time
	DownloadCount  int64
}

// WeeklyDownload is one point of a package's weekly series: the average of
// the week's daily totals, scaled back to a weekly figure. Week is the
// Monday that starts it.
type WeeklyDownload struct {
	Week      time.Time
	Downloads int64
}

// TrendingCandidate is one package that cleared the trending thresholds,
// before enrichment with display metadata.
type TrendingCandidate struct {
	PackageIDLower      string
	WeekDownloads       int64
	ComparisonDownloads int64
	Growth              float64
}

// TrendingPackage is one row of the trending snapshot.
type TrendingPackage struct {
	Week           time.Time
	PackageIDLower string
	// PackageID carries the casing recorded in the metadata store.
	PackageID           string
	WeekDownloads       int64
	ComparisonDownloads int64
	Growth              float64
	IconURL             string
	GithubURL           string
	ComputedAt          time.Time
}

// TfmAdoption is one row of the target-framework adoption snapshot: how many
// packages had their first listed version on the given framework, by the end
// of the given month.
type TfmAdoption struct {
	Month           time.Time
	Tfm             string
	Family          string
	NewPackages     int64
	CumulativeTotal int64
	ComputedAt      time.Time
}

// Store is the interface to the download history database.
type Store interface {
	// InsertDaily writes daily download rows. Idempotent: rewriting a
	// (package, date) replaces the old count.
	InsertDaily(ctx context.Context, rows []DailyDownload) error

	// GetWeeklyDownloads returns the package's Monday-keyed weekly series
	// going back the given number of months, oldest first.
	GetWeeklyDownloads(ctx context.Context, packageIDLower string, months int) ([]WeeklyDownload, error)

	// UpdateFirstSeen records, for every package missing a first-seen row,
	// the earliest week of its weekly series. A backfill of old history keeps
	// its real age, so the age filter of QueryTrendingCandidates holds.
	UpdateFirstSeen(ctx context.Context) error

	// QueryTrendingCandidates returns up to limit packages ordered by growth
	// descending, where growth compares dataWeek's downloads against
	// comparisonWeek's. Packages first seen before ageCutoff, with dataWeek
	// downloads below minWeekly, or with no comparison downloads at all are
	// excluded.
	QueryTrendingCandidates(ctx context.Context, dataWeek, comparisonWeek, ageCutoff time.Time, minWeekly int64, limit int) ([]TrendingCandidate, error)

	// InsertTrending writes trending snapshot rows. Re-running a week
	// replaces its rows via the snapshot's replacing semantics.
	InsertTrending(ctx context.Context, rows []TrendingPackage) error

	// InsertTfmAdoption writes adoption snapshot rows, same replacement
	// semantics as InsertTrending.
	InsertTfmAdoption(ctx context.Context, rows []TfmAdoption) error
}
