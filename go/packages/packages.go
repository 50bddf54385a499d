// Package packages defines the domain types and the Store interface for the
// package metadata database.
package packages

import (
	"context"
	"time"
)

// Leaf is one package-details catalog leaf, ready to be stored. It mirrors
// schema.PackageDetailsCatalogLeafRow minus the derived columns.
type Leaf struct {
	PackageID        string
	PackageVersion   string
	CommitTimestamp  time.Time
	Published        time.Time
	Listed           *bool
	IconURL          string
	ProjectURL       string
	Description      string
	Authors          string
	Tags             []string
	TargetFrameworks []string
}

// DownloadUpdate is the result of one successful upstream lookup, to be
// upserted into package_downloads.
type DownloadUpdate struct {
	// PackageID carries the upstream's casing; kept for display.
	PackageID      string
	PackageIDLower string
	DownloadCount  int64
	CheckedUTC     time.Time
	IconURL        string
}

// Details is the display metadata of one package, used to enrich snapshots.
type Details struct {
	PackageIDLower string
	PackageID      string
	IconURL        string
	ProjectURL     string
}

// FirstListedVersion is the earliest listed version of one package, used by
// the target-framework adoption refresher.
type FirstListedVersion struct {
	PackageIDLower   string
	Published        time.Time
	TargetFrameworks []string
}

// Store is the interface to the package metadata database.
type Store interface {
	// AddBatch stores the given details leaves, skipping any
	// (package_id, package_version) that is already present, including under
	// a different casing of the id. Duplicate-key races with a concurrent
	// writer detach the offending leaf and the rest of the batch still
	// commits. Returns the number of rows actually inserted.
	AddBatch(ctx context.Context, leaves []Leaf) (int, error)

	// DeletePackage removes every version of the package and its download
	// row, so the publisher stops refreshing it. Matching is
	// case-insensitive.
	DeletePackage(ctx context.Context, packageID string) error

	// StreamPendingDownloads calls fn once per package_id_lower whose
	// download count has not been checked since todayUTC, or that has never
	// been checked. Rows are streamed; the full set is never buffered.
	// Returning an error from fn aborts the stream.
	StreamPendingDownloads(ctx context.Context, todayUTC time.Time, fn func(packageIDLower string) error) error

	// UpsertDownloads writes the latest download counts, keyed on
	// package_id_lower. Repeated writes are idempotent except for the
	// checked timestamp.
	UpsertDownloads(ctx context.Context, updates []DownloadUpdate) error

	// GetPackageDetails returns display metadata for the given lowercased
	// ids, taken from each package's most recent leaf.
	GetPackageDetails(ctx context.Context, packageIDsLower []string) (map[string]Details, error)

	// StreamFirstListedVersions calls fn once per package with the package's
	// earliest listed version. Rows are streamed in no particular order.
	StreamFirstListedVersions(ctx context.Context, fn func(FirstListedVersion) error) error
}
