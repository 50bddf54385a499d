// Package schema describes the metadata database tables as Go structs. The
// structs double as row types for scanning and as documentation of the DDL,
// which is exported as the Schema constant.
package schema

import (
	"time"
)

// PackageDetailsCatalogLeafRow corresponds to one observed package-details
// catalog leaf, i.e. one published version of one package. Rows are written
// once on first observation and never updated; a package-delete leaf removes
// all rows of the package.
type PackageDetailsCatalogLeafRow struct {
	// PackageID is the id with its first-observed casing, e.g. "Sentry".
	PackageID string `sql:"package_id TEXT NOT NULL"`
	// PackageIDLower is always lower(package_id). All cross-store joins key
	// on this column.
	PackageIDLower string `sql:"package_id_lower TEXT NOT NULL"`
	// PackageVersion is the version string as published, e.g. "4.0.0-beta.1".
	PackageVersion string `sql:"package_version TEXT NOT NULL"`
	// CommitTimestamp is the upstream-assigned instant the leaf became
	// visible. It is the cursor coordinate.
	CommitTimestamp time.Time `sql:"commit_timestamp TIMESTAMPTZ NOT NULL"`
	// Published is when the version was published; unlisted packages carry
	// the sentinel year 1900 upstream.
	Published time.Time `sql:"published TIMESTAMPTZ NOT NULL"`
	// Listed is whether the version is visible in search results. NULL when
	// the leaf predates the listed flag.
	Listed      *bool    `sql:"listed BOOL"`
	IconURL     string   `sql:"icon_url TEXT"`
	ProjectURL  string   `sql:"project_url TEXT"`
	Description string   `sql:"description TEXT"`
	Authors     string   `sql:"authors TEXT"`
	Tags        []string `sql:"tags TEXT[]"`
	// TargetFrameworks holds the distinct targetFramework values of the
	// leaf's dependency groups.
	TargetFrameworks []string  `sql:"target_frameworks TEXT[]"`
	Created          time.Time `sql:"created TIMESTAMPTZ NOT NULL DEFAULT now()"`

	primaryKey struct{} `sql:"PRIMARY KEY (package_id, package_version)"`
}

// PackageDownloadRow holds the most recently fetched total download count for
// one package. Written by the download worker; the checked timestamp doubles
// as the "already refreshed today" marker for the publisher.
type PackageDownloadRow struct {
	PackageID      string `sql:"package_id TEXT PRIMARY KEY"`
	PackageIDLower string `sql:"package_id_lower TEXT UNIQUE NOT NULL"`
	// LatestDownloadCount is NULL until the first successful lookup.
	LatestDownloadCount *int64 `sql:"latest_download_count BIGINT"`
	// LatestDownloadCheckedUTC is when the count was last fetched, UTC.
	LatestDownloadCheckedUTC time.Time `sql:"latest_download_checked_utc TIMESTAMPTZ NOT NULL"`
	IconURL                  string    `sql:"icon_url TEXT"`
}

// CursorRow is a named resumption point. The catalog processor owns the row
// named "catalog"; its value is the exclusive lower bound of the next scan.
type CursorRow struct {
	Name  string    `sql:"name TEXT PRIMARY KEY"`
	Value time.Time `sql:"value TIMESTAMPTZ NOT NULL"`
}

// Schema is the SQL schema for the metadata database.
const Schema = `
CREATE TABLE IF NOT EXISTS package_details_catalog_leafs (
  package_id TEXT NOT NULL,
  package_id_lower TEXT NOT NULL,
  package_version TEXT NOT NULL,
  commit_timestamp TIMESTAMPTZ NOT NULL,
  published TIMESTAMPTZ NOT NULL,
  listed BOOL,
  icon_url TEXT,
  project_url TEXT,
  description TEXT,
  authors TEXT,
  tags TEXT[],
  target_frameworks TEXT[],
  created TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (package_id, package_version)
);
CREATE INDEX IF NOT EXISTS leafs_by_id_lower
  ON package_details_catalog_leafs (package_id_lower);
CREATE INDEX IF NOT EXISTS leafs_by_commit_timestamp
  ON package_details_catalog_leafs (commit_timestamp);

CREATE TABLE IF NOT EXISTS package_downloads (
  package_id TEXT PRIMARY KEY,
  package_id_lower TEXT UNIQUE NOT NULL,
  latest_download_count BIGINT,
  latest_download_checked_utc TIMESTAMPTZ NOT NULL,
  icon_url TEXT
);

CREATE TABLE IF NOT EXISTS cursors (
  name TEXT PRIMARY KEY,
  value TIMESTAMPTZ NOT NULL
);

-- Every catalog package with the timestamp of its last download refresh, NULL
-- if it was never refreshed. The publisher streams the stale subset each tick.
CREATE OR REPLACE VIEW pending_package_downloads AS
  SELECT DISTINCT l.package_id_lower, d.latest_download_checked_utc
  FROM package_details_catalog_leafs l
  LEFT JOIN package_downloads d ON d.package_id_lower = l.package_id_lower;
`
