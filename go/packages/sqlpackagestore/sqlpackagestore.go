// Package sqlpackagestore contains a SQL implementation of packages.Store.
package sqlpackagestore

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/nuget-trends/nuget-trends/go/packages"
	"github.com/nuget-trends/nuget-trends/go/skerr"
	"github.com/nuget-trends/nuget-trends/go/sklog"
	"github.com/nuget-trends/nuget-trends/go/sql/sqlutil"
	"github.com/nuget-trends/nuget-trends/go/util"
)

// uniqueViolation is the SQLSTATE raised on duplicate-key inserts.
const uniqueViolation = "23505"

// insertChunkSize bounds the rows per INSERT statement. Catalog pages can
// carry several hundred leaves.
const insertChunkSize = 200

// duplicateKeyDetail matches the detail line of a unique violation, e.g.
// `Key (package_id, package_version)=(Foo.Bar, 1.0.0) already exists.`
var duplicateKeyDetail = regexp.MustCompile(`\(package_id, package_version\)=\((.*), ([^,]*)\) already exists`)

type StoreImpl struct {
	db *pgxpool.Pool

	// Swappable seams so the conflict handling of AddBatch can be driven
	// without a database.
	insertLeaves func(ctx context.Context, leaves []packages.Leaf) error
	withoutKnown func(ctx context.Context, leaves []packages.Leaf) ([]packages.Leaf, error)
}

// New returns a SQL based implementation of packages.Store.
func New(db *pgxpool.Pool) *StoreImpl {
	s := &StoreImpl{db: db}
	s.insertLeaves = s.insertLeavesSQL
	s.withoutKnown = s.withoutKnownLeaves
	return s
}

// AddBatch implements the packages.Store interface.
func (s *StoreImpl) AddBatch(ctx context.Context, leaves []packages.Leaf) (int, error) {
	if len(leaves) == 0 {
		return 0, nil
	}
	remaining, err := s.withoutKnown(ctx, leaves)
	if err != nil {
		return 0, skerr.Wrap(err)
	}
	inserted := 0
	err = util.ChunkIter(len(remaining), insertChunkSize, func(startIdx, endIdx int) error {
		n, err := s.insertDetachingDuplicates(ctx, remaining[startIdx:endIdx])
		inserted += n
		return err
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// insertDetachingDuplicates writes the chunk, detaching individual rows a
// concurrent writer got to first, and returns how many rows went in.
func (s *StoreImpl) insertDetachingDuplicates(ctx context.Context, chunk []packages.Leaf) (int, error) {
	// Every pass either succeeds or detaches at least one leaf, so this
	// terminates after at most len(chunk) conflicts.
	for len(chunk) > 0 {
		err := s.insertLeaves(ctx, chunk)
		if err == nil {
			break
		}
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
			return 0, skerr.Wrapf(err, "inserting batch of %d leaves", len(chunk))
		}
		// A concurrent processor won the race for one of the rows. Detach it
		// and commit the rest of the batch; the winner already stored it.
		detached, ok := detachDuplicate(chunk, pgErr.Detail)
		if !ok {
			// The error did not identify the row; re-query and drop whatever
			// is now present.
			detached, err = s.withoutKnown(ctx, chunk)
			if err != nil {
				return 0, skerr.Wrap(err)
			}
			if len(detached) == len(chunk) {
				return 0, skerr.Wrapf(pgErr, "duplicate key but no leaf of the batch is present")
			}
		}
		sklog.Infof("Detached %d duplicate leaf/leaves from batch", len(chunk)-len(detached))
		chunk = detached
	}
	return len(chunk), nil
}

// withoutKnownLeaves returns the subset of leaves whose
// (package_id, package_version) is not yet stored. The lookup is done in a
// single query, case-insensitively on package_id, so a re-cased republish of
// an existing version is treated as already present (first-observed casing
// wins).
func (s *StoreImpl) withoutKnownLeaves(ctx context.Context, leaves []packages.Leaf) ([]packages.Leaf, error) {
	idsLower := make([]string, 0, len(leaves))
	versions := make([]string, 0, len(leaves))
	for _, l := range leaves {
		idsLower = append(idsLower, strings.ToLower(l.PackageID))
		versions = append(versions, l.PackageVersion)
	}
	rows, err := s.db.Query(ctx, `
SELECT package_id, package_id_lower, package_version FROM package_details_catalog_leafs
WHERE (package_id_lower, package_version) IN (
  SELECT * FROM unnest($1::text[], $2::text[])
)`, idsLower, versions)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	caseSensitive := map[string]bool{}
	caseInsensitive := map[string]bool{}
	for rows.Next() {
		var id, idLower, version string
		if err := rows.Scan(&id, &idLower, &version); err != nil {
			return nil, skerr.Wrap(err)
		}
		caseSensitive[id+"@"+version] = true
		caseInsensitive[idLower+"@"+version] = true
	}
	var unknown []packages.Leaf
	for _, l := range leaves {
		if caseSensitive[l.PackageID+"@"+l.PackageVersion] {
			continue
		}
		if caseInsensitive[strings.ToLower(l.PackageID)+"@"+l.PackageVersion] {
			continue
		}
		unknown = append(unknown, l)
	}
	return unknown, nil
}

// insertLeavesSQL writes the given leaves in one multi-VALUES statement.
func (s *StoreImpl) insertLeavesSQL(ctx context.Context, leaves []packages.Leaf) error {
	const valuesPerRow = 12
	statement := `
INSERT INTO package_details_catalog_leafs
  (package_id, package_id_lower, package_version, commit_timestamp, published,
   listed, icon_url, project_url, description, authors, tags, target_frameworks)
VALUES ` + sqlutil.ValuesPlaceholders(valuesPerRow, len(leaves))
	arguments := make([]interface{}, 0, len(leaves)*valuesPerRow)
	for _, l := range leaves {
		arguments = append(arguments, l.PackageID, strings.ToLower(l.PackageID), l.PackageVersion,
			l.CommitTimestamp, l.Published, l.Listed, l.IconURL, l.ProjectURL, l.Description,
			l.Authors, l.Tags, l.TargetFrameworks)
	}
	err := s.db.BeginTxFunc(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, statement, arguments...)
		return err // Don't wrap - the duplicate-key detail must survive
	})
	return err
}

// detachDuplicate removes the leaf identified by the duplicate-key detail
// message from the slice. Returns false if the detail did not identify a leaf.
func detachDuplicate(leaves []packages.Leaf, detail string) ([]packages.Leaf, bool) {
	m := duplicateKeyDetail.FindStringSubmatch(detail)
	if m == nil {
		return nil, false
	}
	id, version := m[1], m[2]
	for i, l := range leaves {
		if l.PackageID == id && l.PackageVersion == version {
			return append(leaves[:i:i], leaves[i+1:]...), true
		}
	}
	return nil, false
}

// DeletePackage implements the packages.Store interface.
func (s *StoreImpl) DeletePackage(ctx context.Context, packageID string) error {
	idLower := strings.ToLower(packageID)
	err := s.db.BeginTxFunc(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
DELETE FROM package_details_catalog_leafs WHERE package_id_lower = $1`, idLower); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
DELETE FROM package_downloads WHERE package_id_lower = $1`, idLower)
		return err
	})
	return skerr.Wrapf(err, "deleting package %s", packageID)
}

// pendingDownloadsQuery streams the stale subset of the
// pending_package_downloads view declared in go/sql/schema.
const pendingDownloadsQuery = `
SELECT package_id_lower FROM pending_package_downloads
WHERE latest_download_checked_utc IS NULL OR latest_download_checked_utc < $1`

// StreamPendingDownloads implements the packages.Store interface.
func (s *StoreImpl) StreamPendingDownloads(ctx context.Context, todayUTC time.Time, fn func(string) error) error {
	rows, err := s.db.Query(ctx, pendingDownloadsQuery, todayUTC)
	if err != nil {
		return skerr.Wrap(err)
	}
	defer rows.Close()
	for rows.Next() {
		var idLower string
		if err := rows.Scan(&idLower); err != nil {
			return skerr.Wrap(err)
		}
		if err := fn(idLower); err != nil {
			return skerr.Wrap(err)
		}
	}
	return skerr.Wrap(rows.Err())
}

// UpsertDownloads implements the packages.Store interface.
func (s *StoreImpl) UpsertDownloads(ctx context.Context, updates []packages.DownloadUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	const valuesPerRow = 5
	statement := `
INSERT INTO package_downloads
  (package_id, package_id_lower, latest_download_count, latest_download_checked_utc, icon_url)
VALUES ` + sqlutil.ValuesPlaceholders(valuesPerRow, len(updates)) + `
ON CONFLICT (package_id_lower) DO UPDATE SET
  latest_download_count = excluded.latest_download_count,
  latest_download_checked_utc = excluded.latest_download_checked_utc,
  icon_url = excluded.icon_url`
	arguments := make([]interface{}, 0, len(updates)*valuesPerRow)
	for _, u := range updates {
		id := u.PackageID
		if id == "" {
			id = u.PackageIDLower
		}
		arguments = append(arguments, id, u.PackageIDLower, u.DownloadCount, u.CheckedUTC, u.IconURL)
	}
	_, err := s.db.Exec(ctx, statement, arguments...)
	return skerr.Wrapf(err, "upserting %d download rows", len(updates))
}

// GetPackageDetails implements the packages.Store interface.
func (s *StoreImpl) GetPackageDetails(ctx context.Context, packageIDsLower []string) (map[string]packages.Details, error) {
	rows, err := s.db.Query(ctx, `
SELECT DISTINCT ON (package_id_lower)
  package_id_lower, package_id, icon_url, project_url
FROM package_details_catalog_leafs
WHERE package_id_lower = ANY($1)
ORDER BY package_id_lower, commit_timestamp DESC`, packageIDsLower)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	details := make(map[string]packages.Details, len(packageIDsLower))
	for rows.Next() {
		var d packages.Details
		if err := rows.Scan(&d.PackageIDLower, &d.PackageID, &d.IconURL, &d.ProjectURL); err != nil {
			return nil, skerr.Wrap(err)
		}
		details[d.PackageIDLower] = d
	}
	return details, skerr.Wrap(rows.Err())
}

// StreamFirstListedVersions implements the packages.Store interface.
func (s *StoreImpl) StreamFirstListedVersions(ctx context.Context, fn func(packages.FirstListedVersion) error) error {
	// listed IS NULL means the leaf predates the flag; those use the
	// published-year-1900 sentinel instead.
	rows, err := s.db.Query(ctx, `
SELECT DISTINCT ON (package_id_lower)
  package_id_lower, published, target_frameworks
FROM package_details_catalog_leafs
WHERE (listed IS NULL OR listed) AND date_part('year', published) <> 1900
ORDER BY package_id_lower, published ASC`)
	if err != nil {
		return skerr.Wrap(err)
	}
	defer rows.Close()
	for rows.Next() {
		var v packages.FirstListedVersion
		if err := rows.Scan(&v.PackageIDLower, &v.Published, &v.TargetFrameworks); err != nil {
			return skerr.Wrap(err)
		}
		if err := fn(v); err != nil {
			return skerr.Wrap(err)
		}
	}
	return skerr.Wrap(rows.Err())
}

// Make sure StoreImpl fulfills the packages.Store interface.
var _ packages.Store = (*StoreImpl)(nil)
