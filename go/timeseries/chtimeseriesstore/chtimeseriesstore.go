// Package chtimeseriesstore contains a ClickHouse implementation of
// timeseries.Store.
package chtimeseriesstore

import (
	"context"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/nuget-trends/nuget-trends/go/skerr"
	"github.com/nuget-trends/nuget-trends/go/timeseries"
)

type StoreImpl struct {
	conn driver.Conn
}

// New returns a ClickHouse based implementation of timeseries.Store.
func New(conn driver.Conn) *StoreImpl {
	return &StoreImpl{conn: conn}
}

// ApplySchema creates the tables and the materialized view if they do not
// exist yet.
func (s *StoreImpl) ApplySchema(ctx context.Context) error {
	for _, statement := range strings.Split(Schema, ";") {
		statement = strings.TrimSpace(statement)
		if statement == "" {
			continue
		}
		if err := s.conn.Exec(ctx, statement); err != nil {
			return skerr.Wrapf(err, "applying schema statement %.60q", statement)
		}
	}
	return nil
}

// InsertDaily implements the timeseries.Store interface.
func (s *StoreImpl) InsertDaily(ctx context.Context, rows []timeseries.DailyDownload) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO daily_downloads`)
	if err != nil {
		return skerr.Wrap(err)
	}
	for _, row := range rows {
		if err := batch.Append(row.PackageIDLower, row.Date, row.DownloadCount); err != nil {
			return skerr.Wrap(err)
		}
	}
	return skerr.Wrapf(batch.Send(), "inserting %d daily rows", len(rows))
}

// GetWeeklyDownloads implements the timeseries.Store interface.
func (s *StoreImpl) GetWeeklyDownloads(ctx context.Context, packageIDLower string, months int) ([]timeseries.WeeklyDownload, error) {
	rows, err := s.conn.Query(ctx, `
SELECT
  week,
  toInt64(round(avgMerge(avg_download_count) * 7)) AS downloads
FROM weekly_downloads
WHERE package_id_lower = ?
  AND week >= toMonday(addMonths(today(), -?))
GROUP BY week
ORDER BY week ASC`, packageIDLower, months)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	var series []timeseries.WeeklyDownload
	for rows.Next() {
		var point timeseries.WeeklyDownload
		if err := rows.Scan(&point.Week, &point.Downloads); err != nil {
			return nil, skerr.Wrap(err)
		}
		series = append(series, point)
	}
	return series, skerr.Wrap(rows.Err())
}

// UpdateFirstSeen implements the timeseries.Store interface.
func (s *StoreImpl) UpdateFirstSeen(ctx context.Context) error {
	// min(week) over the weekly series, not the current week: a package whose
	// history was backfilled keeps its real age.
	err := s.conn.Exec(ctx, `
INSERT INTO package_first_seen (package_id_lower, first_seen)
SELECT package_id_lower, min(week) AS first_seen
FROM weekly_downloads
WHERE package_id_lower NOT IN (SELECT package_id_lower FROM package_first_seen)
GROUP BY package_id_lower`)
	return skerr.Wrap(err)
}

// QueryTrendingCandidates implements the timeseries.Store interface.
func (s *StoreImpl) QueryTrendingCandidates(ctx context.Context, dataWeek, comparisonWeek, ageCutoff time.Time, minWeekly int64, limit int) ([]timeseries.TrendingCandidate, error) {
	rows, err := s.conn.Query(ctx, `
WITH
  data AS (
    SELECT package_id_lower, toInt64(round(avgMerge(avg_download_count) * 7)) AS downloads
    FROM weekly_downloads WHERE week = toDate(?) GROUP BY package_id_lower
  ),
  comparison AS (
    SELECT package_id_lower, toInt64(round(avgMerge(avg_download_count) * 7)) AS downloads
    FROM weekly_downloads WHERE week = toDate(?) GROUP BY package_id_lower
  )
SELECT
  data.package_id_lower,
  data.downloads,
  comparison.downloads,
  (data.downloads - comparison.downloads) / comparison.downloads AS growth
FROM data
INNER JOIN comparison ON comparison.package_id_lower = data.package_id_lower
INNER JOIN package_first_seen ON package_first_seen.package_id_lower = data.package_id_lower
WHERE data.downloads >= ?
  AND comparison.downloads > 0
  AND package_first_seen.first_seen >= toDate(?)
ORDER BY growth DESC
LIMIT ?`, dataWeek, comparisonWeek, minWeekly, ageCutoff, limit)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	var candidates []timeseries.TrendingCandidate
	for rows.Next() {
		var c timeseries.TrendingCandidate
		if err := rows.Scan(&c.PackageIDLower, &c.WeekDownloads, &c.ComparisonDownloads, &c.Growth); err != nil {
			return nil, skerr.Wrap(err)
		}
		candidates = append(candidates, c)
	}
	return candidates, skerr.Wrap(rows.Err())
}

// InsertTrending implements the timeseries.Store interface.
func (s *StoreImpl) InsertTrending(ctx context.Context, rows []timeseries.TrendingPackage) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO trending_packages_snapshot`)
	if err != nil {
		return skerr.Wrap(err)
	}
	for _, row := range rows {
		err := batch.Append(row.Week, row.PackageIDLower, row.PackageID, row.WeekDownloads,
			row.ComparisonDownloads, row.Growth, row.IconURL, row.GithubURL, row.ComputedAt)
		if err != nil {
			return skerr.Wrap(err)
		}
	}
	return skerr.Wrapf(batch.Send(), "inserting %d trending rows", len(rows))
}

// InsertTfmAdoption implements the timeseries.Store interface.
func (s *StoreImpl) InsertTfmAdoption(ctx context.Context, rows []timeseries.TfmAdoption) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO tfm_adoption_snapshot`)
	if err != nil {
		return skerr.Wrap(err)
	}
	for _, row := range rows {
		err := batch.Append(row.Month, row.Tfm, row.Family, row.NewPackages, row.CumulativeTotal, row.ComputedAt)
		if err != nil {
			return skerr.Wrap(err)
		}
	}
	return skerr.Wrapf(batch.Send(), "inserting %d adoption rows", len(rows))
}

// Make sure StoreImpl fulfills the timeseries.Store interface.
var _ timeseries.Store = (*StoreImpl)(nil)
