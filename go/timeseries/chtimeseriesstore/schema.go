package chtimeseriesstore

// Schema is the DDL for the download history database. Statements are
// separated by semicolons and applied in order; all engines are of the
// replacing family so every write path is safe to re-run.
const Schema = `
CREATE TABLE IF NOT EXISTS daily_downloads (
  package_id_lower String,
  date Date,
  download_count Int64
) ENGINE = ReplacingMergeTree
PARTITION BY toYear(date)
ORDER BY (package_id_lower, date);

CREATE TABLE IF NOT EXISTS weekly_downloads (
  package_id_lower String,
  week Date,
  avg_download_count AggregateFunction(avg, Int64)
) ENGINE = AggregatingMergeTree
ORDER BY (package_id_lower, week);

CREATE MATERIALIZED VIEW IF NOT EXISTS weekly_downloads_mv
TO weekly_downloads
AS SELECT
  package_id_lower,
  toMonday(date) AS week,
  avgState(download_count) AS avg_download_count
FROM daily_downloads
GROUP BY package_id_lower, week;

CREATE TABLE IF NOT EXISTS package_first_seen (
  package_id_lower String,
  first_seen Date
) ENGINE = ReplacingMergeTree
ORDER BY package_id_lower;

CREATE TABLE IF NOT EXISTS trending_packages_snapshot (
  week Date,
  package_id_lower String,
  package_id String,
  week_downloads Int64,
  comparison_downloads Int64,
  growth Float64,
  icon_url String,
  github_url String,
  computed_at DateTime
) ENGINE = ReplacingMergeTree(computed_at)
ORDER BY (week, package_id_lower);

CREATE TABLE IF NOT EXISTS tfm_adoption_snapshot (
  month Date,
  tfm String,
  family String,
  new_packages Int64,
  cumulative_total Int64,
  computed_at DateTime
) ENGINE = ReplacingMergeTree(computed_at)
ORDER BY (month, tfm);
`
