// The scheduler process hosts the catalog mirror, the daily download
// publisher and the snapshot refreshers.
package main

import (
	"context"
	"flag"
	"net/http"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/robfig/cron/v3"

	"github.com/nuget-trends/nuget-trends/go/availability"
	"github.com/nuget-trends/nuget-trends/go/bus/amqpbus"
	catalogclient "github.com/nuget-trends/nuget-trends/go/catalog/client"
	"github.com/nuget-trends/nuget-trends/go/catalog/processor"
	"github.com/nuget-trends/nuget-trends/go/config"
	"github.com/nuget-trends/nuget-trends/go/cursor/sqlcursorstore"
	"github.com/nuget-trends/nuget-trends/go/downloads/publisher"
	"github.com/nuget-trends/nuget-trends/go/httputils"
	"github.com/nuget-trends/nuget-trends/go/metrics2"
	"github.com/nuget-trends/nuget-trends/go/packages/sqlpackagestore"
	"github.com/nuget-trends/nuget-trends/go/skerr"
	"github.com/nuget-trends/nuget-trends/go/sklog"
	"github.com/nuget-trends/nuget-trends/go/snapshots/tfm"
	"github.com/nuget-trends/nuget-trends/go/snapshots/trending"
	"github.com/nuget-trends/nuget-trends/go/sql"
	"github.com/nuget-trends/nuget-trends/go/timeseries/chtimeseriesstore"
	"github.com/nuget-trends/nuget-trends/go/util"
)

const maxSQLConnections = 4

type schedulerConfig struct {
	config.Common

	// CatalogPollPeriod is how often the catalog mirror looks for new
	// commits.
	CatalogPollPeriod config.Duration `json:"catalog_poll_period"`

	// PublisherCron is the cron expression for the daily download publisher,
	// e.g. "0 1 * * *".
	PublisherCron string `json:"publisher_cron"`

	// TrendingCron is the cron expression for the trending snapshot
	// refresher. Should fire early on Mondays (UTC) so the completed week is
	// recomputed right after it ends.
	TrendingCron string `json:"trending_cron"`

	// TfmCron is the cron expression for the framework adoption refresher.
	TfmCron string `json:"tfm_cron"`

	// ServiceIndexURL overrides the public upstream's service index.
	ServiceIndexURL string `json:"service_index_url" optional:"true"`

	// MinCommitTimestamp is the exclusive lower bound of catalog mirroring
	// (RFC 3339) when the cursor is unset. Empty means the catalog origin.
	MinCommitTimestamp string `json:"min_commit_timestamp" optional:"true"`

	// MaxCommitTimestamp is an inclusive upper bound of catalog mirroring
	// (RFC 3339). Empty means no bound.
	MaxCommitTimestamp string `json:"max_commit_timestamp" optional:"true"`

	// IncludeRedundantLeaves disables dropping all but the latest leaf per
	// (id, version) within a page.
	IncludeRedundantLeaves bool `json:"include_redundant_leaves"`
}

func main() {
	var (
		commonInstanceConfig = flag.String("common_instance_config", "", "Path to the json5 file containing the configuration that needs to be the same across all services for a given instance.")
		thisConfig           = flag.String("config", "", "Path to the json5 file containing the configuration specific to the scheduler.")
		hang                 = flag.Bool("hang", false, "Stop and do nothing after reading the flags. Good for debugging containers.")
	)
	flag.Parse()

	if *hang {
		sklog.Info("Hanging")
		select {}
	}

	var scc schedulerConfig
	if err := config.LoadFromJSON5(&scc, commonInstanceConfig, thisConfig); err != nil {
		sklog.Fatalf("Reading config: %s", err)
	}
	sklog.Infof("Loaded config %#v", scc)

	metrics2.InitPrometheus(scc.PromPort)

	ctx := context.Background()
	db := mustInitSQLDatabase(ctx, scc)
	chConn := mustInitTimeSeries(ctx, scc)

	metadataStore := sqlpackagestore.New(db)
	cursors := sqlcursorstore.New(db)
	timeSeriesStore := chtimeseriesstore.New(chConn)
	if err := timeSeriesStore.ApplySchema(ctx); err != nil {
		sklog.Fatalf("Applying time-series schema: %s", err)
	}

	busPublisher, err := amqpbus.NewPublisher(amqpbus.Options{
		URL:        scc.BusURL,
		QueueName:  scc.BusQueueName,
		MessageTTL: scc.BusMessageTTL.Duration,
	})
	if err != nil {
		sklog.Fatalf("Connecting to bus: %s", err)
	}

	httpClient := httputils.DefaultClientConfig().Client()
	proc := processor.New(
		catalogclient.New(httpClient, scc.ServiceIndexURL),
		metadataStore,
		cursors,
		processor.Options{
			MinCommitTimestamp:     mustParseOptionalTime(scc.MinCommitTimestamp),
			MaxCommitTimestamp:     mustParseOptionalTime(scc.MaxCommitTimestamp),
			ExcludeRedundantLeaves: !scc.IncludeRedundantLeaves,
		})
	gate := availability.New(scc.AvailabilityCooldown.Duration)
	pub := publisher.New(metadataStore, busPublisher, gate, scc.DownloadBatchSize)
	trendingRefresher := trending.New(timeSeriesStore, metadataStore)
	tfmRefresher := tfm.New(timeSeriesStore, metadataStore)

	go util.RepeatCtx(ctx, scc.CatalogPollPeriod.Duration, func(ctx context.Context) {
		if err := proc.Process(ctx); err != nil {
			sklog.Errorf("Catalog processing failed: %s", err)
		}
	})

	jobs := newJobRegistry(ctx)
	c := cron.New()
	mustSchedule(c, scc.PublisherCron, func() { jobs.run("daily_download_publisher", pub.Publish) })
	mustSchedule(c, scc.TrendingCron, func() { jobs.run("trending_refresher", trendingRefresher.Refresh) })
	mustSchedule(c, scc.TfmCron, func() { jobs.run("tfm_refresher", tfmRefresher.Refresh) })
	c.Start()

	sklog.Infof("Scheduler started")
	http.HandleFunc("/healthz", httputils.ReadyHandleFunc)
	sklog.Fatal(http.ListenAndServe(scc.ReadyPort, nil))
}

func mustInitSQLDatabase(ctx context.Context, scc schedulerConfig) *pgxpool.Pool {
	url := sql.GetConnectionURL(scc.MetadataConnection, scc.MetadataDatabase)
	conf, err := pgxpool.ParseConfig(url)
	if err != nil {
		sklog.Fatalf("error getting postgres config %s: %s", url, err)
	}
	conf.MaxConns = maxSQLConnections
	db, err := pgxpool.ConnectConfig(ctx, conf)
	if err != nil {
		sklog.Fatalf("error connecting to the database: %s", err)
	}
	sklog.Infof("Connected to SQL database %s", scc.MetadataDatabase)
	return db
}

func mustInitTimeSeries(ctx context.Context, scc schedulerConfig) driver.Conn {
	conn, err := chtimeseriesstore.Connect(ctx, scc.TimeSeriesAddr, scc.TimeSeriesDatabase)
	if err != nil {
		sklog.Fatalf("error connecting to the time-series database: %s", err)
	}
	sklog.Infof("Connected to time-series database %s", scc.TimeSeriesDatabase)
	return conn
}

func mustParseOptionalTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		sklog.Fatalf("invalid timestamp %q: %s", s, err)
	}
	return t
}

func mustSchedule(c *cron.Cron, spec string, fn func()) {
	if _, err := c.AddFunc(spec, fn); err != nil {
		sklog.Fatalf("invalid cron expression %q: %s", spec, err)
	}
}

// jobRegistry guarantees at most one concurrent run per job name and tracks
// each job's outcome.
type jobRegistry struct {
	ctx context.Context

	mutex   sync.Mutex
	running map[string]bool
}

func newJobRegistry(ctx context.Context) *jobRegistry {
	return &jobRegistry{
		ctx:     ctx,
		running: map[string]bool{},
	}
}

// run executes the job unless a previous run of the same job is still going,
// in which case the tick is skipped.
func (r *jobRegistry) run(name string, fn func(ctx context.Context) error) {
	r.mutex.Lock()
	if r.running[name] {
		r.mutex.Unlock()
		sklog.Warningf("Job %s is still running, skipping this tick", name)
		metrics2.GetCounter("job_ticks_skipped", map[string]string{"job": name}).Inc(1)
		return
	}
	r.running[name] = true
	r.mutex.Unlock()
	defer func() {
		r.mutex.Lock()
		r.running[name] = false
		r.mutex.Unlock()
	}()

	sklog.Infof("Job %s starting", name)
	timer := metrics2.NewTimer("job_duration", map[string]string{"job": name})
	err := fn(r.ctx)
	timer.Stop()
	if err != nil {
		sklog.Errorf("Job %s failed: %s", name, skerr.Unwrap(err))
		metrics2.GetCounter("job_failures", map[string]string{"job": name}).Inc(1)
		return
	}
	sklog.Infof("Job %s completed", name)
}
