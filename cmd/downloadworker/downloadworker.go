// The downloadworker process consumes daily download batches from the queue,
// fetches live totals from the upstream and writes them to both stores.
package main

import (
	"context"
	"flag"
	"net/http"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/nuget-trends/nuget-trends/go/availability"
	"github.com/nuget-trends/nuget-trends/go/bus/amqpbus"
	"github.com/nuget-trends/nuget-trends/go/config"
	"github.com/nuget-trends/nuget-trends/go/downloads/worker"
	"github.com/nuget-trends/nuget-trends/go/httputils"
	"github.com/nuget-trends/nuget-trends/go/metrics2"
	"github.com/nuget-trends/nuget-trends/go/packages/sqlpackagestore"
	"github.com/nuget-trends/nuget-trends/go/registry"
	"github.com/nuget-trends/nuget-trends/go/sklog"
	"github.com/nuget-trends/nuget-trends/go/sql"
	"github.com/nuget-trends/nuget-trends/go/timeseries/chtimeseriesstore"
)

const maxSQLConnections = 4

type workerConfig struct {
	config.Common

	// WorkerCount is how many batches are processed concurrently.
	WorkerCount int `json:"worker_count"`

	// RegistryBaseURL overrides the public upstream's search endpoint.
	RegistryBaseURL string `json:"registry_base_url" optional:"true"`
}

func main() {
	var (
		commonInstanceConfig = flag.String("common_instance_config", "", "Path to the json5 file containing the configuration that needs to be the same across all services for a given instance.")
		thisConfig           = flag.String("config", "", "Path to the json5 file containing the configuration specific to the download worker.")
		hang                 = flag.Bool("hang", false, "Stop and do nothing after reading the flags. Good for debugging containers.")
	)
	flag.Parse()

	if *hang {
		sklog.Info("Hanging")
		select {}
	}

	var wc workerConfig
	if err := config.LoadFromJSON5(&wc, commonInstanceConfig, thisConfig); err != nil {
		sklog.Fatalf("Reading config: %s", err)
	}
	sklog.Infof("Loaded config %#v", wc)

	metrics2.InitPrometheus(wc.PromPort)

	ctx := context.Background()
	db := mustInitSQLDatabase(ctx, wc)
	chConn := mustInitTimeSeries(ctx, wc)

	metadataStore := sqlpackagestore.New(db)
	timeSeriesStore := chtimeseriesstore.New(chConn)

	consumer := amqpbus.NewConsumer(amqpbus.Options{
		URL:        wc.BusURL,
		QueueName:  wc.BusQueueName,
		MessageTTL: wc.BusMessageTTL.Duration,
	})

	clientConfig := httputils.DefaultClientConfig()
	if wc.DownloadRequestTimeout.Duration > 0 {
		clientConfig = clientConfig.WithRequestTimeout(wc.DownloadRequestTimeout.Duration)
	}
	lookuper := registry.New(clientConfig.Client(), wc.RegistryBaseURL)

	// The gate is process-wide: one outage observation stops all of this
	// process's workers.
	gate := availability.New(wc.AvailabilityCooldown.Duration)

	w := worker.New(consumer, lookuper, metadataStore, timeSeriesStore, gate, wc.WorkerCount)
	go func() {
		if err := w.Run(ctx); err != nil {
			sklog.Fatalf("Worker pool stopped: %s", err)
		}
	}()

	sklog.Infof("Download worker started with %d consumers", wc.WorkerCount)
	http.HandleFunc("/healthz", httputils.ReadyHandleFunc)
	sklog.Fatal(http.ListenAndServe(wc.ReadyPort, nil))
}

func mustInitSQLDatabase(ctx context.Context, wc workerConfig) *pgxpool.Pool {
	url := sql.GetConnectionURL(wc.MetadataConnection, wc.MetadataDatabase)
	conf, err := pgxpool.ParseConfig(url)
	if err != nil {
		sklog.Fatalf("error getting postgres config %s: %s", url, err)
	}
	conf.MaxConns = maxSQLConnections
	db, err := pgxpool.ConnectConfig(ctx, conf)
	if err != nil {
		sklog.Fatalf("error connecting to the database: %s", err)
	}
	sklog.Infof("Connected to SQL database %s", wc.MetadataDatabase)
	return db
}

func mustInitTimeSeries(ctx context.Context, wc workerConfig) driver.Conn {
	conn, err := chtimeseriesstore.Connect(ctx, wc.TimeSeriesAddr, wc.TimeSeriesDatabase)
	if err != nil {
		sklog.Fatalf("error connecting to the time-series database: %s", err)
	}
	sklog.Infof("Connected to time-series database %s", wc.TimeSeriesDatabase)
	return conn
}
