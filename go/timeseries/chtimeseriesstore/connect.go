package chtimeseriesstore

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/nuget-trends/nuget-trends/go/skerr"
)

// Connect opens a native-protocol connection to the given ClickHouse address
// and verifies it with a ping.
func Connect(ctx context.Context, addr, database string) (driver.Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
		},
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		return nil, skerr.Wrapf(err, "opening connection to %s", addr)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, skerr.Wrapf(err, "pinging %s", addr)
	}
	return conn, nil
}
