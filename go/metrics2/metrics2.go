// Package metrics2 offers a thin interface over Prometheus metrics, keyed by
// a measurement name plus a set of tags. Metrics are interned, so retrieving
// the same measurement/tag combination twice returns the same instance.
package metrics2

import (
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nuget-trends/nuget-trends/go/sklog"
)

// invalidChar forces metric and tag names to conform to Prometheus's
// restrictions.
var invalidChar = regexp.MustCompile("([^a-zA-Z0-9_:])")

func clean(s string) string {
	return invalidChar.ReplaceAllLiteralString(s, "_")
}

// Int64Metric is a metric which reports an int64 gauge value.
type Int64Metric interface {
	Get() int64
	Update(v int64)
}

// Counter is a metric that can be incremented and decremented.
type Counter interface {
	Get() int64
	Inc(i int64)
	Dec(i int64)
	Reset()
}

type promInt64 struct {
	// i tracks the value, because the prometheus client lib doesn't support
	// reads on Gauge values.
	i     int64
	gauge prometheus.Gauge
}

func (m *promInt64) Get() int64 {
	return atomic.LoadInt64(&m.i)
}

func (m *promInt64) Update(v int64) {
	atomic.StoreInt64(&m.i, v)
	m.gauge.Set(float64(v))
}

type promCounter struct {
	promInt64
}

func (c *promCounter) Inc(i int64) { c.Update(c.Get() + i) }
func (c *promCounter) Dec(i int64) { c.Update(c.Get() - i) }
func (c *promCounter) Reset()      { c.Update(0) }

var (
	gaugeVecs  = map[string]*prometheus.GaugeVec{}
	gauges     = map[string]*promInt64{}
	counters   = map[string]*promCounter{}
	metricsMtx sync.Mutex
)

// gaugeFor interns a prometheus gauge for the given measurement and tags.
func gaugeFor(measurement string, tags ...map[string]string) (string, prometheus.Gauge) {
	measurement = clean(measurement)
	allTags := map[string]string{}
	for _, t := range tags {
		for k, v := range t {
			allTags[clean(k)] = v
		}
	}
	keys := make([]string, 0, len(allTags))
	for k := range allTags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	vecKey := measurement + "-" + strings.Join(keys, "-")
	vec, ok := gaugeVecs[vecKey]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: measurement}, keys)
		if err := prometheus.Register(vec); err != nil {
			sklog.Fatalf("Two metrics %q with different tag sets: %s", measurement, err)
		}
		gaugeVecs[vecKey] = vec
	}
	values := make([]string, 0, len(keys))
	instanceKey := measurement
	for _, k := range keys {
		values = append(values, allTags[k])
		instanceKey += "-" + k + "=" + allTags[k]
	}
	return instanceKey, vec.WithLabelValues(values...)
}

// GetInt64Metric returns an Int64Metric with the given measurement and tags.
func GetInt64Metric(measurement string, tags ...map[string]string) Int64Metric {
	metricsMtx.Lock()
	defer metricsMtx.Unlock()
	key, gauge := gaugeFor(measurement, tags...)
	if m, ok := gauges[key]; ok {
		return m
	}
	m := &promInt64{gauge: gauge}
	gauges[key] = m
	return m
}

// GetCounter returns a Counter with the given measurement and tags.
func GetCounter(measurement string, tags ...map[string]string) Counter {
	metricsMtx.Lock()
	defer metricsMtx.Unlock()
	key, gauge := gaugeFor(measurement, tags...)
	if c, ok := counters[key]; ok {
		return c
	}
	c := &promCounter{promInt64{gauge: gauge}}
	counters[key] = c
	return c
}

// InitPrometheus starts serving the /metrics endpoint on the given address,
// e.g. ":20000". Does not block.
func InitPrometheus(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		sklog.Infof("Prometheus server on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			sklog.Errorf("Prometheus server failed: %s", err)
		}
	}()
}
