package metrics2

import (
	"time"
)

const measurementTimer = "timer_ns"

// Timer measures elapsed time. Unlike the other metric helpers, Timer reports
// a single data point when Stop is called.
type Timer struct {
	begin time.Time
	m     Int64Metric
}

// NewTimer creates and returns a started Timer.
func NewTimer(name string, tags map[string]string) *Timer {
	t := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		t[k] = v
	}
	t["name"] = name
	return &Timer{
		begin: time.Now(),
		m:     GetInt64Metric(measurementTimer, t),
	}
}

// Stop stops the timer and reports the elapsed time in nanoseconds.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.begin)
	t.m.Update(int64(elapsed))
	return elapsed
}
