package metrics2

import (
	"sync"
	"time"
)

const (
	measurementLiveness = "liveness_s"
	livenessReportFreq  = time.Minute
)

// Liveness keeps a time-since-last-successful-update metric, in seconds.
//
// It is used to keep track of periodic processes to make sure that they are
// running successfully. Every liveness metric should have a corresponding
// alert that fires if the value gets too large.
type Liveness struct {
	lastSuccessfulUpdate time.Time
	m                    Int64Metric
	mtx                  sync.Mutex
}

// NewLiveness creates a new Liveness metric helper. The current value is
// reported once a minute and on every Reset.
func NewLiveness(name string, tags map[string]string) *Liveness {
	t := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		t[k] = v
	}
	t["name"] = name
	l := &Liveness{
		lastSuccessfulUpdate: time.Now(),
		m:                    GetInt64Metric(measurementLiveness, t),
	}
	go func() {
		for range time.Tick(livenessReportFreq) {
			l.update()
		}
	}()
	return l
}

func (l *Liveness) update() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.m.Update(int64(time.Since(l.lastSuccessfulUpdate).Seconds()))
}

// Reset should be called when some work has been successfully completed.
func (l *Liveness) Reset() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.lastSuccessfulUpdate = time.Now()
	l.m.Update(0)
}

// Get returns the current value of the Liveness in seconds.
func (l *Liveness) Get() int64 {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return int64(time.Since(l.lastSuccessfulUpdate).Seconds())
}
