package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Timer measures elapsed wall-clock time and reports it to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time since NewTimer into hist.
func (t *Timer) ObserveDuration(hist prometheus.Histogram) time.Duration {
	elapsed := time.Since(t.start)
	hist.Observe(elapsed.Seconds())
	return elapsed
}
