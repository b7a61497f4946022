package aol

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SegmentMetrics are shared by every segment a log opens. A nil
// *SegmentMetrics records nothing.
type SegmentMetrics struct {
	pageFlushes     prometheus.Counter
	pageCompletions prometheus.Counter
	fsyncDuration   prometheus.Summary
}

func NewSegmentMetrics(registerer prometheus.Registerer) *SegmentMetrics {
	m := &SegmentMetrics{}

	m.pageFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "page_flushes_total",
		Help: "Total number of page flushes.",
	})

	m.pageCompletions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "completed_pages_total",
		Help: "Total number of completed pages.",
	})

	m.fsyncDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Name:       "fsync_duration_seconds",
		Help:       "Duration of segment fsync.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})

	if registerer != nil {
		m.pageFlushes = Register(registerer, m.pageFlushes).(prometheus.Counter)
		m.pageCompletions = Register(registerer, m.pageCompletions).(prometheus.Counter)
		m.fsyncDuration = Register(registerer, m.fsyncDuration).(prometheus.Summary)
	}

	return m
}

// Register registers c and returns it, or returns the collector that is
// already registered under the same descriptor.
func Register(registerer prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := registerer.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

func (m *SegmentMetrics) pageFlushed(completed bool) {
	if m == nil {
		return
	}
	m.pageFlushes.Inc()
	if completed {
		m.pageCompletions.Inc()
	}
}

func (m *SegmentMetrics) observeFsync(start time.Time) {
	if m == nil {
		return
	}
	m.fsyncDuration.Observe(time.Since(start).Seconds())
}
