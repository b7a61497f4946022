package wal

import (
	"seglog/storage/aol"

	"github.com/prometheus/client_golang/prometheus"
)

type WalMetrics struct {
	segmentRotations prometheus.Counter
	writesFailed     prometheus.Counter
	readsFailed      prometheus.Counter
	activeSegment    prometheus.Gauge
}

func NewWalMetrics(registerer prometheus.Registerer) *WalMetrics {
	m := &WalMetrics{}

	m.segmentRotations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "segment_rotations_total",
		Help: "Total number of segment rotations.",
	})

	m.writesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "writes_failed_total",
		Help: "Total number of log appends that failed.",
	})

	m.readsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reads_failed_total",
		Help: "Total number of log reads that failed.",
	})

	m.activeSegment = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "active_segment",
		Help: "Id of the segment currently accepting appends.",
	})

	if registerer != nil {
		m.segmentRotations = aol.Register(registerer, m.segmentRotations).(prometheus.Counter)
		m.writesFailed = aol.Register(registerer, m.writesFailed).(prometheus.Counter)
		m.readsFailed = aol.Register(registerer, m.readsFailed).(prometheus.Counter)
		m.activeSegment = aol.Register(registerer, m.activeSegment).(prometheus.Gauge)
	}

	return m
}
