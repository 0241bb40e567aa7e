// Package prom exports engine metrics to Prometheus.
package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/simstate"
)

// Observer implements simstate.MetricsObserver with Prometheus collectors.
type Observer struct {
	opLatency    *prometheus.HistogramVec
	segmentsRead *prometheus.CounterVec
	groups       *prometheus.CounterVec
	taskParts    prometheus.Histogram
	segmentBytes prometheus.Gauge
	diagnostics  *prometheus.CounterVec
}

var _ simstate.MetricsObserver = (*Observer)(nil)

// NewObserver creates an observer and registers its collectors with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewObserver(reg prometheus.Registerer) (*Observer, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &Observer{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "simstate_operation_latency_seconds",
			Help:    "Latency of engine operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"op", "status"}),
		segmentsRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simstate_sync_segments_read_total",
			Help: "Segments runtimes opened, reloaded or remapped while syncing",
		}, []string{"kind"}),
		groups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simstate_migration_groups_total",
			Help: "Groups removed and created by migrations",
		}, []string{"change"}),
		taskParts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "simstate_task_partitions",
			Help:    "Number of partitions a task ran as",
			Buckets: prometheus.LinearBuckets(1, 1, 16),
		}),
		segmentBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simstate_segment_bytes",
			Help: "Shared memory held by created segments",
		}),
		diagnostics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simstate_runtime_diagnostics_total",
			Help: "Warnings, errors and logs runtimes reported with tasks",
		}, []string{"kind"}),
	}
	for _, c := range []prometheus.Collector{o.opLatency, o.segmentsRead, o.groups, o.taskParts, o.segmentBytes, o.diagnostics} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// OnMigration implements simstate.MetricsObserver.
func (o *Observer) OnMigration(d time.Duration, removed, created int, err error) {
	o.opLatency.WithLabelValues("migrate", status(err)).Observe(d.Seconds())
	if err != nil {
		return
	}
	o.groups.WithLabelValues("removed").Add(float64(removed))
	o.groups.WithLabelValues("created").Add(float64(created))
}

// OnSync implements simstate.MetricsObserver.
func (o *Observer) OnSync(kind string, work int, d time.Duration, err error) {
	o.opLatency.WithLabelValues("sync", status(err)).Observe(d.Seconds())
	o.segmentsRead.WithLabelValues(kind).Add(float64(work))
}

// OnTask implements simstate.MetricsObserver.
func (o *Observer) OnTask(d time.Duration, parts int, err error) {
	o.opLatency.WithLabelValues("task", status(err)).Observe(d.Seconds())
	if err == nil {
		o.taskParts.Observe(float64(parts))
	}
}

// OnSegmentBytes implements simstate.MetricsObserver.
func (o *Observer) OnSegmentBytes(bytes int64) {
	o.segmentBytes.Set(float64(bytes))
}

// OnDiagnostic implements simstate.MetricsObserver.
func (o *Observer) OnDiagnostic(kind string) {
	o.diagnostics.WithLabelValues(kind).Inc()
}
