package blobmgr

import (
	"time"

	"github.com/hupe1980/blobmgr/provider"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector is a MetricsCollector exporting Prometheus metrics
// under the "blobmgr" namespace.
type PrometheusCollector struct {
	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	gcBinaries *prometheus.GaugeVec
	gcBytes    *prometheus.GaugeVec
	swept      prometheus.Counter
}

var _ MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheusCollector creates the collector and registers its metrics
// with reg. A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &PrometheusCollector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blobmgr",
			Name:      "operations_total",
			Help:      "Blob operations by kind and result.",
		}, []string{"op", "result"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "blobmgr",
			Name:      "operation_duration_seconds",
			Help:      "Duration of blob reads, writes and GC runs.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"op"}),
		gcBinaries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "blobmgr",
			Name:      "gc_binaries",
			Help:      "Blobs seen by the last GC run, by state.",
		}, []string{"state"}),
		gcBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "blobmgr",
			Name:      "gc_bytes",
			Help:      "Bytes seen by the last GC run, by state.",
		}, []string{"state"}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blobmgr",
			Name:      "sweep_deleted_total",
			Help:      "Tombstoned blobs physically deleted.",
		}),
	}
	for _, col := range []prometheus.Collector{c.operations, c.durations, c.gcBinaries, c.gcBytes, c.swept} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordRead implements MetricsCollector.
func (c *PrometheusCollector) RecordRead(duration time.Duration, err error) {
	c.operations.WithLabelValues("read", result(err)).Inc()
	c.durations.WithLabelValues("read").Observe(duration.Seconds())
}

// RecordWrite implements MetricsCollector.
func (c *PrometheusCollector) RecordWrite(_ string, duration time.Duration, err error) {
	c.operations.WithLabelValues("write", result(err)).Inc()
	c.durations.WithLabelValues("write").Observe(duration.Seconds())
}

// RecordGC implements MetricsCollector.
func (c *PrometheusCollector) RecordGC(_ bool, status provider.GCStatus, err error) {
	c.operations.WithLabelValues("gc", result(err)).Inc()
	if err != nil {
		return
	}
	c.durations.WithLabelValues("gc").Observe(status.Duration.Seconds())
	c.gcBinaries.WithLabelValues("referenced").Set(float64(status.NumBinaries))
	c.gcBinaries.WithLabelValues("unreferenced").Set(float64(status.NumBinariesGC))
	c.gcBytes.WithLabelValues("referenced").Set(float64(status.SizeBinaries))
	c.gcBytes.WithLabelValues("unreferenced").Set(float64(status.SizeBinariesGC))
}

// RecordDelete implements MetricsCollector.
func (c *PrometheusCollector) RecordDelete(deleted bool, err error) {
	res := result(err)
	if err == nil && !deleted {
		res = "refused"
	}
	c.operations.WithLabelValues("delete", res).Inc()
}

// RecordSweep implements MetricsCollector.
func (c *PrometheusCollector) RecordSweep(status SweepStatus, err error) {
	c.operations.WithLabelValues("sweep", result(err)).Inc()
	if err == nil {
		c.swept.Add(float64(status.Deleted))
	}
}
