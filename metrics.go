package blobmgr

import (
	"sync/atomic"
	"time"

	"github.com/hupe1980/blobmgr/provider"
)

// MetricsCollector defines an interface for collecting operational metrics.
// PrometheusCollector exports them to Prometheus.
type MetricsCollector interface {
	// RecordRead is called after each blob read.
	RecordRead(duration time.Duration, err error)

	// RecordWrite is called after each blob write. providerID is empty if
	// routing failed before a provider was chosen.
	RecordWrite(providerID string, duration time.Duration, err error)

	// RecordGC is called after each garbage collection run.
	RecordGC(del bool, status provider.GCStatus, err error)

	// RecordDelete is called after each single blob deletion request.
	RecordDelete(deleted bool, err error)

	// RecordSweep is called after each deferred deletion sweep.
	RecordSweep(status SweepStatus, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordRead(time.Duration, error)          {}
func (NoopMetricsCollector) RecordWrite(string, time.Duration, error) {}
func (NoopMetricsCollector) RecordGC(bool, provider.GCStatus, error)  {}
func (NoopMetricsCollector) RecordDelete(bool, error)                 {}
func (NoopMetricsCollector) RecordSweep(SweepStatus, error)           {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	ReadCount       atomic.Int64
	ReadErrors      atomic.Int64
	ReadTotalNanos  atomic.Int64
	WriteCount      atomic.Int64
	WriteErrors     atomic.Int64
	WriteTotalNanos atomic.Int64
	GCRuns          atomic.Int64
	GCErrors        atomic.Int64
	GCDeleted       atomic.Int64
	DeleteCount     atomic.Int64
	DeleteRefused   atomic.Int64
	DeleteErrors    atomic.Int64
	SweepDeleted    atomic.Int64
	SweepErrors     atomic.Int64
}

// RecordRead implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRead(duration time.Duration, err error) {
	b.ReadCount.Add(1)
	b.ReadTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.ReadErrors.Add(1)
	}
}

// RecordWrite implements MetricsCollector.
func (b *BasicMetricsCollector) RecordWrite(_ string, duration time.Duration, err error) {
	b.WriteCount.Add(1)
	b.WriteTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.WriteErrors.Add(1)
	}
}

// RecordGC implements MetricsCollector.
func (b *BasicMetricsCollector) RecordGC(del bool, status provider.GCStatus, err error) {
	b.GCRuns.Add(1)
	if err != nil {
		b.GCErrors.Add(1)
		return
	}
	if del {
		b.GCDeleted.Add(status.NumBinariesGC)
	}
}

// RecordDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDelete(deleted bool, err error) {
	switch {
	case err != nil:
		b.DeleteErrors.Add(1)
	case deleted:
		b.DeleteCount.Add(1)
	default:
		b.DeleteRefused.Add(1)
	}
}

// RecordSweep implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSweep(status SweepStatus, err error) {
	if err != nil {
		b.SweepErrors.Add(1)
		return
	}
	b.SweepDeleted.Add(int64(status.Deleted))
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		ReadCount:     b.ReadCount.Load(),
		ReadErrors:    b.ReadErrors.Load(),
		ReadAvgNanos:  avg(b.ReadTotalNanos.Load(), b.ReadCount.Load()),
		WriteCount:    b.WriteCount.Load(),
		WriteErrors:   b.WriteErrors.Load(),
		WriteAvgNanos: avg(b.WriteTotalNanos.Load(), b.WriteCount.Load()),
		GCRuns:        b.GCRuns.Load(),
		GCErrors:      b.GCErrors.Load(),
		GCDeleted:     b.GCDeleted.Load(),
		DeleteCount:   b.DeleteCount.Load(),
		DeleteRefused: b.DeleteRefused.Load(),
		DeleteErrors:  b.DeleteErrors.Load(),
		SweepDeleted:  b.SweepDeleted.Load(),
		SweepErrors:   b.SweepErrors.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	ReadCount     int64
	ReadErrors    int64
	ReadAvgNanos  int64
	WriteCount    int64
	WriteErrors   int64
	WriteAvgNanos int64
	GCRuns        int64
	GCErrors      int64
	GCDeleted     int64
	DeleteCount   int64
	DeleteRefused int64
	DeleteErrors  int64
	SweepDeleted  int64
	SweepErrors   int64
}
