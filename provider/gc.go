package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/blobmgr/blobstore"
	"github.com/hupe1980/blobmgr/keystrategy"
	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"
)

// GCStatus summarizes one garbage collection run.
type GCStatus struct {
	// NumBinaries and SizeBinaries count the retained blobs.
	NumBinaries  int64
	SizeBinaries int64
	// NumBinariesGC and SizeBinariesGC count the unreferenced blobs,
	// deleted or not depending on the run.
	NumBinariesGC  int64
	SizeBinariesGC int64
	Duration       time.Duration
}

// Add accumulates o into s. Durations are not summed.
func (s *GCStatus) Add(o GCStatus) {
	s.NumBinaries += o.NumBinaries
	s.SizeBinaries += o.SizeBinaries
	s.NumBinariesGC += o.NumBinariesGC
	s.SizeBinariesGC += o.SizeBinariesGC
}

// GarbageCollector is the mark-and-sweep protocol of a physical store.
// A run is Start, then Mark for every referenced raw key, then Stop.
type GarbageCollector interface {
	// ID identifies the physical storage. Collectors with the same ID
	// see the same blobs.
	ID() string
	Start(ctx context.Context) error
	Mark(key string)
	Stop(ctx context.Context, delete bool) error
	Status() GCStatus
	InProgress() bool
}

// ErrGCInProgress is returned by Start while a run is active.
var ErrGCInProgress = errors.New("garbage collection already in progress")

// ErrGCNotStarted is returned by Stop without a preceding Start.
var ErrGCNotStarted = errors.New("garbage collection not started")

const sweepConcurrency = 8

// StoreGC sweeps a blobstore.BlobStore.
type StoreGC struct {
	store    blobstore.BlobStore
	strategy keystrategy.Strategy
	clock    clock.Clock
	logger   *slog.Logger

	inProgress atomic.Bool

	mu      sync.Mutex
	marked  map[string]struct{}
	started time.Time
	status  GCStatus
}

// NewStoreGC returns a collector for store. Digest strategies make the
// sweep ignore keys that are not valid digests.
func NewStoreGC(store blobstore.BlobStore, strategy keystrategy.Strategy, clk clock.Clock, logger *slog.Logger) *StoreGC {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &StoreGC{store: store, strategy: strategy, clock: clk, logger: logger}
}

// ID implements GarbageCollector with the identity of the unwrapped store.
func (g *StoreGC) ID() string {
	return blobstore.Unwrap(g.store).ID()
}

// Start implements GarbageCollector.
func (g *StoreGC) Start(_ context.Context) error {
	if !g.inProgress.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrGCInProgress, g.ID())
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.marked = make(map[string]struct{})
	g.started = g.clock.Now()
	g.status = GCStatus{}
	return nil
}

// Mark implements GarbageCollector.
func (g *StoreGC) Mark(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.marked != nil {
		g.marked[key] = struct{}{}
	}
}

// Stop implements GarbageCollector. It lists the store and, if del is set,
// removes every blob that was not marked. Blobs written since Start are
// kept: they may belong to documents saved after marking.
func (g *StoreGC) Stop(ctx context.Context, del bool) error {
	if !g.inProgress.Load() {
		return ErrGCNotStarted
	}
	defer g.inProgress.Store(false)

	g.mu.Lock()
	marked := g.marked
	started := g.started
	g.marked = nil
	g.mu.Unlock()

	infos, err := g.store.List(ctx, "")
	if err != nil {
		return fmt.Errorf("gc %s: list: %w", g.ID(), err)
	}

	var (
		status  GCStatus
		garbage []blobstore.ObjectInfo
	)
	for _, info := range infos {
		if _, ok := marked[info.Name]; ok {
			status.NumBinaries++
			status.SizeBinaries += info.Size
			continue
		}
		if !g.strategy.IsValidKey(info.Name) {
			// not written through this strategy
			continue
		}
		if !info.ModTime.IsZero() && !info.ModTime.Before(started) {
			status.NumBinaries++
			status.SizeBinaries += info.Size
			continue
		}
		status.NumBinariesGC++
		status.SizeBinariesGC += info.Size
		garbage = append(garbage, info)
	}

	if del && len(garbage) > 0 {
		eg, egCtx := errgroup.WithContext(ctx)
		eg.SetLimit(sweepConcurrency)
		for _, info := range garbage {
			eg.Go(func() error {
				if err := g.store.Delete(egCtx, info.Name); err != nil {
					if errors.Is(err, blobstore.ErrRetained) {
						g.logger.Warn("gc skipped retained blob", "store", g.ID(), "key", info.Name)
						return nil
					}
					return fmt.Errorf("gc %s: delete %s: %w", g.ID(), info.Name, err)
				}
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}
	}

	g.mu.Lock()
	status.Duration = g.clock.Now().Sub(g.started)
	g.status = status
	g.mu.Unlock()

	g.logger.Info("gc stopped", "store", g.ID(), "delete", del,
		"binaries", status.NumBinaries, "garbage", status.NumBinariesGC)
	return nil
}

// Status implements GarbageCollector.
func (g *StoreGC) Status() GCStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// InProgress implements GarbageCollector.
func (g *StoreGC) InProgress() bool {
	return g.inProgress.Load()
}
