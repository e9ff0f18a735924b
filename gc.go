package blobmgr

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/hupe1980/blobmgr/blob"
	"github.com/hupe1980/blobmgr/dispatch"
	"github.com/hupe1980/blobmgr/keyreplace"
	"github.com/hupe1980/blobmgr/provider"
	"github.com/hupe1980/blobmgr/repository"
	"golang.org/x/sync/errgroup"
)

// gcComponent is the set of providers whose collectors share one physical
// store. The first collector drives the component's single mark set.
type gcComponent struct {
	id        string
	providers []string
	gc        provider.GarbageCollector
}

// routedProviderIDs returns the providers of d together with the default
// provider of every registered repository.
func (m *Manager) routedProviderIDs(d dispatch.Dispatcher) []string {
	ids := slices.Clone(d.ProviderIDs())
	for _, name := range m.repos.Names() {
		if id := d.RepositoryProvider(name); id != "" && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// gcComponents groups the collectors of the providers the dispatcher
// routes to by store identity.
func (m *Manager) gcComponents(d dispatch.Dispatcher) []*gcComponent {
	byID := make(map[string]*gcComponent)
	var comps []*gcComponent
	for _, id := range m.routedProviderIDs(d) {
		p, ok := m.providers.Get(id)
		if !ok {
			m.logger.Warn("dispatcher routes to unregistered provider", "provider", id)
			continue
		}
		gc := p.GarbageCollector()
		if gc == nil {
			continue
		}
		c, ok := byID[gc.ID()]
		if !ok {
			c = &gcComponent{id: gc.ID(), gc: gc}
			byID[c.id] = c
			comps = append(comps, c)
		}
		c.providers = append(c.providers, id)
	}
	return comps
}

func sharedStorage(comps []*gcComponent) []string {
	var shared []string
	for _, c := range comps {
		if len(c.providers) > 1 {
			shared = append(shared, c.id)
		}
	}
	sort.Strings(shared)
	return shared
}

// HasSharedStorage reports whether two providers the dispatcher routes to
// share a physical store.
func (m *Manager) HasSharedStorage() bool {
	shared := sharedStorage(m.gcComponents(m.Dispatcher()))
	if len(shared) > 0 {
		m.logger.Warn("shared storages detected", "stores", shared)
		return true
	}
	return false
}

// IsGarbageCollectionInProgress reports whether any collector is running.
func (m *Manager) IsGarbageCollectionInProgress() bool {
	for _, c := range m.gcComponents(m.Dispatcher()) {
		if c.gc.InProgress() {
			return true
		}
	}
	return false
}

// GarbageCollectBinaries marks every blob referenced by any repository
// and, if del is set, deletes the unreferenced blobs of every store the
// dispatcher routes to.
//
// All collectors are started before any repository is enumerated, and all
// repositories are enumerated before any collector stops. The run uses its
// own long transaction. After a successful deleting run the expired key
// replacements are pruned; live ones stay until their TTL runs out.
func (m *Manager) GarbageCollectBinaries(ctx context.Context, del bool) (status provider.GCStatus, err error) {
	defer func() {
		m.metrics.RecordGC(del, status, err)
		m.logger.LogGC(ctx, del, status, err)
	}()

	err = m.runInLongTransaction(ctx, func(ctx context.Context) error {
		var err error
		status, err = m.collect(ctx, del)
		return err
	})
	if err != nil {
		return provider.GCStatus{}, err
	}
	if p, ok := m.replacements.t.(keyreplace.Pruner); ok && del {
		n, err := p.Prune(ctx)
		if err != nil {
			m.logger.Error("cannot prune key replacements", "error", err)
		} else if n > 0 {
			m.logger.Debug("key replacements pruned", "count", n)
		}
	}
	return status, nil
}

func (m *Manager) collect(ctx context.Context, del bool) (provider.GCStatus, error) {
	m.logger.Warn("GC binaries starting", "delete", del)
	d := m.Dispatcher()
	comps := m.gcComponents(d)
	shared := len(sharedStorage(comps)) > 0
	byProvider := make(map[string]*gcComponent)
	for _, c := range comps {
		for _, id := range c.providers {
			byProvider[id] = c
		}
	}

	start := m.clock.Now()
	var started []*gcComponent
	abort := func(cause error) error {
		for _, c := range started {
			if err := c.gc.Stop(ctx, false); err != nil {
				m.logger.Error("cannot stop GC", "store", c.id, "error", err)
			}
		}
		return cause
	}
	for _, c := range comps {
		if err := c.gc.Start(ctx); err != nil {
			return provider.GCStatus{}, abort(fmt.Errorf("start GC %s: %w", c.id, err))
		}
		started = append(started, c)
	}

	for _, name := range m.repos.Names() {
		repo, ok := m.repos.Get(name)
		if !ok {
			continue
		}
		m.logger.Info("marking binaries", "repository", name)
		mark := m.marker(d, comps, byProvider, shared, name)
		if err := repo.MarkReferencedBlobs(ctx, mark); err != nil {
			return provider.GCStatus{}, abort(fmt.Errorf("mark repository %s: %w", name, err))
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, c := range comps {
		eg.Go(func() error {
			m.logger.Info("GC binaries", "store", c.id)
			if err := c.gc.Stop(egCtx, del); err != nil {
				return fmt.Errorf("stop GC %s: %w", c.id, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return provider.GCStatus{}, err
	}

	var total provider.GCStatus
	for _, c := range comps {
		st := c.gc.Status()
		m.logger.Info("GC binaries status", "store", c.id,
			"binaries", st.NumBinaries, "binaries_gc", st.NumBinariesGC)
		total.Add(st)
	}
	total.Duration = m.clock.Now().Sub(start)
	return total, nil
}

// marker returns the mark callback of one repository. With shared storage
// a key may live in any store, so it is marked everywhere.
func (m *Manager) marker(d dispatch.Dispatcher, comps []*gcComponent, byProvider map[string]*gcComponent, shared bool, repositoryName string) func(string) {
	if shared {
		return func(key string) {
			raw := blob.StripPrefix(key)
			for _, c := range comps {
				c.gc.Mark(raw)
			}
		}
	}
	log := m.logger.WithRepository(repositoryName)
	return func(key string) {
		p, err := m.resolveProvider(d, key, repositoryName)
		if err != nil {
			log.Error("unknown blob provider for key", "key", key)
			return
		}
		c, ok := byProvider[p.ID()]
		if !ok {
			log.WithProvider(p.ID()).Error("unknown binary garbage collector for key", "key", key)
			return
		}
		c.gc.Mark(blob.StripPrefix(key))
	}
}

// runInLongTransaction runs fn in a new transaction bounded by the GC
// timeout. An active ambient transaction is ended first and a new one is
// begun afterwards, whatever the outcome.
func (m *Manager) runInLongTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	switch m.tx.Status(ctx) {
	case repository.TxMarkedRollback:
		return ErrRollbackOnly
	case repository.TxActive:
		if err := m.tx.CommitOrRollback(ctx); err != nil {
			return fmt.Errorf("end ambient transaction: %w", err)
		}
		defer func() {
			if err := m.tx.Begin(ctx, 0); err != nil {
				m.logger.Error("cannot restart ambient transaction", "error", err)
			}
		}()
	}
	return m.tx.RunInTransaction(ctx, m.gcTimeout, fn)
}
