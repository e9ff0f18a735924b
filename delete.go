package blobmgr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/blobmgr/blob"
	"github.com/hupe1980/blobmgr/blobstore"
	"github.com/hupe1980/blobmgr/event"
	"github.com/hupe1980/blobmgr/provider"
	"github.com/hupe1980/blobmgr/repository"
	"github.com/hupe1980/blobmgr/tombstone"
)

// DeleteBlob deletes the blob under key if no document of the repository
// references it. It reports whether the blob was (or, with dryRun, would
// be) deleted.
//
// The repository must support repository.CapabilityQueryBlobKeys, and no
// two providers may share a store: with shared storage the owner of a key
// is ambiguous.
func (m *Manager) DeleteBlob(ctx context.Context, repositoryName, key string, dryRun bool) (deleted bool, err error) {
	defer func() {
		m.metrics.RecordDelete(deleted, err)
		m.logger.LogDelete(ctx, repositoryName, key, deleted, dryRun, err)
	}()

	if strings.TrimSpace(repositoryName) == "" {
		return false, fmt.Errorf("%w: repository name cannot be empty", ErrInvalidArgument)
	}
	repo, ok := m.repos.Get(repositoryName)
	if !ok {
		return false, fmt.Errorf("%w: unknown repository %q", ErrInvalidArgument, repositoryName)
	}
	if !repo.HasCapability(repository.CapabilityQueryBlobKeys) {
		return false, fmt.Errorf("%w: repository %q cannot query blob keys", ErrUnsupported, repositoryName)
	}
	if m.HasSharedStorage() {
		return false, fmt.Errorf("%w: cannot delete on shared storage", ErrUnsupported)
	}

	p, err := m.ResolveProvider(key, repositoryName)
	if err != nil {
		return false, err
	}
	sb, ok := p.(provider.StoreBacked)
	if !ok {
		m.logger.Debug("unsupported blob provider for deletion", "provider", p.ID(), "key", key)
		return false, nil
	}

	referenced, err := m.referenced(ctx, repo, key)
	if err != nil {
		return false, err
	}
	if referenced {
		return false, nil
	}
	if dryRun {
		return true, nil
	}

	mb, err := p.Read(ctx, provider.ReadContext{Info: blob.Info{Key: key}})
	if err != nil {
		return false, err
	}
	raw := blob.StripPrefix(key)
	if err := sb.Store().Delete(ctx, raw); err != nil {
		return false, fmt.Errorf("delete %s from %s: %w", raw, p.ID(), err)
	}
	if err := m.events.Publish(ctx, event.Event{
		Name:       event.BlobDeleted,
		Repository: repositoryName,
		Blob:       mb,
		Time:       m.clock.Now(),
	}); err != nil {
		m.logger.Error("cannot publish event", "event", event.BlobDeleted, "error", err)
	}
	return true, nil
}

// referenced reports whether a document of repo references one of keys.
// The query runs in its own transaction as the system principal, so that
// no reference is hidden by permissions.
func (m *Manager) referenced(ctx context.Context, repo repository.Repository, keys ...string) (bool, error) {
	var found bool
	err := m.tx.RunInTransaction(ctx, 0, func(ctx context.Context) error {
		s, err := repo.Open(ctx, repository.SystemPrincipal())
		if err != nil {
			return err
		}
		docs, err := s.Query(ctx, repository.Query{BlobKeys: keys, Limit: 1})
		if err != nil {
			return err
		}
		found = len(docs) > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("query references in %s: %w", repo.Name(), err)
	}
	return found, nil
}

// MarkForDeletion tombstones the raw key. SweepDeletions deletes it once
// the tombstone is older than the safety window and the blob is still
// unreferenced.
func (m *Manager) MarkForDeletion(ctx context.Context, providerID, key string) error {
	return m.tombstones.Mark(ctx, tombstone.Entry{
		ProviderID:   providerID,
		Key:          key,
		TombstonedAt: m.clock.Now(),
	})
}

// SweepStatus summarizes one deferred deletion sweep.
type SweepStatus struct {
	// Due is the number of tombstones older than the safety window.
	Due int
	// Deleted blobs were removed from their store.
	Deleted int
	// Referenced blobs were referenced again; their tombstone was dropped.
	Referenced int
	// Skipped tombstones stay for a later sweep.
	Skipped int
}

// SweepDeletions deletes the blobs whose tombstone is older than the
// safety window, unless a document of any repository references them
// bare or prefixed. Failures on single blobs are logged and skipped.
func (m *Manager) SweepDeletions(ctx context.Context) (status SweepStatus, err error) {
	defer func() {
		m.metrics.RecordSweep(status, err)
		m.logger.LogSweep(ctx, status, err)
	}()

	due, err := m.tombstones.Due(ctx, m.clock.Now().Add(-m.safetyWindow))
	if err != nil {
		return SweepStatus{}, fmt.Errorf("list tombstones: %w", err)
	}
	status.Due = len(due)
	for _, e := range due {
		if err := ctx.Err(); err != nil {
			return status, err
		}
		switch res := m.sweepOne(ctx, e); res {
		case sweepDeleted:
			status.Deleted++
		case sweepReferenced:
			status.Referenced++
		default:
			status.Skipped++
		}
	}
	return status, nil
}

type sweepResult int

const (
	sweepSkipped sweepResult = iota
	sweepDeleted
	sweepReferenced
)

func (m *Manager) sweepOne(ctx context.Context, e tombstone.Entry) sweepResult {
	log := m.logger.With("provider", e.ProviderID, "key", e.Key)

	p, ok := m.providers.Get(e.ProviderID)
	if !ok {
		log.Warn("tombstone of unregistered provider")
		return sweepSkipped
	}
	sb, ok := p.(provider.StoreBacked)
	if !ok {
		log.Warn("tombstone of provider without direct store")
		return sweepSkipped
	}

	for _, name := range m.repos.Names() {
		repo, ok := m.repos.Get(name)
		if !ok {
			continue
		}
		if !repo.HasCapability(repository.CapabilityQueryBlobKeys) {
			log.Warn("cannot check references", "repository", name)
			return sweepSkipped
		}
		ref, err := m.referenced(ctx, repo, e.Key, blob.JoinKey(e.ProviderID, e.Key))
		if err != nil {
			log.Error("cannot check references", "repository", name, "error", err)
			return sweepSkipped
		}
		if ref {
			if err := m.tombstones.Remove(ctx, e); err != nil && !errors.Is(err, tombstone.ErrChanged) {
				log.Error("cannot remove tombstone", "error", err)
			}
			log.Info("tombstoned blob is referenced", "repository", name)
			return sweepReferenced
		}
	}

	if err := m.tombstones.Remove(ctx, e); err != nil {
		if errors.Is(err, tombstone.ErrChanged) {
			log.Debug("tombstone renewed during sweep")
		} else {
			log.Error("cannot remove tombstone", "error", err)
		}
		return sweepSkipped
	}
	if err := sb.Store().Delete(ctx, e.Key); err != nil {
		if errors.Is(err, blobstore.ErrRetained) {
			log.Warn("tombstoned blob is retained")
		} else {
			log.Error("cannot delete tombstoned blob", "error", err)
		}
		return sweepSkipped
	}
	if err := m.events.Publish(ctx, event.Event{
		Name: event.BlobDeleted,
		Blob: blob.NewManaged(e.ProviderID, blob.Info{Key: e.Key}, nil),
		Time: m.clock.Now(),
	}); err != nil {
		log.Error("cannot publish event", "event", event.BlobDeleted, "error", err)
	}
	return sweepDeleted
}
