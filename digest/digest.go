// Package digest migrates blobs stored under a non-canonical key to the
// content digest key of their provider and rewrites every document
// referencing the old key.
package digest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/hupe1980/blobmgr"
	"github.com/hupe1980/blobmgr/blob"
	"github.com/hupe1980/blobmgr/blobstore"
	"github.com/hupe1980/blobmgr/keystrategy"
	"github.com/hupe1980/blobmgr/provider"
	"github.com/hupe1980/blobmgr/repository"
)

// Result describes one migration.
type Result struct {
	ProviderID string
	OldKey     string
	// NewKey is the canonical key. Empty if the blob was not found.
	NewKey string
	// Migrated is false when the blob was missing or already canonical.
	Migrated bool
	// Documents were rewritten to the new key. Failed documents were
	// logged and left unchanged.
	Documents int
	Failed    int
}

// Option configures a Helper.
type Option func(*Helper)

// WithTempDir sets the directory of the temporary download files.
func WithTempDir(dir string) Option {
	return func(h *Helper) { h.tmpDir = dir }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Helper) { h.logger = l }
}

// Helper recomputes blob digests.
type Helper struct {
	m      *blobmgr.Manager
	tmpDir string
	logger *slog.Logger
}

// New returns a helper working through m.
func New(m *blobmgr.Manager, opts ...Option) *Helper {
	h := &Helper{m: m, logger: m.Logger().Logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ComputeAndReplace moves the blob under the raw key of the provider to its
// digest key.
//
// The blob is copied, not moved: a replacement oldKey -> newKey lets
// transactions still holding the old key resolve the new one, every
// document of every repository referencing the old key (bare or prefixed)
// is rewritten, and the old key is only tombstoned for deferred deletion.
func (h *Helper) ComputeAndReplace(ctx context.Context, providerID, key string) (Result, error) {
	res := Result{ProviderID: providerID, OldKey: key}

	p, err := h.m.Provider(providerID)
	if err != nil {
		return res, err
	}
	sb, ok := p.(provider.StoreBacked)
	if !ok {
		return res, blobmgr.NewConfigurationError(providerID, "not a blob store provider", nil)
	}
	d, ok := keystrategy.IsDigest(sb.KeyStrategy())
	if !ok {
		return res, blobmgr.NewConfigurationError(providerID, "key strategy is not digest based", nil)
	}
	store := blobstore.Unwrap(sb.Store())

	sum, found, err := h.compute(ctx, store, d, key)
	if err != nil {
		return res, err
	}
	log := h.logger.With("provider", providerID, "key", key)
	if !found {
		log.Debug("blob not found, nothing to migrate")
		return res, nil
	}
	res.NewKey = sum
	if sum == key {
		log.Debug("blob key is already canonical")
		return res, nil
	}

	if gc := p.GarbageCollector(); gc != nil && gc.InProgress() {
		gc.Mark(sum)
	}
	if err := store.Copy(ctx, sum, key, false); err != nil {
		return res, fmt.Errorf("copy %s to %s: %w", key, sum, err)
	}
	if err := h.m.ReplaceBlobKey(ctx, providerID, key, sum); err != nil {
		return res, fmt.Errorf("register key replacement: %w", err)
	}
	res.Migrated = true

	for _, name := range h.m.Repositories().Names() {
		repo, ok := h.m.Repositories().Get(name)
		if !ok {
			continue
		}
		if !repo.HasCapability(repository.CapabilityQueryBlobKeys) {
			log.Warn("repository cannot query blob keys, documents not updated", "repository", name)
			continue
		}
		n, failed, err := h.rewrite(ctx, repo, providerID, key, sum)
		res.Documents += n
		res.Failed += failed
		if err != nil {
			log.Error("cannot update documents", "repository", name, "error", err)
		}
	}

	if err := h.m.MarkForDeletion(ctx, providerID, key); err != nil {
		return res, fmt.Errorf("mark %s for deletion: %w", key, err)
	}
	log.Info("blob digest replaced", "new_key", sum, "documents", res.Documents)
	return res, nil
}

// compute downloads the blob to a temporary file and hashes it.
func (h *Helper) compute(ctx context.Context, store blobstore.BlobStore, d *keystrategy.Digest, key string) (string, bool, error) {
	f, err := os.CreateTemp(h.tmpDir, "digest-*")
	if err != nil {
		return "", false, err
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}()

	if err := download(ctx, store, key, f); err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("download %s: %w", key, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", false, err
	}
	sum, _, err := d.Compute(f)
	if err != nil {
		return "", false, fmt.Errorf("hash %s: %w", key, err)
	}
	return sum, true, nil
}

func download(ctx context.Context, store blobstore.BlobStore, key string, f *os.File) error {
	if dl, ok := store.(blobstore.Downloader); ok {
		_, err := dl.Download(ctx, key, f)
		return err
	}
	b, err := store.Open(ctx, key)
	if err != nil {
		return err
	}
	rc, err := blobstore.NewReader(ctx, b)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	_, err = io.Copy(f, rc)
	return err
}

// rewrite updates the documents of repo referencing the old key, in its
// own transaction as the system principal.
func (h *Helper) rewrite(ctx context.Context, repo repository.Repository, providerID, oldKey, newKey string) (n, failed int, err error) {
	prefixedOld := blob.JoinKey(providerID, oldKey)
	prefixedNew := blob.JoinKey(providerID, newKey)

	err = h.m.Transactions().RunInTransaction(ctx, 0, func(ctx context.Context) error {
		s, err := repo.Open(ctx, repository.SystemPrincipal())
		if err != nil {
			return err
		}
		docs, err := s.Query(ctx, repository.Query{BlobKeys: []string{oldKey, prefixedOld}})
		if err != nil {
			return err
		}
		for _, doc := range docs {
			err := doc.VisitBlobs(func(_ string, b blob.Blob) (blob.Blob, error) {
				mb, ok := b.(*blob.Managed)
				if !ok {
					return nil, nil
				}
				switch mb.Key {
				case oldKey:
					return mb.WithKey(newKey).WithDigest(newKey), nil
				case prefixedOld:
					return mb.WithKey(prefixedNew).WithDigest(newKey), nil
				}
				return nil, nil
			})
			if err == nil {
				err = s.Save(ctx, doc)
			}
			if err != nil {
				h.logger.Error("cannot update document", "document", doc.ID(), "repository", repo.Name(), "error", err)
				failed++
				continue
			}
			n++
		}
		return nil
	})
	return n, failed, err
}
