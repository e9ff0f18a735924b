package provider

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/hupe1980/blobmgr/blob"
	"github.com/hupe1980/blobmgr/blobstore"
	"github.com/hupe1980/blobmgr/keystrategy"
	"github.com/juju/clock"
)

// Option configures a StoreProvider.
type Option func(*StoreProvider)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *StoreProvider) { p.logger = l }
}

// WithTempDir sets the directory used to spool content while hashing.
func WithTempDir(dir string) Option {
	return func(p *StoreProvider) { p.tmpDir = dir }
}

// WithClock sets the clock used for GC durations.
func WithClock(c clock.Clock) Option {
	return func(p *StoreProvider) { p.clock = c }
}

// StoreProvider is a Provider writing to a blobstore.BlobStore.
type StoreProvider struct {
	desc     Descriptor
	store    blobstore.BlobStore
	strategy keystrategy.Strategy
	logger   *slog.Logger
	clock    clock.Clock
	tmpDir   string
	gc       *StoreGC
}

var (
	_ Provider    = (*StoreProvider)(nil)
	_ StoreBacked = (*StoreProvider)(nil)
	_ URLProvider = (*StoreProvider)(nil)
)

// NewStoreProvider returns a provider for desc backed by store.
func NewStoreProvider(desc Descriptor, store blobstore.BlobStore, strategy keystrategy.Strategy, opts ...Option) *StoreProvider {
	p := &StoreProvider{
		desc:     desc,
		store:    store,
		strategy: strategy,
		logger:   slog.New(slog.DiscardHandler),
		clock:    clock.WallClock,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.strategy == nil {
		p.strategy = keystrategy.Opaque{}
	}
	p.logger = p.logger.With("provider", desc.ID)
	if desc.GC {
		p.gc = NewStoreGC(store, p.strategy, p.clock, p.logger)
	}
	return p
}

func (p *StoreProvider) ID() string                        { return p.desc.ID }
func (p *StoreProvider) Descriptor() Descriptor            { return p.desc }
func (p *StoreProvider) IsTransient() bool                 { return p.desc.Transient }
func (p *StoreProvider) IsRecordMode() bool                { return p.desc.RecordMode }
func (p *StoreProvider) IsColdStorage() bool               { return p.desc.ColdStorage }
func (p *StoreProvider) Store() blobstore.BlobStore        { return p.store }
func (p *StoreProvider) KeyStrategy() keystrategy.Strategy { return p.strategy }

// GarbageCollector implements Provider.
func (p *StoreProvider) GarbageCollector() GarbageCollector {
	if p.gc == nil {
		return nil
	}
	return p.gc
}

func (p *StoreProvider) rawKey(key string) string {
	if id, raw, ok := blob.SplitKey(key); ok && id == p.desc.ID {
		return raw
	}
	return key
}

// Read implements Provider. The content is opened lazily.
func (p *StoreProvider) Read(_ context.Context, rc ReadContext) (*blob.Managed, error) {
	info := rc.Info
	if info.Key == "" {
		return nil, fmt.Errorf("provider %s: empty key", p.desc.ID)
	}
	raw := p.rawKey(info.Key)
	p.logger.Debug("blob read", "key", raw, "doc", rc.DocumentID, "xpath", rc.XPath)
	if info.Digest == "" {
		info.Digest = p.strategy.DigestFromKey(raw)
	}
	return blob.NewManaged(p.desc.ID, info, func(ctx context.Context) (io.ReadCloser, error) {
		b, err := p.store.Open(ctx, raw)
		if err != nil {
			return nil, fmt.Errorf("provider %s: open %s: %w", p.desc.ID, raw, err)
		}
		return blobstore.NewReader(ctx, b)
	}), nil
}

// Write implements Provider. Digest strategies spool the content to a
// temporary file while hashing and skip the upload if the key exists.
func (p *StoreProvider) Write(ctx context.Context, wc WriteContext) (string, error) {
	if wc.Blob == nil {
		return "", errors.New("provider: nil blob")
	}
	rc, err := wc.Blob.Open(ctx)
	if err != nil {
		return "", fmt.Errorf("provider %s: open source: %w", p.desc.ID, err)
	}
	defer func() { _ = rc.Close() }()

	if d, ok := keystrategy.IsDigest(p.strategy); ok {
		return p.writeDigest(ctx, d, rc)
	}

	key := p.strategy.NewKey()
	if err := p.store.Put(ctx, key, rc, wc.Blob.Length()); err != nil {
		return "", fmt.Errorf("provider %s: put %s: %w", p.desc.ID, key, err)
	}
	p.logger.Debug("blob written", "key", key, "xpath", wc.XPath)
	return key, nil
}

func (p *StoreProvider) writeDigest(ctx context.Context, d *keystrategy.Digest, r io.Reader) (string, error) {
	f, err := os.CreateTemp(p.tmpDir, "blob-*")
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}()

	h := d.NewHash()
	n, err := io.Copy(io.MultiWriter(f, h), r)
	if err != nil {
		return "", fmt.Errorf("provider %s: spool: %w", p.desc.ID, err)
	}
	key := hex.EncodeToString(h.Sum(nil))

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	if p.gc != nil && p.gc.InProgress() {
		// a deduplicated write must survive a sweep already under way
		p.gc.Mark(key)
	}
	if err := PutIfAbsent(ctx, p.store, key, f, n); err != nil {
		return "", fmt.Errorf("provider %s: put %s: %w", p.desc.ID, key, err)
	}
	p.logger.Debug("blob written", "key", key, "size", n)
	return key, nil
}

// PutIfAbsent writes r under key unless the store already holds it.
func PutIfAbsent(ctx context.Context, store blobstore.BlobStore, key string, r io.Reader, size int64) error {
	if cp, ok := store.(blobstore.ConditionalPutter); ok {
		_, err := cp.PutIfAbsent(ctx, key, r, size)
		return err
	}
	exists, err := blobstore.Exists(ctx, store, key)
	if err != nil || exists {
		return err
	}
	return store.Put(ctx, key, r, size)
}

// Status implements Provider.
func (p *StoreProvider) Status(ctx context.Context, key string) (blobstore.RestoreStatus, error) {
	r, ok := blobstore.Unwrap(p.store).(blobstore.Restorer)
	if !ok {
		return blobstore.RestoreStatus{}, nil
	}
	return r.RestoreStatus(ctx, p.rawKey(key))
}

// Update implements Provider.
func (p *StoreProvider) Update(ctx context.Context, uc UpdateContext) error {
	raw := p.rawKey(uc.Key)
	inner := blobstore.Unwrap(p.store)

	if uc.RetainUntil != nil || uc.LegalHold != nil {
		ret, ok := inner.(blobstore.Retainer)
		if !ok {
			return fmt.Errorf("provider %s: retention: %w", p.desc.ID, errors.ErrUnsupported)
		}
		if uc.RetainUntil != nil {
			if err := ret.SetRetention(ctx, raw, *uc.RetainUntil); err != nil {
				return fmt.Errorf("provider %s: set retention %s: %w", p.desc.ID, raw, err)
			}
		}
		if uc.LegalHold != nil {
			if err := ret.SetLegalHold(ctx, raw, *uc.LegalHold); err != nil {
				return fmt.Errorf("provider %s: set legal hold %s: %w", p.desc.ID, raw, err)
			}
		}
	}

	if uc.RestoreFor > 0 {
		res, ok := inner.(blobstore.Restorer)
		if !ok {
			return fmt.Errorf("provider %s: restore: %w", p.desc.ID, errors.ErrUnsupported)
		}
		if err := res.Restore(ctx, raw, uc.RestoreFor); err != nil {
			return fmt.Errorf("provider %s: restore %s: %w", p.desc.ID, raw, err)
		}
		p.logger.Info("restore requested", "key", raw, "for", uc.RestoreFor)
	}
	return nil
}

// DownloadURL implements URLProvider.
func (p *StoreProvider) DownloadURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	s, ok := blobstore.Unwrap(p.store).(blobstore.URLSigner)
	if !ok {
		return "", fmt.Errorf("provider %s: download url: %w", p.desc.ID, errors.ErrUnsupported)
	}
	return s.PresignGet(ctx, p.rawKey(key), ttl)
}
