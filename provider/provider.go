package provider

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/blobmgr/blob"
	"github.com/hupe1980/blobmgr/blobstore"
	"github.com/hupe1980/blobmgr/keystrategy"
)

// Descriptor is the immutable registration record of a provider.
type Descriptor struct {
	ID string
	// Transient providers hold blobs that are re-stored on every save.
	Transient bool
	// RecordMode providers receive retention and legal hold updates and
	// refuse writes to retained properties.
	RecordMode bool
	// GC enables binary garbage collection.
	GC bool
	// ColdStorage marks a provider whose blobs must be restored before
	// they can be read.
	ColdStorage bool
}

// ReadContext describes one blob read.
type ReadContext struct {
	Info blob.Info
	// DocumentID and XPath identify the referencing property, if any.
	DocumentID string
	XPath      string
}

// WriteContext describes one blob write.
type WriteContext struct {
	Blob blob.Blob
	// DocumentID and XPath identify the referencing property, if any.
	DocumentID string
	XPath      string
}

// UpdateContext is an update of an already stored blob.
// Only the non-zero fields are applied.
type UpdateContext struct {
	// Key is the raw key.
	Key         string
	RetainUntil *time.Time
	LegalHold   *bool
	// RestoreFor requests a temporary readable copy from the cold tier.
	RestoreFor time.Duration
}

// Provider is a named binding of a routing identifier to one physical store.
type Provider interface {
	ID() string
	// Read returns the managed blob for rc.Info. The key may carry this
	// provider's prefix and is kept as-is on the returned blob.
	Read(ctx context.Context, rc ReadContext) (*blob.Managed, error)
	// Write stores the blob and returns its raw key.
	Write(ctx context.Context, wc WriteContext) (string, error)
	IsTransient() bool
	IsRecordMode() bool
	IsColdStorage() bool
	// GarbageCollector returns nil if the provider does not support GC.
	GarbageCollector() GarbageCollector
	// Status reports whether the blob under the raw key can be downloaded.
	Status(ctx context.Context, key string) (blobstore.RestoreStatus, error)
	Update(ctx context.Context, uc UpdateContext) error
}

// StoreBacked is implemented by providers that write directly to a
// blobstore.BlobStore.
type StoreBacked interface {
	Store() blobstore.BlobStore
	KeyStrategy() keystrategy.Strategy
}

// URLProvider is implemented by providers that can hand out direct
// download URLs.
type URLProvider interface {
	DownloadURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// VersionFreezer is implemented by providers that substitute a frozen blob
// when a document version is checked in. It returns nil if b is unchanged.
type VersionFreezer interface {
	FreezeVersion(ctx context.Context, b *blob.Managed) (*blob.Managed, error)
}

// ErrNotRegistered is returned for unknown provider ids.
var ErrNotRegistered = errors.New("provider not registered")

// Registry is a concurrency-safe set of providers keyed by id.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns a registry holding ps.
func NewRegistry(ps ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range ps {
		r.Register(p)
	}
	return r
}

// Register adds p, replacing any provider with the same id.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
}

// Unregister removes the provider with the given id.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, id)
}

// Get returns the provider with the given id.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// IDs returns the sorted registered ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
