package blobmgr

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sync/atomic"
	"time"

	"github.com/hupe1980/blobmgr/blob"
	"github.com/hupe1980/blobmgr/dispatch"
	"github.com/hupe1980/blobmgr/event"
	"github.com/hupe1980/blobmgr/provider"
	"github.com/hupe1980/blobmgr/repository"
	"github.com/hupe1980/blobmgr/tombstone"
	"github.com/juju/clock"
)

// MainBlobXPath is the property holding the primary content of a document.
const MainBlobXPath = "content"

type dispatcherSnapshot struct {
	dispatcher dispatch.Dispatcher
}

// Manager routes document blobs to providers, drives garbage collection
// across repositories and runs deferred deletions.
//
// A Manager is safe for concurrent use.
type Manager struct {
	providers *provider.Registry
	active    atomic.Pointer[dispatcherSnapshot]

	repos        *repository.Repositories
	tx           repository.TxManager
	events       event.Publisher
	replacements keyReplacements
	tombstones   tombstone.Store
	dispatchers  *dispatch.Registry
	clock        clock.Clock
	logger       *Logger
	metrics      MetricsCollector
	safetyWindow time.Duration
	gcTimeout    time.Duration
}

// New returns a manager for the registered providers.
func New(providers *provider.Registry, optFns ...Option) *Manager {
	o := applyOptions(optFns)
	m := &Manager{
		providers:    providers,
		repos:        o.repositories,
		tx:           o.tx,
		events:       o.events,
		replacements: keyReplacements{o.replacements},
		tombstones:   o.tombstones,
		dispatchers:  o.dispatchers,
		clock:        o.clock,
		logger:       o.logger,
		metrics:      o.metricsCollector,
		safetyWindow: o.safetyWindow,
		gcTimeout:    o.gcTimeout,
	}
	m.active.Store(&dispatcherSnapshot{dispatcher: o.dispatcher})
	return m
}

// Configure builds the dispatcher described by desc and makes it active.
// Operations already running keep the dispatcher they started with.
func (m *Manager) Configure(desc dispatch.Descriptor) error {
	d, err := m.dispatchers.Build(desc)
	if err != nil {
		return NewConfigurationError("", "invalid dispatcher", err)
	}
	m.active.Store(&dispatcherSnapshot{dispatcher: d})
	m.logger.Info("dispatcher configured", "type", desc.Name, "providers", d.ProviderIDs())
	return nil
}

// Dispatcher returns the active dispatcher.
func (m *Manager) Dispatcher() dispatch.Dispatcher {
	return m.active.Load().dispatcher
}

// Providers returns the provider registry.
func (m *Manager) Providers() *provider.Registry { return m.providers }

// Repositories returns the repositories scanned by garbage collection.
func (m *Manager) Repositories() *repository.Repositories { return m.repos }

// Transactions returns the transaction manager of GC runs.
func (m *Manager) Transactions() repository.TxManager { return m.tx }

// Events returns the publisher of blob lifecycle events.
func (m *Manager) Events() event.Publisher { return m.events }

// Logger returns the manager's logger.
func (m *Manager) Logger() *Logger { return m.logger }

// Provider returns the registered provider or a *ConfigurationError.
func (m *Manager) Provider(id string) (provider.Provider, error) {
	p, ok := m.providers.Get(id)
	if !ok {
		return nil, errUnregistered(id)
	}
	return p, nil
}

// ResolveProvider returns the provider of key: the prefix if the key has
// one, else the dispatcher's default for the repository.
func (m *Manager) ResolveProvider(key, repositoryName string) (provider.Provider, error) {
	return m.resolveProvider(m.Dispatcher(), key, repositoryName)
}

func (m *Manager) resolveProvider(d dispatch.Dispatcher, key, repositoryName string) (provider.Provider, error) {
	id, _, ok := blob.SplitKey(key)
	if !ok {
		id = d.RepositoryProvider(repositoryName)
	}
	return m.Provider(id)
}

func repositoryOf(doc repository.Document) string {
	if doc == nil {
		return ""
	}
	return doc.RepositoryName()
}

func documentID(doc repository.Document) string {
	if doc == nil {
		return ""
	}
	return doc.ID()
}

// ReadBlob returns the managed blob described by info for the property
// xpath of doc. It returns nil if info has no key.
func (m *Manager) ReadBlob(ctx context.Context, info blob.Info, doc repository.Document, xpath string) (*blob.Managed, error) {
	return m.readBlob(ctx, provider.ReadContext{Info: info, DocumentID: documentID(doc), XPath: xpath}, repositoryOf(doc))
}

// ReadBlobFromRepository is ReadBlob without a document.
func (m *Manager) ReadBlobFromRepository(ctx context.Context, info blob.Info, repositoryName string) (*blob.Managed, error) {
	return m.readBlob(ctx, provider.ReadContext{Info: info}, repositoryName)
}

func (m *Manager) readBlob(ctx context.Context, rc provider.ReadContext, repositoryName string) (mb *blob.Managed, err error) {
	info := rc.Info
	if info.Key == "" {
		return nil, nil
	}
	start := m.clock.Now()
	defer func() {
		m.metrics.RecordRead(m.clock.Now().Sub(start), err)
		m.logger.LogRead(ctx, info.Key, err)
	}()

	p, err := m.ResolveProvider(info.Key, repositoryName)
	if err != nil {
		return nil, err
	}
	return p.Read(ctx, rc)
}

// WriteBlob stores b for the property xpath of doc and returns the key to
// persist. A nil blob clears the property and returns "".
//
// A managed blob of a non-transient provider keeps its key (after key
// replacement) when the dispatcher does not claim its provider or routes
// it to the same provider.
func (m *Manager) WriteBlob(ctx context.Context, b blob.Blob, doc repository.Document, xpath string) (key string, err error) {
	if b == nil {
		if doc != nil && doc.IsRetained(xpath) && !canDeleteUndeletable(ctx) {
			return "", &SecurityError{DocumentID: doc.ID(), XPath: xpath, Reason: "cannot delete blob under retention or hold"}
		}
		return "", nil
	}

	start := m.clock.Now()
	var providerID string
	defer func() {
		m.metrics.RecordWrite(providerID, m.clock.Now().Sub(start), err)
		m.logger.LogWrite(ctx, providerID, key, err)
	}()

	d := m.Dispatcher()
	var dec *dispatch.Decision
	if mb, ok := b.(*blob.Managed); ok {
		cur, err := m.Provider(mb.ProviderID)
		if err != nil {
			return "", err
		}
		if !cur.IsTransient() {
			providerID = mb.ProviderID
			if !slices.Contains(d.ProviderIDs(), mb.ProviderID) {
				return m.replacements.apply(ctx, mb)
			}
			decision, err := d.Dispatch(doc, b, xpath)
			if err != nil {
				return "", fmt.Errorf("dispatch: %w", err)
			}
			if decision.ProviderID == mb.ProviderID {
				return m.replacements.apply(ctx, mb)
			}
			dec = &decision
		}
	}
	if dec == nil {
		decision, err := d.Dispatch(doc, b, xpath)
		if err != nil {
			return "", fmt.Errorf("dispatch: %w", err)
		}
		dec = &decision
	}
	providerID = dec.ProviderID

	p, err := m.Provider(dec.ProviderID)
	if err != nil {
		return "", err
	}
	if p.IsRecordMode() && doc != nil && doc.IsRetained(xpath) {
		return "", &SecurityError{DocumentID: doc.ID(), XPath: xpath, Reason: "cannot change blob under retention or hold"}
	}
	key, err = p.Write(ctx, provider.WriteContext{Blob: b, DocumentID: documentID(doc), XPath: xpath})
	if err != nil {
		return "", err
	}
	if dec.AddPrefix {
		key = blob.JoinKey(dec.ProviderID, key)
	}
	return key, nil
}

func canDeleteUndeletable(ctx context.Context) bool {
	p, ok := repository.PrincipalFrom(ctx)
	return ok && (p.IsSystem() || p.Administrator)
}

// BlobKeyReplacement returns the current key of the raw key, which is key
// itself unless a replacement was registered.
func (m *Manager) BlobKeyReplacement(ctx context.Context, providerID, key string) (string, error) {
	return m.replacements.lookup(ctx, providerID, key)
}

// ReplaceBlobKey registers newKey as the replacement of the raw oldKey.
func (m *Manager) ReplaceBlobKey(ctx context.Context, providerID, oldKey, newKey string) error {
	return m.replacements.t.Put(ctx, providerID, oldKey, newKey)
}

// FreezeVersion lets providers implementing provider.VersionFreezer
// substitute the blobs of doc when a version is checked in.
func (m *Manager) FreezeVersion(ctx context.Context, doc repository.Document) error {
	return doc.VisitBlobs(func(xpath string, b blob.Blob) (blob.Blob, error) {
		mb, ok := b.(*blob.Managed)
		if !ok {
			return nil, nil
		}
		p, ok := m.providers.Get(mb.ProviderID)
		if !ok {
			return nil, nil
		}
		f, ok := p.(provider.VersionFreezer)
		if !ok {
			return nil, nil
		}
		frozen, err := f.FreezeVersion(ctx, mb)
		if err != nil {
			return nil, fmt.Errorf("freeze %s of %s: %w", xpath, doc.ID(), err)
		}
		if frozen == nil {
			return nil, nil
		}
		return frozen, nil
	})
}

// NotifyChanges forwards to the active dispatcher.
func (m *Manager) NotifyChanges(doc repository.Document, xpaths []string) {
	m.Dispatcher().NotifyChanges(doc, xpaths)
}

// NotifyMakeRecord forwards to the active dispatcher.
func (m *Manager) NotifyMakeRecord(doc repository.Document) {
	m.Dispatcher().NotifyMakeRecord(doc)
}

// NotifyAfterCopy forwards to the active dispatcher.
func (m *Manager) NotifyAfterCopy(doc repository.Document) {
	m.Dispatcher().NotifyAfterCopy(doc)
}

// NotifyBeforeRemove forwards to the active dispatcher.
func (m *Manager) NotifyBeforeRemove(doc repository.Document) {
	m.Dispatcher().NotifyBeforeRemove(doc)
}

// NotifySetRetainUntil propagates a retention date to the record-mode
// providers of the main blob and every retainable blob of doc.
func (m *Manager) NotifySetRetainUntil(ctx context.Context, doc repository.Document, until time.Time) error {
	return m.updateRetainedBlobs(ctx, doc, func(uc *provider.UpdateContext) { uc.RetainUntil = &until })
}

// NotifySetLegalHold propagates a legal hold to the record-mode providers
// of the main blob and every retainable blob of doc.
func (m *Manager) NotifySetLegalHold(ctx context.Context, doc repository.Document, hold bool) error {
	return m.updateRetainedBlobs(ctx, doc, func(uc *provider.UpdateContext) { uc.LegalHold = &hold })
}

func (m *Manager) updateRetainedBlobs(ctx context.Context, doc repository.Document, fill func(*provider.UpdateContext)) error {
	if err := m.updateBlob(ctx, m.mainBlob(doc), fill); err != nil {
		return err
	}
	for _, mb := range m.RetainableBlobs(doc) {
		if err := m.updateBlob(ctx, mb, fill); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) updateBlob(ctx context.Context, mb *blob.Managed, fill func(*provider.UpdateContext)) error {
	if mb == nil {
		return nil
	}
	p, ok := m.providers.Get(mb.ProviderID)
	if !ok {
		m.logger.Error("no blob provider found for blob", "key", mb.Key)
		return nil
	}
	if !p.IsRecordMode() {
		m.logger.Debug("blob provider is not in record mode", "key", mb.Key)
		return nil
	}
	uc := provider.UpdateContext{Key: mb.RawKey()}
	fill(&uc)
	return p.Update(ctx, uc)
}

func (m *Manager) mainBlob(doc repository.Document) *blob.Managed {
	v, err := doc.Value(MainBlobXPath)
	if err != nil || v == nil {
		return nil
	}
	mb, ok := v.(*blob.Managed)
	if !ok {
		m.logger.Error("blob is not managed", "document", doc.ID())
		return nil
	}
	return mb
}

var retainablePathRE = regexp.MustCompile(`/\*/|/`)

// RetainableBlobs returns the managed blobs found under the retainable
// properties of doc. Paths traverse lists with "/*/" and complex
// properties with "/". Paths reaching a scalar early are logged and
// skipped.
func (m *Manager) RetainableBlobs(doc repository.Document) []*blob.Managed {
	var blobs []*blob.Managed
	for _, p := range doc.RetainedProperties() {
		split := retainablePathRE.Split(p, -1)
		v, err := doc.Value(split[0])
		if err != nil || v == nil {
			continue
		}
		if err := findBlobs(v, split[1:], &blobs); err != nil {
			m.logger.Error("invalid retainable property path", "path", p, "document", doc.ID(), "error", err)
		}
	}
	return blobs
}

var errScalarPath = errors.New("sub path matches a scalar property")

func findBlobs(v any, split []string, out *[]*blob.Managed) error {
	if len(split) == 0 {
		if mb, ok := v.(*blob.Managed); ok {
			*out = append(*out, mb)
		}
		return nil
	}
	name, sub := split[0], split[1:]
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		for _, child := range x {
			switch c := child.(type) {
			case *blob.Managed:
				if err := findBlobs(c, sub, out); err != nil {
					return err
				}
			case map[string]any:
				if err := findBlobs(c[name], sub, out); err != nil {
					return err
				}
			case nil:
			default:
				return fmt.Errorf("%w: %v", errScalarPath, split)
			}
		}
		return nil
	case map[string]any:
		return findBlobs(x[name], sub, out)
	default:
		return fmt.Errorf("%w: %v", errScalarPath, split)
	}
}
