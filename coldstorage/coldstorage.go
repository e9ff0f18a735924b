// Package coldstorage moves the main content of documents to a cold tier
// and tracks retrieval requests until the content can be downloaded again.
//
// A document in cold storage carries the ColdStorage facet. Its main
// content is cleared and the blob lives under PropContent. While a
// retrieval is pending, PropBeingRetrieved is true; CheckAvailability
// clears it and publishes event.ColdStorageContentAvailable once the
// provider reports the blob downloadable.
package coldstorage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/hupe1980/blobmgr"
	"github.com/hupe1980/blobmgr/blob"
	"github.com/hupe1980/blobmgr/event"
	"github.com/hupe1980/blobmgr/provider"
	"github.com/hupe1980/blobmgr/repository"
)

const (
	Facet              = "ColdStorage"
	PropContent        = "coldstorage:content"
	PropBeingRetrieved = "coldstorage:beingRetrieved"
)

// DefaultURLTTL is the lifetime of download URLs in availability events.
const DefaultURLTTL = time.Hour

// AvailabilityResult counts the documents seen by CheckAvailability.
type AvailabilityResult struct {
	// Retrieving documents are still waiting for their content.
	Retrieving int
	// Available documents were cleared and notified.
	Available int
}

// Option configures a Helper.
type Option func(*Helper)

// WithRateLimit bounds provider status calls to n per second.
func WithRateLimit(n float64) Option {
	return func(h *Helper) { h.limiter = rate.NewLimiter(rate.Limit(n), 1) }
}

// WithURLTTL sets the lifetime of download URLs.
func WithURLTTL(ttl time.Duration) Option {
	return func(h *Helper) { h.urlTTL = ttl }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Helper) { h.logger = l }
}

// Helper runs cold storage state transitions through a Manager.
type Helper struct {
	m       *blobmgr.Manager
	limiter *rate.Limiter
	urlTTL  time.Duration
	logger  *slog.Logger
}

// New returns a helper for m.
func New(m *blobmgr.Manager, opts ...Option) *Helper {
	h := &Helper{
		m:       m,
		limiter: rate.NewLimiter(rate.Inf, 1),
		urlTTL:  DefaultURLTTL,
		logger:  m.Logger().Logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// MoveToColdStorage relocates the main content of doc to PropContent and
// saves doc through s.
func (h *Helper) MoveToColdStorage(ctx context.Context, s repository.Session, doc repository.Document) error {
	if !s.HasPermission(doc, repository.PermissionWriteColdStorage) {
		return fmt.Errorf("%w: %s cannot move %s to cold storage", blobmgr.ErrForbidden, s.Principal().Name, doc.ID())
	}
	if doc.HasFacet(Facet) {
		return fmt.Errorf("%w: %s is already in cold storage", blobmgr.ErrConflict, doc.ID())
	}
	main, err := managedAt(doc, blobmgr.MainBlobXPath)
	if err != nil {
		return err
	}
	if main == nil {
		return fmt.Errorf("%w: %s has no main content", blobmgr.ErrNotFound, doc.ID())
	}

	key, err := h.m.WriteBlob(ctx, main, doc, PropContent)
	if err != nil {
		return fmt.Errorf("write cold content of %s: %w", doc.ID(), err)
	}
	info := main.Info
	if key != main.Key {
		info.Digest = ""
	}
	info.Key = key
	cold, err := h.m.ReadBlob(ctx, info, doc, PropContent)
	if err != nil {
		return fmt.Errorf("read cold content of %s: %w", doc.ID(), err)
	}

	doc.AddFacet(Facet)
	if err := doc.SetValue(PropContent, cold); err != nil {
		return err
	}
	if err := doc.SetValue(blobmgr.MainBlobXPath, nil); err != nil {
		return err
	}
	if err := s.Save(ctx, doc); err != nil {
		return err
	}
	h.logger.Info("moved to cold storage", "document", doc.ID(), "key", key)
	return nil
}

// RequestRetrieval asks the provider of the cold content to make it
// downloadable for d and flags doc as being retrieved.
func (h *Helper) RequestRetrieval(ctx context.Context, s repository.Session, doc repository.Document, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: retrieval duration must be positive", blobmgr.ErrInvalidArgument)
	}
	cold, err := managedAt(doc, PropContent)
	if err != nil {
		return err
	}
	if cold == nil {
		return fmt.Errorf("%w: %s has no cold storage content", blobmgr.ErrNotFound, doc.ID())
	}
	if beingRetrieved(doc) {
		return fmt.Errorf("%w: %w: %s is already being retrieved", blobmgr.ErrConflict, blobmgr.ErrForbidden, doc.ID())
	}

	p, err := h.m.Provider(cold.ProviderID)
	if err != nil {
		return err
	}
	if err := p.Update(ctx, provider.UpdateContext{Key: cold.RawKey(), RestoreFor: d}); err != nil {
		return err
	}
	if err := doc.SetValue(PropBeingRetrieved, true); err != nil {
		return err
	}
	return s.Save(ctx, doc)
}

// CheckAvailability scans the documents of the repository being retrieved
// and notifies those whose content became downloadable.
func (h *Helper) CheckAvailability(ctx context.Context, repositoryName string) (AvailabilityResult, error) {
	var res AvailabilityResult
	repo, ok := h.m.Repositories().Get(repositoryName)
	if !ok {
		return res, fmt.Errorf("%w: unknown repository %q", blobmgr.ErrInvalidArgument, repositoryName)
	}
	log := h.logger.With("repository", repositoryName)

	err := h.m.Transactions().RunInTransaction(ctx, 0, func(ctx context.Context) error {
		s, err := repo.Open(ctx, repository.SystemPrincipal())
		if err != nil {
			return err
		}
		docs, err := s.Query(ctx, repository.Query{Facet: Facet, Property: PropBeingRetrieved, Equals: true})
		if err != nil {
			return err
		}
		for _, doc := range docs {
			if err := h.limiter.Wait(ctx); err != nil {
				return err
			}
			available, err := h.notifyIfAvailable(ctx, s, doc)
			if err != nil {
				log.Error("cannot check cold storage content", "document", doc.ID(), "error", err)
				res.Retrieving++
				continue
			}
			if available {
				res.Available++
			} else {
				res.Retrieving++
			}
		}
		return nil
	})
	return res, err
}

func (h *Helper) notifyIfAvailable(ctx context.Context, s repository.Session, doc repository.Document) (bool, error) {
	cold, err := managedAt(doc, PropContent)
	if err != nil {
		return false, err
	}
	if cold == nil {
		return false, fmt.Errorf("%w: no cold storage content", blobmgr.ErrNotFound)
	}
	p, err := h.m.Provider(cold.ProviderID)
	if err != nil {
		return false, err
	}
	st, err := p.Status(ctx, cold.RawKey())
	if err != nil {
		return false, err
	}
	if !st.Downloadable() {
		return false, nil
	}

	if err := doc.SetValue(PropBeingRetrieved, false); err != nil {
		return false, err
	}
	if err := s.Save(ctx, doc); err != nil {
		return false, err
	}

	props := map[string]any{}
	if up, ok := p.(provider.URLProvider); ok {
		url, err := up.DownloadURL(ctx, cold.RawKey(), h.urlTTL)
		if err != nil {
			h.logger.Warn("no download url", "document", doc.ID(), "error", err)
		} else {
			props[event.PropDownloadURL] = url
		}
	}
	if !st.Expiry.IsZero() {
		props[event.PropExpiry] = st.Expiry
	}
	if err := h.m.Events().Publish(ctx, event.Event{
		Name:       event.ColdStorageContentAvailable,
		Repository: s.RepositoryName(),
		DocumentID: doc.ID(),
		Blob:       cold,
		Properties: props,
	}); err != nil {
		h.logger.Warn("cannot publish availability", "document", doc.ID(), "error", err)
	}
	return true, nil
}

func managedAt(doc repository.Document, xpath string) (*blob.Managed, error) {
	v, err := doc.Value(xpath)
	if err != nil || v == nil {
		return nil, err
	}
	mb, ok := v.(*blob.Managed)
	if !ok {
		return nil, fmt.Errorf("%s of %s is not a managed blob", xpath, doc.ID())
	}
	return mb, nil
}

func beingRetrieved(doc repository.Document) bool {
	v, _ := doc.Value(PropBeingRetrieved)
	b, _ := v.(bool)
	return b
}
