// Package dispatch decides which blob provider stores a blob and whether
// the provider id is persisted as a key prefix.
package dispatch

import (
	"github.com/hupe1980/blobmgr/blob"
	"github.com/hupe1980/blobmgr/repository"
)

// DefaultProviderID is the provider used when no dispatcher is configured.
const DefaultProviderID = "default"

// Decision is the routing of one write.
type Decision struct {
	ProviderID string
	// AddPrefix requests that the returned key be persisted as
	// "<providerId>:<key>".
	AddPrefix bool
}

// Dispatcher routes blobs to providers.
type Dispatcher interface {
	// Initialize configures the dispatcher once from ordered properties.
	Initialize(props Properties) error
	// ProviderIDs returns the providers the dispatcher may route to,
	// except repository defaults that only RepositoryProvider names.
	// Managed blobs of other providers are passed through on write.
	ProviderIDs() []string
	// RepositoryProvider returns the provider of unprefixed keys read from
	// the repository. It is deterministic per repository.
	RepositoryProvider(repositoryName string) string
	// Dispatch routes a write of b to the property xpath of doc. doc may
	// be nil for writes outside a document.
	Dispatch(doc repository.Document, b blob.Blob, xpath string) (Decision, error)

	NotifyChanges(doc repository.Document, xpaths []string)
	NotifyMakeRecord(doc repository.Document)
	NotifyAfterCopy(doc repository.Document)
	NotifyBeforeRemove(doc repository.Document)
}

// NopHooks implements the notification methods of Dispatcher as no-ops.
type NopHooks struct{}

func (NopHooks) NotifyChanges(repository.Document, []string) {}
func (NopHooks) NotifyMakeRecord(repository.Document)        {}
func (NopHooks) NotifyAfterCopy(repository.Document)         {}
func (NopHooks) NotifyBeforeRemove(repository.Document)      {}

// Default routes everything to a single provider without prefixing.
type Default struct {
	NopHooks
	providerID string
}

var _ Dispatcher = (*Default)(nil)

// NewDefault returns a dispatcher for DefaultProviderID.
func NewDefault() *Default {
	return &Default{providerID: DefaultProviderID}
}

// Initialize implements Dispatcher. The optional "provider" property
// overrides the provider id.
func (d *Default) Initialize(props Properties) error {
	if id, ok := props.Get("provider"); ok && id != "" {
		d.providerID = id
	}
	return nil
}

func (d *Default) ProviderIDs() []string              { return []string{d.providerID} }
func (d *Default) RepositoryProvider(_ string) string { return d.providerID }

// Dispatch implements Dispatcher.
func (d *Default) Dispatch(repository.Document, blob.Blob, string) (Decision, error) {
	return Decision{ProviderID: d.providerID}, nil
}
