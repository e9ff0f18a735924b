// Package repository defines the document repository interfaces consumed by
// the blob manager: documents and their properties, sessions opened for a
// principal, blob key queries and transactions.
package repository

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/hupe1980/blobmgr/blob"
)

// Capability is an optional repository feature.
type Capability string

// CapabilityQueryBlobKeys is set by repositories that can query documents
// by the blob keys they reference.
const CapabilityQueryBlobKeys Capability = "queryBlobKeys"

// Permissions checked by the blob manager helpers.
const (
	PermissionRead             = "Read"
	PermissionWrite            = "Write"
	PermissionWriteColdStorage = "WriteColdStorage"
)

// ErrPropertyNotFound is returned for unknown property paths.
var ErrPropertyNotFound = errors.New("property not found")

// Document is a repository document as seen by the blob layer.
//
// Property values are blob.Blob (usually *blob.Managed), map[string]any for
// complex properties, []any for lists, or scalars.
type Document interface {
	ID() string
	RepositoryName() string
	Type() string
	// Value returns the property at xpath.
	Value(xpath string) (any, error)
	SetValue(xpath string, v any) error
	// RetainedProperties lists the retainable property paths. Paths may
	// traverse lists with "/*/" and complex properties with "/".
	RetainedProperties() []string
	// IsRetained reports whether the property is under retention or hold.
	IsRetained(xpath string) bool
	IsRecord() bool
	HasFacet(facet string) bool
	// AddFacet and RemoveFacet report whether the facet set changed.
	AddFacet(facet string) bool
	RemoveFacet(facet string) bool
	// VisitBlobs calls fn for every blob property. A non-nil returned blob
	// replaces the visited one.
	VisitBlobs(fn func(xpath string, b blob.Blob) (blob.Blob, error)) error
}

// Principal is the identity a session is opened for.
type Principal struct {
	Name string
	// Administrator may delete content under retention.
	Administrator bool
	Permissions   []string
	system        bool
}

// SystemPrincipal returns the privileged principal used for maintenance
// work spanning all documents.
func SystemPrincipal() Principal {
	return Principal{Name: "system", Administrator: true, system: true}
}

// IsSystem reports whether p is the system principal.
func (p Principal) IsSystem() bool { return p.system }

// Has reports whether p was granted perm.
func (p Principal) Has(perm string) bool {
	if p.system || p.Administrator {
		return true
	}
	for _, granted := range p.Permissions {
		if granted == perm {
			return true
		}
	}
	return false
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal carried by ctx.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Query selects documents. Empty fields do not filter.
type Query struct {
	// BlobKeys matches documents referencing any of the keys exactly.
	BlobKeys []string
	Facet    string
	// Property and Equals match documents whose property equals the value.
	Property string
	Equals   any
	// Limit bounds the result size if positive.
	Limit int
}

// Session is a principal's view of one repository.
type Session interface {
	RepositoryName() string
	Principal() Principal
	Query(ctx context.Context, q Query) ([]Document, error)
	Save(ctx context.Context, doc Document) error
	HasPermission(doc Document, perm string) bool
}

// Repository is a document repository.
type Repository interface {
	Name() string
	HasCapability(c Capability) bool
	// MarkReferencedBlobs calls fn with every blob key referenced by any
	// document, as persisted (possibly prefixed).
	MarkReferencedBlobs(ctx context.Context, fn func(key string)) error
	Open(ctx context.Context, p Principal) (Session, error)
}

// Repositories is a concurrency-safe set of repositories keyed by name.
type Repositories struct {
	mu    sync.RWMutex
	repos map[string]Repository
}

// NewRepositories returns a set holding rs.
func NewRepositories(rs ...Repository) *Repositories {
	s := &Repositories{repos: make(map[string]Repository)}
	for _, r := range rs {
		s.Add(r)
	}
	return s
}

// Add registers r, replacing a repository with the same name.
func (s *Repositories) Add(r Repository) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repos[r.Name()] = r
}

// Get returns the named repository.
func (s *Repositories) Get(name string) (Repository, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.repos[name]
	return r, ok
}

// Names returns the sorted repository names.
func (s *Repositories) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.repos))
	for n := range s.repos {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
