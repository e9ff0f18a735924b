// Package memrepo is an in-memory document repository for tests and
// single-process deployments.
package memrepo

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/hupe1980/blobmgr/blob"
	"github.com/hupe1980/blobmgr/repository"
)

// ErrPermissionDenied is returned when saving without write permission.
var ErrPermissionDenied = errors.New("permission denied")

// Option configures a Repository.
type Option func(*Repository)

// WithoutBlobKeyQueries drops the repository.CapabilityQueryBlobKeys
// capability.
func WithoutBlobKeyQueries() Option {
	return func(r *Repository) { delete(r.caps, repository.CapabilityQueryBlobKeys) }
}

// Repository is an in-memory repository.Repository. Sessions work on
// copies of the stored documents; changes become visible on Save.
type Repository struct {
	name string
	caps map[repository.Capability]struct{}

	mu         sync.RWMutex
	docs       map[string]*Doc
	saveErrors map[string]error
}

var _ repository.Repository = (*Repository)(nil)

// New returns an empty repository.
func New(name string, opts ...Option) *Repository {
	r := &Repository{
		name:       name,
		caps:       map[repository.Capability]struct{}{repository.CapabilityQueryBlobKeys: {}},
		docs:       make(map[string]*Doc),
		saveErrors: make(map[string]error),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Repository) Name() string { return r.name }

// HasCapability implements repository.Repository.
func (r *Repository) HasCapability(c repository.Capability) bool {
	_, ok := r.caps[c]
	return ok
}

// Add stores a copy of d.
func (r *Repository) Add(d *Doc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[d.id] = d.clone().setRepository(r.name)
}

// Get returns a copy of the stored document.
func (r *Repository) Get(id string) (*Doc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.docs[id]
	if !ok {
		return nil, false
	}
	return d.clone(), true
}

// FailSave makes saves of the document fail with err. A nil err clears it.
func (r *Repository) FailSave(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.saveErrors, id)
		return
	}
	r.saveErrors[id] = err
}

// MarkReferencedBlobs implements repository.Repository.
func (r *Repository) MarkReferencedBlobs(ctx context.Context, fn func(key string)) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.sortedIDs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, key := range blobKeys(r.docs[id]) {
			fn(key)
		}
	}
	return nil
}

// Open implements repository.Repository.
func (r *Repository) Open(_ context.Context, p repository.Principal) (repository.Session, error) {
	return &session{repo: r, principal: p}, nil
}

func (r *Repository) sortedIDs() []string {
	ids := make([]string, 0, len(r.docs))
	for id := range r.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func blobKeys(d *Doc) []string {
	var keys []string
	_ = d.VisitBlobs(func(_ string, b blob.Blob) (blob.Blob, error) {
		if mb, ok := b.(*blob.Managed); ok && mb.Key != "" {
			keys = append(keys, mb.Key)
		}
		return nil, nil
	})
	return keys
}

type session struct {
	repo      *Repository
	principal repository.Principal
}

func (s *session) RepositoryName() string          { return s.repo.name }
func (s *session) Principal() repository.Principal { return s.principal }
func (s *session) HasPermission(_ repository.Document, perm string) bool {
	return s.principal.Has(perm)
}

func (s *session) Query(ctx context.Context, q repository.Query) ([]repository.Document, error) {
	s.repo.mu.RLock()
	defer s.repo.mu.RUnlock()

	var out []repository.Document
	for _, id := range s.repo.sortedIDs() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d := s.repo.docs[id]
		if !matches(d, q) {
			continue
		}
		out = append(out, d.clone())
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func matches(d *Doc, q repository.Query) bool {
	if q.Facet != "" && !d.HasFacet(q.Facet) {
		return false
	}
	if q.Property != "" {
		v, err := d.Value(q.Property)
		if err != nil || !reflect.DeepEqual(v, q.Equals) {
			return false
		}
	}
	if len(q.BlobKeys) > 0 {
		found := false
		for _, key := range blobKeys(d) {
			for _, want := range q.BlobKeys {
				if key == want {
					found = true
				}
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *session) Save(_ context.Context, doc repository.Document) error {
	d, ok := doc.(*Doc)
	if !ok {
		return fmt.Errorf("memrepo: unsupported document %T", doc)
	}
	if !s.principal.Has(repository.PermissionWrite) {
		return fmt.Errorf("%w: %s on %s", ErrPermissionDenied, s.principal.Name, d.id)
	}
	s.repo.mu.Lock()
	defer s.repo.mu.Unlock()
	if err := s.repo.saveErrors[d.id]; err != nil {
		return err
	}
	s.repo.docs[d.id] = d.clone().setRepository(s.repo.name)
	return nil
}
