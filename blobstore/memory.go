package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
)

// MemoryStore is an in-memory BlobStore implementation for testing.
// It stores blobs in memory without any filesystem dependency.
// Thread-safe for concurrent reads and writes.
//
// With WithArchival, every written blob lands in a simulated archival tier:
// reads fail with ErrArchived until Restore is called and the restore is
// completed with CompleteRestores.
type MemoryStore struct {
	id       string
	archival bool
	clock    clock.Clock

	mu    sync.RWMutex
	blobs map[string]*memoryObject
}

type memoryObject struct {
	data          []byte
	archived      bool
	restoring     bool
	restoreFor    time.Duration
	restoredUntil time.Time
	retainUntil   time.Time
	legalHold     bool
	modTime       time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryID sets the physical store identity.
func WithMemoryID(id string) MemoryOption {
	return func(m *MemoryStore) { m.id = id }
}

// WithMemoryClock sets the clock for modification times, retention and
// restore expiry.
func WithMemoryClock(c clock.Clock) MemoryOption {
	return func(m *MemoryStore) { m.clock = c }
}

// WithArchival makes written blobs land in the simulated archival tier.
func WithArchival() MemoryOption {
	return func(m *MemoryStore) { m.archival = true }
}

// NewMemoryStore creates a new in-memory blob store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		blobs: make(map[string]*memoryObject),
		clock: clock.WallClock,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.id == "" {
		m.id = fmt.Sprintf("memory:%p", m)
	}
	return m
}

// ID implements BlobStore.
func (m *MemoryStore) ID() string { return m.id }

// Open opens a blob for reading.
func (m *MemoryStore) Open(_ context.Context, name string) (Blob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.blobs[name]
	if !ok {
		return nil, ErrNotFound
	}
	if obj.archived && !m.clock.Now().Before(obj.restoredUntil) {
		return nil, fmt.Errorf("%w: %s", ErrArchived, name)
	}
	return &memoryBlob{data: obj.data}, nil
}

// Put writes a blob atomically.
func (m *MemoryStore) Put(_ context.Context, name string, r io.Reader, _ int64) error {
	if name == "" {
		return ErrInvalidName
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[name] = &memoryObject{data: data, archived: m.archival, modTime: m.clock.Now()}
	return nil
}

// PutIfAbsent implements ConditionalPutter.
func (m *MemoryStore) PutIfAbsent(_ context.Context, name string, r io.Reader, _ int64) (bool, error) {
	if name == "" {
		return false, ErrInvalidName
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if obj, ok := m.blobs[name]; ok {
		// a deduplicated write counts as a write for garbage collection
		obj.modTime = m.clock.Now()
		return false, nil
	}
	m.blobs[name] = &memoryObject{data: data, archived: m.archival, modTime: m.clock.Now()}
	return true, nil
}

// Delete removes a blob.
func (m *MemoryStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if obj, ok := m.blobs[name]; ok && (obj.legalHold || m.clock.Now().Before(obj.retainUntil)) {
		return fmt.Errorf("%w: %s", ErrRetained, name)
	}
	delete(m.blobs, name)
	return nil
}

// List returns all blobs matching the prefix.
func (m *MemoryStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var infos []ObjectInfo
	for name, obj := range m.blobs {
		if strings.HasPrefix(name, prefix) {
			infos = append(infos, ObjectInfo{Name: name, Size: int64(len(obj.data)), ModTime: obj.modTime})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Copy implements BlobStore.
func (m *MemoryStore) Copy(_ context.Context, dst, src string, move bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.blobs[src]
	if !ok {
		return ErrNotFound
	}
	// blob data is never mutated in place, sharing the slice is safe
	m.blobs[dst] = &memoryObject{data: obj.data, archived: obj.archived, modTime: m.clock.Now()}
	if move && dst != src {
		delete(m.blobs, src)
	}
	return nil
}

// Restore implements Restorer.
func (m *MemoryStore) Restore(_ context.Context, name string, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.blobs[name]
	if !ok {
		return ErrNotFound
	}
	if !obj.archived {
		return nil
	}
	obj.restoring = true
	obj.restoreFor = d
	return nil
}

// RestoreStatus implements Restorer.
func (m *MemoryStore) RestoreStatus(_ context.Context, name string) (RestoreStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.blobs[name]
	if !ok {
		return RestoreStatus{}, ErrNotFound
	}
	st := RestoreStatus{Archived: obj.archived, Ongoing: obj.restoring}
	if obj.archived && m.clock.Now().Before(obj.restoredUntil) {
		st.Restored = true
		st.Expiry = obj.restoredUntil
	}
	return st, nil
}

// CompleteRestores finishes every pending restore request.
func (m *MemoryStore) CompleteRestores() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, obj := range m.blobs {
		if obj.restoring {
			obj.restoring = false
			obj.restoredUntil = m.clock.Now().Add(obj.restoreFor)
			n++
		}
	}
	return n
}

// PresignGet implements URLSigner.
func (m *MemoryStore) PresignGet(_ context.Context, name string, _ time.Duration) (string, error) {
	return "memory://" + m.id + "/" + name, nil
}

// SetRetention implements Retainer.
func (m *MemoryStore) SetRetention(_ context.Context, name string, until time.Time) error {
	return m.update(name, func(obj *memoryObject) { obj.retainUntil = until })
}

// SetLegalHold implements Retainer.
func (m *MemoryStore) SetLegalHold(_ context.Context, name string, hold bool) error {
	return m.update(name, func(obj *memoryObject) { obj.legalHold = hold })
}

// Retention returns the retention date and legal hold of a blob.
func (m *MemoryStore) Retention(name string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if obj, ok := m.blobs[name]; ok {
		return obj.retainUntil, obj.legalHold
	}
	return time.Time{}, false
}

// Len returns the number of stored blobs.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// Has reports whether name is stored, regardless of its tier.
func (m *MemoryStore) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[name]
	return ok
}

func (m *MemoryStore) update(name string, fn func(*memoryObject)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.blobs[name]
	if !ok {
		return ErrNotFound
	}
	fn(obj)
	return nil
}

// memoryBlob implements Blob for in-memory data.
type memoryBlob struct {
	data []byte
}

func (b *memoryBlob) ReadAt(_ context.Context, p []byte, off int64) (int, error) {
	if off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *memoryBlob) Close() error {
	return nil
}

func (b *memoryBlob) Size() int64 {
	return int64(len(b.data))
}

func (b *memoryBlob) ReadRange(_ context.Context, off, length int64) (io.ReadCloser, error) {
	if off >= int64(len(b.data)) {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	end := min(off+length, int64(len(b.data)))
	return io.NopCloser(bytes.NewReader(b.data[off:end])), nil
}
