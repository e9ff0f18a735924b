// Package keyreplace records transient blob key replacements.
//
// After a blob is migrated from an old key to its canonical digest key, a
// replacement (providerID, oldKey) -> newKey lets transactions that still
// hold the old key resolve to the new one without reloading their
// documents. Entries expire after a TTL. A completed deleting garbage
// collection run prunes the expired entries of tables that hold them.
package keyreplace

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
)

// DefaultTTL is the lifetime of an entry. It matches the longest
// transaction a migration can race with.
const DefaultTTL = 24 * time.Hour

// Table maps (providerID, oldKey) to newKey. Keys are raw, without prefix.
type Table interface {
	Put(ctx context.Context, providerID, oldKey, newKey string) error
	// Get returns the replacement of oldKey, if any.
	Get(ctx context.Context, providerID, oldKey string) (string, bool, error)
	Clear(ctx context.Context) error
}

// Pruner is implemented by tables that keep expired entries until they
// are read.
type Pruner interface {
	// Prune drops the expired entries and returns how many were dropped.
	Prune(ctx context.Context) (int, error)
}

type entryKey struct {
	providerID string
	oldKey     string
}

type entry struct {
	newKey  string
	expires time.Time
}

// MemoryTable is an in-process Table.
type MemoryTable struct {
	ttl   time.Duration
	clock clock.Clock

	mu      sync.RWMutex
	entries map[entryKey]entry
}

// MemoryOption configures a MemoryTable.
type MemoryOption func(*MemoryTable)

// WithTTL sets the entry lifetime.
func WithTTL(ttl time.Duration) MemoryOption {
	return func(t *MemoryTable) { t.ttl = ttl }
}

// WithClock sets the clock used for expiry.
func WithClock(c clock.Clock) MemoryOption {
	return func(t *MemoryTable) { t.clock = c }
}

// NewMemoryTable returns an empty in-process table.
func NewMemoryTable(opts ...MemoryOption) *MemoryTable {
	t := &MemoryTable{
		ttl:     DefaultTTL,
		clock:   clock.WallClock,
		entries: make(map[entryKey]entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Put implements Table.
func (t *MemoryTable) Put(_ context.Context, providerID, oldKey, newKey string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[entryKey{providerID, oldKey}] = entry{newKey: newKey, expires: t.clock.Now().Add(t.ttl)}
	return nil
}

// Get implements Table. Expired entries are dropped lazily.
func (t *MemoryTable) Get(_ context.Context, providerID, oldKey string) (string, bool, error) {
	k := entryKey{providerID, oldKey}
	t.mu.RLock()
	e, ok := t.entries[k]
	t.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if !t.clock.Now().Before(e.expires) {
		t.mu.Lock()
		if cur, ok := t.entries[k]; ok && cur == e {
			delete(t.entries, k)
		}
		t.mu.Unlock()
		return "", false, nil
	}
	return e.newKey, true, nil
}

// Clear implements Table.
func (t *MemoryTable) Clear(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[entryKey]entry)
	return nil
}

// Prune implements Pruner.
func (t *MemoryTable) Prune(_ context.Context) (int, error) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, e := range t.entries {
		if !now.Before(e.expires) {
			delete(t.entries, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of entries, expired or not.
func (t *MemoryTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Nop is a Table that records nothing.
type Nop struct{}

func (Nop) Put(context.Context, string, string, string) error { return nil }
func (Nop) Get(context.Context, string, string) (string, bool, error) {
	return "", false, nil
}
func (Nop) Clear(context.Context) error { return nil }
