// Package tombstone records blobs scheduled for deferred deletion.
//
// A tombstone marks a raw key of a provider as a deletion candidate at a
// point in time. A separate sweep physically deletes tombstoned blobs once
// they are older than a safety window and still unreferenced, which gives
// concurrent readers holding the old key time to observe a key
// replacement.
package tombstone

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// DefaultSafetyWindow is how long a tombstone ages before its blob may be
// deleted.
const DefaultSafetyWindow = time.Hour

// Entry is a deferred deletion record.
type Entry struct {
	ProviderID   string
	Key          string
	TombstonedAt time.Time
}

// ErrChanged is returned by Remove when the entry was marked again after
// it was read.
var ErrChanged = errors.New("tombstone changed")

// Store persists tombstones.
type Store interface {
	// Mark records e, replacing an existing entry for the same blob.
	Mark(ctx context.Context, e Entry) error
	// Due returns the entries tombstoned strictly before the given time.
	Due(ctx context.Context, before time.Time) ([]Entry, error)
	// Remove deletes e if it is unchanged since it was read.
	Remove(ctx context.Context, e Entry) error
}

type ref struct {
	providerID string
	key        string
}

// Memory is an in-process Store.
type Memory struct {
	mu      sync.Mutex
	entries map[ref]Entry
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[ref]Entry)}
}

// Mark implements Store.
func (m *Memory) Mark(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[ref{e.ProviderID, e.Key}] = e
	return nil
}

// Due implements Store. Entries are returned oldest first.
func (m *Memory) Due(_ context.Context, before time.Time) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []Entry
	for _, e := range m.entries {
		if e.TombstonedAt.Before(before) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].TombstonedAt.Before(due[j].TombstonedAt) })
	return due, nil
}

// Remove implements Store.
func (m *Memory) Remove(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ref{e.ProviderID, e.Key}
	cur, ok := m.entries[k]
	if !ok {
		return nil
	}
	if !cur.TombstonedAt.Equal(e.TombstonedAt) {
		return ErrChanged
	}
	delete(m.entries, k)
	return nil
}

// Len returns the number of tombstones.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
