// Package cache provides an LRU block cache used by the caching blob store.
//
// Blocks are keyed by blob name and block index and are immutable once
// cached. Entries for a blob are invalidated when the blob is overwritten,
// copied over, or deleted.
package cache
