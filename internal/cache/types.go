package cache

import "context"

// BlobID names a blob within one physical store. Stores sharing a cache
// never see each other's blocks.
type BlobID struct {
	Store string
	Name  string
}

// BlockKey identifies one cached block of a blob.
type BlockKey struct {
	BlobID
	Block int64
}

// BlockCache is a byte-oriented cache for immutable blocks.
// Returned slices must be treated as read-only.
type BlockCache interface {
	Get(ctx context.Context, key BlockKey) (b []byte, ok bool)
	// Set caches a block. The caller must not modify b afterwards.
	Set(ctx context.Context, key BlockKey, b []byte)
	// InvalidateBlob drops every block of the blob.
	InvalidateBlob(id BlobID)
	Stats() Stats
}

// Stats counts cache lookups.
type Stats struct {
	Hits   int64
	Misses int64
	Bytes  int64
	Blocks int
}
