// Package provider binds a routing identifier to a physical blob store and
// its key strategy.
//
// A Provider reads and writes blobs, reports whether it is transient,
// record-locked or cold-tier capable, and exposes a GarbageCollector that
// implements the mark-and-sweep protocol:
//
//	gc.Start(ctx)
//	gc.Mark(rawKey) // for every referenced key
//	gc.Stop(ctx, true)
//	status := gc.Status()
//
// StoreProvider is the implementation backed by a blobstore.BlobStore.
// Providers are looked up by id through a Registry.
package provider
