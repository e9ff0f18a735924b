// Package blobmgr manages the binary content attached to repository
// documents.
//
// A Manager decides which blob provider stores each blob, how keys are
// persisted, how unreferenced blobs are reclaimed across repositories that
// may share physical stores, and how deletions are deferred so that
// concurrent readers are never left with dangling keys.
//
// # Quick Start
//
//	store := blobstore.NewMemoryStore()
//	p := provider.NewStoreProvider(provider.Descriptor{ID: "default", GC: true},
//	    store, keystrategy.MustDigest(keystrategy.MD5))
//	repos := repository.NewRepositories(memrepo.New("default"))
//	m := blobmgr.New(provider.NewRegistry(p), blobmgr.WithRepositories(repos))
//
//	key, _ := m.WriteBlob(ctx, blob.NewBytes(data, "text/plain", "a.txt"), doc, "content")
//	mb, _ := m.ReadBlob(ctx, blob.Info{Key: key}, doc, "content")
//
// # Keys
//
// Keys are persisted as "[<providerId>:]<rawKey>". Unprefixed keys belong
// to the dispatcher's default provider of the document's repository.
//
// # Routing
//
// The active dispatch.Dispatcher is an immutable snapshot replaced by
// Manager.Configure:
//
//	err := m.Configure(dispatch.Descriptor{Name: "rules", Properties: dispatch.Properties{
//	    {Name: "default", Value: "default"},
//	    {Name: "blob:mime-type~video/*", Value: "videos"},
//	}})
//
// # Reclamation
//
// GarbageCollectBinaries runs a mark-and-sweep over every store the
// dispatcher routes to. DeleteBlob removes a single unreferenced blob.
// MarkForDeletion and SweepDeletions implement deferred deletion: a
// tombstoned blob is deleted only once its tombstone is older than the
// safety window and no document references it.
//
// The digest and coldstorage packages build key migration and cold tier
// workflows on top of the Manager.
package blobmgr
