package blobmgr_test

import (
	"context"
	"fmt"
	"io"

	"github.com/hupe1980/blobmgr"
	"github.com/hupe1980/blobmgr/blob"
	"github.com/hupe1980/blobmgr/blobstore"
	"github.com/hupe1980/blobmgr/keystrategy"
	"github.com/hupe1980/blobmgr/provider"
	"github.com/hupe1980/blobmgr/repository"
	"github.com/hupe1980/blobmgr/repository/memrepo"
)

func Example() {
	ctx := context.Background()

	store := blobstore.NewMemoryStore()
	providers := provider.NewRegistry(
		provider.NewStoreProvider(provider.Descriptor{ID: "default", GC: true}, store, keystrategy.MustDigest("SHA-256")),
	)
	repo := memrepo.New("default")
	m := blobmgr.New(providers, blobmgr.WithRepositories(repository.NewRepositories(repo)))

	key, err := m.WriteBlob(ctx, blob.NewBytes([]byte("hello"), "text/plain", "hello.txt"), nil, blobmgr.MainBlobXPath)
	if err != nil {
		panic(err)
	}
	fmt.Println("key:", key)

	mb, err := m.ReadBlobFromRepository(ctx, blob.Info{Key: key, Length: 5}, "default")
	if err != nil {
		panic(err)
	}
	rc, err := mb.Open(ctx)
	if err != nil {
		panic(err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	fmt.Println("content:", string(data))

	repo.Add(memrepo.NewDoc("doc-1", "File").Set(blobmgr.MainBlobXPath, mb))
	if _, err := m.WriteBlob(ctx, blob.NewBytes([]byte("draft"), "text/plain", "draft.txt"), nil, blobmgr.MainBlobXPath); err != nil {
		panic(err)
	}

	status, err := m.GarbageCollectBinaries(ctx, true)
	if err != nil {
		panic(err)
	}
	fmt.Printf("kept %d, deleted %d\n", status.NumBinaries, status.NumBinariesGC)

	// Output:
	// key: 2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824
	// content: hello
	// kept 1, deleted 1
}
