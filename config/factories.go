package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hupe1980/blobmgr/blobstore"
	"github.com/hupe1980/blobmgr/blobstore/minio"
	"github.com/hupe1980/blobmgr/blobstore/s3"
)

// StoreFactory opens the blob store of a provider.
type StoreFactory func(ctx context.Context, pc ProviderConfig) (blobstore.BlobStore, error)

// Factories maps a provider type to its store factory.
type Factories map[string]StoreFactory

// DefaultFactories returns the built-in store types: memory, local, s3
// and minio.
func DefaultFactories() Factories {
	return Factories{
		"memory": memoryStore,
		"local":  localStore,
		"s3":     s3Store,
		"minio":  minioStore,
	}
}

// Register adds or replaces the factory of a provider type.
func (f Factories) Register(typ string, fn StoreFactory) {
	f[typ] = fn
}

func (f Factories) open(ctx context.Context, pc ProviderConfig) (blobstore.BlobStore, error) {
	fn, ok := f[pc.Type]
	if !ok {
		return nil, fmt.Errorf("provider %s: unknown type %q", pc.ID, pc.Type)
	}
	store, err := fn(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", pc.ID, err)
	}
	return store, nil
}

func memoryStore(_ context.Context, pc ProviderConfig) (blobstore.BlobStore, error) {
	opts := []blobstore.MemoryOption{blobstore.WithMemoryID("memory:" + pc.ID)}
	if pc.ColdStorage {
		opts = append(opts, blobstore.WithArchival())
	}
	return blobstore.NewMemoryStore(opts...), nil
}

func localStore(_ context.Context, pc ProviderConfig) (blobstore.BlobStore, error) {
	if pc.Local.Root == "" {
		return nil, fmt.Errorf("local: missing root")
	}
	return blobstore.NewLocalStore(pc.Local.Root)
}

func s3Store(ctx context.Context, pc ProviderConfig) (blobstore.BlobStore, error) {
	c := pc.S3
	if c.Bucket == "" {
		return nil, fmt.Errorf("s3: missing bucket")
	}
	opts := []s3.Option{s3.WithPrefix(c.Prefix)}
	if c.Region != "" {
		opts = append(opts, s3.WithRegion(c.Region))
	}
	if c.Endpoint != "" {
		opts = append(opts, s3.WithEndpoint(c.Endpoint, c.PathStyle))
	}
	if c.StorageClass != "" {
		opts = append(opts, s3.WithStorageClass(types.StorageClass(c.StorageClass)))
	}
	if c.RestoreTier != "" {
		opts = append(opts, s3.WithRestoreTier(types.Tier(c.RestoreTier)))
	}
	return s3.New(ctx, c.Bucket, opts...)
}

func minioStore(_ context.Context, pc ProviderConfig) (blobstore.BlobStore, error) {
	c := pc.MinIO
	if c.Endpoint == "" || c.Bucket == "" {
		return nil, fmt.Errorf("minio: endpoint and bucket are required")
	}
	client, err := miniogo.New(c.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(c.AccessKey, c.SecretKey, ""),
		Secure: c.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("minio: %w", err)
	}
	var opts []minio.Option
	if c.StorageClass != "" {
		opts = append(opts, minio.WithStorageClass(c.StorageClass))
	}
	return minio.NewStore(client, c.Bucket, c.Prefix, opts...), nil
}
