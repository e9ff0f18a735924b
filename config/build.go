package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/hupe1980/blobmgr"
	"github.com/hupe1980/blobmgr/blobstore"
	"github.com/hupe1980/blobmgr/event"
	"github.com/hupe1980/blobmgr/internal/cache"
	"github.com/hupe1980/blobmgr/keyreplace"
	"github.com/hupe1980/blobmgr/keystrategy"
	"github.com/hupe1980/blobmgr/provider"
	"github.com/hupe1980/blobmgr/tombstone"
)

// Instance is a manager assembled from a Config together with the
// connections it owns.
type Instance struct {
	Manager *blobmgr.Manager
	// Events delivers blobDeleted and coldStorageContentAvailable events
	// to subscribers.
	Events  *event.Hub
	closers []func() error
}

// Close releases the connections opened by Build.
func (i *Instance) Close() error {
	var errs []error
	for _, c := range i.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// Build opens every provider store through f and returns a configured
// manager. Options in extra are applied after the ones derived from cfg.
func Build(ctx context.Context, cfg *Config, f Factories, extra ...blobmgr.Option) (*Instance, error) {
	if f == nil {
		f = DefaultFactories()
	}
	inst := &Instance{}
	fail := func(err error) (*Instance, error) {
		_ = inst.Close()
		return nil, err
	}

	var logger *blobmgr.Logger
	if cfg.Log.Format == "json" {
		logger = blobmgr.NewJSONLogger(cfg.SlogLevel())
	} else {
		logger = blobmgr.NewTextLogger(cfg.SlogLevel())
	}

	providers := provider.NewRegistry()
	for _, pc := range cfg.Providers {
		p, err := buildProvider(ctx, f, pc, logger)
		if err != nil {
			return fail(blobmgr.NewConfigurationError(pc.ID, "cannot build provider", err))
		}
		providers.Register(p)
	}

	inst.Events = event.NewHub(logger.Logger)
	opts := []blobmgr.Option{
		blobmgr.WithLogger(logger),
		blobmgr.WithEventPublisher(inst.Events),
	}

	kr := cfg.KeyReplacements
	if kr.Redis.Addr != "" {
		client, err := keyreplace.DialRedis(ctx, kr.Redis.Addr, kr.Redis.Password, kr.Redis.DB)
		if err != nil {
			return fail(err)
		}
		inst.closers = append(inst.closers, client.Close)
		opts = append(opts, blobmgr.WithKeyReplacements(keyreplace.NewRedisTable(client, kr.Redis.Prefix, kr.TTL)))
	} else if kr.TTL > 0 {
		opts = append(opts, blobmgr.WithKeyReplacements(keyreplace.NewMemoryTable(keyreplace.WithTTL(kr.TTL))))
	}

	ts := cfg.Tombstones
	if ts.DynamoDB.Table != "" {
		store, err := dynamoTombstones(ctx, ts.DynamoDB)
		if err != nil {
			return fail(err)
		}
		opts = append(opts, blobmgr.WithTombstones(store))
	}
	if ts.SafetyWindow > 0 {
		opts = append(opts, blobmgr.WithSafetyWindow(ts.SafetyWindow))
	}
	if cfg.GC.Timeout > 0 {
		opts = append(opts, blobmgr.WithGCTimeout(cfg.GC.Timeout))
	}

	inst.Manager = blobmgr.New(providers, append(opts, extra...)...)
	if err := inst.Manager.Configure(cfg.DispatcherDescriptor()); err != nil {
		return fail(err)
	}
	return inst, nil
}

func buildProvider(ctx context.Context, f Factories, pc ProviderConfig, logger *blobmgr.Logger) (*provider.StoreProvider, error) {
	store, err := f.open(ctx, pc)
	if err != nil {
		return nil, err
	}
	if pc.CacheSize > 0 {
		store = blobstore.NewCachingStore(store, cache.NewLRUBlockCache(pc.CacheSize), pc.CacheBlockSize)
	}

	var strategy keystrategy.Strategy = keystrategy.Opaque{}
	if pc.KeyStrategy == "digest" {
		d, err := keystrategy.NewDigest(pc.Digest)
		if err != nil {
			return nil, err
		}
		strategy = d
	}

	desc := provider.Descriptor{
		ID:          pc.ID,
		Transient:   pc.Transient,
		RecordMode:  pc.RecordMode,
		GC:          pc.GC,
		ColdStorage: pc.ColdStorage,
	}
	return provider.NewStoreProvider(desc, store, strategy,
		provider.WithLogger(logger.Logger),
		provider.WithTempDir(pc.TempDir),
	), nil
}

func dynamoTombstones(ctx context.Context, c DynamoDBConfig) (*tombstone.DynamoDBStore, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if c.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(c.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("tombstones: load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
		}
	})
	return tombstone.NewDynamoDBStore(client, c.Table, c.Namespace), nil
}
