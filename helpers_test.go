package blobmgr_test

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/blobmgr"
	"github.com/hupe1980/blobmgr/blob"
	"github.com/hupe1980/blobmgr/blobstore"
	"github.com/hupe1980/blobmgr/dispatch"
	"github.com/hupe1980/blobmgr/event"
	"github.com/hupe1980/blobmgr/keystrategy"
	"github.com/hupe1980/blobmgr/provider"
	"github.com/hupe1980/blobmgr/repository"
	"github.com/hupe1980/blobmgr/repository/memrepo"
	"github.com/hupe1980/blobmgr/tombstone"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// env is a manager over in-memory providers with one repository named
// "default".
type env struct {
	m         *blobmgr.Manager
	providers *provider.Registry
	stores    map[string]*blobstore.MemoryStore
	repos     *repository.Repositories
	repo      *memrepo.Repository
	tx        *repository.LocalTx
	events    *event.Recorder
	graves    *tombstone.Memory
	clock     *testclock.Clock
	metrics   *blobmgr.BasicMetricsCollector
}

type envOption func(*envConfig)

type envConfig struct {
	descs    []provider.Descriptor
	storeIDs map[string]string
	rules    dispatch.Properties
	opts     []blobmgr.Option
}

// withProvider registers a provider backed by its own memory store, or by
// the store of another provider when storeOf is given.
func withProvider(desc provider.Descriptor, storeOf ...string) envOption {
	return func(c *envConfig) {
		c.descs = append(c.descs, desc)
		if len(storeOf) > 0 {
			c.storeIDs[desc.ID] = storeOf[0]
		}
	}
}

func withRules(props ...dispatch.Property) envOption {
	return func(c *envConfig) { c.rules = props }
}

func withManagerOptions(opts ...blobmgr.Option) envOption {
	return func(c *envConfig) { c.opts = append(c.opts, opts...) }
}

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()
	cfg := envConfig{storeIDs: make(map[string]string)}
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(cfg.descs) == 0 {
		cfg.descs = []provider.Descriptor{{ID: "default", GC: true}}
	}

	e := &env{
		providers: provider.NewRegistry(),
		stores:    make(map[string]*blobstore.MemoryStore),
		repo:      memrepo.New("default"),
		tx:        repository.NewLocalTx(),
		events:    &event.Recorder{},
		graves:    tombstone.NewMemory(),
		clock:     testclock.NewClock(epoch),
		metrics:   &blobmgr.BasicMetricsCollector{},
	}
	for _, desc := range cfg.descs {
		store, ok := e.stores[cfg.storeIDs[desc.ID]]
		if !ok {
			store = blobstore.NewMemoryStore(blobstore.WithMemoryID("mem-" + desc.ID))
		}
		e.stores[desc.ID] = store
		e.providers.Register(provider.NewStoreProvider(desc, store, keystrategy.MustDigest("MD5")))
	}
	e.repos = repository.NewRepositories(e.repo)

	mopts := []blobmgr.Option{
		blobmgr.WithRepositories(e.repos),
		blobmgr.WithTxManager(e.tx),
		blobmgr.WithEventPublisher(e.events),
		blobmgr.WithTombstones(e.graves),
		blobmgr.WithClock(e.clock),
		blobmgr.WithMetricsCollector(e.metrics),
	}
	e.m = blobmgr.New(e.providers, append(mopts, cfg.opts...)...)
	if cfg.rules != nil {
		require.NoError(t, e.m.Configure(dispatch.Descriptor{Name: "rules", Properties: cfg.rules}))
	}
	return e
}

// write stores content for the main property of doc and returns the
// managed blob to put into the document.
func (e *env) write(t *testing.T, doc repository.Document, mime, content string) *blob.Managed {
	t.Helper()
	ctx := context.Background()
	key, err := e.m.WriteBlob(ctx, blob.NewBytes([]byte(content), mime, "file"), doc, blobmgr.MainBlobXPath)
	require.NoError(t, err)
	return e.read(t, key, content)
}

func (e *env) read(t *testing.T, key, content string) *blob.Managed {
	t.Helper()
	mb, err := e.m.ReadBlobFromRepository(context.Background(), blob.Info{Key: key, Length: int64(len(content))}, "default")
	require.NoError(t, err)
	return mb
}

// put stores raw content directly in the store of a provider.
func (e *env) put(t *testing.T, providerID, key, content string) {
	t.Helper()
	require.NoError(t, e.stores[providerID].Put(context.Background(), key, bytes.NewReader([]byte(content)), int64(len(content))))
}

func readAll(t *testing.T, b blob.Blob) string {
	t.Helper()
	rc, err := b.Open(context.Background())
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func docBlob(t *testing.T, repo *memrepo.Repository, id, xpath string) *blob.Managed {
	t.Helper()
	d, ok := repo.Get(id)
	require.True(t, ok)
	v, err := d.Value(xpath)
	require.NoError(t, err)
	mb, ok := v.(*blob.Managed)
	require.True(t, ok, "%s/%s is %T", id, xpath, v)
	return mb
}

// MD5 digests of test contents.
const (
	md5Hello = "5d41402abc4b2a76b9719d911017c592"
	md5World = "7d793037a0760186574b0282f2f435e7"
)
