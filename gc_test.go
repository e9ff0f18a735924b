package blobmgr_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/blobmgr"
	"github.com/hupe1980/blobmgr/digest"
	"github.com/hupe1980/blobmgr/dispatch"
	"github.com/hupe1980/blobmgr/keyreplace"
	"github.com/hupe1980/blobmgr/provider"
	"github.com/hupe1980/blobmgr/repository"
	"github.com/hupe1980/blobmgr/repository/memrepo"
)

func TestGarbageCollectBinaries(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.repo.Add(memrepo.NewDoc("a", "File").Set("content", e.write(t, nil, "text/plain", "hello")))
	orphan := e.write(t, nil, "text/plain", "world")
	e.put(t, "default", "not-a-digest", "kept")

	status, err := e.m.GarbageCollectBinaries(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.NumBinaries)
	assert.Equal(t, int64(5), status.SizeBinaries)
	assert.Equal(t, int64(1), status.NumBinariesGC)
	assert.Equal(t, 3, e.stores["default"].Len(), "dry run deletes nothing")

	status, err = e.m.GarbageCollectBinaries(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.NumBinariesGC)
	assert.True(t, e.stores["default"].Has(md5Hello))
	assert.False(t, e.stores["default"].Has(orphan.RawKey()))
	assert.True(t, e.stores["default"].Has("not-a-digest"))

	assert.False(t, e.m.IsGarbageCollectionInProgress())
	stats := e.metrics.GetStats()
	assert.Equal(t, int64(2), stats.GCRuns)
	assert.Equal(t, int64(1), stats.GCDeleted)
}

func TestGarbageCollectBinaries_AllRepositories(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	other := memrepo.New("other")
	e.repos.Add(other)

	e.repo.Add(memrepo.NewDoc("a", "File").Set("content", e.write(t, nil, "text/plain", "hello")))
	other.Add(memrepo.NewDoc("b", "File").Set("files", []any{
		map[string]any{"file": e.write(t, nil, "text/plain", "world")},
	}))

	status, err := e.m.GarbageCollectBinaries(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), status.NumBinaries)
	assert.Zero(t, status.NumBinariesGC)
	assert.Equal(t, 2, e.stores["default"].Len())
}

func TestGarbageCollectBinaries_MultipleStores(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t,
		withProvider(provider.Descriptor{ID: "default", GC: true}),
		withProvider(provider.Descriptor{ID: "videos", GC: true}),
		withRules(
			dispatch.Property{Name: "default", Value: "default"},
			dispatch.Property{Name: "blob:mime-type~video/*", Value: "videos"},
		),
	)
	video := e.write(t, nil, "video/mp4", "hello")
	require.Equal(t, "videos:"+md5Hello, video.Key)
	e.repo.Add(memrepo.NewDoc("a", "File").Set("content", video))
	e.write(t, nil, "text/plain", "hello")
	e.write(t, nil, "video/mp4", "world")

	status, err := e.m.GarbageCollectBinaries(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.NumBinaries)
	assert.Equal(t, int64(2), status.NumBinariesGC)
	assert.True(t, e.stores["videos"].Has(md5Hello))
	assert.False(t, e.stores["videos"].Has(md5World))
	assert.False(t, e.stores["default"].Has(md5Hello), "same digest in another store is not referenced")
}

func TestGarbageCollectBinaries_RepositoryDefaultProvider(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t,
		withProvider(provider.Descriptor{ID: "default", GC: true}),
		withProvider(provider.Descriptor{ID: "videos", GC: true}),
		withRules(dispatch.Property{Name: "blob:mime-type~video/*", Value: "videos"}),
	)
	require.Equal(t, []string{"videos"}, e.m.Dispatcher().ProviderIDs())

	e.repo.Add(memrepo.NewDoc("a", "File"))
	doc, _ := e.repo.Get("a")
	e.repo.Add(doc.Set("content", e.write(t, doc, "text/plain", "hello")))
	require.Equal(t, md5Hello, docBlob(t, e.repo, "a", "content").Key, "repository default is not prefixed")
	e.put(t, "default", md5World, "world")

	status, err := e.m.GarbageCollectBinaries(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.NumBinaries)
	assert.Equal(t, int64(1), status.NumBinariesGC)
	assert.True(t, e.stores["default"].Has(md5Hello))
	assert.False(t, e.stores["default"].Has(md5World), "store of the repository default is collected")
}

func TestGarbageCollectBinaries_SharedStorage(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t,
		withProvider(provider.Descriptor{ID: "default", GC: true}),
		withProvider(provider.Descriptor{ID: "alias", GC: true}, "default"),
		withRules(
			dispatch.Property{Name: "default", Value: "default"},
			dispatch.Property{Name: "blob:mime-type=image/png", Value: "alias"},
		),
	)
	require.True(t, e.m.HasSharedStorage())

	img := e.write(t, nil, "image/png", "hello")
	require.Equal(t, "alias:"+md5Hello, img.Key)
	e.repo.Add(memrepo.NewDoc("a", "File").Set("content", img))
	e.write(t, nil, "text/plain", "world")

	status, err := e.m.GarbageCollectBinaries(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.NumBinaries)
	assert.Equal(t, int64(1), status.NumBinariesGC)
	assert.True(t, e.stores["default"].Has(md5Hello))
	assert.False(t, e.stores["default"].Has(md5World))
}

func TestGarbageCollectBinaries_Transactions(t *testing.T) {
	ctx := context.Background()

	t.Run("rollback only", func(t *testing.T) {
		e := newEnv(t)
		e.write(t, nil, "text/plain", "hello")
		require.NoError(t, e.tx.Begin(ctx, 0))
		e.tx.MarkRollbackOnly()

		_, err := e.m.GarbageCollectBinaries(ctx, true)
		require.ErrorIs(t, err, blobmgr.ErrRollbackOnly)
		assert.Equal(t, 1, e.stores["default"].Len())
		assert.Equal(t, int64(1), e.metrics.GetStats().GCErrors)
	})

	t.Run("ambient transaction is restarted", func(t *testing.T) {
		e := newEnv(t)
		require.NoError(t, e.tx.Begin(ctx, 0))

		_, err := e.m.GarbageCollectBinaries(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, repository.TxActive, e.tx.Status(ctx))
		begins, commits, runs := e.tx.Counts()
		assert.Equal(t, 2, begins)
		assert.Equal(t, 1, commits)
		assert.Equal(t, 1, runs)
	})

	t.Run("no ambient transaction", func(t *testing.T) {
		e := newEnv(t)
		_, err := e.m.GarbageCollectBinaries(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, repository.TxNone, e.tx.Status(ctx))
		begins, _, runs := e.tx.Counts()
		assert.Zero(t, begins)
		assert.Equal(t, 1, runs)
	})
}

func TestGarbageCollectBinaries_PrunesKeyReplacements(t *testing.T) {
	ctx := context.Background()
	clk := testclock.NewClock(epoch)
	table := keyreplace.NewMemoryTable(keyreplace.WithTTL(time.Hour), keyreplace.WithClock(clk))
	e := newEnv(t, withManagerOptions(blobmgr.WithKeyReplacements(table)))
	require.NoError(t, e.m.ReplaceBlobKey(ctx, "default", "stale", md5World))
	clk.Advance(2 * time.Hour)
	require.NoError(t, e.m.ReplaceBlobKey(ctx, "default", "old", md5Hello))

	_, err := e.m.GarbageCollectBinaries(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, table.Len(), "dry run keeps replacements")

	_, err = e.m.GarbageCollectBinaries(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, table.Len())
	key, err := e.m.BlobKeyReplacement(ctx, "default", "old")
	require.NoError(t, err)
	assert.Equal(t, md5Hello, key, "live replacements outlast a deleting run")
}

func TestGarbageCollectBinaries_StartFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t,
		withProvider(provider.Descriptor{ID: "default", GC: true}),
		withProvider(provider.Descriptor{ID: "videos", GC: true}),
		withRules(
			dispatch.Property{Name: "default", Value: "default"},
			dispatch.Property{Name: "blob:mime-type~video/*", Value: "videos"},
		),
	)
	e.write(t, nil, "text/plain", "hello")

	first, _ := e.providers.Get("default")
	busy, _ := e.providers.Get("videos")
	require.NoError(t, busy.GarbageCollector().Start(ctx))
	assert.True(t, e.m.IsGarbageCollectionInProgress())

	_, err := e.m.GarbageCollectBinaries(ctx, true)
	require.ErrorIs(t, err, provider.ErrGCInProgress)
	assert.False(t, first.GarbageCollector().InProgress(), "started collectors are stopped")
	assert.Equal(t, 1, e.stores["default"].Len())
}

// failingRepository fails while enumerating references.
type failingRepository struct {
	*memrepo.Repository
}

func (failingRepository) MarkReferencedBlobs(context.Context, func(string)) error {
	return errors.New("scan failed")
}

func TestGarbageCollectBinaries_MarkFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.repos.Add(failingRepository{memrepo.New("broken")})
	e.write(t, nil, "text/plain", "hello")

	_, err := e.m.GarbageCollectBinaries(ctx, true)
	require.ErrorContains(t, err, "scan failed")
	assert.False(t, e.m.IsGarbageCollectionInProgress())
	assert.Equal(t, 1, e.stores["default"].Len(), "nothing is deleted after a failed scan")
}

// migratingRepository migrates a legacy key right after its references
// are marked, like a concurrent digest migration would.
type migratingRepository struct {
	*memrepo.Repository
	migrate func(ctx context.Context) error
}

func (r migratingRepository) MarkReferencedBlobs(ctx context.Context, mark func(string)) error {
	if err := r.Repository.MarkReferencedBlobs(ctx, mark); err != nil {
		return err
	}
	return r.migrate(ctx)
}

func TestGarbageCollectBinaries_MigrationDuringMarking(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.put(t, "default", "legacy123", "legacy")
	e.repo.Add(memrepo.NewDoc("b", "File").Set("content", e.read(t, "legacy123", "legacy")))

	var res digest.Result
	e.repos.Add(migratingRepository{Repository: e.repo, migrate: func(ctx context.Context) error {
		var err error
		res, err = digest.New(e.m).ComputeAndReplace(ctx, "default", "legacy123")
		return err
	}})

	status, err := e.m.GarbageCollectBinaries(ctx, true)
	require.NoError(t, err)
	require.True(t, res.Migrated)
	assert.Equal(t, md5Legacy, docBlob(t, e.repo, "b", "content").Key)
	assert.True(t, e.stores["default"].Has(md5Legacy), "blob copied after marking survives the sweep")
	assert.Zero(t, status.NumBinariesGC)

	mb, err := e.m.ReadBlobFromRepository(ctx, docBlob(t, e.repo, "b", "content").Info, "default")
	require.NoError(t, err)
	assert.Equal(t, "legacy", readAll(t, mb))
}
