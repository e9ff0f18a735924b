package provider

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/hupe1980/blobmgr/blob"
	"github.com/hupe1980/blobmgr/blobstore"
	"github.com/hupe1980/blobmgr/keystrategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helloMD5 = "5d41402abc4b2a76b9719d911017c592"

func readManaged(t *testing.T, m *blob.Managed) string {
	t.Helper()
	rc, err := m.Open(context.Background())
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestStoreProvider_OpaqueRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	p := NewStoreProvider(Descriptor{ID: "default"}, store, nil)

	key, err := p.Write(ctx, WriteContext{Blob: blob.NewBytes([]byte("payload"), "text/plain", "a.txt")})
	require.NoError(t, err)
	assert.Len(t, key, 36)
	assert.True(t, store.Has(key))

	m, err := p.Read(ctx, ReadContext{Info: blob.Info{Key: key, MimeType: "text/plain"}})
	require.NoError(t, err)
	assert.Equal(t, "default", m.ProviderID)
	assert.Equal(t, key, m.Key)
	assert.Equal(t, "payload", readManaged(t, m))
}

func TestStoreProvider_DigestWrite(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	p := NewStoreProvider(Descriptor{ID: "main"}, store, keystrategy.MustDigest(keystrategy.MD5), WithTempDir(t.TempDir()))

	key, err := p.Write(ctx, WriteContext{Blob: blob.NewBytes([]byte("hello"), "", "")})
	require.NoError(t, err)
	assert.Equal(t, helloMD5, key)

	again, err := p.Write(ctx, WriteContext{Blob: blob.NewBytes([]byte("hello"), "", "")})
	require.NoError(t, err)
	assert.Equal(t, key, again)
	assert.Equal(t, 1, store.Len())

	m, err := p.Read(ctx, ReadContext{Info: blob.Info{Key: "main:" + key}})
	require.NoError(t, err)
	assert.Equal(t, "main:"+key, m.Key)
	assert.Equal(t, key, m.Digest())
	assert.Equal(t, "hello", readManaged(t, m))
}

func TestStoreProvider_ReadMissing(t *testing.T) {
	p := NewStoreProvider(Descriptor{ID: "p"}, blobstore.NewMemoryStore(), nil)
	m, err := p.Read(context.Background(), ReadContext{Info: blob.Info{Key: "nope"}})
	require.NoError(t, err)

	_, err = m.Open(context.Background())
	assert.ErrorIs(t, err, blobstore.ErrNotFound)

	_, err = p.Read(context.Background(), ReadContext{})
	assert.Error(t, err)
}

func TestStoreProvider_Update(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	require.NoError(t, store.Put(ctx, "k", bytes.NewReader([]byte("x")), 1))
	p := NewStoreProvider(Descriptor{ID: "rec", RecordMode: true}, store, nil)
	assert.True(t, p.IsRecordMode())

	until := time.Now().Add(time.Hour)
	hold := true
	require.NoError(t, p.Update(ctx, UpdateContext{Key: "rec:k", RetainUntil: &until, LegalHold: &hold}))
	gotUntil, gotHold := store.Retention("k")
	assert.Equal(t, until, gotUntil)
	assert.True(t, gotHold)

	local, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	lp := NewStoreProvider(Descriptor{ID: "local"}, local, nil)
	err = lp.Update(ctx, UpdateContext{Key: "k", LegalHold: &hold})
	assert.ErrorIs(t, err, errors.ErrUnsupported)
	err = lp.Update(ctx, UpdateContext{Key: "k", RestoreFor: time.Hour})
	assert.ErrorIs(t, err, errors.ErrUnsupported)
	_, err = lp.DownloadURL(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, errors.ErrUnsupported)

	st, err := lp.Status(ctx, "k")
	require.NoError(t, err)
	assert.True(t, st.Downloadable())
}

func TestStoreProvider_ColdStorage(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore(blobstore.WithArchival(), blobstore.WithMemoryID("glacier"))
	p := NewStoreProvider(Descriptor{ID: "cold", ColdStorage: true}, store, nil)
	assert.True(t, p.IsColdStorage())

	key, err := p.Write(ctx, WriteContext{Blob: blob.NewBytes([]byte("frozen"), "", "")})
	require.NoError(t, err)

	st, err := p.Status(ctx, key)
	require.NoError(t, err)
	assert.False(t, st.Downloadable())

	require.NoError(t, p.Update(ctx, UpdateContext{Key: "cold:" + key, RestoreFor: time.Hour}))
	st, err = p.Status(ctx, key)
	require.NoError(t, err)
	assert.True(t, st.Ongoing)

	store.CompleteRestores()
	st, err = p.Status(ctx, key)
	require.NoError(t, err)
	assert.True(t, st.Downloadable())

	u, err := p.DownloadURL(ctx, "cold:"+key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "memory://glacier/"+key, u)
}

func TestRegistry(t *testing.T) {
	a := NewStoreProvider(Descriptor{ID: "a"}, blobstore.NewMemoryStore(), nil)
	b := NewStoreProvider(Descriptor{ID: "b"}, blobstore.NewMemoryStore(), nil)
	r := NewRegistry(b, a)

	assert.Equal(t, []string{"a", "b"}, r.IDs())
	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Same(t, a, got)

	a2 := NewStoreProvider(Descriptor{ID: "a", Transient: true}, blobstore.NewMemoryStore(), nil)
	r.Register(a2)
	got, _ = r.Get("a")
	assert.True(t, got.IsTransient())

	r.Unregister("b")
	_, ok = r.Get("b")
	assert.False(t, ok)
}
