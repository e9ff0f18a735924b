package memrepo

import (
	"context"
	"errors"
	"testing"

	"github.com/hupe1980/blobmgr/blob"
	"github.com/hupe1980/blobmgr/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func managed(key string) *blob.Managed {
	return blob.NewManaged("default", blob.Info{Key: key}, nil)
}

func TestDoc_Values(t *testing.T) {
	d := NewDoc("d1", "File").
		Set("content", managed("k1")).
		Set("files", []any{
			map[string]any{"file": managed("k2")},
			map[string]any{"file": managed("k3")},
		}).
		Set("dc/title", "hello")

	v, err := d.Value("dc/title")
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	v, err = d.Value("files/1/file")
	require.NoError(t, err)
	assert.Equal(t, "k3", v.(*blob.Managed).Key)

	v, err = d.Value("missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = d.Value("dc/title/sub")
	assert.ErrorIs(t, err, repository.ErrPropertyNotFound)

	_, err = d.Value("files/7/file")
	assert.ErrorIs(t, err, repository.ErrPropertyNotFound)

	require.NoError(t, d.SetValue("content", nil))
	v, err = d.Value("content")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestDoc_VisitBlobs(t *testing.T) {
	d := NewDoc("d1", "File").
		Set("content", managed("k1")).
		Set("files", []any{map[string]any{"file": managed("k2")}})

	var paths []string
	err := d.VisitBlobs(func(xpath string, b blob.Blob) (blob.Blob, error) {
		paths = append(paths, xpath)
		if xpath == "files/0/file" {
			return managed("k9"), nil
		}
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"content", "files/0/file"}, paths)

	v, err := d.Value("files/0/file")
	require.NoError(t, err)
	assert.Equal(t, "k9", v.(*blob.Managed).Key)
}

func TestDoc_Facets(t *testing.T) {
	d := NewDoc("d1", "File")
	assert.True(t, d.AddFacet("ColdStorage"))
	assert.False(t, d.AddFacet("ColdStorage"))
	assert.True(t, d.HasFacet("ColdStorage"))
	assert.True(t, d.RemoveFacet("ColdStorage"))
	assert.False(t, d.RemoveFacet("ColdStorage"))
}

func TestRepository_QueryAndSave(t *testing.T) {
	ctx := context.Background()
	repo := New("test")
	repo.Add(NewDoc("a", "File").Set("content", managed("k1")))
	repo.Add(NewDoc("b", "File").Set("content", managed("p:k1")))
	repo.Add(NewDoc("c", "Note").Set("dc/title", "x"))

	s, err := repo.Open(ctx, repository.SystemPrincipal())
	require.NoError(t, err)
	assert.Equal(t, "test", s.RepositoryName())

	docs, err := s.Query(ctx, repository.Query{BlobKeys: []string{"k1", "p:k1"}})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "test", docs[0].RepositoryName())

	docs, err = s.Query(ctx, repository.Query{BlobKeys: []string{"k1"}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a", docs[0].ID())

	// Unsaved changes stay private to the copy.
	require.NoError(t, docs[0].SetValue("content", managed("k2")))
	stored, _ := repo.Get("a")
	v, _ := stored.Value("content")
	assert.Equal(t, "k1", v.(*blob.Managed).Key)

	require.NoError(t, s.Save(ctx, docs[0]))
	stored, _ = repo.Get("a")
	v, _ = stored.Value("content")
	assert.Equal(t, "k2", v.(*blob.Managed).Key)

	docs, err = s.Query(ctx, repository.Query{Property: "dc/title", Equals: "x"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "c", docs[0].ID())
}

func TestRepository_SavePermissions(t *testing.T) {
	ctx := context.Background()
	repo := New("test")
	repo.Add(NewDoc("a", "File"))

	s, err := repo.Open(ctx, repository.Principal{Name: "bob"})
	require.NoError(t, err)
	docs, err := s.Query(ctx, repository.Query{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.ErrorIs(t, s.Save(ctx, docs[0]), ErrPermissionDenied)

	boom := errors.New("boom")
	repo.FailSave("a", boom)
	admin, _ := repo.Open(ctx, repository.Principal{Name: "alice", Administrator: true})
	assert.ErrorIs(t, admin.Save(ctx, docs[0]), boom)
	repo.FailSave("a", nil)
	assert.NoError(t, admin.Save(ctx, docs[0]))
}

func TestRepository_MarkReferencedBlobs(t *testing.T) {
	repo := New("test")
	repo.Add(NewDoc("a", "File").Set("content", managed("k1")))
	repo.Add(NewDoc("b", "File").Set("files", []any{managed("k2"), managed("p:k3")}))

	var keys []string
	require.NoError(t, repo.MarkReferencedBlobs(context.Background(), func(key string) {
		keys = append(keys, key)
	}))
	assert.Equal(t, []string{"k1", "k2", "p:k3"}, keys)
}

func TestRepository_Capabilities(t *testing.T) {
	assert.True(t, New("a").HasCapability(repository.CapabilityQueryBlobKeys))
	assert.False(t, New("b", WithoutBlobKeyQueries()).HasCapability(repository.CapabilityQueryBlobKeys))
}
