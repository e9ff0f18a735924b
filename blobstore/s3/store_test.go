package s3

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/hupe1980/blobmgr/blobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestStore_Open(t *testing.T) {
	mockClient := new(MockS3Client)
	store := NewStore(mockClient, "test-bucket", "prefix")

	t.Run("NotFound", func(t *testing.T) {
		mockClient.On("HeadObject", mock.Anything, mock.MatchedBy(func(input *s3.HeadObjectInput) bool {
			return *input.Bucket == "test-bucket" && *input.Key == "prefix/foo"
		})).Return(nil, &types.NotFound{}).Once()

		_, err := store.Open(context.Background(), "foo")
		assert.Equal(t, blobstore.ErrNotFound, err)
	})

	t.Run("Success", func(t *testing.T) {
		mockClient.On("HeadObject", mock.Anything, mock.MatchedBy(func(input *s3.HeadObjectInput) bool {
			return *input.Bucket == "test-bucket" && *input.Key == "prefix/bar"
		})).Return(&s3.HeadObjectOutput{
			ContentLength: aws.Int64(100),
		}, nil).Once()

		blob, err := store.Open(context.Background(), "bar")
		assert.NoError(t, err)
		assert.Equal(t, int64(100), blob.Size())
	})

	t.Run("Archived", func(t *testing.T) {
		mockClient.On("HeadObject", mock.Anything, mock.MatchedBy(func(input *s3.HeadObjectInput) bool {
			return *input.Key == "prefix/cold"
		})).Return(&s3.HeadObjectOutput{
			ContentLength: aws.Int64(10),
			StorageClass:  types.StorageClassGlacier,
		}, nil).Once()

		_, err := store.Open(context.Background(), "cold")
		assert.ErrorIs(t, err, blobstore.ErrArchived)
	})

	mockClient.AssertExpectations(t)
}

func TestStore_ID(t *testing.T) {
	store := NewStore(new(MockS3Client), "bucket", "repo/")
	assert.Equal(t, "s3://bucket/repo", store.ID())
}

func TestStore_Put(t *testing.T) {
	mockClient := new(MockS3Client)
	store := NewStore(mockClient, "test-bucket", "prefix")

	mockClient.On("PutObject", mock.Anything, mock.MatchedBy(func(input *s3.PutObjectInput) bool {
		return *input.Bucket == "test-bucket" && *input.Key == "prefix/new" &&
			input.ChecksumCRC32C != nil && *input.ContentLength == 7
	})).Run(func(args mock.Arguments) {
		input := args.Get(1).(*s3.PutObjectInput)
		data, _ := io.ReadAll(input.Body)
		assert.Equal(t, "content", string(data))
	}).Return(&s3.PutObjectOutput{}, nil).Once()

	err := store.Put(context.Background(), "new", strings.NewReader("content"), 7)
	assert.NoError(t, err)
	mockClient.AssertExpectations(t)
}

func TestStore_PutUnknownSize(t *testing.T) {
	mockClient := new(MockS3Client)
	store := NewStore(mockClient, "test-bucket", "prefix")

	// manager.Uploader sends bodies smaller than one part with PutObject
	mockClient.On("PutObject", mock.Anything, mock.MatchedBy(func(input *s3.PutObjectInput) bool {
		return *input.Key == "prefix/stream" && input.ChecksumAlgorithm == types.ChecksumAlgorithmCrc32c
	})).Run(func(args mock.Arguments) {
		input := args.Get(1).(*s3.PutObjectInput)
		_, _ = io.ReadAll(input.Body)
	}).Return(&s3.PutObjectOutput{}, nil).Once()

	err := store.Put(context.Background(), "stream", strings.NewReader("streamed"), -1)
	assert.NoError(t, err)
	mockClient.AssertExpectations(t)
}

func TestStore_PutIfAbsent(t *testing.T) {
	mockClient := new(MockS3Client)
	store := NewStore(mockClient, "b", "")

	mockClient.On("PutObject", mock.Anything, mock.MatchedBy(func(input *s3.PutObjectInput) bool {
		return *input.Key == "fresh" && aws.ToString(input.IfNoneMatch) == "*"
	})).Return(&s3.PutObjectOutput{}, nil).Once()
	mockClient.On("PutObject", mock.Anything, mock.MatchedBy(func(input *s3.PutObjectInput) bool {
		return *input.Key == "taken"
	})).Return(nil, &smithy.GenericAPIError{Code: "PreconditionFailed"}).Once()

	written, err := store.PutIfAbsent(context.Background(), "fresh", bytes.NewReader([]byte("x")), 1)
	require.NoError(t, err)
	assert.True(t, written)

	written, err = store.PutIfAbsent(context.Background(), "taken", bytes.NewReader([]byte("x")), 1)
	require.NoError(t, err)
	assert.False(t, written)
	mockClient.AssertExpectations(t)
}

func TestStore_Delete(t *testing.T) {
	mockClient := new(MockS3Client)
	store := NewStore(mockClient, "test-bucket", "prefix")

	mockClient.On("DeleteObject", mock.Anything, mock.MatchedBy(func(input *s3.DeleteObjectInput) bool {
		return *input.Bucket == "test-bucket" && *input.Key == "prefix/del"
	})).Return(&s3.DeleteObjectOutput{}, nil).Once()
	mockClient.On("DeleteObject", mock.Anything, mock.MatchedBy(func(input *s3.DeleteObjectInput) bool {
		return *input.Key == "prefix/locked"
	})).Return(nil, &smithy.GenericAPIError{Code: "AccessDenied"}).Once()

	assert.NoError(t, store.Delete(context.Background(), "del"))
	assert.ErrorIs(t, store.Delete(context.Background(), "locked"), blobstore.ErrRetained)
}

func TestStore_List(t *testing.T) {
	mockClient := new(MockS3Client)
	store := NewStore(mockClient, "test-bucket", "prefix/")
	modified := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	mockClient.On("ListObjectsV2", mock.Anything, mock.MatchedBy(func(input *s3.ListObjectsV2Input) bool {
		return *input.Bucket == "test-bucket" && *input.Prefix == "prefix"
	})).Return(&s3.ListObjectsV2Output{
		Contents: []types.Object{
			{Key: aws.String("prefix/file1"), Size: aws.Int64(3), LastModified: aws.Time(modified)},
			{Key: aws.String("prefix/dir/file2"), Size: aws.Int64(4)},
		},
	}, nil).Once()

	infos, err := store.List(context.Background(), "")
	assert.NoError(t, err)
	assert.Equal(t, []blobstore.ObjectInfo{
		{Name: "dir/file2", Size: 4},
		{Name: "file1", Size: 3, ModTime: modified.Add(time.Second)},
	}, infos)
}

func TestStore_List_Pagination(t *testing.T) {
	mockClient := new(MockS3Client)
	store := NewStore(mockClient, "test-bucket", "prefix/")

	// Page 1
	mockClient.On("ListObjectsV2", mock.Anything, mock.MatchedBy(func(input *s3.ListObjectsV2Input) bool {
		return input.ContinuationToken == nil
	})).Return(&s3.ListObjectsV2Output{
		IsTruncated:           aws.Bool(true),
		NextContinuationToken: aws.String("token"),
		Contents:              []types.Object{{Key: aws.String("prefix/1")}},
	}, nil).Once()

	// Page 2
	mockClient.On("ListObjectsV2", mock.Anything, mock.MatchedBy(func(input *s3.ListObjectsV2Input) bool {
		return input.ContinuationToken != nil && *input.ContinuationToken == "token"
	})).Return(&s3.ListObjectsV2Output{
		IsTruncated: aws.Bool(false),
		Contents:    []types.Object{{Key: aws.String("prefix/2")}},
	}, nil).Once()

	infos, err := store.List(context.Background(), "")
	assert.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "1", infos[0].Name)
	assert.Equal(t, "2", infos[1].Name)
}

func TestStore_Copy(t *testing.T) {
	mockClient := new(MockS3Client)
	store := NewStore(mockClient, "bucket", "p")

	mockClient.On("CopyObject", mock.Anything, mock.MatchedBy(func(input *s3.CopyObjectInput) bool {
		return *input.Key == "p/dst" && *input.CopySource == "bucket/p/src"
	})).Return(&s3.CopyObjectOutput{}, nil).Twice()
	mockClient.On("DeleteObject", mock.Anything, mock.MatchedBy(func(input *s3.DeleteObjectInput) bool {
		return *input.Key == "p/src"
	})).Return(&s3.DeleteObjectOutput{}, nil).Once()
	mockClient.On("CopyObject", mock.Anything, mock.MatchedBy(func(input *s3.CopyObjectInput) bool {
		return *input.Key == "p/x"
	})).Return(nil, &types.NoSuchKey{}).Once()

	require.NoError(t, store.Copy(context.Background(), "dst", "src", false))
	require.NoError(t, store.Copy(context.Background(), "dst", "src", true))
	assert.ErrorIs(t, store.Copy(context.Background(), "x", "missing", false), blobstore.ErrNotFound)
	mockClient.AssertExpectations(t)
}

func TestBlob_ReadAt(t *testing.T) {
	mockClient := new(MockS3Client)
	blob := &s3Blob{
		client: mockClient,
		bucket: "b",
		key:    "k",
		size:   10,
	}

	mockClient.On("GetObject", mock.Anything, mock.MatchedBy(func(input *s3.GetObjectInput) bool {
		return *input.Bucket == "b" && *input.Key == "k" && *input.Range == "bytes=0-4"
	})).Return(&s3.GetObjectOutput{
		Body: io.NopCloser(strings.NewReader("hello")),
	}, nil).Once()
	mockClient.On("GetObject", mock.Anything, mock.MatchedBy(func(input *s3.GetObjectInput) bool {
		return *input.Range == "bytes=8-9"
	})).Return(&s3.GetObjectOutput{
		Body: io.NopCloser(strings.NewReader("ld")),
	}, nil).Once()

	buf := make([]byte, 5)
	n, err := blob.ReadAt(context.Background(), buf, 0)
	assert.Equal(t, 5, n)
	assert.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	n, err = blob.ReadAt(context.Background(), buf, 8)
	assert.Equal(t, 2, n)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "ld", string(buf[:n]))
}

func TestBlob_ReadRange(t *testing.T) {
	mockClient := new(MockS3Client)
	blob := &s3Blob{
		client: mockClient,
		bucket: "b",
		key:    "k",
		size:   10,
	}

	mockClient.On("GetObject", mock.Anything, mock.MatchedBy(func(input *s3.GetObjectInput) bool {
		return *input.Bucket == "b" && *input.Key == "k" && *input.Range == "bytes=2-6"
	})).Return(&s3.GetObjectOutput{
		Body: io.NopCloser(strings.NewReader("llo W")),
	}, nil).Once()

	r, err := blob.ReadRange(context.Background(), 2, 5)
	require.NoError(t, err)
	defer r.Close()

	buf, err := io.ReadAll(r)
	assert.NoError(t, err)
	assert.Equal(t, "llo W", string(buf))
}

func TestStore_Restore(t *testing.T) {
	mockClient := new(MockS3Client)
	store := NewStore(mockClient, "b", "", WithRestoreTier(types.TierBulk))

	mockClient.On("RestoreObject", mock.Anything, mock.MatchedBy(func(input *s3.RestoreObjectInput) bool {
		return *input.Key == "k" && *input.RestoreRequest.Days == 2 &&
			input.RestoreRequest.GlacierJobParameters.Tier == types.TierBulk
	})).Return(&s3.RestoreObjectOutput{}, nil).Once()
	mockClient.On("RestoreObject", mock.Anything, mock.MatchedBy(func(input *s3.RestoreObjectInput) bool {
		return *input.Key == "busy"
	})).Return(nil, &smithy.GenericAPIError{Code: "RestoreAlreadyInProgress"}).Once()

	require.NoError(t, store.Restore(context.Background(), "k", 36*time.Hour))
	require.NoError(t, store.Restore(context.Background(), "busy", time.Hour))
	assert.Error(t, store.Restore(context.Background(), "k", 0))
	mockClient.AssertExpectations(t)
}

func TestStore_RestoreStatus(t *testing.T) {
	mockClient := new(MockS3Client)
	store := NewStore(mockClient, "b", "")

	head := func(key string, out *s3.HeadObjectOutput) {
		mockClient.On("HeadObject", mock.Anything, mock.MatchedBy(func(input *s3.HeadObjectInput) bool {
			return *input.Key == key
		})).Return(out, nil).Once()
	}
	head("hot", &s3.HeadObjectOutput{StorageClass: types.StorageClassStandard})
	head("frozen", &s3.HeadObjectOutput{StorageClass: types.StorageClassGlacier})
	head("ongoing", &s3.HeadObjectOutput{
		StorageClass: types.StorageClassGlacier,
		Restore:      aws.String(`ongoing-request="true"`),
	})
	head("done", &s3.HeadObjectOutput{
		StorageClass: types.StorageClassDeepArchive,
		Restore:      aws.String(`ongoing-request="false", expiry-date="Fri, 21 Dec 2012 00:00:00 GMT"`),
	})

	ctx := context.Background()
	st, err := store.RestoreStatus(ctx, "hot")
	require.NoError(t, err)
	assert.True(t, st.Downloadable())

	st, err = store.RestoreStatus(ctx, "frozen")
	require.NoError(t, err)
	assert.True(t, st.Archived)
	assert.False(t, st.Downloadable())

	st, err = store.RestoreStatus(ctx, "ongoing")
	require.NoError(t, err)
	assert.True(t, st.Ongoing)
	assert.False(t, st.Downloadable())

	st, err = store.RestoreStatus(ctx, "done")
	require.NoError(t, err)
	assert.True(t, st.Downloadable())
	assert.Equal(t, time.Date(2012, 12, 21, 0, 0, 0, 0, time.UTC), st.Expiry.UTC())
}

func TestStore_Retention(t *testing.T) {
	mockClient := new(MockS3Client)
	store := NewStore(mockClient, "b", "")
	until := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	mockClient.On("PutObjectRetention", mock.Anything, mock.MatchedBy(func(input *s3.PutObjectRetentionInput) bool {
		return *input.Key == "k" && input.Retention.Mode == types.ObjectLockRetentionModeCompliance &&
			input.Retention.RetainUntilDate.Equal(until)
	})).Return(&s3.PutObjectRetentionOutput{}, nil).Once()
	mockClient.On("PutObjectLegalHold", mock.Anything, mock.MatchedBy(func(input *s3.PutObjectLegalHoldInput) bool {
		return *input.Key == "k" && input.LegalHold.Status == types.ObjectLockLegalHoldStatusOn
	})).Return(&s3.PutObjectLegalHoldOutput{}, nil).Once()

	require.NoError(t, store.SetRetention(context.Background(), "k", until))
	require.NoError(t, store.SetLegalHold(context.Background(), "k", true))
	mockClient.AssertExpectations(t)
}

func TestStore_PresignGet(t *testing.T) {
	presigner := new(MockPresigner)
	store := NewStore(new(MockS3Client), "b", "p", WithPresigner(presigner))

	presigner.On("PresignGetObject", mock.Anything, mock.MatchedBy(func(input *s3.GetObjectInput) bool {
		return *input.Key == "p/k"
	})).Return(&v4.PresignedHTTPRequest{URL: "https://b.s3/p/k?sig"}, nil).Once()

	u, err := store.PresignGet(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "https://b.s3/p/k?sig", u)

	_, err = NewStore(new(MockS3Client), "b", "").PresignGet(context.Background(), "k", time.Minute)
	assert.Error(t, err)
}

func TestParseRestore(t *testing.T) {
	assert.Equal(t, blobstore.RestoreStatus{}, parseRestore(""))
	st := parseRestore(`ongoing-request="false", expiry-date="Fri, 21 Dec 2012 00:00:00 GMT"`)
	assert.True(t, st.Restored)
	assert.False(t, st.Ongoing)
	assert.Equal(t, 2012, st.Expiry.Year())
}
