package minio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/hupe1980/blobmgr/blobstore"
	"github.com/minio/minio-go/v7"
)

// Client is the subset of *minio.Client used by Store.
type Client interface {
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (*minio.Object, error)
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	CopyObject(ctx context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error)
	RestoreObject(ctx context.Context, bucketName, objectName, versionID string, req minio.RestoreRequest) error
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
	PutObjectRetention(ctx context.Context, bucketName, objectName string, opts minio.PutObjectRetentionOptions) error
	PutObjectLegalHold(ctx context.Context, bucketName, objectName string, opts minio.PutObjectLegalHoldOptions) error
}

var _ Client = (*minio.Client)(nil)

// Option configures a Store.
type Option func(*Store)

// WithStorageClass sets the storage class of written objects.
func WithStorageClass(class string) Option {
	return func(s *Store) { s.storageClass = class }
}

// WithRestoreTier sets the retrieval tier used for restore requests.
func WithRestoreTier(tier minio.TierType) Option {
	return func(s *Store) { s.restoreTier = tier }
}

// Store implements blobstore.BlobStore for MinIO and S3-compatible storage.
type Store struct {
	client       Client
	bucket       string
	prefix       string
	storageClass string
	restoreTier  minio.TierType
}

var (
	_ blobstore.BlobStore         = (*Store)(nil)
	_ blobstore.ConditionalPutter = (*Store)(nil)
	_ blobstore.Downloader        = (*Store)(nil)
	_ blobstore.Restorer          = (*Store)(nil)
	_ blobstore.Retainer          = (*Store)(nil)
	_ blobstore.URLSigner         = (*Store)(nil)
)

// NewStore creates a new MinIO blob store.
// bucket is the MinIO bucket name.
// rootPrefix is prepended to all keys (e.g. "blobs/").
func NewStore(client Client, bucket, rootPrefix string, opts ...Option) *Store {
	s := &Store{
		client:      client,
		bucket:      bucket,
		prefix:      rootPrefix,
		restoreTier: minio.TierStandard,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID implements blobstore.BlobStore.
func (s *Store) ID() string {
	return "minio://" + path.Join(s.bucket, s.prefix)
}

func (s *Store) key(name string) string {
	return path.Join(s.prefix, name)
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return blobstore.ErrNotFound
	}
	if minio.ToErrorResponse(err).Code == "InvalidObjectState" {
		return fmt.Errorf("%w: %v", blobstore.ErrArchived, err)
	}
	return err
}

func isArchivedClass(class string) bool {
	return class == "GLACIER" || class == "DEEP_ARCHIVE"
}

// Open opens an existing blob for reading.
func (s *Store) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	key := s.key(name)

	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, mapError(err)
	}
	if st := restoreStatus(info); !st.Downloadable() {
		return nil, fmt.Errorf("%w: %s", blobstore.ErrArchived, name)
	}

	return &minioBlob{
		client: s.client,
		bucket: s.bucket,
		key:    key,
		size:   info.Size,
	}, nil
}

// Put implements blobstore.BlobStore. A negative size streams the body.
func (s *Store) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(name), r, size, s.putOptions())
	return err
}

// PutIfAbsent implements blobstore.ConditionalPutter with If-None-Match.
func (s *Store) PutIfAbsent(ctx context.Context, name string, r io.Reader, size int64) (bool, error) {
	opts := s.putOptions()
	opts.SetMatchETagExcept("*")
	_, err := s.client.PutObject(ctx, s.bucket, s.key(name), r, size, opts)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "PreconditionFailed" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) putOptions() minio.PutObjectOptions {
	return minio.PutObjectOptions{StorageClass: s.storageClass}
}

// Delete removes a blob.
func (s *Store) Delete(ctx context.Context, name string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.key(name), minio.RemoveObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil // Already gone
		}
		if minio.ToErrorResponse(err).Code == "AccessDenied" {
			return fmt.Errorf("%w: %s: %v", blobstore.ErrRetained, name, err)
		}
		return err
	}
	return nil
}

// List returns all blobs with the given prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]blobstore.ObjectInfo, error) {
	var infos []blobstore.ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.key(prefix),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		// Strip our root prefix
		name := strings.TrimPrefix(obj.Key, s.prefix)
		name = strings.TrimPrefix(name, "/")
		if name != "" {
			infos = append(infos, blobstore.ObjectInfo{Name: name, Size: obj.Size, ModTime: blobstore.CoarseModTime(obj.LastModified, time.Second)})
		}
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Copy implements blobstore.BlobStore with a server-side copy.
func (s *Store) Copy(ctx context.Context, dst, src string, move bool) error {
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: s.key(dst)},
		minio.CopySrcOptions{Bucket: s.bucket, Object: s.key(src)},
	)
	if err != nil {
		return mapError(err)
	}
	if move && dst != src {
		return s.Delete(ctx, src)
	}
	return nil
}

// Download implements blobstore.Downloader.
func (s *Store) Download(ctx context.Context, name string, w io.WriterAt) (int64, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(name), minio.GetObjectOptions{})
	if err != nil {
		return 0, mapError(err)
	}
	defer obj.Close()

	n, err := io.Copy(io.NewOffsetWriter(w, 0), obj)
	if err != nil {
		return n, mapError(err)
	}
	return n, nil
}

// Restore implements blobstore.Restorer.
func (s *Store) Restore(ctx context.Context, name string, d time.Duration) error {
	if d <= 0 {
		return errors.New("minio: restore duration must be positive")
	}
	days := int((d + 24*time.Hour - 1) / (24 * time.Hour))

	req := minio.RestoreRequest{}
	req.SetDays(days)
	req.SetGlacierJobParameters(minio.GlacierJobParameters{Tier: s.restoreTier})

	err := s.client.RestoreObject(ctx, s.bucket, s.key(name), "", req)
	if err != nil && minio.ToErrorResponse(err).Code != "RestoreAlreadyInProgress" {
		return mapError(err)
	}
	return nil
}

// RestoreStatus implements blobstore.Restorer.
func (s *Store) RestoreStatus(ctx context.Context, name string) (blobstore.RestoreStatus, error) {
	info, err := s.client.StatObject(ctx, s.bucket, s.key(name), minio.StatObjectOptions{})
	if err != nil {
		return blobstore.RestoreStatus{}, mapError(err)
	}
	return restoreStatus(info), nil
}

func restoreStatus(info minio.ObjectInfo) blobstore.RestoreStatus {
	if !isArchivedClass(info.StorageClass) {
		return blobstore.RestoreStatus{}
	}
	st := blobstore.RestoreStatus{Archived: true}
	if info.Restore != nil {
		st.Ongoing = info.Restore.OngoingRestore
		st.Restored = !info.Restore.OngoingRestore
		st.Expiry = info.Restore.ExpiryTime
	}
	return st
}

// PresignGet implements blobstore.URLSigner.
func (s *Store) PresignGet(ctx context.Context, name string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, s.key(name), ttl, nil)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// SetRetention implements blobstore.Retainer in compliance mode.
func (s *Store) SetRetention(ctx context.Context, name string, until time.Time) error {
	mode := minio.Compliance
	return mapError(s.client.PutObjectRetention(ctx, s.bucket, s.key(name), minio.PutObjectRetentionOptions{
		Mode:            &mode,
		RetainUntilDate: &until,
	}))
}

// SetLegalHold implements blobstore.Retainer.
func (s *Store) SetLegalHold(ctx context.Context, name string, hold bool) error {
	status := minio.LegalHoldDisabled
	if hold {
		status = minio.LegalHoldEnabled
	}
	return mapError(s.client.PutObjectLegalHold(ctx, s.bucket, s.key(name), minio.PutObjectLegalHoldOptions{
		Status: &status,
	}))
}

// minioBlob implements blobstore.Blob for MinIO.
type minioBlob struct {
	client Client
	bucket string
	key    string
	size   int64
}

func (b *minioBlob) Size() int64 {
	return b.size
}

func (b *minioBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off >= b.size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	opts := minio.GetObjectOptions{}
	end := off + int64(len(p)) - 1
	if end >= b.size {
		end = b.size - 1
	}
	if err := opts.SetRange(off, end); err != nil {
		return 0, err
	}

	obj, err := b.client.GetObject(ctx, b.bucket, b.key, opts)
	if err != nil {
		return 0, mapError(err)
	}
	defer obj.Close()

	n, err := io.ReadFull(obj, p[:end-off+1])
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return n, io.EOF
		}
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *minioBlob) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	if off >= b.size || length <= 0 {
		return io.NopCloser(strings.NewReader("")), nil
	}
	opts := minio.GetObjectOptions{}
	end := off + length - 1
	if end >= b.size {
		end = b.size - 1
	}
	if err := opts.SetRange(off, end); err != nil {
		return nil, err
	}

	obj, err := b.client.GetObject(ctx, b.bucket, b.key, opts)
	if err != nil {
		return nil, mapError(err)
	}
	return obj, nil
}

func (b *minioBlob) Close() error {
	return nil
}
