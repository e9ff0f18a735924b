package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/hupe1980/blobmgr/blobstore"
)

// Store implements blobstore.BlobStore for S3.
type Store struct {
	client     Client
	bucket     string
	prefix     string
	uploader   *manager.Uploader
	downloader *manager.Downloader
	opts       options
}

var (
	_ blobstore.BlobStore         = (*Store)(nil)
	_ blobstore.ConditionalPutter = (*Store)(nil)
	_ blobstore.Downloader        = (*Store)(nil)
	_ blobstore.Restorer          = (*Store)(nil)
	_ blobstore.Retainer          = (*Store)(nil)
	_ blobstore.URLSigner         = (*Store)(nil)
)

// New creates a Store using the default AWS credential chain.
func New(ctx context.Context, bucket string, opts ...Option) (*Store, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	var loadOpts []func(*config.LoadOptions) error
	if o.region != "" {
		loadOpts = append(loadOpts, config.WithRegion(o.region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(so *s3.Options) {
		if o.endpoint != "" {
			so.BaseEndpoint = aws.String(o.endpoint)
		}
		so.UsePathStyle = o.usePathStyle
	})
	if o.presigner == nil {
		opts = append(opts, WithPresigner(s3.NewPresignClient(client)))
	}
	return NewStore(client, bucket, o.prefix, opts...), nil
}

// NewStore creates a new S3 blob store.
// rootPrefix is prepended to all keys (e.g. "my-repo/").
func NewStore(client Client, bucket, rootPrefix string, opts ...Option) *Store {
	o := defaultOptions()
	o.prefix = rootPrefix
	for _, opt := range opts {
		opt(&o)
	}
	return &Store{
		client:     client,
		bucket:     bucket,
		prefix:     o.prefix,
		uploader:   newUploader(client, o.upload),
		downloader: newDownloader(client, o.upload),
		opts:       o,
	}
}

// ID implements blobstore.BlobStore.
func (s *Store) ID() string {
	return "s3://" + path.Join(s.bucket, s.prefix)
}

func (s *Store) key(name string) string {
	return path.Join(s.prefix, name)
}

// Open implements blobstore.BlobStore.
func (s *Store) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	key := s.key(name)

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, mapError(err)
	}
	if isArchived(head.StorageClass) {
		st := parseRestore(aws.ToString(head.Restore))
		if !st.Restored || st.Ongoing {
			return nil, fmt.Errorf("%w: %s", blobstore.ErrArchived, name)
		}
	}

	return &s3Blob{
		client: s.client,
		bucket: s.bucket,
		key:    key,
		size:   aws.ToInt64(head.ContentLength),
	}, nil
}

// Put implements blobstore.BlobStore. Small blobs of known size are sent in
// one request with a CRC32C checksum, the rest go through the multipart
// uploader.
func (s *Store) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	key := s.key(name)
	if size >= 0 && size <= s.opts.upload.PartSize {
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		return mapError(s.putObject(ctx, key, data, false))
	}

	input := &s3.PutObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(key),
		Body:         r,
		StorageClass: s.opts.storageClass,
	}
	if s.opts.upload.EnableChecksum {
		input.ChecksumAlgorithm = types.ChecksumAlgorithmCrc32c
	}
	_, err := s.uploader.Upload(ctx, input)
	return err
}

// PutIfAbsent implements blobstore.ConditionalPutter using conditional
// writes (If-None-Match). Blobs larger than one part fall back to a
// HEAD check followed by Put.
func (s *Store) PutIfAbsent(ctx context.Context, name string, r io.Reader, size int64) (bool, error) {
	if size < 0 || size > s.opts.upload.PartSize {
		ok, err := blobstore.Exists(ctx, s, name)
		if err != nil || ok {
			return false, err
		}
		return true, s.Put(ctx, name, r, size)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return false, err
	}
	if err := s.putObject(ctx, s.key(name), data, true); err != nil {
		if isConflict(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) putObject(ctx context.Context, key string, data []byte, ifNoneMatch bool) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		StorageClass:  s.opts.storageClass,
	}
	if s.opts.upload.EnableChecksum {
		input.ChecksumCRC32C = aws.String(computeCRC32C(data))
	}
	if ifNoneMatch {
		input.IfNoneMatch = aws.String("*")
	}
	_, err := s.client.PutObject(ctx, input)
	return err
}

// Delete implements blobstore.BlobStore.
func (s *Store) Delete(ctx context.Context, name string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil && apiCode(err) == "AccessDenied" {
		return fmt.Errorf("%w: %s: %v", blobstore.ErrRetained, name, err)
	}
	return err
}

// List implements blobstore.BlobStore.
func (s *Store) List(ctx context.Context, prefix string) ([]blobstore.ObjectInfo, error) {
	var infos []blobstore.ObjectInfo

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key(prefix)),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			relPath := aws.ToString(obj.Key)
			if len(s.prefix) > 0 {
				relPath = strings.TrimPrefix(relPath, s.prefix)
				relPath = strings.TrimPrefix(relPath, "/")
			}
			infos = append(infos, blobstore.ObjectInfo{
				Name:    relPath,
				Size:    aws.ToInt64(obj.Size),
				ModTime: blobstore.CoarseModTime(aws.ToTime(obj.LastModified), time.Second),
			})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Copy implements blobstore.BlobStore with a server-side copy.
func (s *Store) Copy(ctx context.Context, dst, src string, move bool) error {
	srcKey := s.key(src)
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(s.key(dst)),
		CopySource:   aws.String(copySource(s.bucket, srcKey)),
		StorageClass: s.opts.storageClass,
	})
	if err != nil {
		return mapError(err)
	}
	if move && dst != src {
		return s.Delete(ctx, src)
	}
	return nil
}

// Download implements blobstore.Downloader using parallel ranged GETs.
func (s *Store) Download(ctx context.Context, name string, w io.WriterAt) (int64, error) {
	n, err := s.downloader.Download(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		return n, mapError(err)
	}
	return n, nil
}

// PresignGet implements blobstore.URLSigner.
func (s *Store) PresignGet(ctx context.Context, name string, ttl time.Duration) (string, error) {
	if s.opts.presigner == nil {
		return "", errors.New("s3: no presigner configured")
	}
	req, err := s.opts.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

func copySource(bucket, key string) string {
	u := url.URL{Path: bucket + "/" + key}
	return u.EscapedPath()
}

func apiCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func isConflict(err error) bool {
	code := apiCode(err)
	return code == "PreconditionFailed" || code == "ConditionalRequestConflict"
}

// mapError translates missing-object errors to blobstore.ErrNotFound.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return blobstore.ErrNotFound
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return blobstore.ErrNotFound
	}
	switch apiCode(err) {
	case "NotFound", "NoSuchKey":
		return blobstore.ErrNotFound
	case "InvalidObjectState":
		return fmt.Errorf("%w: %v", blobstore.ErrArchived, err)
	}
	return err
}

// s3Blob implements blobstore.Blob with ranged GETs.
type s3Blob struct {
	client Client
	bucket string
	key    string
	size   int64
}

func (b *s3Blob) Close() error {
	return nil
}

func (b *s3Blob) Size() int64 {
	return b.size
}

// ReadAt reads len(p) bytes starting at offset off.
func (b *s3Blob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off >= b.size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	end := off + int64(len(p)) - 1
	if end >= b.size {
		end = b.size - 1
	}

	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, end)),
	})
	if err != nil {
		return 0, mapError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	n, err := io.ReadFull(resp.Body, p[:end-off+1])
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

// ReadRange returns a reader for a range of bytes.
func (b *s3Blob) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	if off >= b.size || length <= 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	end := off + length - 1
	if end >= b.size {
		end = b.size - 1
	}

	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, end)),
	})
	if err != nil {
		return nil, mapError(err)
	}
	return resp.Body, nil
}
