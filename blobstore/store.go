package blobstore

import (
	"context"
	"errors"
	"io"
	"os"
	"time"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies `errors.Is(err, ErrNotFound)`.
// The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

var (
	// ErrInvalidName is returned for keys that cannot be stored.
	ErrInvalidName = errors.New("invalid blob name")
	// ErrArchived is returned when reading a blob that sits in an archival
	// tier and has not been restored.
	ErrArchived = errors.New("blob is archived")
	// ErrRetained is returned when deleting a blob under retention or legal hold.
	ErrRetained = errors.New("blob is under retention")
)

// BlobStore is a key-addressed store of immutable blobs.
// Implementations must be safe for concurrent use.
type BlobStore interface {
	// ID identifies the physical storage. Two stores with the same ID
	// share their contents.
	ID() string
	// Open opens a blob for reading.
	Open(ctx context.Context, name string) (Blob, error)
	// Put writes a blob atomically. size may be -1 if unknown.
	Put(ctx context.Context, name string, r io.Reader, size int64) error
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
	// List returns all blobs whose name starts with prefix, sorted by name.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// Copy copies src to dst inside the store, removing src if move is set.
	// Returns ErrNotFound if src does not exist.
	Copy(ctx context.Context, dst, src string, move bool) error
}

// ObjectInfo describes a listed blob.
type ObjectInfo struct {
	Name string
	Size int64
	// ModTime is the time of the last write, or an upper bound of it for
	// stores with coarse timestamps. Zero if the store does not report it.
	ModTime time.Time
}

// Blob is a read-only handle to a data blob.
type Blob interface {
	io.Closer
	// Size returns the size of the blob in bytes.
	Size() int64
	// ReadAt reads len(p) bytes starting at off.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	// ReadRange returns a reader for length bytes starting at off.
	ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error)
}

// Unwrapper is implemented by decorating stores (caches) to expose the
// store they wrap.
type Unwrapper interface {
	Unwrap() BlobStore
}

// Unwrap strips all decorators from s.
func Unwrap(s BlobStore) BlobStore {
	for {
		u, ok := s.(Unwrapper)
		if !ok {
			return s
		}
		s = u.Unwrap()
	}
}

// Downloader is implemented by stores that can fetch a blob with parallel
// range requests into a file.
type Downloader interface {
	Download(ctx context.Context, name string, w io.WriterAt) (int64, error)
}

// ConditionalPutter is implemented by stores that can write a blob only if
// no blob of that name exists yet. It reports whether the blob was written.
type ConditionalPutter interface {
	PutIfAbsent(ctx context.Context, name string, r io.Reader, size int64) (bool, error)
}

// RestoreStatus is the availability of a blob held in an archival tier.
type RestoreStatus struct {
	// Archived is set when the blob lives in a tier that must be restored
	// before it can be read.
	Archived bool
	// Ongoing is set while a restore request is being processed.
	Ongoing bool
	// Restored is set when a temporary readable copy exists.
	Restored bool
	// Expiry is when the restored copy goes away. Zero if unknown.
	Expiry time.Time
}

// Downloadable reports whether the blob content can be read right now.
func (s RestoreStatus) Downloadable() bool {
	return !s.Archived || (s.Restored && !s.Ongoing)
}

// Restorer is implemented by stores backed by an archival tier.
type Restorer interface {
	// Restore requests a temporary readable copy kept for d.
	Restore(ctx context.Context, name string, d time.Duration) error
	RestoreStatus(ctx context.Context, name string) (RestoreStatus, error)
}

// URLSigner is implemented by stores that can hand out direct download URLs.
type URLSigner interface {
	PresignGet(ctx context.Context, name string, ttl time.Duration) (string, error)
}

// Retainer is implemented by stores supporting object lock.
type Retainer interface {
	SetRetention(ctx context.Context, name string, until time.Time) error
	SetLegalHold(ctx context.Context, name string, hold bool) error
}

// NewReader returns a reader over the whole blob. Closing the reader closes b.
func NewReader(ctx context.Context, b Blob) (io.ReadCloser, error) {
	rc, err := b.ReadRange(ctx, 0, b.Size())
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	return &blobReader{ReadCloser: rc, blob: b}, nil
}

type blobReader struct {
	io.ReadCloser
	blob Blob
}

func (r *blobReader) Close() error {
	err := r.ReadCloser.Close()
	if cerr := r.blob.Close(); err == nil {
		err = cerr
	}
	return err
}

// Exists reports whether name is present in s. Archived blobs exist.
func Exists(ctx context.Context, s BlobStore, name string) (bool, error) {
	b, err := s.Open(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if errors.Is(err, ErrArchived) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return true, b.Close()
}

// CoarseModTime turns a timestamp truncated to resolution into an upper
// bound of the actual write time. The zero time stays zero.
func CoarseModTime(t time.Time, resolution time.Duration) time.Time {
	if t.IsZero() {
		return t
	}
	return t.Add(resolution)
}
