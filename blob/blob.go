package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
)

// Blob is an immutable binary payload referenced by a document property.
type Blob interface {
	// Open returns a reader over the full content.
	Open(ctx context.Context) (io.ReadCloser, error)
	// Length returns the content length, or -1 if unknown.
	Length() int64
	MimeType() string
	Encoding() string
	Filename() string
	// Digest returns the known content digest, or "" if not computed.
	Digest() string
}

// Info is the persisted description of a blob as stored by a document.
type Info struct {
	Key      string
	MimeType string
	Encoding string
	Filename string
	Length   int64
	Digest   string
}

// Bytes is an in-memory Blob.
type Bytes struct {
	Data []byte
	Mime string
	Name string
	Enc  string
	// Sum is an optional precomputed digest.
	Sum string
}

// NewBytes returns an in-memory blob holding data.
func NewBytes(data []byte, mimeType, filename string) *Bytes {
	return &Bytes{Data: data, Mime: mimeType, Name: filename}
}

func (b *Bytes) Open(_ context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.Data)), nil
}

func (b *Bytes) Length() int64    { return int64(len(b.Data)) }
func (b *Bytes) MimeType() string { return b.Mime }
func (b *Bytes) Encoding() string { return b.Enc }
func (b *Bytes) Filename() string { return b.Name }
func (b *Bytes) Digest() string   { return b.Sum }

// Opener opens the content of a stored blob.
type Opener func(ctx context.Context) (io.ReadCloser, error)

// Managed is a Blob stored by a blob provider.
//
// Key is the key as persisted in the document, which may carry a provider
// prefix; ProviderID is always the resolved provider.
type Managed struct {
	ProviderID string
	Key        string
	Info       Info
	opener     Opener
}

// NewManaged returns a managed blob for the given provider and info.
// The opener is used to stream the content and may be nil for blobs whose
// content is not directly readable (cold storage).
func NewManaged(providerID string, info Info, opener Opener) *Managed {
	return &Managed{
		ProviderID: providerID,
		Key:        info.Key,
		Info:       info,
		opener:     opener,
	}
}

// Open implements Blob.
func (m *Managed) Open(ctx context.Context) (io.ReadCloser, error) {
	if m.opener == nil {
		return nil, fmt.Errorf("blob %s:%s is not readable", m.ProviderID, m.Key)
	}
	return m.opener(ctx)
}

func (m *Managed) Length() int64    { return m.Info.Length }
func (m *Managed) MimeType() string { return m.Info.MimeType }
func (m *Managed) Encoding() string { return m.Info.Encoding }
func (m *Managed) Filename() string { return m.Info.Filename }
func (m *Managed) Digest() string   { return m.Info.Digest }

// RawKey returns the key without any provider prefix.
func (m *Managed) RawKey() string {
	return StripPrefix(m.Key)
}

// WithKey returns a copy of m referencing key, keeping the opener.
func (m *Managed) WithKey(key string) *Managed {
	c := *m
	c.Key = key
	c.Info.Key = key
	return &c
}

// WithDigest returns a copy of m carrying digest.
func (m *Managed) WithDigest(digest string) *Managed {
	c := *m
	c.Info.Digest = digest
	return &c
}

func (m *Managed) String() string {
	return fmt.Sprintf("ManagedBlob(provider=%s, key=%s)", m.ProviderID, m.Key)
}
