package keystrategy

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/google/uuid"
)

// Kind distinguishes key strategies.
type Kind uint8

const (
	KindOpaque Kind = iota
	KindDigest
)

func (k Kind) String() string {
	switch k {
	case KindOpaque:
		return "opaque"
	case KindDigest:
		return "digest"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Supported digest algorithms.
const (
	MD5    = "MD5"
	SHA256 = "SHA-256"
	SHA512 = "SHA-512"
)

// Strategy defines the meaning of a store's keys.
type Strategy interface {
	Kind() Kind
	// NewKey returns a key for content that has no digest-derived key.
	NewKey() string
	// IsValidKey reports whether key could have been produced by this strategy.
	IsValidKey(key string) bool
	// DigestFromKey returns the digest encoded by key, or "" if keys are not digests.
	DigestFromKey(key string) string
}

// Opaque generates random UUID keys.
type Opaque struct{}

func (Opaque) Kind() Kind                    { return KindOpaque }
func (Opaque) NewKey() string                { return uuid.NewString() }
func (Opaque) IsValidKey(key string) bool    { return key != "" }
func (Opaque) DigestFromKey(_ string) string { return "" }

// Digest uses the hex content digest as key.
type Digest struct {
	algorithm string
	hexLen    int
}

// NewDigest returns a digest strategy for the given algorithm.
func NewDigest(algorithm string) (*Digest, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return nil, err
	}
	return &Digest{algorithm: canonical(algorithm), hexLen: h.Size() * 2}, nil
}

// MustDigest is like NewDigest but panics on an unknown algorithm.
func MustDigest(algorithm string) *Digest {
	d, err := NewDigest(algorithm)
	if err != nil {
		panic(err)
	}
	return d
}

func (d *Digest) Kind() Kind { return KindDigest }

// Algorithm returns the canonical algorithm name.
func (d *Digest) Algorithm() string { return d.algorithm }

// NewKey falls back to a random key; callers are expected to compute the
// digest and use it instead.
func (d *Digest) NewKey() string { return uuid.NewString() }

// IsValidKey reports whether key looks like a digest of this algorithm.
func (d *Digest) IsValidKey(key string) bool {
	if len(key) != d.hexLen {
		return false
	}
	_, err := hex.DecodeString(key)
	return err == nil
}

func (d *Digest) DigestFromKey(key string) string {
	if d.IsValidKey(key) {
		return key
	}
	return ""
}

// NewHash returns a fresh hash for this algorithm.
func (d *Digest) NewHash() hash.Hash {
	h, _ := newHash(d.algorithm)
	return h
}

// Compute hashes r and returns the hex digest and the number of bytes read.
func (d *Digest) Compute(r io.Reader) (string, int64, error) {
	h := d.NewHash()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// IsDigest reports whether s is a digest strategy.
func IsDigest(s Strategy) (*Digest, bool) {
	d, ok := s.(*Digest)
	return d, ok
}

func canonical(algorithm string) string {
	switch strings.ToUpper(strings.ReplaceAll(algorithm, "_", "-")) {
	case "MD5":
		return MD5
	case "SHA-256", "SHA256":
		return SHA256
	case "SHA-512", "SHA512":
		return SHA512
	}
	return algorithm
}

func newHash(algorithm string) (hash.Hash, error) {
	switch canonical(algorithm) {
	case MD5:
		return md5.New(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	}
	return nil, fmt.Errorf("unsupported digest algorithm: %q", algorithm)
}
