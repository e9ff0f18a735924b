package keystrategy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigest(t *testing.T) {
	d, err := NewDigest("md5")
	require.NoError(t, err)
	assert.Equal(t, MD5, d.Algorithm())
	assert.Equal(t, KindDigest, d.Kind())

	sum, n, err := d.Compute(strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", sum)
	assert.True(t, d.IsValidKey(sum))
	assert.Equal(t, sum, d.DigestFromKey(sum))

	assert.False(t, d.IsValidKey("legacy123"))
	assert.Empty(t, d.DigestFromKey("legacy123"))
	assert.False(t, d.IsValidKey(strings.Repeat("z", 32)))
}

func TestDigest_SHA256(t *testing.T) {
	d := MustDigest("SHA256")
	sum, _, err := d.Compute(strings.NewReader(""))
	require.NoError(t, err)
	assert.Len(t, sum, 64)
	assert.True(t, d.IsValidKey(sum))
}

func TestDigest_Unknown(t *testing.T) {
	_, err := NewDigest("crc")
	assert.Error(t, err)
	assert.Panics(t, func() { MustDigest("crc") })
}

func TestOpaque(t *testing.T) {
	var s Strategy = Opaque{}
	k1, k2 := s.NewKey(), s.NewKey()
	assert.NotEqual(t, k1, k2)
	assert.True(t, s.IsValidKey(k1))
	assert.Empty(t, s.DigestFromKey(k1))
	_, ok := IsDigest(s)
	assert.False(t, ok)
}
