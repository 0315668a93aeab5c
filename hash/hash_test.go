package hash

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromHexRejectsBadLength(t *testing.T) {
	_, err := FromHex("abcd")
	require.ErrorIs(t, err, ErrInvalidHexLength)
}

func TestFromHexRejectsBadCharacters(t *testing.T) {
	bad := strings.Repeat("g", SHA1HexSize)
	_, err := FromHex(bad)
	require.Error(t, err)
}

func TestFromHexRoundTrip(t *testing.T) {
	const in = "94a5c2b7d14e9dabb38c9c1a0c1a0c1a0c1a0c1a"
	id, err := FromHex(in)
	require.NoError(t, err)
	assert.Equal(t, in, id.String())
	assert.Equal(t, SHA1, id.Kind())
	assert.False(t, id.IsZero())
}

func TestFromHexSHA256(t *testing.T) {
	in := strings.Repeat("ab", SHA256Size)
	id, err := FromHex(in)
	require.NoError(t, err)
	assert.Equal(t, SHA256, id.Kind())
	assert.Equal(t, SHA256Size, id.Size())
}

func TestZeroHashIsZero(t *testing.T) {
	assert.True(t, ZeroHash.IsZero())
}

func TestCompareAndEqual(t *testing.T) {
	a, _ := FromHex(strings.Repeat("00", SHA1Size))
	b, _ := FromHex(strings.Repeat("ff", SHA1Size))
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.True(t, a.Equal(a))
	assert.False(t, a.Equal(b))
}

func TestHasherFramesLooseHeader(t *testing.T) {
	payload := []byte("hello world\n")
	h := NewHasher(SHA1, KindBlob, int64(len(payload)))
	_, err := h.Write(payload)
	require.NoError(t, err)
	got := h.Sum()

	// "blob 12\0hello world\n" hashes to this well-known git blob id.
	assert.Equal(t, "3b18e512dba79e4c8300dd08aeb37f8e728b8dad", got.String())
}

func TestHashSliceSort(t *testing.T) {
	a, _ := FromHex(strings.Repeat("aa", SHA1Size))
	b, _ := FromHex(strings.Repeat("bb", SHA1Size))
	c, _ := FromHex(strings.Repeat("cc", SHA1Size))
	s := []ObjectID{c, a, b}
	HashesSort(s)
	assert.Equal(t, []ObjectID{a, b, c}, s)
}

func TestOIDBorrowsWithoutCopy(t *testing.T) {
	id, _ := FromHex(strings.Repeat("12", SHA1Size))
	o := id.AsOID()
	assert.Equal(t, id.String(), o.String())
	owned := o.ToOwned()
	assert.True(t, id.Equal(owned))
}
