package refs

import (
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relvacode/gitodb/hash"
)

func TestParsePackedFindAndPeeled(t *testing.T) {
	id1, _ := hash.FromHex(strings.Repeat("a", hash.SHA1HexSize))
	id2, _ := hash.FromHex(strings.Repeat("b", hash.SHA1HexSize))
	peeled2, _ := hash.FromHex(strings.Repeat("c", hash.SHA1HexSize))

	raw := []byte(packedRefsHeader + "\n" +
		id1.String() + " refs/heads/main\n" +
		id2.String() + " refs/tags/v1\n" +
		"^" + peeled2.String() + "\n")

	p, err := ParsePacked(raw, hash.SHA1, Freshness{Path: "packed-refs", Size: int64(len(raw))})
	require.NoError(t, err)

	rec, ok := p.Find("refs/heads/main")
	require.True(t, ok)
	assert.True(t, rec.ID.Equal(id1))
	assert.False(t, rec.HasPeeled)

	tag, ok := p.Find("refs/tags/v1")
	require.True(t, ok)
	assert.True(t, tag.HasPeeled)
	assert.True(t, tag.Peeled.Equal(peeled2))

	_, ok = p.Find("refs/heads/missing")
	assert.False(t, ok)
}

func TestParsePackedRejectsOrphanPeeledLine(t *testing.T) {
	id1, _ := hash.FromHex(strings.Repeat("a", hash.SHA1HexSize))
	raw := []byte("^" + id1.String() + "\n")
	_, err := ParsePacked(raw, hash.SHA1, Freshness{})
	require.Error(t, err)
}

func TestPackedFindPrefix(t *testing.T) {
	id1, _ := hash.FromHex(strings.Repeat("a", hash.SHA1HexSize))
	id2, _ := hash.FromHex(strings.Repeat("b", hash.SHA1HexSize))
	id3, _ := hash.FromHex(strings.Repeat("c", hash.SHA1HexSize))

	raw := []byte(
		id1.String() + " refs/heads/feature/one\n" +
			id2.String() + " refs/heads/feature/two\n" +
			id3.String() + " refs/tags/v1\n")

	p, err := ParsePacked(raw, hash.SHA1, Freshness{})
	require.NoError(t, err)

	matches := p.FindPrefix("refs/heads/feature/")
	require.Len(t, matches, 2)
	assert.Equal(t, FullName("refs/heads/feature/one"), matches[0].Name)
	assert.Equal(t, FullName("refs/heads/feature/two"), matches[1].Name)
}

func TestPackedFreshReflectsSizeAndMtime(t *testing.T) {
	p, err := ParsePacked(nil, hash.SHA1, Freshness{Path: "packed-refs", Size: 10, Mtime: 5})
	require.NoError(t, err)
	assert.True(t, p.Fresh(Freshness{Path: "packed-refs", Size: 10, Mtime: 5}))
	assert.False(t, p.Fresh(Freshness{Path: "packed-refs", Size: 11, Mtime: 5}))
}

func TestEncodeSortsByNameAndEmitsPeeledLines(t *testing.T) {
	id1, _ := hash.FromHex(strings.Repeat("a", hash.SHA1HexSize))
	id2, _ := hash.FromHex(strings.Repeat("b", hash.SHA1HexSize))
	peeled, _ := hash.FromHex(strings.Repeat("c", hash.SHA1HexSize))

	records := []*PackedRecord{
		{Name: "refs/tags/v1", ID: id2, Peeled: peeled, HasPeeled: true},
		{Name: "refs/heads/main", ID: id1},
	}
	out := Encode(records)
	s := string(out)
	assert.True(t, strings.HasPrefix(s, packedRefsHeader+"\n"))

	mainIdx := strings.Index(s, "refs/heads/main")
	tagIdx := strings.Index(s, "refs/tags/v1")
	assert.True(t, mainIdx < tagIdx)
	assert.Contains(t, s, "^"+peeled.String())
}

func TestReadPackedMissingFileReturnsNil(t *testing.T) {
	fs := memfs.New()
	p, err := ReadPacked(fs, "packed-refs", hash.SHA1)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestReadPackedRoundTripsThroughEncode(t *testing.T) {
	fs := memfs.New()
	id, _ := hash.FromHex(strings.Repeat("a", hash.SHA1HexSize))
	records := []*PackedRecord{{Name: "refs/heads/main", ID: id}}

	f, err := fs.Create("packed-refs")
	require.NoError(t, err)
	_, err = f.Write(Encode(records))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	p, err := ReadPacked(fs, "packed-refs", hash.SHA1)
	require.NoError(t, err)
	require.NotNil(t, p)
	rec, ok := p.Find("refs/heads/main")
	require.True(t, ok)
	assert.True(t, rec.ID.Equal(id))
}
