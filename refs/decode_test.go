package refs

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relvacode/gitodb/hash"
)

func mustFullName(t *testing.T, s string) FullName {
	t.Helper()
	n, err := NewFullName(s)
	require.NoError(t, err)
	return n
}

func TestDecodeContentPeeled(t *testing.T) {
	id, err := hash.FromHex(strings.Repeat("a", hash.SHA1HexSize))
	require.NoError(t, err)
	raw := []byte(id.String() + "\n")

	ref, err := DecodeContent(mustFullName(t, "refs/heads/main"), raw, hash.SHA1)
	require.NoError(t, err)
	assert.True(t, ref.Target.IsPeeled())
	assert.True(t, ref.Target.ID.Equal(id))
	assert.Equal(t, OriginLoose, ref.Origin)
}

func TestDecodeContentSymbolic(t *testing.T) {
	raw := []byte("ref: refs/heads/main\n")
	ref, err := DecodeContent(mustFullName(t, "HEAD"), raw, hash.SHA1)
	require.NoError(t, err)
	assert.True(t, ref.Target.IsSymbolic())
	assert.Equal(t, FullName("refs/heads/main"), ref.Target.Ref)
}

func TestDecodeContentRejectsMalformed(t *testing.T) {
	_, err := DecodeContent(mustFullName(t, "refs/heads/main"), []byte("not-a-hash\n"), hash.SHA1)
	require.ErrorIs(t, err, ErrReferenceDecode)
}

func TestEncodeContentRoundTrip(t *testing.T) {
	id, err := hash.FromHex(strings.Repeat("b", hash.SHA1HexSize))
	require.NoError(t, err)

	peeled := EncodeContent(NewPeeled(id))
	ref, err := DecodeContent(mustFullName(t, "refs/heads/main"), []byte(peeled), hash.SHA1)
	require.NoError(t, err)
	assert.True(t, ref.Target.ID.Equal(id))

	sym := EncodeContent(NewSymbolic(mustFullName(t, "refs/heads/main")))
	assert.Equal(t, "ref: refs/heads/main\n", sym)
}

func TestReflogLineEncodeParseRoundTrip(t *testing.T) {
	old, err := hash.FromHex(strings.Repeat("0", hash.SHA1HexSize))
	require.NoError(t, err)
	new, err := hash.FromHex(strings.Repeat("1", hash.SHA1HexSize))
	require.NoError(t, err)

	e := ReflogEntry{
		Previous: old,
		New:      new,
		Name:     "Author Name",
		Email:    "author@example.com",
		When:     time.Unix(1_700_000_000, 0).UTC(),
		Message:  "commit: did a thing",
	}
	line := EncodeReflogLine(e)
	got, err := ParseReflogLine([]byte(strings.TrimSuffix(line, "\n")))
	require.NoError(t, err)
	assert.True(t, got.Previous.Equal(old))
	assert.True(t, got.New.Equal(new))
	assert.Equal(t, e.Name, got.Name)
	assert.Equal(t, e.Email, got.Email)
	assert.Equal(t, e.Message, got.Message)
	assert.Equal(t, e.When.Unix(), got.When.Unix())
}

func TestParseReflogMultipleLines(t *testing.T) {
	old, _ := hash.FromHex(strings.Repeat("2", hash.SHA1HexSize))
	mid, _ := hash.FromHex(strings.Repeat("3", hash.SHA1HexSize))
	new, _ := hash.FromHex(strings.Repeat("4", hash.SHA1HexSize))

	e1 := ReflogEntry{Previous: old, New: mid, Name: "a", Email: "a@x", When: time.Unix(1, 0).UTC(), Message: "first"}
	e2 := ReflogEntry{Previous: mid, New: new, Name: "a", Email: "a@x", When: time.Unix(2, 0).UTC(), Message: "second"}

	raw := []byte(EncodeReflogLine(e1) + EncodeReflogLine(e2))
	entries, err := ParseReflog(raw)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Message)
	assert.Equal(t, "second", entries[1].Message)
}
