package object

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relvacode/gitodb/hash"
)

var errStop = errors.New("stop")

func mustID(t *testing.T, b byte) hash.ObjectID {
	t.Helper()
	id, err := hash.FromHex(strings.Repeat(string([]byte{hexDigit(b)}), hash.SHA1HexSize))
	require.NoError(t, err)
	return id
}

func hexDigit(b byte) byte {
	const digits = "0123456789abcdef"
	return digits[b%16]
}

func TestTreeEncodeDecodeRoundTrip(t *testing.T) {
	tr := &Tree{Entries: []Entry{
		{Mode: ModeBlob, Name: "README.md", ID: mustID(t, 1)},
		{Mode: ModeTree, Name: "src", ID: mustID(t, 2)},
		{Mode: ModeBlobExecutable, Name: "run.sh", ID: mustID(t, 3)},
	}}
	tr.Sort()

	enc, err := tr.Encode(hash.SHA1)
	require.NoError(t, err)

	ref := NewTreeRef(enc)
	decoded, err := ref.Decode(hash.SHA1)
	require.NoError(t, err)
	assert.Equal(t, tr.Entries, decoded.Entries)
}

func TestTreeEncodeRejectsOutOfOrder(t *testing.T) {
	tr := &Tree{Entries: []Entry{
		{Mode: ModeBlob, Name: "zzz", ID: mustID(t, 1)},
		{Mode: ModeBlob, Name: "aaa", ID: mustID(t, 2)},
	}}
	_, err := tr.Encode(hash.SHA1)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestTreeOrderDirectoryVsFilePrefix(t *testing.T) {
	// "foo" (a file) sorts before "foo.txt", and a tree named "foo" sorts
	// after "foo" the file but before "foo0" (since '/' < '0').
	assert.True(t, Less("foo", ModeBlob, "foo.txt", ModeBlob))
	assert.True(t, Less("foo", ModeTree, "foo0", ModeBlob))
}

func TestTreeRefIterStopsOnError(t *testing.T) {
	tr := &Tree{Entries: []Entry{
		{Mode: ModeBlob, Name: "a", ID: mustID(t, 1)},
		{Mode: ModeBlob, Name: "b", ID: mustID(t, 2)},
	}}
	enc, err := tr.Encode(hash.SHA1)
	require.NoError(t, err)

	var seen int
	ref := NewTreeRef(enc)
	err = ref.Iter(hash.SHA1, func(e Entry) error {
		seen++
		return assertStop(seen)
	})
	require.Error(t, err)
	assert.Equal(t, 1, seen)
}

func assertStop(n int) error {
	if n >= 1 {
		return errStop
	}
	return nil
}
