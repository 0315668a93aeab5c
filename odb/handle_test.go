package odb

import (
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relvacode/gitodb/hash"
	"github.com/relvacode/gitodb/odb/loose"
	"github.com/relvacode/gitodb/odb/object"
)

func TestHandleTryFindLooseObject(t *testing.T) {
	fs := memfs.New()
	ls := loose.NewStore(fs, hash.SHA1)
	id, err := ls.Write(object.BlobKind, []byte("loose object payload"))
	require.NoError(t, err)

	s, err := Open(fs, "", Options{})
	require.NoError(t, err)
	h, err := s.Handle(HandleOptions{})
	require.NoError(t, err)
	defer h.Close()

	kind, data, loc, err := h.TryFind(id)
	require.NoError(t, err)
	assert.Equal(t, object.BlobKind, kind)
	assert.Equal(t, []byte("loose object payload"), data)
	assert.Nil(t, loc)
}

func TestHandleTryFindMissingObjectIsNil(t *testing.T) {
	fs := memfs.New()
	s, err := Open(fs, "", Options{})
	require.NoError(t, err)
	h, err := s.Handle(HandleOptions{})
	require.NoError(t, err)
	defer h.Close()

	missing := blobID(t, []byte("never written"))
	kind, data, loc, err := h.TryFind(missing)
	require.NoError(t, err)
	assert.Equal(t, object.InvalidKind, kind)
	assert.Nil(t, data)
	assert.Nil(t, loc)
}

func TestHandleTryFindSinglePack(t *testing.T) {
	fs := memfs.New()
	payload := []byte("single pack payload for handle lookup")
	id, packRaw, idxRaw := newTestPackAndIndex(t, payload)
	writeFile(t, fs, "objects/pack/p-single.pack", packRaw)
	writeFile(t, fs, "objects/pack/p-single.idx", idxRaw)

	s, err := Open(fs, "", Options{})
	require.NoError(t, err)
	h, err := s.Handle(HandleOptions{})
	require.NoError(t, err)
	defer h.Close()

	kind, data, loc, err := h.TryFind(id)
	require.NoError(t, err)
	assert.Equal(t, object.BlobKind, kind)
	assert.Equal(t, payload, data)
	require.NotNil(t, loc)
	assert.False(t, loc.Pack.InMIDX())

	gotKind, size, err := h.TryHeader(id)
	require.NoError(t, err)
	assert.Equal(t, object.BlobKind, gotKind)
	assert.Equal(t, int64(len(payload)), size)
}

func TestHandleLookupPrefixUnique(t *testing.T) {
	fs := memfs.New()
	payload := []byte("prefix lookup payload")
	id, packRaw, idxRaw := newTestPackAndIndex(t, payload)
	writeFile(t, fs, "objects/pack/p-prefix.pack", packRaw)
	writeFile(t, fs, "objects/pack/p-prefix.idx", idxRaw)

	s, err := Open(fs, "", Options{})
	require.NoError(t, err)
	h, err := s.Handle(HandleOptions{})
	require.NoError(t, err)
	defer h.Close()

	prefix, err := hash.NewPrefix(id, 8)
	require.NoError(t, err)

	got, found, err := h.LookupPrefix(prefix, nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, got.Equal(id))
}

func TestHandleLookupPrefixAmbiguous(t *testing.T) {
	fs := memfs.New()

	// Two objects crafted to share their leading 8 hex nibbles: a loose
	// one and a packed one, so the ambiguity spans both lookup paths.
	id1, err := hash.FromHex("aaaa1111" + strings.Repeat("0", 31) + "c")
	require.NoError(t, err)
	id2, err := hash.FromHex("aaaa1111" + strings.Repeat("0", 31) + "d")
	require.NoError(t, err)

	payload1 := []byte("ambiguous prefix payload one, loose")
	writeLooseObject(t, fs, id1, "blob", payload1)

	payload2 := []byte("ambiguous prefix payload two, packed")
	pb := newPackBuilder(1)
	offset := pb.addBlob(t, payload2)
	packRaw := pb.finish()
	idxRaw := buildV2Index(t, []fixtureEntry{{id: id2, offset: uint64(offset)}}, pb.checksum())
	writeFile(t, fs, "objects/pack/p-ambig.pack", packRaw)
	writeFile(t, fs, "objects/pack/p-ambig.idx", idxRaw)

	s, err := Open(fs, "", Options{})
	require.NoError(t, err)
	h, err := s.Handle(HandleOptions{})
	require.NoError(t, err)
	defer h.Close()

	prefix, err := hash.PrefixFromHex("aaaa1111")
	require.NoError(t, err)

	var candidates []hash.ObjectID
	_, found, err := h.LookupPrefix(prefix, &candidates)
	require.ErrorIs(t, err, ErrAmbiguous)
	assert.True(t, found)
	assert.Len(t, candidates, 2)
}

func TestHandleEntryByLocationRoundTrip(t *testing.T) {
	fs := memfs.New()
	payload := []byte("entry by location payload")
	id, packRaw, idxRaw := newTestPackAndIndex(t, payload)
	writeFile(t, fs, "objects/pack/p-loc.pack", packRaw)
	writeFile(t, fs, "objects/pack/p-loc.idx", idxRaw)

	s, err := Open(fs, "", Options{})
	require.NoError(t, err)
	h, err := s.Handle(HandleOptions{})
	require.NoError(t, err)
	defer h.Close()

	_, _, loc, err := h.TryFind(id)
	require.NoError(t, err)
	require.NotNil(t, loc)

	entry, err := h.EntryByLocation(*loc)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, object.BlobKind, entry.Kind)
	assert.Equal(t, payload, entry.Data)
}

func TestHandleEntryByLocationStaleGenerationReturnsNil(t *testing.T) {
	fs := memfs.New()
	payload := []byte("stale generation payload")
	id, packRaw, idxRaw := newTestPackAndIndex(t, payload)
	writeFile(t, fs, "objects/pack/p-stale.pack", packRaw)
	writeFile(t, fs, "objects/pack/p-stale.idx", idxRaw)

	s, err := Open(fs, "", Options{})
	require.NoError(t, err)
	h, err := s.Handle(HandleOptions{})
	require.NoError(t, err)
	defer h.Close()

	_, _, loc, err := h.TryFind(id)
	require.NoError(t, err)
	require.NotNil(t, loc)

	// A second pack forces Refresh to bump the generation; the Location
	// captured under the old generation must no longer resolve.
	_, packRaw2, idxRaw2 := newTestPackAndIndex(t, []byte("second pack forces new generation"))
	writeFile(t, fs, "objects/pack/p-stale-2.pack", packRaw2)
	writeFile(t, fs, "objects/pack/p-stale-2.idx", idxRaw2)
	_, err = s.Refresh()
	require.NoError(t, err)

	entry, err := h.EntryByLocation(*loc)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestHandleMidxCrossPackRefDeltaResolution(t *testing.T) {
	fs := memfs.New()

	basePayload := []byte("the quick brown fox jumps over the lazy dog, base object")
	baseID := blobID(t, basePayload)
	basePB := newPackBuilder(1)
	baseOffset := basePB.addBlob(t, basePayload)
	basePackRaw := basePB.finish()

	targetPayload := []byte("the quick brown fox jumps over the lazy dog, target object")
	delta := encodeInsertDelta(len(basePayload), targetPayload)
	deltaPB := newPackBuilder(1)
	deltaOffset := deltaPB.addRefDelta(t, baseID, delta)
	deltaPackRaw := deltaPB.finish()

	// targetID is keyed by its own final content, not the delta encoding.
	targetID := blobID(t, targetPayload)

	writeFile(t, fs, "objects/pack/base.pack", basePackRaw)
	writeFile(t, fs, "objects/pack/delta.pack", deltaPackRaw)

	midxRaw := buildMidx(t, []string{"base.pack", "delta.pack"}, []fixtureMidxEntry{
		{id: baseID, packIndex: 0, offset: uint64(baseOffset)},
		{id: targetID, packIndex: 1, offset: uint64(deltaOffset)},
	})
	writeFile(t, fs, "objects/pack/multi-pack-index.midx", midxRaw)

	s, err := Open(fs, "", Options{})
	require.NoError(t, err)
	h, err := s.Handle(HandleOptions{})
	require.NoError(t, err)
	defer h.Close()

	kind, data, loc, err := h.TryFind(targetID)
	require.NoError(t, err)
	assert.Equal(t, object.BlobKind, kind)
	assert.Equal(t, targetPayload, data)
	require.NotNil(t, loc)
	assert.True(t, loc.Pack.InMIDX())
	assert.Equal(t, 1, loc.Pack.PackLocalID)
}
