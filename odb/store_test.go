package odb

import (
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relvacode/gitodb/hash"
)

func newTestPackAndIndex(t *testing.T, payload []byte) (id hash.ObjectID, packRaw, idxRaw []byte) {
	t.Helper()
	id = blobID(t, payload)
	pb := newPackBuilder(1)
	offset := pb.addBlob(t, payload)
	packRaw = pb.finish()
	idxRaw = buildV2Index(t, []fixtureEntry{{id: id, offset: uint64(offset)}}, pb.checksum())
	return id, packRaw, idxRaw
}

func TestStoreRefreshFirstCallPublishesGenerationZero(t *testing.T) {
	fs := memfs.New()
	s, err := Open(fs, "", Options{})
	require.NoError(t, err)

	outcome, err := s.Refresh()
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplace, outcome.Kind)
	assert.Equal(t, uint64(0), outcome.Mark.Generation)
}

func TestStoreRefreshIsNoopWhenNothingChanged(t *testing.T) {
	fs := memfs.New()
	s, err := Open(fs, "", Options{})
	require.NoError(t, err)

	_, err = s.Refresh()
	require.NoError(t, err)

	outcome, err := s.Refresh()
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoMoreIndices, outcome.Kind)
	assert.Equal(t, uint64(0), outcome.Mark.Generation)
}

func TestStoreRefreshBumpsGenerationWhenPackAdded(t *testing.T) {
	fs := memfs.New()
	s, err := Open(fs, "", Options{})
	require.NoError(t, err)

	first, err := s.Refresh()
	require.NoError(t, err)
	require.Equal(t, uint64(0), first.Mark.Generation)

	_, packRaw, idxRaw := newTestPackAndIndex(t, []byte("store refresh payload"))
	writeFile(t, fs, "objects/pack/p-one.pack", packRaw)
	writeFile(t, fs, "objects/pack/p-one.idx", idxRaw)

	second, err := s.Refresh()
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplace, second.Kind)
	assert.Equal(t, uint64(1), second.Mark.Generation)
	assert.Len(t, second.Index.Slots(), 1)
}

func TestStoreRefreshPreservesSlotAcrossUnrelatedChange(t *testing.T) {
	fs := memfs.New()
	s, err := Open(fs, "", Options{})
	require.NoError(t, err)

	_, packRaw, idxRaw := newTestPackAndIndex(t, []byte("stable pack payload"))
	writeFile(t, fs, "objects/pack/p-stable.pack", packRaw)
	writeFile(t, fs, "objects/pack/p-stable.idx", idxRaw)

	first, err := s.Refresh()
	require.NoError(t, err)
	require.Len(t, first.Index.Slots(), 1)
	originalSlot := first.Index.Slots()[0]

	// Add a second, unrelated pack: the first slot's (path, size, mtime)
	// is unchanged, so refresh must preserve its *Slot identity.
	_, packRaw2, idxRaw2 := newTestPackAndIndex(t, []byte("second pack payload"))
	writeFile(t, fs, "objects/pack/p-second.pack", packRaw2)
	writeFile(t, fs, "objects/pack/p-second.idx", idxRaw2)

	second, err := s.Refresh()
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplace, second.Kind)
	assert.Equal(t, uint64(1), second.Mark.Generation)
	require.Len(t, second.Index.Slots(), 2)

	var found bool
	for _, sl := range second.Index.Slots() {
		if sl == originalSlot {
			found = true
		}
	}
	assert.True(t, found, "unchanged slot must keep its identity across refresh")
}

func TestStoreLoadIndicesNilMarkerTriggersScan(t *testing.T) {
	fs := memfs.New()
	s, err := Open(fs, "", Options{})
	require.NoError(t, err)

	outcome, err := s.LoadIndices(nil, RefreshNever)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplace, outcome.Kind)
	assert.Equal(t, uint64(0), outcome.Mark.Generation)
}

func TestStoreLoadIndicesGenerationMismatchReplaces(t *testing.T) {
	fs := memfs.New()
	s, err := Open(fs, "", Options{})
	require.NoError(t, err)

	_, err = s.Refresh()
	require.NoError(t, err)

	_, packRaw, idxRaw := newTestPackAndIndex(t, []byte("generation mismatch payload"))
	writeFile(t, fs, "objects/pack/p-gen.pack", packRaw)
	writeFile(t, fs, "objects/pack/p-gen.idx", idxRaw)
	_, err = s.Refresh()
	require.NoError(t, err)

	stale := &Marker{Generation: 0, StateID: 0}
	outcome, err := s.LoadIndices(stale, RefreshNever)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplace, outcome.Kind)
	assert.Equal(t, uint64(1), outcome.Mark.Generation)
}

func TestStoreLoadIndicesStateMatchRefreshNeverReturnsNoMoreIndices(t *testing.T) {
	fs := memfs.New()
	s, err := Open(fs, "", Options{})
	require.NoError(t, err)

	outcome, err := s.Refresh()
	require.NoError(t, err)
	mark := outcome.Mark

	again, err := s.LoadIndices(&mark, RefreshNever)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoMoreIndices, again.Kind)
	assert.Equal(t, mark, again.Mark)
}

func TestScanObjectsDirPrefersMidxOverCoveredPack(t *testing.T) {
	fs := memfs.New()
	payload := []byte("midx covered payload")
	id := blobID(t, payload)
	pb := newPackBuilder(1)
	offset := pb.addBlob(t, payload)
	packRaw := pb.finish()

	writeFile(t, fs, "objects/pack/covered.pack", packRaw)
	idxRaw := buildV2Index(t, []fixtureEntry{{id: id, offset: uint64(offset)}}, pb.checksum())
	writeFile(t, fs, "objects/pack/covered.idx", idxRaw)
	midxRaw := buildMidx(t, []string{"covered.pack"}, []fixtureMidxEntry{{id: id, packIndex: 0, offset: uint64(offset)}})
	writeFile(t, fs, "objects/pack/multi-pack-index.midx", midxRaw)

	descs, _, err := scanObjectsDir(fs, "<repo>", hash.SHA1)
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.Equal(t, multiPackSlot, descs[0].kind)
}
