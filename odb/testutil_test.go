package odb

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"sort"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/stretchr/testify/require"

	"github.com/relvacode/gitodb/hash"
)

func zlibCompress(t *testing.T, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// encodeEntryHeader writes the variable-length type+size header used by
// every pack entry; typeBits follows Git's pack entry type tags (3 = blob,
// 7 = REF-delta).
func encodeEntryHeader(typeBits byte, size uint64) []byte {
	first := (typeBits << 4) | byte(size&0x0f)
	size >>= 4
	out := []byte{}
	for size != 0 {
		first |= 0x80
		out = append(out, first)
		first = byte(size & 0x7f)
		size >>= 7
	}
	out = append(out, first)
	return out
}

// encodeInsertDelta builds a patch-delta payload that reconstructs target
// purely through insert opcodes, against a base of baseLen bytes.
func encodeInsertDelta(baseLen int, target []byte) []byte {
	var out bytes.Buffer
	out.Write(encodeLEB128(uint64(baseLen)))
	out.Write(encodeLEB128(uint64(len(target))))
	rest := target
	for len(rest) > 0 {
		n := len(rest)
		if n > 127 {
			n = 127
		}
		out.WriteByte(byte(n))
		out.Write(rest[:n])
		rest = rest[n:]
	}
	return out.Bytes()
}

func encodeLEB128(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			break
		}
	}
	return out
}

func blobID(t *testing.T, payload []byte) hash.ObjectID {
	t.Helper()
	h := hash.NewHasher(hash.SHA1, hash.KindBlob, int64(len(payload)))
	_, err := h.Write(payload)
	require.NoError(t, err)
	return h.Sum()
}

type fixtureEntry struct {
	id     hash.ObjectID
	offset uint64
	crc32  uint32
}

// buildV2Index encodes a minimal, valid version-2 pack index, entries
// already sorted by id. packChecksum must be the real trailing checksum of
// the pack file this index describes: idx.Open now cross-validates the
// index's own self-checksum, and store.openSlot cross-validates packChecksum
// against the pack it opens alongside this index.
func buildV2Index(t *testing.T, entries []fixtureEntry, packChecksum hash.ObjectID) []byte {
	t.Helper()
	entries = append([]fixtureEntry(nil), entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].id.Compare(entries[j].id) < 0 })
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 't', 'O', 'c'})
	binary.Write(&buf, binary.BigEndian, uint32(2))

	var fanout [256]uint32
	for _, e := range entries {
		b := e.id.Bytes()[0]
		for i := int(b); i < 256; i++ {
			fanout[i]++
		}
	}
	for _, v := range fanout {
		binary.Write(&buf, binary.BigEndian, v)
	}
	for _, e := range entries {
		buf.Write(e.id.Bytes())
	}
	for _, e := range entries {
		binary.Write(&buf, binary.BigEndian, e.crc32)
	}
	for _, e := range entries {
		binary.Write(&buf, binary.BigEndian, uint32(e.offset))
	}
	buf.Write(packChecksum.Bytes())

	h := hash.NewRawHasher(hash.SHA1)
	h.Write(buf.Bytes())
	buf.Write(h.Sum().Bytes())
	return buf.Bytes()
}

type fixtureMidxEntry struct {
	id        hash.ObjectID
	packIndex int
	offset    uint64
}

// buildMidx encodes a minimal, valid single-base version-1 multi-pack
// index over the given (already id-sorted) entries.
func buildMidx(t *testing.T, packNames []string, entries []fixtureMidxEntry) []byte {
	t.Helper()
	entries = append([]fixtureMidxEntry(nil), entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].id.Compare(entries[j].id) < 0 })

	var pnam bytes.Buffer
	for _, n := range packNames {
		pnam.WriteString(n)
		pnam.WriteByte(0)
	}
	for pnam.Len()%4 != 0 {
		pnam.WriteByte(0)
	}

	var fanout [256]uint32
	for _, e := range entries {
		b := e.id.Bytes()[0]
		for i := int(b); i < 256; i++ {
			fanout[i]++
		}
	}
	var fanoutBuf bytes.Buffer
	for _, v := range fanout {
		binary.Write(&fanoutBuf, binary.BigEndian, v)
	}

	var lookupBuf bytes.Buffer
	for _, e := range entries {
		lookupBuf.Write(e.id.Bytes())
	}

	var offsetsBuf bytes.Buffer
	for _, e := range entries {
		binary.Write(&offsetsBuf, binary.BigEndian, uint32(e.packIndex))
		binary.Write(&offsetsBuf, binary.BigEndian, uint32(e.offset))
	}

	chunks := [][]byte{pnam.Bytes(), fanoutBuf.Bytes(), lookupBuf.Bytes(), offsetsBuf.Bytes()}
	ids := [][4]byte{{'P', 'N', 'A', 'M'}, {'O', 'I', 'D', 'F'}, {'O', 'I', 'D', 'L'}, {'O', 'O', 'F', 'F'}}

	const numChunks = 4
	const headerSize = 12
	const chunkTableEntrySize = 12
	dataStart := int64(headerSize) + int64(numChunks+1)*chunkTableEntrySize

	var buf bytes.Buffer
	buf.Write([]byte{'M', 'I', 'D', 'X'})
	buf.WriteByte(1) // version
	buf.WriteByte(0) // hash id, unused by this reader
	buf.WriteByte(numChunks)
	buf.WriteByte(0) // numBaseMidx
	binary.Write(&buf, binary.BigEndian, uint32(len(packNames)))

	offsets := make([]int64, numChunks+1)
	offsets[0] = dataStart
	for i, c := range chunks {
		offsets[i+1] = offsets[i] + int64(len(c))
	}
	for i := 0; i < numChunks; i++ {
		buf.Write(ids[i][:])
		binary.Write(&buf, binary.BigEndian, uint64(offsets[i]))
	}
	buf.Write([]byte{0, 0, 0, 0})
	binary.Write(&buf, binary.BigEndian, uint64(offsets[numChunks]))

	for _, c := range chunks {
		buf.Write(c)
	}
	buf.Write(bytes.Repeat([]byte{0x33}, hash.SHA1.Size()))
	return buf.Bytes()
}

// packBuilder accumulates non-delta and REF-delta entries into one .pack
// file, tracking each entry's absolute offset for the accompanying index.
type packBuilder struct {
	buf bytes.Buffer
	sum hash.ObjectID
}

func newPackBuilder(numObjects uint32) *packBuilder {
	pb := &packBuilder{}
	pb.buf.WriteString("PACK")
	binary.Write(&pb.buf, binary.BigEndian, uint32(2))
	binary.Write(&pb.buf, binary.BigEndian, numObjects)
	return pb
}

func (pb *packBuilder) addBlob(t *testing.T, payload []byte) (offset int64) {
	offset = int64(pb.buf.Len())
	pb.buf.Write(encodeEntryHeader(3, uint64(len(payload))))
	pb.buf.Write(zlibCompress(t, payload))
	return offset
}

func (pb *packBuilder) addRefDelta(t *testing.T, baseID hash.ObjectID, delta []byte) (offset int64) {
	offset = int64(pb.buf.Len())
	pb.buf.Write(encodeEntryHeader(7, uint64(len(delta))))
	pb.buf.Write(baseID.Bytes())
	pb.buf.Write(zlibCompress(t, delta))
	return offset
}

func (pb *packBuilder) finish() []byte {
	h := hash.NewRawHasher(hash.SHA1)
	h.Write(pb.buf.Bytes())
	pb.sum = h.Sum()
	pb.buf.Write(pb.sum.Bytes())
	return pb.buf.Bytes()
}

// checksum returns the pack's trailing checksum; valid only after finish.
func (pb *packBuilder) checksum() hash.ObjectID {
	return pb.sum
}

// writeLooseObject writes a loose object file directly under id's own
// path, bypassing loose.Store.Write's hash computation so a test can craft
// an id/content pair that would never occur from a real hash.
func writeLooseObject(t *testing.T, fs billy.Filesystem, id hash.ObjectID, kind string, payload []byte) {
	t.Helper()
	var raw bytes.Buffer
	raw.WriteString(kind)
	raw.WriteByte(' ')
	raw.WriteString(itoa(len(payload)))
	raw.WriteByte(0)
	raw.Write(payload)
	h := id.String()
	writeFile(t, fs, "objects/"+h[0:2]+"/"+h[2:], zlibCompress(t, raw.Bytes()))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}

// writeFile writes raw to path under fs, creating parent directories as
// needed.
func writeFile(t *testing.T, fs billy.Filesystem, path string, raw []byte) {
	t.Helper()
	if dir := fs.Join(pathDirOf(path)); dir != "." && dir != "" {
		require.NoError(t, fs.MkdirAll(dir, 0o755))
	}
	f, err := fs.Create(path)
	require.NoError(t, err)
	_, err = f.Write(raw)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func pathDirOf(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[:i]
		}
	}
	return ""
}
