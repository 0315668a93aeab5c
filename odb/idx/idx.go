// Package idx reads pack index files (.idx), versions 1 and 2, presenting
// both under a single ReaderAt-based interface: ordered iteration, prefix
// search, and OID to (offset, crc32) lookup.
package idx

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/relvacode/gitodb/hash"
)

const (
	headerSize  = 8
	fanoutSize  = 256 * 4
	crcSize     = 4
	off32Size   = 4
	off64Size   = 8
	is64BitMask = uint64(1) << 31

	version2Supported = 2
)

var v2Magic = []byte{0xff, 't', 'O', 'c'}

// ErrCorruptIndex is returned when an index file's header, trailer, or
// table layout does not match what its declared size and version predict.
var ErrCorruptIndex = errors.New("idx: corrupt index")

// ErrNotFound is returned by Find when the OID has no entry in this index.
var ErrNotFound = errors.New("idx: not found")

// Entry is one pack index record.
type Entry struct {
	ID     hash.ObjectID
	Offset uint64
	CRC32  uint32
}

// ReaderAt is the subset of *os.File (and billy.File) an Index needs.
type ReaderAt interface {
	io.ReaderAt
}

// Index is a parsed pack index, v1 or v2, read lazily through a ReaderAt.
type Index struct {
	r    ReaderAt
	kind hash.Kind
	size int64

	version int
	count   int

	fanout [256]uint32

	// byte offsets of each table, version-dependent layout
	namesStart   int64
	crcStart     int64 // 0 for v1, which interleaves crc implicitly (absent)
	off32Start   int64
	off64Start   int64
	recordStride int64 // v1 only: bytes per (offset,oid) record

	PackChecksum  hash.ObjectID
	IndexChecksum hash.ObjectID
}

// Open parses the header and fanout table of an index file and verifies its
// self-checksum, which hashes every byte before the trailer once; individual
// OID/offset/crc records are read on demand.
func Open(r ReaderAt, size int64, k hash.Kind) (*Index, error) {
	idx := &Index{r: r, size: size, kind: k}
	if err := idx.init(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Index) init() error {
	hashSize := int64(idx.kind.Size())
	minSize := headerSize + int64(fanoutSize) + 2*hashSize
	if idx.size < minSize {
		return fmt.Errorf("%w: file too small", ErrCorruptIndex)
	}

	head := make([]byte, 4)
	if _, err := idx.r.ReadAt(head, 0); err != nil {
		return fmt.Errorf("%w: header: %v", ErrCorruptIndex, err)
	}

	var fanoutOffset int64
	if bytes.Equal(head, v2Magic) {
		verBuf := make([]byte, 4)
		if _, err := idx.r.ReadAt(verBuf, 4); err != nil {
			return fmt.Errorf("%w: version: %v", ErrCorruptIndex, err)
		}
		version := binary.BigEndian.Uint32(verBuf)
		if version != version2Supported {
			return fmt.Errorf("%w: unsupported version %d", ErrCorruptIndex, version)
		}
		idx.version = 2
		fanoutOffset = headerSize
	} else {
		idx.version = 1
		fanoutOffset = 0
	}

	fanoutBuf := make([]byte, fanoutSize)
	if _, err := idx.r.ReadAt(fanoutBuf, fanoutOffset); err != nil {
		return fmt.Errorf("%w: fanout: %v", ErrCorruptIndex, err)
	}
	for i := 0; i < 256; i++ {
		idx.fanout[i] = binary.BigEndian.Uint32(fanoutBuf[i*4 : i*4+4])
	}
	idx.count = int(idx.fanout[255])

	if idx.version == 1 {
		idx.recordStride = off32Size + hashSize
		idx.namesStart = fanoutOffset + fanoutSize + off32Size // unused for v1, kept nil-ish
		tableStart := int64(fanoutSize)
		idx.off32Start = tableStart // records begin here: [offset][oid] repeated
		trailer := tableStart + int64(idx.count)*idx.recordStride
		if trailer+2*hashSize != idx.size {
			return fmt.Errorf("%w: trailer size mismatch", ErrCorruptIndex)
		}
		if err := idx.readTrailer(trailer, hashSize); err != nil {
			return err
		}
		return nil
	}

	idx.namesStart = headerSize + fanoutSize
	idx.crcStart = idx.namesStart + int64(idx.count)*hashSize
	idx.off32Start = idx.crcStart + int64(idx.count)*crcSize
	idx.off64Start = idx.off32Start + int64(idx.count)*off32Size
	trailer := idx.off64Start // 64-bit table length is variable; trailer located from file end
	trailerFromEnd := idx.size - 2*hashSize
	if trailerFromEnd < trailer {
		return fmt.Errorf("%w: truncated offset table", ErrCorruptIndex)
	}
	if err := idx.readTrailer(trailerFromEnd, hashSize); err != nil {
		return err
	}
	return nil
}

func (idx *Index) readTrailer(at int64, hashSize int64) error {
	buf := make([]byte, 2*hashSize)
	if _, err := idx.r.ReadAt(buf, at); err != nil {
		return fmt.Errorf("%w: trailer: %v", ErrCorruptIndex, err)
	}
	var err error
	idx.PackChecksum, err = hash.FromBytes(buf[:hashSize])
	if err != nil {
		return fmt.Errorf("%w: pack checksum: %v", ErrCorruptIndex, err)
	}
	idx.IndexChecksum, err = hash.FromBytes(buf[hashSize:])
	if err != nil {
		return fmt.Errorf("%w: index checksum: %v", ErrCorruptIndex, err)
	}

	h := hash.NewRawHasher(idx.kind)
	if _, err := io.Copy(h, io.NewSectionReader(idx.r, 0, at)); err != nil {
		return fmt.Errorf("%w: hashing index content: %v", ErrCorruptIndex, err)
	}
	if got := h.Sum(); !got.Equal(idx.IndexChecksum) {
		return fmt.Errorf("%w: index checksum mismatch", ErrCorruptIndex)
	}
	return nil
}

// Count returns the number of entries in the index.
func (idx *Index) Count() int { return idx.count }

// Version returns 1 or 2.
func (idx *Index) Version() int { return idx.version }

func (idx *Index) fanoutLo(firstByte int) int {
	if firstByte == 0 {
		return 0
	}
	return int(idx.fanout[firstByte-1])
}

func (idx *Index) idAt(pos int) (hash.ObjectID, error) {
	hashSize := idx.kind.Size()
	var at int64
	if idx.version == 1 {
		at = idx.off32Start + int64(pos)*idx.recordStride + off32Size
	} else {
		at = idx.namesStart + int64(pos)*int64(hashSize)
	}
	buf := make([]byte, hashSize)
	if _, err := idx.r.ReadAt(buf, at); err != nil {
		return hash.ObjectID{}, fmt.Errorf("%w: oid at %d: %v", ErrCorruptIndex, pos, err)
	}
	return hash.FromBytes(buf)
}

func (idx *Index) offsetAt(pos int) (uint64, error) {
	if idx.version == 1 {
		buf := make([]byte, off32Size)
		at := idx.off32Start + int64(pos)*idx.recordStride
		if _, err := idx.r.ReadAt(buf, at); err != nil {
			return 0, fmt.Errorf("%w: offset at %d: %v", ErrCorruptIndex, pos, err)
		}
		return uint64(binary.BigEndian.Uint32(buf)), nil
	}

	buf := make([]byte, off32Size)
	at := idx.off32Start + int64(pos)*off32Size
	if _, err := idx.r.ReadAt(buf, at); err != nil {
		return 0, fmt.Errorf("%w: offset32 at %d: %v", ErrCorruptIndex, pos, err)
	}
	off32 := binary.BigEndian.Uint32(buf)
	if uint64(off32)&is64BitMask == 0 {
		return uint64(off32), nil
	}
	loIndex := int(uint64(off32) &^ is64BitMask)
	buf64 := make([]byte, off64Size)
	if _, err := idx.r.ReadAt(buf64, idx.off64Start+int64(loIndex)*off64Size); err != nil {
		return 0, fmt.Errorf("%w: offset64 at %d: %v", ErrCorruptIndex, loIndex, err)
	}
	return binary.BigEndian.Uint64(buf64), nil
}

func (idx *Index) crcAt(pos int) (uint32, error) {
	if idx.version == 1 {
		// v1 carries no CRC table; the spec models CRC as optional metadata
		// and callers must tolerate a zero value for v1 indices.
		return 0, nil
	}
	buf := make([]byte, crcSize)
	if _, err := idx.r.ReadAt(buf, idx.crcStart+int64(pos)*crcSize); err != nil {
		return 0, fmt.Errorf("%w: crc at %d: %v", ErrCorruptIndex, pos, err)
	}
	return binary.BigEndian.Uint32(buf), nil
}

func (idx *Index) entryAt(pos int) (Entry, error) {
	id, err := idx.idAt(pos)
	if err != nil {
		return Entry{}, err
	}
	off, err := idx.offsetAt(pos)
	if err != nil {
		return Entry{}, err
	}
	crc, err := idx.crcAt(pos)
	if err != nil {
		return Entry{}, err
	}
	return Entry{ID: id, Offset: off, CRC32: crc}, nil
}

// search returns the position of id in [lo, hi) via binary search over the
// sorted OID table, or -1 if absent.
func (idx *Index) search(lo, hi int, id hash.ObjectID) (int, error) {
	want := id.Bytes()
	var searchErr error
	pos := lo + sort.Search(hi-lo, func(i int) bool {
		cand, err := idx.idAt(lo + i)
		if err != nil {
			searchErr = err
			return true
		}
		return bytes.Compare(cand.Bytes(), want) >= 0
	})
	if searchErr != nil {
		return -1, searchErr
	}
	if pos >= hi {
		return -1, nil
	}
	cand, err := idx.idAt(pos)
	if err != nil {
		return -1, err
	}
	if !cand.Equal(id) {
		return -1, nil
	}
	return pos, nil
}

// Find looks up an OID and returns its pack offset and CRC32 (0 for a v1
// index, which carries no checksum table).
func (idx *Index) Find(id hash.ObjectID) (Entry, error) {
	first := int(id.Bytes()[0])
	lo, hi := idx.fanoutLo(first), int(idx.fanout[first])
	pos, err := idx.search(lo, hi, id)
	if err != nil {
		return Entry{}, err
	}
	if pos < 0 {
		return Entry{}, ErrNotFound
	}
	return idx.entryAt(pos)
}

// FindPrefix returns every entry whose OID begins with prefix, in sorted
// order.
func (idx *Index) FindPrefix(p hash.Prefix) ([]Entry, error) {
	var out []Entry
	for pos := 0; pos < idx.count; pos++ {
		id, err := idx.idAt(pos)
		if err != nil {
			return nil, err
		}
		if p.Matches(id) {
			e, err := idx.entryAt(pos)
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
	}
	return out, nil
}

// EntryIter walks every entry in OID order.
type EntryIter struct {
	idx *Index
	pos int
}

// Entries returns an iterator over all entries sorted by OID.
func (idx *Index) Entries() *EntryIter { return &EntryIter{idx: idx} }

// Next returns the next entry, or (Entry{}, io.EOF) when exhausted.
func (it *EntryIter) Next() (Entry, error) {
	if it.pos >= it.idx.count {
		return Entry{}, io.EOF
	}
	e, err := it.idx.entryAt(it.pos)
	if err != nil {
		return Entry{}, err
	}
	it.pos++
	return e, nil
}
