// Package midx reads a multi-pack index: a single file mapping object ids
// across several pack files to a (pack-local-id, offset) pair, avoiding a
// linear scan over every constituent pack's own index.
package midx

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/relvacode/gitodb/hash"
)

// ErrCorruptMidx is returned for any structural violation of the midx
// format: bad magic, truncated chunk table, or missing required chunk.
var ErrCorruptMidx = errors.New("midx: corrupt multi-pack index")

// ErrNotFound indicates a lookup found no matching object id.
var ErrNotFound = errors.New("midx: object not found")

var midxMagic = []byte{'M', 'I', 'D', 'X'}

const (
	headerSize    = 12 // magic(4) + version(1) + hashID(1) + numChunks(1) + numBaseMidx(1) + numPacks(4)
	chunkTableEntrySize = 12 // chunk-id(4) + offset(8)
	fanoutSize    = 256 * 4
	oofEntrySize  = 8 // pack-id(4) + offset(4)
	largeOffsetMask = uint32(1) << 31
)

var (
	chunkPackNames   = [4]byte{'P', 'N', 'A', 'M'}
	chunkOIDFanout   = [4]byte{'O', 'I', 'D', 'F'}
	chunkOIDLookup   = [4]byte{'O', 'I', 'D', 'L'}
	chunkObjectOffsets = [4]byte{'O', 'O', 'F', 'F'}
	chunkLargeOffsets = [4]byte{'L', 'O', 'F', 'F'}
)

// ReaderAt is the minimal interface this package needs of an open midx
// file; satisfied by *os.File and billy's File type alike.
type ReaderAt interface {
	io.ReaderAt
}

// Entry is one resolved lookup result: which constituent pack (by index
// into PackNames/Index.PackName) and the byte offset into that pack.
type Entry struct {
	ID        hash.ObjectID
	PackIndex int
	Offset    uint64
}

// Index is an opened, lazily-read multi-pack index.
type Index struct {
	r    ReaderAt
	size int64
	kind hash.Kind

	version  int
	numPacks int
	count    int

	packNames []string

	fanout [256]uint32

	oidLookupStart     int64
	objectOffsetsStart int64
	largeOffsetsStart  int64
	largeOffsetsSize   int64

	Checksum hash.ObjectID
}

type chunkSpan struct {
	id     [4]byte
	offset int64
}

// Open parses a multi-pack index's header and chunk table, validates its
// magic and version, records the trailing checksum in Checksum without
// verifying it, and leaves the OID/offset tables to be read lazily on
// lookup.
func Open(r ReaderAt, size int64, k hash.Kind) (*Index, error) {
	idx := &Index{r: r, size: size, kind: k}
	if err := idx.init(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Index) init() error {
	hdr := make([]byte, headerSize)
	if _, err := idx.r.ReadAt(hdr, 0); err != nil {
		return fmt.Errorf("%w: header: %v", ErrCorruptMidx, err)
	}
	if !bytes.Equal(hdr[0:4], midxMagic) {
		return fmt.Errorf("%w: bad magic", ErrCorruptMidx)
	}
	idx.version = int(hdr[4])
	if idx.version != 1 {
		return fmt.Errorf("%w: unsupported version %d", ErrCorruptMidx, idx.version)
	}
	numChunks := int(hdr[6])
	idx.numPacks = int(binary.BigEndian.Uint32(hdr[8:12]))

	// Chunk table: numChunks entries of (id, offset) followed by one
	// terminator entry whose id is all-zero and whose offset marks EOF of
	// the last chunk.
	tableSize := int64(numChunks+1) * chunkTableEntrySize
	table := make([]byte, tableSize)
	if _, err := idx.r.ReadAt(table, headerSize); err != nil {
		return fmt.Errorf("%w: chunk table: %v", ErrCorruptMidx, err)
	}

	spans := make([]chunkSpan, numChunks+1)
	for i := range spans {
		off := i * chunkTableEntrySize
		copy(spans[i].id[:], table[off:off+4])
		spans[i].offset = int64(binary.BigEndian.Uint64(table[off+4 : off+12]))
	}

	var havePNAM, haveFanout, haveLookup, haveOffsets bool
	for i := 0; i < numChunks; i++ {
		start := spans[i].offset
		end := spans[i+1].offset
		switch spans[i].id {
		case chunkPackNames:
			if err := idx.readPackNames(start, end); err != nil {
				return err
			}
			havePNAM = true
		case chunkOIDFanout:
			if err := idx.readFanout(start); err != nil {
				return err
			}
			haveFanout = true
		case chunkOIDLookup:
			idx.oidLookupStart = start
			haveLookup = true
		case chunkObjectOffsets:
			idx.objectOffsetsStart = start
			haveOffsets = true
		case chunkLargeOffsets:
			idx.largeOffsetsStart = start
			idx.largeOffsetsSize = end - start
		}
	}
	if !havePNAM || !haveFanout || !haveLookup || !haveOffsets {
		return fmt.Errorf("%w: missing required chunk", ErrCorruptMidx)
	}

	idx.count = int(idx.fanout[255])

	checksumSize := k.Size()
	sum := make([]byte, checksumSize)
	if _, err := idx.r.ReadAt(sum, idx.size-int64(checksumSize)); err != nil {
		return fmt.Errorf("%w: trailer: %v", ErrCorruptMidx, err)
	}
	checksum, err := hash.FromBytes(sum)
	if err != nil {
		return fmt.Errorf("%w: trailer: %v", ErrCorruptMidx, err)
	}
	idx.Checksum = checksum
	return nil
}

func (idx *Index) readPackNames(start, end int64) error {
	buf := make([]byte, end-start)
	if _, err := idx.r.ReadAt(buf, start); err != nil {
		return fmt.Errorf("%w: pack names: %v", ErrCorruptMidx, err)
	}
	for _, part := range bytes.Split(bytes.TrimRight(buf, "\x00"), []byte{0}) {
		if len(part) == 0 {
			continue
		}
		idx.packNames = append(idx.packNames, string(part))
	}
	if len(idx.packNames) != idx.numPacks {
		return fmt.Errorf("%w: pack name count %d != header count %d", ErrCorruptMidx, len(idx.packNames), idx.numPacks)
	}
	return nil
}

func (idx *Index) readFanout(start int64) error {
	buf := make([]byte, fanoutSize)
	if _, err := idx.r.ReadAt(buf, start); err != nil {
		return fmt.Errorf("%w: fanout: %v", ErrCorruptMidx, err)
	}
	for i := 0; i < 256; i++ {
		idx.fanout[i] = binary.BigEndian.Uint32(buf[i*4 : i*4+4])
	}
	return nil
}

// Count returns the number of objects covered by this midx.
func (idx *Index) Count() int { return idx.count }

// PackNames returns the constituent pack names in pack-local-id order
// (index into this slice is the PackIndex an Entry carries).
func (idx *Index) PackNames() []string { return idx.packNames }

func (idx *Index) idAt(pos int) (hash.ObjectID, error) {
	n := idx.kind.Size()
	buf := make([]byte, n)
	if _, err := idx.r.ReadAt(buf, idx.oidLookupStart+int64(pos*n)); err != nil {
		return hash.ObjectID{}, err
	}
	return hash.FromBytes(buf)
}

func (idx *Index) offsetAt(pos int) (int, uint64, error) {
	buf := make([]byte, oofEntrySize)
	if _, err := idx.r.ReadAt(buf, idx.objectOffsetsStart+int64(pos*oofEntrySize)); err != nil {
		return 0, 0, err
	}
	packIndex := int(binary.BigEndian.Uint32(buf[0:4]))
	raw := binary.BigEndian.Uint32(buf[4:8])
	if raw&largeOffsetMask == 0 {
		return packIndex, uint64(raw), nil
	}
	if idx.largeOffsetsStart == 0 {
		return 0, 0, fmt.Errorf("%w: large-offset bit set with no LOFF chunk", ErrCorruptMidx)
	}
	largeIdx := int64(raw &^ largeOffsetMask)
	big := make([]byte, 8)
	if _, err := idx.r.ReadAt(big, idx.largeOffsetsStart+largeIdx*8); err != nil {
		return 0, 0, err
	}
	return packIndex, binary.BigEndian.Uint64(big), nil
}

func (idx *Index) fanoutLo(firstByte byte) (lo, hi int) {
	if firstByte == 0 {
		lo = 0
	} else {
		lo = int(idx.fanout[firstByte-1])
	}
	hi = int(idx.fanout[firstByte])
	return
}

// Find looks up id, returning its constituent pack index and byte offset.
func (idx *Index) Find(id hash.ObjectID) (Entry, error) {
	b := id.Bytes()
	if len(b) == 0 {
		return Entry{}, fmt.Errorf("%w: empty id", ErrCorruptMidx)
	}
	lo, hi := idx.fanoutLo(b[0])

	var findErr error
	pos := sort.Search(hi-lo, func(i int) bool {
		cand, err := idx.idAt(lo + i)
		if err != nil {
			findErr = err
			return true
		}
		return cand.Compare(id) >= 0
	})
	if findErr != nil {
		return Entry{}, findErr
	}
	pos += lo
	if pos >= hi {
		return Entry{}, ErrNotFound
	}
	cand, err := idx.idAt(pos)
	if err != nil {
		return Entry{}, err
	}
	if !cand.Equal(id) {
		return Entry{}, ErrNotFound
	}
	packIndex, offset, err := idx.offsetAt(pos)
	if err != nil {
		return Entry{}, err
	}
	return Entry{ID: cand, PackIndex: packIndex, Offset: offset}, nil
}

// FindPrefix returns every entry whose OID begins with p, in sorted order.
func (idx *Index) FindPrefix(p hash.Prefix) ([]Entry, error) {
	var out []Entry
	for pos := 0; pos < idx.count; pos++ {
		id, err := idx.idAt(pos)
		if err != nil {
			return nil, err
		}
		if !p.Matches(id) {
			continue
		}
		packIndex, offset, err := idx.offsetAt(pos)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{ID: id, PackIndex: packIndex, Offset: offset})
	}
	return out, nil
}
