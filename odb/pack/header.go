package pack

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/relvacode/gitodb/hash"
	"github.com/relvacode/gitodb/odb/object"
)

// ErrCorruptPack is returned for any structural violation of the pack
// format: bad magic, truncated entry, size exceeding the remaining file.
var ErrCorruptPack = errors.New("pack: corrupt pack")

// ErrInvalidDelta is returned when a delta payload's opcodes or declared
// sizes do not match what the base or target size predict.
var ErrInvalidDelta = errors.New("pack: invalid delta")

// ErrChecksumMismatch is returned by VerifyChecksum when the trailing
// pack checksum does not match the hash of the preceding bytes.
var ErrChecksumMismatch = errors.New("pack: checksum mismatch")

const packMagic = "PACK"

// EntryKind is the on-disk entry type tag, which extends object.Kind with
// the two delta forms.
type EntryKind int8

const (
	InvalidEntry EntryKind = iota
	CommitEntry
	TreeEntry
	BlobEntry
	TagEntry
	OFSDeltaEntry
	REFDeltaEntry
)

func (k EntryKind) IsDelta() bool { return k == OFSDeltaEntry || k == REFDeltaEntry }

func (k EntryKind) ObjectKind() object.Kind {
	switch k {
	case CommitEntry:
		return object.CommitKind
	case TreeEntry:
		return object.TreeKind
	case BlobEntry:
		return object.BlobKind
	case TagEntry:
		return object.TagKind
	default:
		return object.InvalidKind
	}
}

// entryKindFromTypeBits maps the 3-bit type field packed into an entry
// header's first byte (bits 4-6) to an EntryKind.
func entryKindFromTypeBits(b byte) (EntryKind, error) {
	switch (b & 0x70) >> 4 {
	case 1:
		return CommitEntry, nil
	case 2:
		return TreeEntry, nil
	case 3:
		return BlobEntry, nil
	case 4:
		return TagEntry, nil
	case 6:
		return OFSDeltaEntry, nil
	case 7:
		return REFDeltaEntry, nil
	default:
		return InvalidEntry, fmt.Errorf("%w: invalid entry type bits", ErrCorruptPack)
	}
}

// FileHeader is the 12-byte pack header.
type FileHeader struct {
	Version     uint32
	NumObjects  uint32
}

// ReadFileHeader parses and validates the leading "PACK" version
// num-objects header.
func ReadFileHeader(r io.Reader) (FileHeader, error) {
	var buf [12]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return FileHeader{}, fmt.Errorf("%w: header: %v", ErrCorruptPack, err)
	}
	if string(buf[:4]) != packMagic {
		return FileHeader{}, fmt.Errorf("%w: bad signature", ErrCorruptPack)
	}
	version := binary.BigEndian.Uint32(buf[4:8])
	if version != 2 && version != 3 {
		return FileHeader{}, fmt.Errorf("%w: unsupported version %d", ErrCorruptPack, version)
	}
	return FileHeader{
		Version:    version,
		NumObjects: binary.BigEndian.Uint32(buf[8:12]),
	}, nil
}

// EntryHeader describes one pack entry's framing: its type, decompressed
// size, the byte length of the header itself, and (for deltas) its base
// reference.
type EntryHeader struct {
	Kind          EntryKind
	Size          int64
	HeaderSize    int64
	ContentOffset int64 // offset of the zlib stream, relative to the entry's Offset

	// Delta base, one of the two is meaningful depending on Kind.
	BaseOffset int64         // OFSDeltaEntry: absolute offset of the base entry in this pack
	BaseOID    hash.ObjectID // REFDeltaEntry: OID of the base object
}

// countingByteReader adapts an io.ReaderAt positioned stream into the io.ByteReader
// variable-length decoders need, tracking how many bytes were consumed.
type countingByteReader struct {
	r    io.ReaderAt
	pos  int64
	read int64
}

func (c *countingByteReader) ReadByte() (byte, error) {
	var b [1]byte
	n, err := c.r.ReadAt(b[:], c.pos+c.read)
	if n == 1 {
		c.read++
		return b[0], nil
	}
	return 0, err
}

// ReadEntryHeader decodes the entry header at offset: the size-encoded
// type+size byte sequence, and for delta entries, the base reference.
func ReadEntryHeader(r io.ReaderAt, offset int64, oidSize int) (EntryHeader, error) {
	cr := &countingByteReader{r: r, pos: offset}

	first, err := cr.ReadByte()
	if err != nil {
		return EntryHeader{}, fmt.Errorf("%w: entry header at %d: %v", ErrCorruptPack, offset, err)
	}
	kind, err := entryKindFromTypeBits(first)
	if err != nil {
		return EntryHeader{}, err
	}

	size := uint64(first & 0x0f)
	shift := uint(4)
	cur := first
	for cur&0x80 != 0 {
		cur, err = cr.ReadByte()
		if err != nil {
			return EntryHeader{}, fmt.Errorf("%w: entry size at %d: %v", ErrCorruptPack, offset, err)
		}
		size |= uint64(cur&0x7f) << shift
		shift += 7
	}

	eh := EntryHeader{Kind: kind, Size: int64(size)}

	switch kind {
	case OFSDeltaEntry:
		b, err := cr.ReadByte()
		if err != nil {
			return EntryHeader{}, fmt.Errorf("%w: ofs-delta base at %d: %v", ErrCorruptPack, offset, err)
		}
		val := int64(b & 0x7f)
		for b&0x80 != 0 {
			b, err = cr.ReadByte()
			if err != nil {
				return EntryHeader{}, fmt.Errorf("%w: ofs-delta base at %d: %v", ErrCorruptPack, offset, err)
			}
			val = ((val + 1) << 7) | int64(b&0x7f)
		}
		eh.BaseOffset = offset - val
		if eh.BaseOffset < 0 {
			return EntryHeader{}, fmt.Errorf("%w: ofs-delta base offset out of range", ErrCorruptPack)
		}
	case REFDeltaEntry:
		idBuf := make([]byte, oidSize)
		n, err := r.ReadAt(idBuf, offset+cr.read)
		if err != nil || n != oidSize {
			return EntryHeader{}, fmt.Errorf("%w: ref-delta base at %d: %v", ErrCorruptPack, offset, err)
		}
		cr.read += int64(oidSize)
		eh.BaseOID, err = hash.FromBytes(idBuf)
		if err != nil {
			return EntryHeader{}, err
		}
	}

	eh.HeaderSize = cr.read
	eh.ContentOffset = offset + cr.read
	return eh, nil
}
