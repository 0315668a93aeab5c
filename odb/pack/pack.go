package pack

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	lru "github.com/golang/groupcache/lru"

	"github.com/relvacode/gitodb/hash"
	"github.com/relvacode/gitodb/odb/object"
)

// ReaderAt is the subset of *os.File (and billy.File) a Pack needs; packs
// are opened against a memory-mapped or plain file handle, never read
// sequentially end to end except for VerifyChecksum.
type ReaderAt interface {
	io.ReaderAt
}

// Pack is an opened .pack file: its header, size, and a ReaderAt over its
// entries. It performs no eager I/O beyond the 12-byte file header.
type Pack struct {
	r    ReaderAt
	size int64
	kind hash.Kind

	Header FileHeader
}

// Open validates the pack's file header and returns a Pack ready for
// EntryHeader/Decompress calls. It does not verify the trailing checksum;
// call VerifyChecksum explicitly, since that requires a full file scan.
func Open(r ReaderAt, size int64, k hash.Kind) (*Pack, error) {
	head := make([]byte, 12)
	if _, err := r.ReadAt(head, 0); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorruptPack, err)
	}
	fh, err := ReadFileHeader(bytes.NewReader(head))
	if err != nil {
		return nil, err
	}
	return &Pack{r: r, size: size, kind: k, Header: fh}, nil
}

// EntryHeaderAt decodes the entry header at the given absolute offset.
func (p *Pack) EntryHeaderAt(offset int64) (EntryHeader, error) {
	if offset < 0 || offset >= p.size-int64(p.kind.Size()) {
		return EntryHeader{}, fmt.Errorf("%w: offset %d out of range", ErrCorruptPack, offset)
	}
	return ReadEntryHeader(p.r, offset, p.kind.Size())
}

// DecompressAt inflates the zlib stream beginning at contentOffset into
// exactly size bytes; a stream that inflates to fewer bytes is an error.
func (p *Pack) DecompressAt(contentOffset int64, size int64) ([]byte, error) {
	sr := io.NewSectionReader(p.r, contentOffset, p.size-contentOffset)
	zr, err := zlib.NewReader(sr)
	if err != nil {
		return nil, fmt.Errorf("%w: zlib open at %d: %v", ErrCorruptPack, contentOffset, err)
	}
	defer zr.Close()

	out := make([]byte, size)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, fmt.Errorf("%w: zlib read at %d: %v", ErrCorruptPack, contentOffset, err)
	}
	return out, nil
}

// TrailerChecksum reads the pack's trailing checksum without hashing the
// file body; cheap enough to run on every open, unlike VerifyChecksum.
func (p *Pack) TrailerChecksum() (hash.ObjectID, error) {
	hashSize := int64(p.kind.Size())
	buf := make([]byte, hashSize)
	if _, err := p.r.ReadAt(buf, p.size-hashSize); err != nil {
		return hash.ObjectID{}, fmt.Errorf("%w: trailer: %v", ErrCorruptPack, err)
	}
	return hash.FromBytes(buf)
}

// VerifyChecksum streams the whole file except the trailing hash and
// compares it against the declared checksum.
func (p *Pack) VerifyChecksum() error {
	hashSize := int64(p.kind.Size())
	body := io.NewSectionReader(p.r, 0, p.size-hashSize)
	h := hash.NewRawHasher(p.kind)
	if _, err := io.Copy(h, body); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptPack, err)
	}
	got := h.Sum()

	wantBuf := make([]byte, hashSize)
	if _, err := p.r.ReadAt(wantBuf, p.size-hashSize); err != nil {
		return fmt.Errorf("%w: trailer: %v", ErrCorruptPack, err)
	}
	want, err := hash.FromBytes(wantBuf)
	if err != nil {
		return err
	}
	if !got.Equal(want) {
		return ErrChecksumMismatch
	}
	return nil
}

// Caches bundles the two LRU caches the delta engine consults: one for
// fully-decoded object bytes keyed by (pack identity, offset), one for
// decoded delta bases. Neither cache is owned by a Store; callers size and
// share them as they see fit.
type Caches struct {
	Objects    *lru.Cache
	DeltaBases *lru.Cache
}

// NewCaches builds two independently-sized groupcache LRU caches.
func NewCaches(objectEntries, deltaBaseEntries int) *Caches {
	return &Caches{
		Objects:    lru.New(objectEntries),
		DeltaBases: lru.New(deltaBaseEntries),
	}
}

type cacheKey struct {
	packID int64
	offset int64
}

// Decoded is a fully reconstructed object: its final kind and byte payload.
type Decoded struct {
	Kind object.Kind
	Data []byte
}

// Resolve reconstructs the object stored at offset, walking any OFS/REF
// delta chain to its base and applying each delta in turn. packID
// identifies this Pack for cache keying; baseLookup resolves a REF-delta's
// base OID to (pack, offset, packID) when the base lives elsewhere (e.g.
// another pack covered by the same MIDX, or this same pack). The packID
// baseLookup returns must identify the *Pack it also returns, since caches
// are keyed by (packID, offset) with no other way to distinguish packs.
func (p *Pack) Resolve(packID int64, offset int64, caches *Caches, baseLookup func(hash.ObjectID) (*Pack, int64, int64, error)) (Decoded, error) {
	if caches != nil {
		if v, ok := caches.Objects.Get(cacheKey{packID, offset}); ok {
			return v.(Decoded), nil
		}
	}

	eh, err := p.EntryHeaderAt(offset)
	if err != nil {
		return Decoded{}, err
	}

	if !eh.Kind.IsDelta() {
		raw, err := p.DecompressAt(eh.ContentOffset, eh.Size)
		if err != nil {
			return Decoded{}, err
		}
		d := Decoded{Kind: eh.Kind.ObjectKind(), Data: raw}
		if caches != nil {
			caches.Objects.Add(cacheKey{packID, offset}, d)
		}
		return d, nil
	}

	deltaRaw, err := p.DecompressAt(eh.ContentOffset, eh.Size)
	if err != nil {
		return Decoded{}, err
	}

	var base Decoded
	if eh.Kind == OFSDeltaEntry {
		if caches != nil {
			if v, ok := caches.DeltaBases.Get(cacheKey{packID, eh.BaseOffset}); ok {
				base = v.(Decoded)
			}
		}
		if base.Data == nil {
			base, err = p.Resolve(packID, eh.BaseOffset, caches, baseLookup)
			if err != nil {
				return Decoded{}, fmt.Errorf("resolving ofs-delta base at %d: %w", eh.BaseOffset, err)
			}
		}
	} else {
		if baseLookup == nil {
			return Decoded{}, fmt.Errorf("%w: ref-delta base lookup unavailable", ErrCorruptPack)
		}
		basePack, baseOffset, basePackID, err := baseLookup(eh.BaseOID)
		if err != nil {
			return Decoded{}, fmt.Errorf("resolving ref-delta base %s: %w", eh.BaseOID, err)
		}
		base, err = basePack.Resolve(basePackID, baseOffset, caches, baseLookup)
		if err != nil {
			return Decoded{}, err
		}
	}

	target, err := ApplyDelta(base.Data, deltaRaw)
	if err != nil {
		return Decoded{}, err
	}
	d := Decoded{Kind: base.Kind, Data: target}
	if caches != nil {
		caches.Objects.Add(cacheKey{packID, offset}, d)
		caches.DeltaBases.Add(cacheKey{packID, offset}, d)
	}
	return d, nil
}
