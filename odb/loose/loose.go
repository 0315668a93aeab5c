// Package loose implements the loose object store: objects/xx/yyyy… files,
// zlib-compressed with a leading "<kind> <size>\0" header.
package loose

import (
	"bytes"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-git/go-billy/v5"

	"github.com/relvacode/gitodb/hash"
	"github.com/relvacode/gitodb/odb/object"
)

// ErrMalformed is returned when a loose object's decompressed content does
// not begin with a well-formed "<kind> <size>\0" header.
var ErrMalformed = errors.New("loose: malformed object")

const objectsDir = "objects"

// Store reads and writes loose objects under a billy.Filesystem rooted at
// a repository's objects directory's parent (i.e. fs.Join(root, "objects")
// is where entries live), matching go-git's dotgit convention of routing
// every object read/write through billy rather than os directly.
type Store struct {
	fs   billy.Filesystem
	kind hash.Kind
}

// NewStore returns a Store rooted at fs, whose object ids use the given
// hash Kind.
func NewStore(fs billy.Filesystem, k hash.Kind) *Store {
	return &Store{fs: fs, kind: k}
}

func (s *Store) path(id hash.ObjectID) string {
	h := id.String()
	return s.fs.Join(objectsDir, h[0:2], h[2:])
}

// Contains reports whether a loose object file exists for id.
func (s *Store) Contains(id hash.ObjectID) (bool, error) {
	_, err := s.fs.Stat(s.path(id))
	if err == nil {
		return true, nil
	}
	if errIsNotExist(err) {
		return false, nil
	}
	return false, err
}

// TryFind decompresses and validates the object stored under id, returning
// its kind and raw payload bytes. A missing object returns (0, nil, nil),
// not an error.
func (s *Store) TryFind(id hash.ObjectID) (object.Kind, []byte, error) {
	f, err := s.fs.Open(s.path(id))
	if err != nil {
		if errIsNotExist(err) {
			return object.InvalidKind, nil, nil
		}
		return object.InvalidKind, nil, err
	}
	defer f.Close()

	zr, err := zlib.NewReader(f)
	if err != nil {
		return object.InvalidKind, nil, fmt.Errorf("%w: zlib: %v", ErrMalformed, err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return object.InvalidKind, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	kind, payload, err := splitHeader(raw)
	if err != nil {
		return object.InvalidKind, nil, err
	}
	return kind, payload, nil
}

// TryHeader decompresses only far enough to read the "<kind> <size>\0"
// header, without materializing the full payload.
func (s *Store) TryHeader(id hash.ObjectID) (object.Kind, int64, error) {
	f, err := s.fs.Open(s.path(id))
	if err != nil {
		if errIsNotExist(err) {
			return object.InvalidKind, 0, nil
		}
		return object.InvalidKind, 0, err
	}
	defer f.Close()

	zr, err := zlib.NewReader(f)
	if err != nil {
		return object.InvalidKind, 0, fmt.Errorf("%w: zlib: %v", ErrMalformed, err)
	}
	defer zr.Close()

	var header bytes.Buffer
	buf := make([]byte, 1)
	for {
		if _, err := io.ReadFull(zr, buf); err != nil {
			return object.InvalidKind, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if buf[0] == 0 {
			break
		}
		header.WriteByte(buf[0])
		if header.Len() > 64 {
			return object.InvalidKind, 0, fmt.Errorf("%w: header too long", ErrMalformed)
		}
	}
	kind, size, err := parseHeaderLine(header.Bytes())
	if err != nil {
		return object.InvalidKind, 0, err
	}
	return kind, size, nil
}

// Write computes the object id of kind+bytes, and writes it to a temp file
// adjacent to its final location before renaming into place, matching the
// teacher's tmp-file, then-rename discipline (go-git's dotgit ObjectWriter).
// Writing is a no-op if the object already exists.
func (s *Store) Write(kind object.Kind, payload []byte) (hash.ObjectID, error) {
	hasher := hash.NewHasher(s.kind, kind.HasherKind(), int64(len(payload)))
	hasher.Write(payload)
	id := hasher.Sum()

	exists, err := s.Contains(id)
	if err != nil {
		return hash.ObjectID{}, err
	}
	if exists {
		return id, nil
	}

	dir := s.fs.Join(objectsDir, id.String()[0:2])
	tmp, err := s.fs.TempFile(dir, "tmp_obj_")
	if err != nil {
		// dir may not exist yet; MkdirAll and retry once.
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return hash.ObjectID{}, err
		}
		tmp, err = s.fs.TempFile(dir, "tmp_obj_")
		if err != nil {
			return hash.ObjectID{}, err
		}
	}

	zw := zlib.NewWriter(tmp)
	fmt.Fprintf(zw, "%s %d\x00", kind.HasherKind(), len(payload))
	if _, err := zw.Write(payload); err != nil {
		zw.Close()
		tmp.Close()
		return hash.ObjectID{}, err
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return hash.ObjectID{}, err
	}
	if syncer, ok := tmp.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			tmp.Close()
			return hash.ObjectID{}, err
		}
	}
	if err := tmp.Close(); err != nil {
		return hash.ObjectID{}, err
	}

	if err := s.fs.Rename(tmp.Name(), s.path(id)); err != nil {
		return hash.ObjectID{}, err
	}
	return id, nil
}

// FindPrefix returns every loose object id beginning with p. Because p
// always carries at least hash.MinPrefixHex (4) nibbles, its leading byte
// is fully determined, so only a single objects/xx bucket needs listing.
func (s *Store) FindPrefix(p hash.Prefix) ([]hash.ObjectID, error) {
	full := p.String()
	bucket := full[:2]
	dir := s.fs.Join(objectsDir, bucket)
	entries, err := s.fs.ReadDir(dir)
	if err != nil {
		if errIsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []hash.ObjectID
	for _, e := range entries {
		hexID := bucket + e.Name()
		if len(hexID) != p.Kind().HexSize() {
			continue
		}
		id, err := hash.FromHex(hexID)
		if err != nil {
			continue
		}
		if p.Matches(id) {
			out = append(out, id)
		}
	}
	return out, nil
}

func splitHeader(raw []byte) (object.Kind, []byte, error) {
	nul := bytes.IndexByte(raw, 0)
	if nul < 0 {
		return object.InvalidKind, nil, fmt.Errorf("%w: missing header terminator", ErrMalformed)
	}
	kind, _, err := parseHeaderLine(raw[:nul])
	if err != nil {
		return object.InvalidKind, nil, err
	}
	return kind, raw[nul+1:], nil
}

func parseHeaderLine(line []byte) (object.Kind, int64, error) {
	sp := bytes.IndexByte(line, ' ')
	if sp < 0 {
		return object.InvalidKind, 0, fmt.Errorf("%w: missing size separator", ErrMalformed)
	}
	kind, err := object.ParseKind(string(line[:sp]))
	if err != nil {
		return object.InvalidKind, 0, err
	}
	var size int64
	if _, err := fmt.Sscanf(string(line[sp+1:]), "%d", &size); err != nil {
		return object.InvalidKind, 0, fmt.Errorf("%w: bad size: %v", ErrMalformed, err)
	}
	return kind, size, nil
}

func errIsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
