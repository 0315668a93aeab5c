package hash

import (
	"strconv"
)

// ObjectKind names the four object types a Hasher can frame. It mirrors
// odb/object.Kind but lives here too so this package has no dependency on
// odb/object.
type ObjectKind string

const (
	KindCommit ObjectKind = "commit"
	KindTree   ObjectKind = "tree"
	KindBlob   ObjectKind = "blob"
	KindTag    ObjectKind = "tag"
)

// Hasher computes a Git object id by framing a loose-object header
// ("<kind> <size>\0") ahead of the payload, exactly as the loose object
// store and the pack decoder must when verifying decompressed content.
type Hasher struct {
	h    interface {
		Write([]byte) (int, error)
		Sum([]byte) []byte
		Reset()
	}
	kind Kind
}

// NewHasher returns a Hasher ready to frame an object of the given
// ObjectKind and size, using the digest algorithm selected by k.
func NewHasher(k Kind, kind ObjectKind, size int64) Hasher {
	hr := Hasher{h: newHash(k), kind: k}
	hr.Reset(kind, size)
	return hr
}

// Reset reframes the hasher for a new object kind and size without
// allocating a new underlying hash.Hash.
func (h Hasher) Reset(kind ObjectKind, size int64) {
	h.h.Reset()
	h.h.Write([]byte(kind))
	h.h.Write([]byte{' '})
	h.h.Write([]byte(strconv.FormatInt(size, 10)))
	h.h.Write([]byte{0})
}

// Write feeds payload bytes into the running hash.
func (h Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Sum finalizes the hash and returns the resulting ObjectID.
func (h Hasher) Sum() ObjectID {
	id, err := FromBytes(h.h.Sum(nil))
	if err != nil {
		// Only reachable if a custom hash.Hash returns an unsupported
		// digest size, which newHash never does.
		panic(err)
	}
	return id
}
