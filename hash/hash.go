// Package hash implements the object identifier types shared by the rest of
// the object database: a fixed-width content hash with an owned form
// (ObjectID), a borrowed view (OID), and a short-prefix form that carries its
// own hex length.
package hash

import (
	"bytes"
	"crypto"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"sort"

	"github.com/pjbgf/sha1cd"
)

// Kind identifies which digest algorithm an ObjectID was produced with.
// A repository picks exactly one Kind; the design leaves room for a second
// one so both can be decoded side by side during a transition.
type Kind uint8

const (
	// SHA1 is the default, and currently only, object format most
	// repositories use.
	SHA1 Kind = iota
	// SHA256 is an alternate object format a repository may opt into.
	SHA256
)

const (
	SHA1Size     = 20
	SHA1HexSize  = SHA1Size * 2
	SHA256Size   = 32
	SHA256HexSize = SHA256Size * 2

	// maxSize is the width of the backing array for ObjectID; large enough
	// to hold either supported digest without an allocation.
	maxSize = SHA256Size
)

// Size returns the number of raw bytes a digest of this Kind occupies.
func (k Kind) Size() int {
	if k == SHA256 {
		return SHA256Size
	}
	return SHA1Size
}

// HexSize returns the number of hex nibbles a digest of this Kind occupies.
func (k Kind) HexSize() int {
	return k.Size() * 2
}

func (k Kind) String() string {
	if k == SHA256 {
		return "sha256"
	}
	return "sha1"
}

// newHash constructs the underlying hash.Hash implementation for a Kind.
// SHA-1 goes through sha1cd, a collision-detecting implementation, rather
// than crypto/sha1: a maliciously crafted object pair that collides under
// plain SHA-1 must not be able to silently shadow one another in the ODB.
func newHash(k Kind) hash.Hash {
	if k == SHA256 {
		return crypto.SHA256.New()
	}
	return sha1cd.New()
}

// ZeroHash is the well-known all-zero ObjectID used as a "not yet computed"
// or "doesn't matter" sentinel (e.g. the previous value a reflog records
// for a newly created ref).
var ZeroHash ObjectID

// ObjectID is an owned, fixed-width content hash. The zero value is the
// SHA-1 zero hash.
type ObjectID struct {
	size int
	kind Kind
	b    [maxSize]byte
}

// ErrInvalidHexLength is returned when a hex string does not match the
// length of either supported hash kind.
var ErrInvalidHexLength = errors.New("hash: invalid hex length")

// FromHex parses a hexadecimal string into an ObjectID. The Kind is inferred
// from the string's length: any length other than SHA1HexSize or
// SHA256HexSize is rejected, and any byte outside [0-9a-f] is rejected.
func FromHex(s string) (ObjectID, error) {
	var id ObjectID
	switch len(s) {
	case SHA1HexSize:
		id.kind = SHA1
		id.size = SHA1Size
	case SHA256HexSize:
		id.kind = SHA256
		id.size = SHA256Size
	default:
		return ObjectID{}, ErrInvalidHexLength
	}
	for _, c := range []byte(s) {
		if !isLowerHex(c) {
			return ObjectID{}, fmt.Errorf("hash: invalid hex digit %q", c)
		}
	}
	if _, err := hex.Decode(id.b[:id.size], []byte(s)); err != nil {
		return ObjectID{}, err
	}
	return id, nil
}

func isLowerHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
}

// FromBytes builds an ObjectID from raw digest bytes. The Kind is inferred
// from the slice length.
func FromBytes(b []byte) (ObjectID, error) {
	var id ObjectID
	switch len(b) {
	case SHA1Size:
		id.kind = SHA1
		id.size = SHA1Size
	case SHA256Size:
		id.kind = SHA256
		id.size = SHA256Size
	default:
		return ObjectID{}, fmt.Errorf("hash: invalid byte length %d", len(b))
	}
	copy(id.b[:id.size], b)
	return id, nil
}

// Zero returns the zero-value ObjectID for the given Kind.
func Zero(k Kind) ObjectID {
	id := ObjectID{kind: k, size: k.Size()}
	return id
}

// Kind reports which digest algorithm produced this ObjectID.
func (id ObjectID) Kind() Kind { return id.kind }

// Size returns the number of raw digest bytes.
func (id ObjectID) Size() int {
	if id.size == 0 {
		return SHA1Size
	}
	return id.size
}

// Bytes returns the raw digest bytes. The returned slice aliases the
// ObjectID's internal storage and must not be mutated.
func (id ObjectID) Bytes() []byte { return id.b[:id.Size()] }

// IsZero reports whether this is the all-zero sentinel value.
func (id ObjectID) IsZero() bool {
	for _, c := range id.Bytes() {
		if c != 0 {
			return false
		}
	}
	return true
}

// String returns the lower-case hexadecimal representation.
func (id ObjectID) String() string {
	return hex.EncodeToString(id.Bytes())
}

// Compare orders two ObjectIDs of the same Kind lexicographically over their
// raw bytes. ObjectIDs of differing Kind compare by Kind first.
func (id ObjectID) Compare(other ObjectID) int {
	if id.kind != other.kind {
		if id.kind < other.kind {
			return -1
		}
		return 1
	}
	return bytes.Compare(id.Bytes(), other.Bytes())
}

// Equal reports whether two ObjectIDs have the same Kind and digest.
func (id ObjectID) Equal(other ObjectID) bool {
	return id.kind == other.kind && bytes.Equal(id.Bytes(), other.Bytes())
}

// AsOID returns a borrowed view over this ObjectID's bytes.
func (id ObjectID) AsOID() OID {
	return OID{b: id.Bytes(), kind: id.kind}
}

// OID is a borrowed, read-only view over digest bytes, e.g. a slice into a
// pack index's name table. It never copies the bytes it was constructed
// from.
type OID struct {
	b    []byte
	kind Kind
}

// NewOID wraps a byte slice as a borrowed OID without copying it. The slice
// must remain valid and unmodified for the lifetime of the OID.
func NewOID(b []byte, k Kind) OID {
	return OID{b: b, kind: k}
}

func (o OID) Kind() Kind    { return o.kind }
func (o OID) Bytes() []byte { return o.b }
func (o OID) String() string {
	return hex.EncodeToString(o.b)
}

// ToOwned copies the borrowed bytes into a new ObjectID.
func (o OID) ToOwned() ObjectID {
	id, _ := FromBytes(o.b)
	return id
}

func (o OID) Equal(other OID) bool {
	return o.kind == other.kind && bytes.Equal(o.b, other.b)
}

// HashSlice sorts ObjectIDs in increasing order.
type HashSlice []ObjectID

func (s HashSlice) Len() int           { return len(s) }
func (s HashSlice) Less(i, j int) bool { return s[i].Compare(s[j]) < 0 }
func (s HashSlice) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// HashesSort sorts a slice of ObjectIDs in increasing order.
func HashesSort(s []ObjectID) {
	sort.Sort(HashSlice(s))
}

// RawHasher computes a plain digest with no loose-object header framing,
// used for pack and index trailer checksums rather than object ids.
type RawHasher struct {
	h hash.Hash
}

// NewRawHasher constructs a RawHasher for the given Kind.
func NewRawHasher(k Kind) RawHasher {
	return RawHasher{h: newHash(k)}
}

func (r RawHasher) Write(p []byte) (int, error) { return r.h.Write(p) }

// Sum returns the accumulated digest as an ObjectID.
func (r RawHasher) Sum() ObjectID {
	sum := r.h.Sum(nil)
	id, err := FromBytes(sum)
	if err != nil {
		panic("hash: unreachable: unsupported digest size " + err.Error())
	}
	return id
}
