package odb

import "github.com/relvacode/gitodb/odb/object"

// noPackLocalID marks a PackId addressing a single-pack slot directly,
// rather than a pack reached through a multi-pack index.
const noPackLocalID = -1

// PackId is the public identifier for a pack entry path: a slot index,
// plus an optional pack-local-id within that slot's multi-pack index. It
// is only valid in the Generation that produced it; a Store asked to
// resolve a PackId from a superseded generation returns a stale result
// rather than silently mis-resolving (§4.1, §4.4).
type PackId struct {
	SlotIndex   int
	PackLocalID int // noPackLocalID for a single-pack slot
	Generation  uint64
}

// InMIDX reports whether this PackId addresses a pack reached through a
// slot's multi-pack index rather than the slot's single pack directly.
func (p PackId) InMIDX() bool { return p.PackLocalID != noPackLocalID }

// Location is an opaque fast-path position for a previously resolved
// object: which pack, what offset, and the index's recorded CRC32. It is
// stable only within the generation that produced it.
type Location struct {
	Pack   PackId
	Offset int64
	CRC32  uint32
}

// Entry is a decoded object addressed via a Location (§4.4
// entry_by_location).
type Entry struct {
	Kind object.Kind
	Data []byte
}
