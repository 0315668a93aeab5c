package odb

import (
	"sync"
	"sync/atomic"

	"github.com/go-git/go-billy/v5"

	"github.com/relvacode/gitodb/hash"
	"github.com/relvacode/gitodb/odb/idx"
	"github.com/relvacode/gitodb/odb/midx"
	"github.com/relvacode/gitodb/odb/pack"
)

// SlotState is one cell's load state within a generation (§3 Slot).
type SlotState int8

const (
	// Unloaded has been discovered on disk but not yet opened.
	Unloaded SlotState = iota
	// Loaded holds live, usable handles.
	Loaded
	// Garbage was loaded, is now missing on disk, but is kept alive
	// because some handle demanded pack-id stability over it.
	Garbage
	// Missing is terminal for this generation: absent on disk and no
	// handle requires it be kept.
	Missing
)

func (s SlotState) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loaded:
		return "loaded"
	case Garbage:
		return "garbage"
	case Missing:
		return "missing"
	default:
		return "invalid"
	}
}

// slotKind distinguishes a single-pack bundle from a multi-pack bundle.
type slotKind int8

const (
	singlePackSlot slotKind = iota
	multiPackSlot
)

// singlePackBundle is a slot's resources when it addresses one pack
// directly through its own .idx file.
type singlePackBundle struct {
	idx  *idx.Index
	pack *pack.Pack
}

// multiPackBundle is a slot's resources when it addresses several packs
// through one .midx file; packs are opened lazily, one per constituent
// name, keyed by pack-local-id (index into midx.PackNames()).
type multiPackBundle struct {
	midx  *midx.Index
	mu    sync.Mutex
	packs []*pack.Pack // lazily populated, same length as midx.PackNames()
}

// slotResources is the atomically-swapped payload of a Loaded slot.
type slotResources struct {
	kind   slotKind
	single *singlePackBundle
	multi  *multiPackBundle
}

// Slot is one addressable cell in the Store's index table. Content is
// published via atomic.Pointer so readers never block on the per-slot
// mutex once a value has been loaded; the mutex guards only the
// load/unload transition itself.
type Slot struct {
	mu    sync.Mutex
	state SlotState
	kind  slotKind

	// fs is the filesystem this slot's files live under: the repository's
	// own fs for the primary objects directory, or an alternate's fs
	// opened via the Store's fsFactory.
	fs       billy.Filesystem
	hashKind hash.Kind

	// on-disk identity, used by refresh to decide whether an existing
	// slot can be preserved across generations.
	path  string
	size  int64
	mtime int64
	// for a multi-pack slot, path is the .midx path; for a single-pack
	// slot, path is the .idx path and packPath its pack file.
	packPath string

	resources atomic.Pointer[slotResources]

	// stabilityRefs counts handles in KeepDeletedPacksAvailable mode that
	// have observed this slot Loaded; while > 0, a rediscovered-missing
	// transition goes to Garbage instead of Missing.
	stabilityRefs int32
}

func (s *Slot) State() SlotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Slot) addStabilityRef() {
	atomic.AddInt32(&s.stabilityRefs, 1)
}

func (s *Slot) dropStabilityRef() {
	if atomic.AddInt32(&s.stabilityRefs, -1) == 0 {
		s.mu.Lock()
		if s.state == Garbage {
			s.state = Missing
			s.resources.Store(nil)
		}
		s.mu.Unlock()
	}
}

func (s *Slot) hasStabilityRefs() bool {
	return atomic.LoadInt32(&s.stabilityRefs) > 0
}

func (s *Slot) kind2Hash() hash.Kind {
	return s.hashKind
}
