package odb

import (
	"sync/atomic"

	"github.com/relvacode/gitodb/odb/loose"
)

// SlotMapIndex is an immutable-once-published snapshot of the Store's slot
// table: which slots exist, a monotonic generation counter, the loose
// object stores (repository plus alternates, in lookup order), and two
// shared counters for cooperative loading, described on the fields below
// (§3 SlotMapIndex).
type SlotMapIndex struct {
	generation uint64
	slots      []*Slot
	looseDBs   []*loose.Store

	// nextIndexToLoad is the dispense point advanced by dispenseNextIndex.
	// Store.LoadIndices and Handle do not call dispenseNextIndex; duplicate
	// loads of one slot are collapsed by Store.loadSlot's singleflight group.
	nextIndexToLoad int64
	// loadedIndices is the count StateID reports, advanced only by
	// markIndexLoaded. Store.loadSlot does not call markIndexLoaded, so the
	// count stays 0 whether or not slots have been loaded.
	loadedIndices int64
}

// Generation returns this snapshot's generation counter.
func (s *SlotMapIndex) Generation() uint64 { return s.generation }

// Slots returns the snapshot's slot table. The slice itself is immutable;
// individual Slot values carry their own atomically-swapped resources.
func (s *SlotMapIndex) Slots() []*Slot { return s.slots }

// LooseDBs returns the loose object stores this snapshot resolved, in
// lookup order (repository first, then alternates depth-first).
func (s *SlotMapIndex) LooseDBs() []*loose.Store { return s.looseDBs }

// StateID returns the snapshot's loaded-indices count. As nothing advances
// that count (see loadedIndices), StateID is 0 for every snapshot, and two
// markers from the same generation always carry the same StateID.
func (s *SlotMapIndex) StateID() uint64 {
	return uint64(atomic.LoadInt64(&s.loadedIndices))
}

// Mark captures this snapshot's current identity as a Marker.
func (s *SlotMapIndex) Mark() Marker {
	return Marker{Generation: s.generation, StateID: s.StateID()}
}

// dispenseNextIndex hands out the next not-yet-dispensed slot index for
// cooperative loading, or -1 once every slot has been dispensed.
func (s *SlotMapIndex) dispenseNextIndex() int {
	n := atomic.AddInt64(&s.nextIndexToLoad, 1) - 1
	if int(n) >= len(s.slots) {
		return -1
	}
	return int(n)
}

func (s *SlotMapIndex) markIndexLoaded() {
	atomic.AddInt64(&s.loadedIndices, 1)
}
