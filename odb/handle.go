package odb

import (
	"errors"
	"fmt"
	"sync"

	"github.com/relvacode/gitodb/hash"
	"github.com/relvacode/gitodb/odb/idx"
	"github.com/relvacode/gitodb/odb/midx"
	"github.com/relvacode/gitodb/odb/object"
	"github.com/relvacode/gitodb/odb/pack"
)

// ErrAmbiguous is returned by LookupPrefix when more than one object
// matches the given prefix.
var ErrAmbiguous = fmt.Errorf("odb: ambiguous prefix")

// Handle is the narrow object-lookup waist (§4.4): find by full id, find
// just the header, resolve a short prefix, and re-enter a previously
// resolved Location. A Handle pins the Store's pack handles it touches for
// its own lifetime when opened in KeepDeletedPacksAvailable mode.
type Handle struct {
	store   *Store
	refresh RefreshMode
	stable  bool
	caches  *pack.Caches

	mu      sync.Mutex
	idx     *SlotMapIndex
	mark    *Marker
	touched map[*Slot]bool
}

// Close releases this handle's stability hold, if any, on every slot it
// touched.
func (h *Handle) Close() error {
	h.store.releaseHandle(h)
	return nil
}

func (h *Handle) forEachTouchedSlot(f func(*Slot)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sl := range h.touched {
		f(sl)
	}
}

func (h *Handle) markTouched(sl *Slot) {
	if !h.stable {
		return
	}
	h.mu.Lock()
	if h.touched == nil {
		h.touched = make(map[*Slot]bool)
	}
	already := h.touched[sl]
	h.touched[sl] = true
	h.mu.Unlock()
	if already {
		// Store.loadSlot took a stability ref for this call as well; the
		// handle keeps only the one it took on first touch
		sl.dropStabilityRef()
	}
}

// ensureIndices loads (or refreshes) this handle's view of the slot map,
// per the §4.1 load_indices decision table.
func (h *Handle) ensureIndices() error {
	outcome, err := h.store.LoadIndices(h.mark, h.refresh)
	if err != nil {
		return err
	}
	if outcome.Kind == OutcomeReplace {
		h.idx = outcome.Index
	}
	mark := outcome.Mark
	h.mark = &mark
	return nil
}

func (h *Handle) loadSlot(sl *Slot) (*slotResources, error) {
	res, err := h.store.loadSlot(sl, h.stable)
	if err != nil {
		return nil, err
	}
	if res != nil {
		h.markTouched(sl)
	}
	return res, nil
}

// TryFind resolves oid to its object kind and decoded payload, plus a
// re-entrant Location when it came from a pack (§4.4 try_find).
func (h *Handle) TryFind(oid hash.ObjectID) (object.Kind, []byte, *Location, error) {
	if err := h.ensureIndices(); err != nil {
		return object.InvalidKind, nil, nil, err
	}

	for _, attempt := range [2]bool{false, true} {
		for _, ldb := range h.idx.LooseDBs() {
			kind, data, err := ldb.TryFind(oid)
			if err != nil {
				return object.InvalidKind, nil, nil, err
			}
			if data != nil {
				return kind, data, nil, nil
			}
		}

		for slotIndex, sl := range h.idx.Slots() {
			kind, data, loc, err := h.tryFindInSlot(slotIndex, sl, oid)
			if err != nil {
				return object.InvalidKind, nil, nil, err
			}
			if data != nil {
				return kind, data, loc, nil
			}
		}

		if attempt {
			break
		}
		// Not found anywhere in this snapshot: give the slot map one
		// chance to pick up packs written concurrently with this lookup
		// (mirrors Git's retry-after-reload behavior for a fresh push).
		// ensureIndices re-evaluates the §4.1 decision table against this
		// handle's own refresh mode; RefreshNever handles simply retry
		// against the same snapshot and find nothing new.
		if err := h.ensureIndices(); err != nil {
			return object.InvalidKind, nil, nil, err
		}
	}
	return object.InvalidKind, nil, nil, nil
}

func (h *Handle) tryFindInSlot(slotIndex int, sl *Slot, oid hash.ObjectID) (object.Kind, []byte, *Location, error) {
	res, err := h.loadSlot(sl)
	if err != nil {
		return object.InvalidKind, nil, nil, err
	}
	if res == nil {
		return object.InvalidKind, nil, nil, nil
	}

	switch res.kind {
	case singlePackSlot:
		entry, err := res.single.idx.Find(oid)
		if err != nil {
			if errors.Is(err, idx.ErrNotFound) {
				return object.InvalidKind, nil, nil, nil
			}
			return object.InvalidKind, nil, nil, err
		}
		pid := PackId{SlotIndex: slotIndex, PackLocalID: noPackLocalID, Generation: h.idx.Generation()}
		decoded, err := res.single.pack.Resolve(packCacheID(pid), int64(entry.Offset), h.caches, h.samePackBaseLookup(res.single.pack))
		if err != nil {
			return object.InvalidKind, nil, nil, err
		}
		loc := &Location{Pack: pid, Offset: int64(entry.Offset), CRC32: entry.CRC32}
		return decoded.Kind, decoded.Data, loc, nil

	default:
		entry, err := res.multi.midx.Find(oid)
		if err != nil {
			if errors.Is(err, midx.ErrNotFound) {
				return object.InvalidKind, nil, nil, nil
			}
			return object.InvalidKind, nil, nil, err
		}
		p, err := openMidxPack(sl, res.multi, entry.PackIndex)
		if err != nil {
			return object.InvalidKind, nil, nil, err
		}
		pid := PackId{SlotIndex: slotIndex, PackLocalID: entry.PackIndex, Generation: h.idx.Generation()}
		decoded, err := p.Resolve(packCacheID(pid), int64(entry.Offset), h.caches, h.midxBaseLookup(sl, res.multi, slotIndex))
		if err != nil {
			return object.InvalidKind, nil, nil, err
		}
		// the multi-pack index chunk table carries no CRC32 column; CRC
		// verification for a midx-resolved entry is left to the
		// constituent pack's own checksum, matching Git's MIDX format.
		loc := &Location{Pack: pid, Offset: int64(entry.Offset)}
		return decoded.Kind, decoded.Data, loc, nil
	}
}

// samePackBaseLookup resolves a REF-delta base within the same single pack:
// go-git's packfile parser only ever needs this case for a standalone
// .pack+.idx pair, since a REF-delta base not present in the pack itself
// would make the pack invalid on its own.
func (h *Handle) samePackBaseLookup(p *pack.Pack) func(hash.ObjectID) (*pack.Pack, int64, int64, error) {
	return func(base hash.ObjectID) (*pack.Pack, int64, int64, error) {
		for slotIndex, sl := range h.idx.Slots() {
			res := sl.resources.Load()
			if res == nil || res.kind != singlePackSlot || res.single.pack != p {
				continue
			}
			entry, err := res.single.idx.Find(base)
			if err != nil {
				return nil, 0, 0, fmt.Errorf("odb: ref-delta base %s: %w", base, err)
			}
			pid := PackId{SlotIndex: slotIndex, PackLocalID: noPackLocalID, Generation: h.idx.Generation()}
			return p, int64(entry.Offset), packCacheID(pid), nil
		}
		return nil, 0, 0, fmt.Errorf("odb: ref-delta base %s: pack not in this handle's snapshot", base)
	}
}

// midxBaseLookup resolves a REF-delta base across every pack covered by the
// same multi-pack index (§8 scenario S4). The returned packID identifies
// whichever constituent pack the base actually lives in, which may differ
// from the pack the delta entry itself was read from; Resolve's caches are
// keyed by (packID, offset), so reusing the wrong packID would silently
// cross-contaminate two unrelated packs' cache entries.
func (h *Handle) midxBaseLookup(sl *Slot, bundle *multiPackBundle, slotIndex int) func(hash.ObjectID) (*pack.Pack, int64, int64, error) {
	return func(base hash.ObjectID) (*pack.Pack, int64, int64, error) {
		entry, err := bundle.midx.Find(base)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("odb: ref-delta base %s: %w", base, err)
		}
		p, err := openMidxPack(sl, bundle, entry.PackIndex)
		if err != nil {
			return nil, 0, 0, err
		}
		pid := PackId{SlotIndex: slotIndex, PackLocalID: entry.PackIndex, Generation: h.idx.Generation()}
		return p, int64(entry.Offset), packCacheID(pid), nil
	}
}

// TryHeader resolves oid to its kind and final (post-delta) size without
// exposing the payload (§4.4 try_header).
func (h *Handle) TryHeader(oid hash.ObjectID) (object.Kind, int64, error) {
	kind, data, _, err := h.TryFind(oid)
	if err != nil || data == nil {
		return object.InvalidKind, 0, err
	}
	return kind, int64(len(data)), nil
}

// LookupPrefix resolves a short hex prefix to its unique full id. found is
// false if no object matches; err wraps ErrAmbiguous if more than one does,
// with candidatesOut (if non-nil) filled with every match (§4.4
// lookup_prefix).
func (h *Handle) LookupPrefix(p hash.Prefix, candidatesOut *[]hash.ObjectID) (hash.ObjectID, bool, error) {
	if err := h.ensureIndices(); err != nil {
		return hash.ObjectID{}, false, err
	}

	seen := map[hash.ObjectID]bool{}
	var matches []hash.ObjectID
	add := func(ids []hash.ObjectID) {
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				matches = append(matches, id)
			}
		}
	}

	for _, ldb := range h.idx.LooseDBs() {
		ids, err := ldb.FindPrefix(p)
		if err != nil {
			return hash.ObjectID{}, false, err
		}
		add(ids)
	}

	for _, sl := range h.idx.Slots() {
		res, err := h.loadSlot(sl)
		if err != nil {
			return hash.ObjectID{}, false, err
		}
		if res == nil {
			continue
		}
		switch res.kind {
		case singlePackSlot:
			entries, err := res.single.idx.FindPrefix(p)
			if err != nil {
				return hash.ObjectID{}, false, err
			}
			for _, e := range entries {
				add([]hash.ObjectID{e.ID})
			}
		default:
			entries, err := res.multi.midx.FindPrefix(p)
			if err != nil {
				return hash.ObjectID{}, false, err
			}
			for _, e := range entries {
				add([]hash.ObjectID{e.ID})
			}
		}
	}

	if candidatesOut != nil {
		*candidatesOut = matches
	}
	switch len(matches) {
	case 0:
		return hash.ObjectID{}, false, nil
	case 1:
		return matches[0], true, nil
	default:
		return hash.ObjectID{}, true, ErrAmbiguous
	}
}

// EntryByLocation re-resolves a previously returned Location, valid only
// within the generation that produced it (§4.4 entry_by_location).
func (h *Handle) EntryByLocation(loc Location) (*Entry, error) {
	if err := h.ensureIndices(); err != nil {
		return nil, err
	}
	if loc.Pack.Generation != h.idx.Generation() {
		return nil, nil
	}
	slots := h.idx.Slots()
	if loc.Pack.SlotIndex < 0 || loc.Pack.SlotIndex >= len(slots) {
		return nil, nil
	}
	sl := slots[loc.Pack.SlotIndex]
	res, err := h.loadSlot(sl)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}

	if !loc.Pack.InMIDX() {
		if res.kind != singlePackSlot {
			return nil, nil
		}
		decoded, err := res.single.pack.Resolve(packCacheID(loc.Pack), loc.Offset, h.caches, h.samePackBaseLookup(res.single.pack))
		if err != nil {
			return nil, err
		}
		return &Entry{Kind: decoded.Kind, Data: decoded.Data}, nil
	}

	if res.kind != multiPackSlot {
		return nil, nil
	}
	p, err := openMidxPack(sl, res.multi, loc.Pack.PackLocalID)
	if err != nil {
		return nil, err
	}
	decoded, err := p.Resolve(packCacheID(loc.Pack), loc.Offset, h.caches, h.midxBaseLookup(sl, res.multi, loc.Pack.SlotIndex))
	if err != nil {
		return nil, err
	}
	return &Entry{Kind: decoded.Kind, Data: decoded.Data}, nil
}
