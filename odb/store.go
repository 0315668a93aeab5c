// Package odb implements the generation-scoped slot map that dispenses
// validated pack handles by PackId, the narrow object-lookup interface built
// on top of it, and the loose+packed resolution used by Handle.
package odb

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/relvacode/gitodb/hash"
	"github.com/relvacode/gitodb/odb/idx"
	"github.com/relvacode/gitodb/odb/loose"
	"github.com/relvacode/gitodb/odb/midx"
	"github.com/relvacode/gitodb/odb/pack"
)

const packSubdir = "objects/pack"

// Store owns the slot map for one repository's objects directory plus any
// alternates it transitively names. It performs no I/O until the first
// Refresh, matching the spec's "open defers I/O" contract (§4.1 open).
type Store struct {
	fs     billy.Filesystem // rooted at the primary repository's git dir
	gitDir string           // OS path of the same root, used for alternates resolution
	kind   hash.Kind
	opts   Options

	// fsFactory roots a billy.Filesystem at an arbitrary OS directory; used
	// to open an alternate's objects directory, which commonly lies
	// outside fs's own chroot boundary. Defaults to osfs.New, overridable
	// for tests.
	fsFactory func(path string) (billy.Filesystem, error)

	mu          sync.Mutex // serializes Refresh against itself
	initialized bool
	current     atomic.Pointer[SlotMapIndex]

	loadGroup singleflight.Group // de-duplicates concurrent slot loads

	numHandles    int64 // atomic
	stableHandles int64 // atomic
}

// Open returns a Store for the repository rooted at fs (a billy.Filesystem
// whose root is the git directory, i.e. fs.Join(root, "objects") is where
// objects live, the same convention loose.Store and refs.LooseStore use).
// gitDir is fs's equivalent OS path, needed to resolve alternates that name
// paths outside fs's own chroot. No I/O happens until the first Refresh.
func Open(fs billy.Filesystem, gitDir string, opts Options) (*Store, error) {
	merged, err := mergeOptions(opts)
	if err != nil {
		return nil, err
	}
	s := &Store{
		fs:        fs,
		gitDir:    gitDir,
		kind:      merged.Kind,
		opts:      merged,
		fsFactory: defaultFSFactory,
	}
	s.current.Store(&SlotMapIndex{})
	return s, nil
}

func defaultFSFactory(path string) (billy.Filesystem, error) {
	return osfs.New(path), nil
}

// Handle returns a new Handle over this Store's current (and future)
// snapshots, in the given refresh/stability mode (§4.1 to_handle).
func (s *Store) Handle(opts HandleOptions) (*Handle, error) {
	merged, err := mergeHandleOptions(opts)
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&s.numHandles, 1)
	if merged.Stability == KeepDeletedPacksAvailable {
		atomic.AddInt64(&s.stableHandles, 1)
	}
	return &Handle{
		store:   s,
		refresh: merged.Refresh,
		stable:  merged.Stability == KeepDeletedPacksAvailable,
		caches:  pack.NewCaches(s.opts.ObjectCacheEntries, s.opts.DeltaBaseCacheEntries),
	}, nil
}

func (s *Store) releaseHandle(h *Handle) {
	atomic.AddInt64(&s.numHandles, -1)
	if h.stable {
		atomic.AddInt64(&s.stableHandles, -1)
		h.forEachTouchedSlot(func(sl *Slot) { sl.dropStabilityRef() })
	}
}

// LoadIndices implements the §4.1 decision table: given the caller's last
// observed marker, returns either Replace (adopt the returned snapshot,
// discard cached PackIds) or NoMoreIndices (nothing changed).
func (s *Store) LoadIndices(mark *Marker, refreshMode RefreshMode) (Outcome, error) {
	current := s.current.Load()

	if mark == nil {
		// A caller with no prior marker has never seen this Store's state:
		// "collect current state" means actually scanning disk, not handing
		// back whatever placeholder happens to be published.
		outcome, err := s.Refresh()
		if err != nil || outcome.Kind == OutcomeReplace {
			return outcome, err
		}
		// nothing changed on disk, but this caller has no snapshot to keep
		current = s.current.Load()
		return Outcome{Kind: OutcomeReplace, Index: current, Mark: current.Mark()}, nil
	}
	if mark.Generation != current.Generation() {
		return Outcome{Kind: OutcomeReplace, Index: current, Mark: current.Mark()}, nil
	}
	if mark.StateID == current.StateID() {
		if refreshMode == RefreshNever {
			return Outcome{Kind: OutcomeNoMoreIndices, Mark: *mark}, nil
		}
		return s.Refresh()
	}
	// state_id advanced under us: concurrent loaders made progress, adopt
	// the current snapshot without forcing a fresh disk scan.
	return Outcome{Kind: OutcomeReplace, Index: current, Mark: current.Mark()}, nil
}

// descriptor is one discovered on-disk index file (single-pack .idx or
// multi-pack .midx), paired with the filesystem it was found under.
type descriptor struct {
	kind     slotKind
	fs       billy.Filesystem
	hashKind hash.Kind
	identity string
	idxPath  string
	packPath string // single-pack only
	size     int64
	mtime    int64
}

// Refresh re-enumerates the primary objects directory and every alternate,
// keeping the existing *Slot wherever (path, size, mtime) is unchanged. Any
// difference from the current slot map (an index file added, replaced or
// removed) promotes a new generation, also when every existing slot could
// have kept its index (§4.1 refresh). The very first call always publishes
// generation 0, whether or not any pack exists yet.
func (s *Store) Refresh() (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.current.Load()

	descs, looseDBs, err := s.scanAll()
	if err != nil {
		return Outcome{}, err
	}

	oldByIdentity := make(map[string]*Slot, len(current.slots))
	for _, sl := range current.slots {
		oldByIdentity[sl.identity()] = sl
	}

	changed := false
	seen := make(map[string]bool, len(descs))
	newSlots := make([]*Slot, len(descs))
	for i, d := range descs {
		seen[d.identity] = true
		if old, ok := oldByIdentity[d.identity]; ok && old.size == d.size && old.mtime == d.mtime {
			newSlots[i] = old
			continue
		}
		changed = true
		newSlots[i] = newSlotFromDescriptor(d)
	}
	for identity, sl := range oldByIdentity {
		if !seen[identity] {
			changed = true
			s.retireSlot(sl)
		}
	}

	if s.initialized && !changed {
		return Outcome{Kind: OutcomeNoMoreIndices, Mark: current.Mark()}, nil
	}

	next := &SlotMapIndex{
		generation: current.Generation(),
		slots:      newSlots,
		looseDBs:   looseDBs,
	}
	if s.initialized {
		next.generation = current.Generation() + 1
	}
	s.initialized = true
	s.current.Store(next)
	return Outcome{Kind: OutcomeReplace, Index: next, Mark: next.Mark()}, nil
}

func newSlotFromDescriptor(d descriptor) *Slot {
	return &Slot{
		state:    Unloaded,
		kind:     d.kind,
		fs:       d.fs,
		hashKind: d.hashKind,
		path:     d.idxPath,
		packPath: d.packPath,
		size:     d.size,
		mtime:    d.mtime,
	}
}

func (sl *Slot) identity() string {
	return sl.path + "|" + sl.packPath
}

// retireSlot transitions a slot whose backing file has disappeared from
// disk: Garbage if some handle still demands stability over it, Missing
// otherwise (§4.1 state machine).
func (s *Store) retireSlot(sl *Slot) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.state == Loaded {
		if sl.hasStabilityRefs() {
			sl.state = Garbage
		} else {
			sl.state = Missing
			sl.resources.Store(nil)
		}
	}
}

func (s *Store) scanAll() ([]descriptor, []*loose.Store, error) {
	var descs []descriptor
	var looseDBs []*loose.Store

	primaryDescs, primaryLoose, err := scanObjectsDir(s.fs, "<repo>", s.kind)
	if err != nil {
		return nil, nil, err
	}
	descs = append(descs, primaryDescs...)
	looseDBs = append(looseDBs, primaryLoose)

	altDirs, err := resolveAlternates(s.fs, s.gitDir)
	if err != nil {
		return nil, nil, err
	}

	// alternates are scanned concurrently, each into its own cell, and
	// appended afterwards in resolveAlternates' order
	altDescs := make([][]descriptor, len(altDirs))
	altLoose := make([]*loose.Store, len(altDirs))
	g := new(errgroup.Group)
	for i, objectsDir := range altDirs {
		i, objectsDir := i, objectsDir
		g.Go(func() error {
			altGitDir := filepath.Dir(objectsDir)
			altFS, err := s.fsFactory(altGitDir)
			if err != nil {
				return fmt.Errorf("odb: opening alternate %s: %w", objectsDir, err)
			}
			d, ls, err := scanObjectsDir(altFS, objectsDir, s.kind)
			if err != nil {
				return err
			}
			altDescs[i], altLoose[i] = d, ls
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	for i := range altDirs {
		descs = append(descs, altDescs[i]...)
		looseDBs = append(looseDBs, altLoose[i])
	}
	return descs, looseDBs, nil
}

// scanObjectsDir lists the .midx and .idx files under fs's objects/pack
// directory, preferring a .midx over the individual .idx files of any pack
// it already covers, and returns the loose.Store rooted at the same fs.
func scanObjectsDir(fs billy.Filesystem, label string, k hash.Kind) ([]descriptor, *loose.Store, error) {
	looseStore := loose.NewStore(fs, k)

	entries, err := fs.ReadDir(packSubdir)
	if err != nil {
		if isNotExist(err) {
			return nil, looseStore, nil
		}
		return nil, nil, err
	}

	var midxDescs []descriptor
	covered := map[string]bool{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".midx") {
			continue
		}
		full := fs.Join(packSubdir, e.Name())
		names, err := readMidxPackNames(fs, full, e.Size(), k)
		if err != nil {
			continue
		}
		for _, n := range names {
			covered[n] = true
		}
		midxDescs = append(midxDescs, descriptor{
			kind:     multiPackSlot,
			fs:       fs,
			hashKind: k,
			identity: label + ":" + full,
			idxPath:  full,
			size:     e.Size(),
			mtime:    e.ModTime().Unix(),
		})
	}

	var idxDescs []descriptor
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".idx") {
			continue
		}
		packName := strings.TrimSuffix(e.Name(), ".idx") + ".pack"
		if covered[packName] {
			continue
		}
		full := fs.Join(packSubdir, e.Name())
		packFull := fs.Join(packSubdir, packName)
		idxDescs = append(idxDescs, descriptor{
			kind:     singlePackSlot,
			fs:       fs,
			hashKind: k,
			identity: label + ":" + full,
			idxPath:  full,
			packPath: packFull,
			size:     e.Size(),
			mtime:    e.ModTime().Unix(),
		})
	}

	return append(midxDescs, idxDescs...), looseStore, nil
}

func readMidxPackNames(fs billy.Filesystem, path string, size int64, k hash.Kind) ([]string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := midx.Open(f, size, k)
	if err != nil {
		return nil, err
	}
	return m.PackNames(), nil
}

// Metrics is a best-effort, unsynchronized snapshot (§4.1 metrics).
type Metrics struct {
	NumHandles  int64
	OpenIndices int
	OpenPacks   int
}

func (s *Store) Metrics() Metrics {
	current := s.current.Load()
	m := Metrics{NumHandles: atomic.LoadInt64(&s.numHandles)}
	for _, sl := range current.Slots() {
		if sl.State() != Loaded {
			continue
		}
		m.OpenIndices++
		if res := sl.resources.Load(); res != nil {
			switch res.kind {
			case singlePackSlot:
				m.OpenPacks++
			case multiPackSlot:
				for _, p := range res.multi.packs {
					if p != nil {
						m.OpenPacks++
					}
				}
			}
		}
	}
	return m
}

// MayUnloadPacks reports whether no handle currently demands pack-id
// stability, i.e. it is safe to reclaim Garbage slots (§4.1 may_unload_packs).
func (s *Store) MayUnloadPacks() bool {
	return atomic.LoadInt64(&s.stableHandles) == 0
}

// loadSlot returns sl's resources, opening them from disk on first use.
// Concurrent callers for the same slot are de-duplicated through the
// Store's singleflight group; the slot's own mutex guards only the
// load/unload transition, so an already-Loaded slot is read lock-free via
// its atomically-swapped resources pointer (§4.1 load_pack re-entry note).
func (s *Store) loadSlot(sl *Slot, stable bool) (*slotResources, error) {
	if res := sl.resources.Load(); res != nil {
		if stable {
			sl.addStabilityRef()
		}
		return res, nil
	}

	v, err, _ := s.loadGroup.Do(sl.identity(), func() (interface{}, error) {
		sl.mu.Lock()
		defer sl.mu.Unlock()

		if res := sl.resources.Load(); res != nil {
			return res, nil
		}
		if sl.state == Missing {
			return (*slotResources)(nil), nil
		}

		res, err := openSlot(sl)
		if err != nil {
			if isNotExist(err) {
				sl.state = Missing
				return (*slotResources)(nil), nil
			}
			return nil, err
		}
		sl.state = Loaded
		sl.resources.Store(res)
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	res, _ := v.(*slotResources)
	if res != nil && stable {
		sl.addStabilityRef()
	}
	return res, nil
}

// openSlot opens the index (and, for a single-pack slot, the pack) file(s)
// a slot names. The returned billy.File handles are kept open for the
// lifetime of the slotResources: idx.Index, pack.Pack, and midx.Index all
// read lazily through ReaderAt rather than streaming up front.
func openSlot(sl *Slot) (*slotResources, error) {
	idxFile, err := sl.fs.Open(sl.path)
	if err != nil {
		return nil, err
	}

	switch sl.kind {
	case singlePackSlot:
		i, err := idx.Open(idxFile, sl.size, sl.kind2Hash())
		if err != nil {
			idxFile.Close()
			return nil, err
		}
		packFile, err := sl.fs.Open(sl.packPath)
		if err != nil {
			idxFile.Close()
			return nil, err
		}
		fi, err := sl.fs.Stat(sl.packPath)
		if err != nil {
			idxFile.Close()
			packFile.Close()
			return nil, err
		}
		p, err := pack.Open(packFile, fi.Size(), sl.kind2Hash())
		if err != nil {
			idxFile.Close()
			packFile.Close()
			return nil, err
		}
		packSum, err := p.TrailerChecksum()
		if err != nil {
			idxFile.Close()
			packFile.Close()
			return nil, err
		}
		if !packSum.Equal(i.PackChecksum) {
			idxFile.Close()
			packFile.Close()
			return nil, fmt.Errorf("%w: index pack-checksum does not match %s", idx.ErrCorruptIndex, sl.packPath)
		}
		return &slotResources{kind: singlePackSlot, single: &singlePackBundle{idx: i, pack: p}}, nil
	default:
		m, err := midx.Open(idxFile, sl.size, sl.kind2Hash())
		if err != nil {
			idxFile.Close()
			return nil, err
		}
		return &slotResources{kind: multiPackSlot, multi: &multiPackBundle{midx: m, packs: make([]*pack.Pack, len(m.PackNames()))}}, nil
	}
}

// openMidxPack lazily opens the constituent pack at localID within a
// multi-pack bundle, caching the *pack.Pack for subsequent lookups against
// the same slot.
func openMidxPack(sl *Slot, bundle *multiPackBundle, localID int) (*pack.Pack, error) {
	bundle.mu.Lock()
	defer bundle.mu.Unlock()
	if bundle.packs[localID] != nil {
		return bundle.packs[localID], nil
	}
	name := bundle.midx.PackNames()[localID]
	path := sl.fs.Join(packSubdir, name)
	f, err := sl.fs.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := sl.fs.Stat(path)
	if err != nil {
		f.Close()
		return nil, err
	}
	p, err := pack.Open(f, fi.Size(), sl.kind2Hash())
	if err != nil {
		f.Close()
		return nil, err
	}
	bundle.packs[localID] = p
	return p, nil
}

// packCacheID derives a stable int64 cache key for pack.Resolve from a
// PackId's slot index and optional pack-local-id.
func packCacheID(pid PackId) int64 {
	return int64(pid.SlotIndex)<<32 | int64(pid.PackLocalID+1)
}
