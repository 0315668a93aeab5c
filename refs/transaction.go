package refs

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"

	"github.com/relvacode/gitodb/hash"
)

// Error classes the transaction engine distinguishes, per the spec's error
// taxonomy (§4.8).
var (
	ErrLockAcquire              = errors.New("refs: could not acquire lock")
	ErrLockCommit               = errors.New("refs: could not commit lock")
	ErrMustExist                = errors.New("refs: reference must exist")
	ErrMustNotExist             = errors.New("refs: reference must not exist")
	ErrReferenceOutOfDate       = errors.New("refs: reference is out of date")
	ErrDeleteReferenceMustExist = errors.New("refs: reference for deletion did not exist")
	ErrPreprocessingFailed      = errors.New("refs: preprocessing failed")
)

// PackedRefsMode selects how the packed-refs integration stage treats
// non-symbolic updates alongside deletions.
type PackedRefsMode int8

const (
	// PackedRefsDeletionsOnly applies only deletions to packed-refs.
	PackedRefsDeletionsOnly PackedRefsMode = iota
	// PackedRefsDeletionsAndNonSymbolicUpdates additionally unions in
	// updated peeled refs.
	PackedRefsDeletionsAndNonSymbolicUpdates
	// PackedRefsDeletionsAndNonSymbolicUpdatesRemoveLooseSource is the
	// above, plus removing the loose source file after the packed commit.
	PackedRefsDeletionsAndNonSymbolicUpdatesRemoveLooseSource
)

// ReflogWriteMode selects which refs get reflog entries by default.
type ReflogWriteMode int8

const (
	ReflogDisable ReflogWriteMode = iota
	ReflogNormal
	ReflogAlways
)

// normalReflogPrefixes are the namespaces ReflogNormal writes for, beyond
// the HEAD pseudo-ref.
var normalReflogPrefixes = []string{"refs/heads/", "refs/remotes/", "refs/notes/"}

func shouldWriteReflog(mode ReflogWriteMode, name FullName, force bool) bool {
	if force {
		return true
	}
	switch mode {
	case ReflogDisable:
		return false
	case ReflogAlways:
		return true
	default:
		if string(name) == "HEAD" {
			return true
		}
		for _, p := range normalReflogPrefixes {
			if strings.HasPrefix(string(name), p) {
				return true
			}
		}
		return false
	}
}

// Store ties together the loose and packed-refs views and the policies the
// transaction engine consults.
type Store struct {
	Loose       *LooseStore
	PackedPath  string
	Kind        hash.Kind
	ReflogMode  ReflogWriteMode
	PackedMode  PackedRefsMode
	Signature   func() (name, email string) // committer identity for reflog lines
}

// lockedEdit is one RefEdit after preprocessing, with its acquired lock and
// validated actual-vs-expected outcome.
type lockedEdit struct {
	edit RefEdit

	lockPath string
	lockFile billy.File
	isMarker bool // true for a deletion's reservation lock, no tempfile content

	actual          *Reference // nil if absent
	leafPreviousOID hash.ObjectID
}

// Transaction batches RefEdits against a Store and commits them
// all-or-nothing.
type Transaction struct {
	store *Store
	edits []RefEdit
	locks []*lockedEdit
	committed bool
}

// NewTransaction begins a transaction over edits. Preprocess is run
// immediately so preprocessing failures surface before any lock is taken.
func NewTransaction(store *Store, edits []RefEdit) (*Transaction, error) {
	expanded, err := preprocess(store, edits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPreprocessingFailed, err)
	}
	return &Transaction{store: store, edits: expanded}, nil
}

// preprocess expands deref edits into two, and rejects two updates of the
// same resolved name with different targets; identical duplicate updates
// are kept as separate edits.
func preprocess(store *Store, edits []RefEdit) ([]RefEdit, error) {
	var out []RefEdit
	seen := map[FullName]Target{}

	for i, e := range edits {
		e.ParentIndex = i
		if e.Deref && e.Change.IsUpdate() {
			cur, err := findReference(store, e.Name)
			if err != nil {
				return nil, err
			}
			if cur != nil && cur.Target.IsSymbolic() {
				symEdit := RefEdit{
					Name:  e.Name,
					Change: NewUpdate(cur.Target, AnyValue, LogChange{Mode: RefLogOnly, Message: e.Change.Log.Message}),
					ParentIndex: i,
				}
				referentEdit := RefEdit{
					Name:  cur.Target.Ref,
					Change: NewUpdate(e.Change.New, e.Change.Expected, e.Change.Log),
					ParentIndex: i,
				}
				out = append(out, symEdit, referentEdit)
				continue
			}
		}
		out = append(out, e)
	}

	for _, e := range out {
		if e.Change.IsUpdate() {
			if prior, ok := seen[e.Name]; ok {
				if !targetsEqual(prior, e.Change.New) {
					return nil, fmt.Errorf("conflicting edits for %q", e.Name)
				}
			}
			seen[e.Name] = e.Change.New
		}
	}
	return out, nil
}

func targetsEqual(a, b Target) bool {
	if a.Kind != b.Kind {
		return false
	}
	if a.IsSymbolic() {
		return a.Ref == b.Ref
	}
	return a.ID.Equal(b.ID)
}

// findReference resolves name against loose-then-packed, exactly as
// try_find does outside a transaction.
func findReference(store *Store, name FullName) (*Reference, error) {
	ref, err := store.Loose.TryFind(name)
	if err != nil {
		return nil, err
	}
	if ref != nil {
		return ref, nil
	}
	packed, err := ReadPacked(store.Loose.fs, store.PackedPath, store.Kind)
	if err != nil {
		return nil, err
	}
	if packed == nil {
		return nil, nil
	}
	rec, ok := packed.Find(name)
	if !ok {
		return nil, nil
	}
	return &Reference{Name: name, Target: NewPeeled(rec.ID), Peeled: rec.Peeled, HasPeeled: rec.HasPeeled, Origin: OriginPacked}, nil
}

// Prepare acquires a lock per edit and validates the expected-value
// constraint. On any failure, all locks acquired so far are released and
// the error is returned; nothing is left on disk.
func (t *Transaction) Prepare() error {
	// Locks are acquired in deterministic name order across edits to
	// prevent deadlock between concurrent transactions touching overlapping
	// names (spec.md §5).
	order := make([]int, len(t.edits))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return t.edits[order[i]].Name < t.edits[order[j]].Name })

	for _, idx := range order {
		e := t.edits[idx]
		le, err := t.lockAndValidate(e)
		if err != nil {
			t.rollbackLocked()
			return err
		}
		t.locks = append(t.locks, le)
	}
	return nil
}

func (t *Transaction) lockAndValidate(e RefEdit) (*lockedEdit, error) {
	fsys, p := t.store.Loose.resolve(e.Name)
	lockPath := p + ".lock"

	isMarker := e.Change.IsDelete()

	lf, err := fsys.OpenFile(lockPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLockAcquire, e.Name, err)
	}

	actual, err := findReference(t.store, e.Name)
	if err != nil {
		fsys.Remove(lockPath)
		return nil, err
	}

	le := &lockedEdit{edit: e, lockPath: lockPath, lockFile: lf, isMarker: isMarker, actual: actual}
	if actual != nil && actual.Target.IsPeeled() {
		le.leafPreviousOID = actual.Target.ID
	}

	if err := validateExpectation(e, actual); err != nil {
		fsys.Remove(lockPath)
		lf.Close()
		return nil, err
	}

	if e.Change.IsUpdate() && e.Change.Log.Mode != RefLogOnly {
		if _, err := lf.Write([]byte(EncodeContent(e.Change.New))); err != nil {
			lf.Close()
			fsys.Remove(lockPath)
			return nil, err
		}
	}

	return le, nil
}

func validateExpectation(e RefEdit, actual *Reference) error {
	var expected PreviousValue
	if e.Change.IsUpdate() {
		expected = e.Change.Expected
	} else {
		expected = e.Change.DeleteExpected
	}

	switch expected.Kind {
	case Any:
		return nil
	case MustNotExist:
		if actual != nil && !targetsEqual(actual.Target, e.Change.New) {
			return fmt.Errorf("%w: %s", ErrMustNotExist, e.Name)
		}
		return nil
	case MustExist:
		if actual == nil {
			if e.Change.IsDelete() {
				return fmt.Errorf("%w: %s", ErrDeleteReferenceMustExist, e.Name)
			}
			return fmt.Errorf("%w: %s", ErrMustExist, e.Name)
		}
		return nil
	case MustExistAndMatch:
		if actual == nil {
			return fmt.Errorf("%w: %s", ErrMustExist, e.Name)
		}
		if !expected.Target.IsPeeled() || expected.Target.ID.IsZero() {
			return nil
		}
		if !actual.Target.IsPeeled() || !actual.Target.ID.Equal(expected.Target.ID) {
			return fmt.Errorf("%w: %s expected %s actual %v", ErrReferenceOutOfDate, e.Name, expected.Target.ID, actual.Target)
		}
		return nil
	case ExistingMustMatch:
		if actual == nil {
			return nil
		}
		if !expected.Target.IsPeeled() || expected.Target.ID.IsZero() {
			return nil
		}
		if !actual.Target.IsPeeled() || !actual.Target.ID.Equal(expected.Target.ID) {
			return fmt.Errorf("%w: %s expected %s actual %v", ErrReferenceOutOfDate, e.Name, expected.Target.ID, actual.Target)
		}
		return nil
	}
	return nil
}

// rollbackLocked releases every lock acquired so far, in reverse order,
// discarding tempfiles. Used both by a failed Prepare and by an explicit
// Rollback before Commit.
func (t *Transaction) rollbackLocked() {
	for i := len(t.locks) - 1; i >= 0; i-- {
		le := t.locks[i]
		le.lockFile.Close()
		fsys, _ := t.store.Loose.resolve(le.edit.Name)
		fsys.Remove(le.lockPath)
	}
	t.locks = nil
}

// Rollback discards the transaction, releasing all locks without applying
// any edit. Safe to call at any point before Commit; a no-op after Commit.
func (t *Transaction) Rollback() {
	if t.committed {
		return
	}
	t.rollbackLocked()
}

// Commit applies every locked edit: writes reflogs, renames lock files into
// place, integrates packed-refs, unlinks deleted refs, then releases all
// locks in reverse acquisition order. Once a commit begins applying
// changes, an error aborts further work but does not roll back edits
// already applied — by design, matching spec.md §4.8.4.
func (t *Transaction) Commit() error {
	// applied holds the edits whose lock file was renamed into place or
	// removed below; every other lock file is removed on the way out
	applied := map[*lockedEdit]bool{}
	defer func() {
		for i := len(t.locks) - 1; i >= 0; i-- {
			le := t.locks[i]
			le.lockFile.Close()
			if !applied[le] {
				fsys, _ := t.store.Loose.resolve(le.edit.Name)
				fsys.Remove(le.lockPath)
			}
		}
		t.committed = true
	}()

	if err := t.applyReflogs(); err != nil {
		return err
	}

	for _, le := range t.locks {
		if le.edit.Change.IsDelete() || le.edit.Change.Log.Mode == RefLogOnly {
			continue
		}
		if err := t.commitRename(le); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrLockCommit, le.edit.Name, err)
		}
		applied[le] = true
	}

	if err := t.integratePackedRefs(); err != nil {
		return err
	}

	for _, le := range t.locks {
		if le.edit.Change.Log.Mode == RefLogOnly && le.edit.Change.IsUpdate() {
			fsys, _ := t.store.Loose.resolve(le.edit.Name)
			fsys.Remove(le.lockPath)
			applied[le] = true
			continue
		}
		if !le.edit.Change.IsDelete() {
			continue
		}
		if err := t.commitDelete(le); err != nil {
			return err
		}
		applied[le] = true
	}

	return nil
}

// applyReflogs writes reflog entries once per ParentIndex group, pairing a
// deref-split's RefLogOnly symbolic edit with its resolved referent update
// so both get the referent's old/new OID under the same message.
func (t *Transaction) applyReflogs() error {
	groups := map[int][]*lockedEdit{}
	var order []int
	for _, le := range t.locks {
		if _, ok := groups[le.edit.ParentIndex]; !ok {
			order = append(order, le.edit.ParentIndex)
		}
		groups[le.edit.ParentIndex] = append(groups[le.edit.ParentIndex], le)
	}
	sort.Ints(order)
	for _, idx := range order {
		if err := t.writeReflogGroup(groups[idx]); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transaction) writeReflogGroup(group []*lockedEdit) error {
	var referent, symbolic *lockedEdit
	for _, le := range group {
		if le.edit.Change.IsUpdate() && le.edit.Change.Log.Mode == RefLogOnly {
			symbolic = le
		} else {
			referent = le
		}
	}
	if referent == nil || !referent.edit.Change.IsUpdate() || !referent.edit.Change.New.IsPeeled() {
		return nil
	}

	force := referent.edit.Change.Log.ForceCreate
	oldOID, newOID := referent.leafPreviousOID, referent.edit.Change.New.ID
	changed := !oldOID.Equal(newOID)
	if !changed && !force {
		return nil
	}

	if shouldWriteReflog(t.store.ReflogMode, referent.edit.Name, force) {
		if err := t.appendReflogEntry(referent.edit.Name, oldOID, newOID, referent.edit.Change.Log.Message); err != nil {
			return err
		}
	}
	if symbolic != nil && shouldWriteReflog(t.store.ReflogMode, symbolic.edit.Name, force) {
		if err := t.appendReflogEntry(symbolic.edit.Name, oldOID, newOID, symbolic.edit.Change.Log.Message); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transaction) appendReflogEntry(refName FullName, oldOID, newOID hash.ObjectID, message string) error {
	committerName, email := "unknown", "unknown@local"
	if t.store.Signature != nil {
		committerName, email = t.store.Signature()
	}
	entry := ReflogEntry{
		Previous: oldOID,
		New:      newOID,
		Name:     committerName,
		Email:    email,
		When:     now(),
		Message:  message,
	}
	return t.store.Loose.AppendReflog(refName, entry)
}

// commitRename renames an update's lock tempfile into place, retrying once
// after removing now-empty intermediate directories if the destination
// path conflicts with a directory (the ENOTEMPTY / "is a directory" case
// spec.md §9 describes for Windows, generalized to any filesystem that
// rejects the rename the same way).
func (t *Transaction) commitRename(le *lockedEdit) error {
	fsys, p := t.store.Loose.resolve(le.edit.Name)
	err := fsys.Rename(le.lockPath, p)
	if err == nil {
		return nil
	}
	// depth-first removal of a directory at p that holds nothing but empty
	// directories
	var removeEmpty func(dir string) bool
	removeEmpty = func(dir string) bool {
		entries, rerr := fsys.ReadDir(dir)
		if rerr != nil {
			return false
		}
		for _, e := range entries {
			if !e.IsDir() || !removeEmpty(fsys.Join(dir, e.Name())) {
				return false
			}
		}
		return fsys.Remove(dir) == nil
	}
	if fi, serr := fsys.Stat(p); serr == nil && fi.IsDir() && removeEmpty(p) {
		return fsys.Rename(le.lockPath, p)
	}
	return err
}

func (t *Transaction) commitDelete(le *lockedEdit) error {
	fsys, p := t.store.Loose.resolve(le.edit.Name)

	_, rp := t.store.Loose.reflogPath(le.edit.Name)
	if err := fsys.Remove(rp); err != nil && !isNotExist(err) {
		return err
	}
	if err := fsys.Remove(p); err != nil && !isNotExist(err) {
		return err
	}
	if err := fsys.Remove(le.lockPath); err != nil && !isNotExist(err) {
		return err
	}
	removeEmptyParents(fsys, p)
	return nil
}

// removeEmptyDirsAlong removes now-empty directories along dst's path,
// bottom-up, stopping at the refs root. Returns true if anything was
// removed.
func removeEmptyDirsAlong(fsys billy.Filesystem, dst string) bool {
	removed := false
	dir := parentDir(dst)
	for dir != "" && dir != "." && dir != "refs" {
		entries, err := fsys.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			break
		}
		if fsys.Remove(dir) == nil {
			removed = true
		}
		dir = parentDir(dir)
	}
	return removed
}

func removeEmptyParents(fsys billy.Filesystem, path string) {
	removeEmptyDirsAlong(fsys, path)
}

func parentDir(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[:i]
		}
	}
	return ""
}

// integratePackedRefs rewrites packed-refs to drop deleted names and, per
// PackedMode, union in updated peeled refs.
func (t *Transaction) integratePackedRefs() error {
	anyDeletion := false
	anyNonSymbolicUpdate := false
	for _, le := range t.locks {
		if le.edit.Change.IsDelete() {
			anyDeletion = true
		} else if le.edit.Change.New.IsPeeled() {
			anyNonSymbolicUpdate = true
		}
	}
	if !anyDeletion && !(anyNonSymbolicUpdate && t.store.PackedMode != PackedRefsDeletionsOnly) {
		return nil
	}

	fsys := t.store.Loose.fs

	packedLockPath := t.store.PackedPath + ".lock"
	packedLock, err := fsys.OpenFile(packedLockPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("%w: packed-refs: %v", ErrLockAcquire, err)
	}
	defer func() {
		packedLock.Close()
		fsys.Remove(packedLockPath)
	}()

	packed, err := ReadPacked(fsys, t.store.PackedPath, t.store.Kind)
	if err != nil {
		return err
	}
	if packed == nil {
		if !anyNonSymbolicUpdate || t.store.PackedMode == PackedRefsDeletionsOnly {
			return nil
		}
		packed = &Packed{}
	}

	byName := map[FullName]*PackedRecord{}
	for _, r := range packed.All() {
		byName[r.Name] = r
	}

	for _, le := range t.locks {
		if le.edit.Change.IsDelete() {
			delete(byName, le.edit.Name)
			continue
		}
		if t.store.PackedMode == PackedRefsDeletionsOnly {
			continue
		}
		if !le.edit.Change.New.IsPeeled() {
			continue
		}
		byName[le.edit.Name] = &PackedRecord{Name: le.edit.Name, ID: le.edit.Change.New.ID}
	}

	records := make([]*PackedRecord, 0, len(byName))
	for _, r := range byName {
		records = append(records, r)
	}

	encoded := Encode(records)
	tmp, err := fsys.TempFile(".", "tmp_packed-refs_")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := fsys.Rename(tmp.Name(), t.store.PackedPath); err != nil {
		return err
	}

	if t.store.PackedMode == PackedRefsDeletionsAndNonSymbolicUpdatesRemoveLooseSource {
		for _, le := range t.locks {
			if le.edit.Change.IsDelete() || !le.edit.Change.New.IsPeeled() {
				continue
			}
			_, p := t.store.Loose.resolve(le.edit.Name)
			fsys.Remove(p)
		}
	}

	return nil
}

// now is a seam so tests can substitute a fixed clock; production callers
// get the real wall clock.
var now = time.Now
