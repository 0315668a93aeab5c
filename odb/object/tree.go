package object

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"

	"github.com/relvacode/gitodb/hash"
)

// Entry is one line of a decoded tree: a mode, a filename, and the OID it
// points to.
type Entry struct {
	Mode EntryMode
	Name string
	ID   hash.ObjectID
}

// Tree is the owned, decoded form of a tree object: a sequence of entries
// already sorted in Git's tree order.
type Tree struct {
	Entries []Entry
}

// TreeRef is a zero-copy, borrowed view over an encoded tree's raw bytes.
// It does not allocate at construction time; Decode validates structure but
// entries are materialized lazily via Iter.
type TreeRef struct {
	raw []byte
}

// NewTreeRef wraps raw tree bytes without copying them. The caller must
// keep buf alive and unmodified for the lifetime of the TreeRef.
func NewTreeRef(buf []byte) TreeRef {
	return TreeRef{raw: buf}
}

// Iter calls fn for every entry in file order (the order stored on disk,
// which is also Git's canonical tree order for a well-formed tree).
// Iteration stops and returns the first error fn returns.
func (t TreeRef) Iter(k hash.Kind, fn func(Entry) error) error {
	buf := t.raw
	idSize := k.Size()
	for len(buf) > 0 {
		sp := bytes.IndexByte(buf, ' ')
		if sp < 0 {
			return fmt.Errorf("%w: tree entry missing mode separator", ErrMalformed)
		}
		modeVal, err := strconv.ParseUint(string(buf[:sp]), 8, 32)
		if err != nil {
			return fmt.Errorf("%w: tree entry mode: %v", ErrMalformed, err)
		}
		buf = buf[sp+1:]

		nul := bytes.IndexByte(buf, 0)
		if nul < 0 {
			return fmt.Errorf("%w: tree entry missing name terminator", ErrMalformed)
		}
		name := string(buf[:nul])
		buf = buf[nul+1:]

		if len(buf) < idSize {
			return fmt.Errorf("%w: tree entry truncated id", ErrMalformed)
		}
		id, err := hash.FromBytes(buf[:idSize])
		if err != nil {
			return err
		}
		buf = buf[idSize:]

		if err := fn(Entry{Mode: EntryMode(modeVal), Name: name, ID: id}); err != nil {
			return err
		}
	}
	return nil
}

// Decode materializes a TreeRef into an owned Tree.
func (t TreeRef) Decode(k hash.Kind) (*Tree, error) {
	var out Tree
	err := t.Iter(k, func(e Entry) error {
		out.Entries = append(out.Entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// sortKey returns the bytes used to compare a tree entry's name for Git's
// tree ordering: directories compare as though a trailing '/' were
// appended, so "foo" (a file) sorts before "foo.txt" but after "foo/bar"
// would if "foo" were instead a tree.
func sortKey(name string, mode EntryMode) []byte {
	if mode.IsTree() {
		b := make([]byte, len(name)+1)
		copy(b, name)
		b[len(name)] = '/'
		return b
	}
	return []byte(name)
}

// Less reports whether entry a sorts before entry b under Git's tree order.
func Less(aName string, aMode EntryMode, bName string, bMode EntryMode) bool {
	return bytes.Compare(sortKey(aName, aMode), sortKey(bName, bMode)) < 0
}

// Encode renders a Tree to its on-disk byte form. Entries must already be
// sorted in Git's tree order; Encode does not sort them, matching the
// invariant that a Tree's Entries are maintained in order by construction
// (the tree editor is responsible for this).
func (t *Tree) Encode(k hash.Kind) ([]byte, error) {
	var buf bytes.Buffer
	idSize := k.Size()
	for i, e := range t.Entries {
		if i > 0 && !Less(t.Entries[i-1].Name, t.Entries[i-1].Mode, e.Name, e.Mode) {
			return nil, fmt.Errorf("%w: tree entries not in order at %q", ErrMalformed, e.Name)
		}
		fmt.Fprintf(&buf, "%o %s\x00", e.Mode, e.Name)
		if e.ID.Size() != idSize {
			return nil, fmt.Errorf("%w: entry %q has wrong id size", ErrMalformed, e.Name)
		}
		buf.Write(e.ID.Bytes())
	}
	return buf.Bytes(), nil
}

// Sort orders Entries in place according to Git's tree order.
func (t *Tree) Sort() {
	sort.Slice(t.Entries, func(i, j int) bool {
		return Less(t.Entries[i].Name, t.Entries[i].Mode, t.Entries[j].Name, t.Entries[j].Mode)
	})
}
