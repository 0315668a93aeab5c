package object

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/emirpasic/gods/lists/arraylist"

	"github.com/relvacode/gitodb/hash"
)

// ErrInvalidPath is returned when a path given to Upsert, Remove, or
// CursorAt contains an empty component, or when a write would require
// creating a tree entry whose name collides with an existing leaf that
// cannot be synthesized into a tree (the only case that cannot arise by
// construction here, since upserting through a leaf always replaces it).
var ErrInvalidPath = errors.New("object: invalid tree path")

// Loader resolves an existing tree object by id, used when a cursor
// descends into a subtree that has not yet been loaded into the editor's
// arena.
type Loader interface {
	Tree(id hash.ObjectID) (*Tree, error)
}

// Writer persists a changed tree and returns the id it was stored under.
type Writer func(*Tree) (hash.ObjectID, error)

type nodeKind int8

const (
	nodeLeaf nodeKind = iota
	nodeSubtree
)

// treeNode is one arena slot. Subtree children are addressed by arena index
// rather than by pointer, so the editor has no cyclic ownership and cursors
// are plain indices, per the design's arena-over-back-pointers choice.
type treeNode struct {
	kind nodeKind

	// leaf fields
	mode EntryMode
	id   hash.ObjectID

	// subtree fields
	names    *arraylist.List // []string, kept sorted in Git tree order
	children map[string]int  // name -> arena index
	dirty    bool
	loaded   bool // subtree children pulled in from Loader (or freshly created)
}

// Editor batches upsert/remove operations against an in-memory tree graph
// and writes only the changed subtrees.
type Editor struct {
	kind   hash.Kind
	loader Loader
	arena  []*treeNode
	root   int
}

// NewEditor creates an Editor rooted at an existing (possibly nil, meaning
// empty) tree.
func NewEditor(root *Tree, loader Loader, k hash.Kind) *Editor {
	e := &Editor{kind: k, loader: loader}
	rootIdx := e.newSubtreeFrom(root)
	e.arena[rootIdx].loaded = true
	e.root = rootIdx
	return e
}

func (e *Editor) newSubtreeFrom(t *Tree) int {
	n := &treeNode{
		kind:     nodeSubtree,
		names:    arraylist.New(),
		children: make(map[string]int),
	}
	if t != nil {
		for _, entry := range t.Entries {
			n.names.Add(entry.Name)
			if entry.Mode.IsTree() {
				child := &treeNode{kind: nodeSubtree, id: entry.ID, names: arraylist.New(), children: make(map[string]int)}
				e.arena = append(e.arena, child)
				n.children[entry.Name] = len(e.arena) - 1
			} else {
				child := &treeNode{kind: nodeLeaf, mode: entry.Mode, id: entry.ID}
				e.arena = append(e.arena, child)
				n.children[entry.Name] = len(e.arena) - 1
			}
		}
	}
	e.arena = append(e.arena, n)
	return len(e.arena) - 1
}

// Cursor is a sub-editor whose root is a subtree nested inside the outer
// Editor's tree. Operations on a Cursor compose exactly as if performed
// directly on the outer Editor, since both share the same arena.
type Cursor struct {
	e    *Editor
	root int
}

// CursorAt returns a sub-editor rooted at the subtree found by walking path
// from this Editor's root, creating intermediate trees as needed.
func (e *Editor) CursorAt(path []string) (*Cursor, error) {
	idx, err := e.descend(e.root, path, true)
	if err != nil {
		return nil, err
	}
	return &Cursor{e: e, root: idx}, nil
}

func (c *Cursor) CursorAt(path []string) (*Cursor, error) {
	idx, err := c.e.descend(c.root, path, true)
	if err != nil {
		return nil, err
	}
	return &Cursor{e: c.e, root: idx}, nil
}

func validatePath(path []string) error {
	if len(path) == 0 {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	for _, comp := range path {
		if comp == "" {
			return fmt.Errorf("%w: empty path component", ErrInvalidPath)
		}
	}
	return nil
}

// ensureLoaded pulls in the children of a subtree node from the Loader the
// first time it is visited, if the node refers to an existing (unmodified)
// tree id rather than one freshly created in this edit session.
func (e *Editor) ensureLoaded(idx int) error {
	n := e.arena[idx]
	if n.loaded {
		return nil
	}
	if e.loader == nil || n.id.IsZero() {
		n.loaded = true
		return nil
	}
	t, err := e.loader.Tree(n.id)
	if err != nil {
		return err
	}
	for _, entry := range t.Entries {
		n.names.Add(entry.Name)
		if entry.Mode.IsTree() {
			child := &treeNode{kind: nodeSubtree, id: entry.ID, names: arraylist.New(), children: make(map[string]int)}
			e.arena = append(e.arena, child)
			n.children[entry.Name] = len(e.arena) - 1
		} else {
			child := &treeNode{kind: nodeLeaf, mode: entry.Mode, id: entry.ID}
			e.arena = append(e.arena, child)
			n.children[entry.Name] = len(e.arena) - 1
		}
	}
	n.loaded = true
	return nil
}

// descend walks path starting at node root, synthesizing intermediate
// trees (replacing any leaf in the way) when create is true, and returns
// the arena index of the final subtree.
func (e *Editor) descend(root int, path []string, create bool) (int, error) {
	cur := root
	for _, comp := range path {
		if comp == "" {
			return 0, fmt.Errorf("%w: empty path component", ErrInvalidPath)
		}
		if err := e.ensureLoaded(cur); err != nil {
			return 0, err
		}
		n := e.arena[cur]
		childIdx, ok := n.children[comp]
		if ok && e.arena[childIdx].kind == nodeSubtree {
			cur = childIdx
			continue
		}
		if !create {
			return 0, fmt.Errorf("%w: %q is not a directory", ErrInvalidPath, comp)
		}
		// Either missing, or a leaf occupying this name: synthesize a tree,
		// replacing whatever was there (upsert-through-a-leaf semantics).
		child := &treeNode{kind: nodeSubtree, names: arraylist.New(), children: make(map[string]int), loaded: true, dirty: true}
		e.arena = append(e.arena, child)
		childIdx = len(e.arena) - 1
		if !ok {
			n.names.Add(comp)
		}
		n.children[comp] = childIdx
		n.dirty = true
		cur = childIdx
	}
	return cur, nil
}

// Upsert inserts or replaces the entry at path. A zero ObjectID is a
// placeholder that is pruned when the tree is written. Inserting through an
// existing non-tree entry replaces it with a synthesized tree.
func (e *Editor) Upsert(path []string, mode EntryMode, id hash.ObjectID) error {
	return e.upsert(e.root, path, mode, id)
}

func (c *Cursor) Upsert(path []string, mode EntryMode, id hash.ObjectID) (*Cursor, error) {
	if err := c.e.upsert(c.root, path, mode, id); err != nil {
		return nil, err
	}
	return c, nil
}

func (e *Editor) upsert(root int, path []string, mode EntryMode, id hash.ObjectID) error {
	if err := validatePath(path); err != nil {
		return err
	}
	parentIdx, err := e.descend(root, path[:len(path)-1], true)
	if err != nil {
		return err
	}
	name := path[len(path)-1]
	parent := e.arena[parentIdx]
	if err := e.ensureLoaded(parentIdx); err != nil {
		return err
	}

	if mode.IsTree() {
		// Upserting a Tree entry directly (not via CursorAt) installs the
		// given id as an already-clean subtree reference.
		childIdx, exists := parent.children[name]
		if exists && e.arena[childIdx].kind == nodeSubtree {
			e.arena[childIdx].id = id
			e.arena[childIdx].dirty = false
			e.arena[childIdx].loaded = false
			e.arena[childIdx].children = make(map[string]int)
			e.arena[childIdx].names = arraylist.New()
		} else {
			child := &treeNode{kind: nodeSubtree, id: id, names: arraylist.New(), children: make(map[string]int)}
			e.arena = append(e.arena, child)
			childIdx = len(e.arena) - 1
			if !exists {
				parent.names.Add(name)
			}
			parent.children[name] = childIdx
		}
	} else {
		childIdx, exists := parent.children[name]
		if exists && e.arena[childIdx].kind == nodeLeaf {
			e.arena[childIdx].mode = mode
			e.arena[childIdx].id = id
		} else {
			child := &treeNode{kind: nodeLeaf, mode: mode, id: id}
			e.arena = append(e.arena, child)
			childIdx = len(e.arena) - 1
			if !exists {
				parent.names.Add(name)
			}
			parent.children[name] = childIdx
		}
	}
	parent.dirty = true
	e.markDirtyChain(root, path[:len(path)-1])
	return nil
}

// markDirtyChain marks every subtree on the path from root to the parent
// of the edited entry as dirty, so Write knows to re-descend into it.
func (e *Editor) markDirtyChain(root int, path []string) {
	cur := root
	e.arena[cur].dirty = true
	for _, comp := range path {
		idx, ok := e.arena[cur].children[comp]
		if !ok {
			return
		}
		e.arena[idx].dirty = true
		cur = idx
	}
}

// Remove detaches the leaf or subtree at path. Intermediate trees left
// empty by the removal are pruned at write time, not eagerly.
func (e *Editor) Remove(path []string) error {
	return e.remove(e.root, path)
}

func (c *Cursor) Remove(path []string) (*Cursor, error) {
	if err := c.e.remove(c.root, path); err != nil {
		return nil, err
	}
	return c, nil
}

func (e *Editor) remove(root int, path []string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	parentIdx, err := e.descend(root, path[:len(path)-1], false)
	if err != nil {
		// A missing intermediate directory means there is nothing to
		// remove; treat as a no-op, matching upsert-through-leaf being the
		// only path-creating operation.
		return nil
	}
	if err := e.ensureLoaded(parentIdx); err != nil {
		return err
	}
	name := path[len(path)-1]
	parent := e.arena[parentIdx]
	if _, ok := parent.children[name]; !ok {
		return nil
	}
	delete(parent.children, name)
	removeFromList(parent.names, name)
	parent.dirty = true
	e.markDirtyChain(root, path[:len(path)-1])
	return nil
}

func removeFromList(l *arraylist.List, name string) {
	idx := l.IndexOf(name)
	if idx >= 0 {
		l.Remove(idx)
	}
}

// Write performs a post-order traversal of dirty nodes, reuses unchanged
// subtree ids, invokes writer for every changed tree, and returns the id
// of the written root.
func (e *Editor) Write(writer Writer) (hash.ObjectID, error) {
	return e.writeNode(e.root, writer)
}

func (c *Cursor) Write(writer Writer) (hash.ObjectID, error) {
	return c.e.writeNode(c.root, writer)
}

func (e *Editor) writeNode(idx int, writer Writer) (hash.ObjectID, error) {
	n := e.arena[idx]
	if n.kind == nodeLeaf {
		return n.id, nil
	}
	if !n.dirty {
		return n.id, nil
	}
	if err := e.ensureLoaded(idx); err != nil {
		return hash.ObjectID{}, err
	}

	names := make([]string, 0, n.names.Size())
	for _, v := range n.names.Values() {
		names = append(names, v.(string))
	}
	sort.Slice(names, func(i, j int) bool {
		ci, cj := e.arena[n.children[names[i]]], e.arena[n.children[names[j]]]
		return Less(names[i], modeOf(ci), names[j], modeOf(cj))
	})

	var t Tree
	for _, name := range names {
		childIdx := n.children[name]
		child := e.arena[childIdx]
		if child.kind == nodeLeaf {
			if child.id.IsZero() {
				continue // placeholder, pruned at write time
			}
			t.Entries = append(t.Entries, Entry{Mode: child.mode, Name: name, ID: child.id})
			continue
		}
		id, err := e.writeNode(childIdx, writer)
		if err != nil {
			return hash.ObjectID{}, err
		}
		if id.IsZero() {
			continue // empty subtree pruned at write time
		}
		t.Entries = append(t.Entries, Entry{Mode: ModeTree, Name: name, ID: id})
	}

	if len(t.Entries) == 0 {
		n.dirty = false
		n.id = hash.ObjectID{}
		return n.id, nil
	}

	t.Sort()
	for _, e := range t.Entries {
		if strings.IndexByte(e.Name, 0) >= 0 {
			return hash.ObjectID{}, fmt.Errorf("%w: name contains NUL", ErrInvalidPath)
		}
	}

	id, err := writer(&t)
	if err != nil {
		return hash.ObjectID{}, err
	}
	n.id = id
	n.dirty = false
	return id, nil
}

func modeOf(n *treeNode) EntryMode {
	if n.kind == nodeSubtree {
		return ModeTree
	}
	return n.mode
}
