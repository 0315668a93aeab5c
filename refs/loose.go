package refs

import (
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"

	"github.com/relvacode/gitodb/hash"
)

// LooseStore reads and writes loose reference files under a git-dir,
// routing worktree-private namespaces ("worktrees/<name>/…" and
// "main-worktree/…") to the appropriate directory without exposing the
// prefix to callers, and otherwise reading/writing directly under the
// common directory.
type LooseStore struct {
	fs       billy.Filesystem // common dir (shared refs, objects, packed-refs)
	worktree billy.Filesystem // this worktree's private git-dir; may equal fs
	kind     hash.Kind
}

// NewLooseStore builds a LooseStore. common is the repository's shared
// git-dir (or main worktree's); worktree is the calling worktree's own
// private git-dir. For the main worktree, pass the same filesystem twice.
func NewLooseStore(common, worktree billy.Filesystem, k hash.Kind) *LooseStore {
	return &LooseStore{fs: common, worktree: worktree, kind: k}
}

// perWorktreeNames are the pseudo-refs private to each worktree rather
// than shared via the common directory; no refs/ namespace is routed to
// the worktree.
var perWorktreeNames = map[string]bool{
	"HEAD": true, "ORIG_HEAD": true, "MERGE_HEAD": true, "FETCH_HEAD": true,
}

// resolve returns the filesystem and relative path a FullName's content
// lives at, applying worktree-private routing.
func (s *LooseStore) resolve(name FullName) (billy.Filesystem, string) {
	n := string(name)
	if strings.HasPrefix(n, "worktrees/") {
		// worktrees/<name>/<rest> addresses another worktree's private
		// git-dir explicitly; since this store only has a handle to its
		// own worktree and the common dir, such names resolve against the
		// common dir's worktrees/ administrative area, matching Git's own
		// storage of other worktrees' admin files there.
		return s.fs, n
	}
	if strings.HasPrefix(n, "main-worktree/") {
		rest := strings.TrimPrefix(n, "main-worktree/")
		return s.fs, rest
	}
	if perWorktreeNames[n] {
		return s.worktree, n
	}
	return s.fs, n
}

// TryFind resolves name (already a FullName) to its Reference, reading the
// loose file if present. A missing loose file returns (nil, nil); callers
// fall back to packed-refs.
func (s *LooseStore) TryFind(name FullName) (*Reference, error) {
	fsys, p := s.resolve(name)
	f, err := fsys.Open(p)
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	ref, err := DecodeContent(name, raw, s.kind)
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// Write truncates and rewrites the loose file for name with content.
func (s *LooseStore) Write(name FullName, target Target) error {
	fsys, p := s.resolve(name)
	if dir := path.Dir(p); dir != "." {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := fsys.Create(p)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write([]byte(EncodeContent(target)))
	return err
}

// Remove deletes the loose file for name, ignoring a missing file.
func (s *LooseStore) Remove(name FullName) error {
	fsys, p := s.resolve(name)
	if err := fsys.Remove(p); err != nil && !isNotExist(err) {
		return err
	}
	return nil
}

// reflogPath mirrors the ref's own worktree routing, under logs/.
func (s *LooseStore) reflogPath(name FullName) (billy.Filesystem, string) {
	fsys, p := s.resolve(name)
	return fsys, fsys.Join("logs", p)
}

// ReflogIter returns the reflog entries for name in file order. A missing
// log returns (nil, nil), not an error.
func (s *LooseStore) ReflogIter(name FullName) ([]ReflogEntry, error) {
	fsys, p := s.reflogPath(name)
	f, err := fsys.Open(p)
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return ParseReflog(raw)
}

// AppendReflog appends one entry to name's reflog, creating the file and
// its parent directories if this is the first entry (or ForceCreate).
func (s *LooseStore) AppendReflog(name FullName, e ReflogEntry) error {
	fsys, p := s.reflogPath(name)
	if dir := path.Dir(p); dir != "." {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := fsys.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write([]byte(EncodeReflogLine(e)))
	return err
}

// ReflogExists reports whether name already has a reflog file.
func (s *LooseStore) ReflogExists(name FullName) (bool, error) {
	fsys, p := s.reflogPath(name)
	_, err := fsys.Stat(p)
	if err == nil {
		return true, nil
	}
	if isNotExist(err) {
		return false, nil
	}
	return false, err
}

// IterLoose walks every loose ref file under refs/ and HEAD, in
// lexicographic order by full name. This is a plain recursive directory
// walk via billy.Filesystem.ReadDir, matching go-git's dotgit walk.
func (s *LooseStore) IterLoose() ([]FullName, error) {
	var names []string
	if _, err := s.worktree.Stat("HEAD"); err == nil {
		names = append(names, "HEAD")
	}
	var walk func(dir string) error
	walk = func(dir string) error {
		entries, err := s.fs.ReadDir(dir)
		if err != nil {
			if isNotExist(err) {
				return nil
			}
			return err
		}
		for _, entry := range entries {
			full := s.fs.Join(dir, entry.Name())
			if entry.IsDir() {
				if err := walk(full); err != nil {
					return err
				}
				continue
			}
			names = append(names, full)
		}
		return nil
	}
	if err := walk("refs"); err != nil {
		return nil, err
	}
	sort.Strings(names)
	out := make([]FullName, 0, len(names))
	for _, n := range names {
		fn, err := NewFullName(n)
		if err != nil {
			continue // skip stray non-ref files (e.g. a stray ".lock" left behind)
		}
		out = append(out, fn)
	}
	return out, nil
}
