package odb

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
)

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

const alternatesPath = "objects/info/alternates"

// resolveAlternates reads gitDir's objects/info/alternates file (if present)
// and returns the absolute objects directories it names, recursively
// expanding each alternate's own alternates file, with cycle detection by
// normalized path (§6 alternates). Entries are OS paths: an alternate
// commonly names a directory outside gitDir's own filesystem root
// entirely, so the result is resolved against the OS filesystem via
// filepath, not against fs.Join.
func resolveAlternates(fs billy.Filesystem, gitDir string) ([]string, error) {
	seen := map[string]bool{filepath.Clean(gitDir): true}
	var out []string

	var walk func(dir string, open func(name string) (io.ReadCloser, error)) error
	walk = func(dir string, open func(name string) (io.ReadCloser, error)) error {
		f, err := open(filepath.Join(dir, alternatesPath))
		if err != nil {
			if isNotExist(err) {
				return nil
			}
			return err
		}
		defer f.Close()

		raw, err := io.ReadAll(f)
		if err != nil {
			return err
		}

		sc := bufio.NewScanner(bytes.NewReader(raw))
		for sc.Scan() {
			line := sc.Text()
			if line == "" || line[0] == '#' {
				continue
			}
			objectsDir := line
			if !filepath.IsAbs(objectsDir) {
				// relative alternates are resolved against the objects
				// directory containing the alternates file, per Git.
				objectsDir = filepath.Join(dir, "objects", objectsDir)
			}
			objectsDir = filepath.Clean(objectsDir)
			altGitDir := filepath.Dir(objectsDir)
			if seen[altGitDir] {
				continue
			}
			seen[altGitDir] = true
			out = append(out, objectsDir)
			if err := walk(altGitDir, openOSFile); err != nil {
				return err
			}
		}
		return sc.Err()
	}

	// The primary repository's alternates file is read through its own
	// billy.Filesystem (it may be an in-memory fs in tests); every
	// alternate discovered from there names a real OS path and is followed
	// through plain os.Open, since it may lie outside fs's chroot.
	if err := walk(gitDir, func(name string) (io.ReadCloser, error) {
		rel, err := filepath.Rel(gitDir, name)
		if err != nil {
			return nil, err
		}
		return fs.Open(filepath.ToSlash(rel))
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func openOSFile(name string) (io.ReadCloser, error) {
	return os.Open(name)
}
