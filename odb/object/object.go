// Package object implements zero-copy parsers for the four Git object
// kinds (commit, tree, blob, tag), their owned counterparts, and an
// in-memory tree editor for batched mutation.
package object

import (
	"errors"

	"github.com/relvacode/gitodb/hash"
)

// Kind identifies the four object kinds the Git object model defines.
type Kind int8

const (
	InvalidKind Kind = iota
	CommitKind
	TreeKind
	BlobKind
	TagKind
)

func (k Kind) String() string {
	switch k {
	case CommitKind:
		return "commit"
	case TreeKind:
		return "tree"
	case BlobKind:
		return "blob"
	case TagKind:
		return "tag"
	default:
		return "invalid"
	}
}

// ParseKind parses the loose-object header kind string.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "commit":
		return CommitKind, nil
	case "tree":
		return TreeKind, nil
	case "blob":
		return BlobKind, nil
	case "tag":
		return TagKind, nil
	default:
		return InvalidKind, ErrInvalidKind
	}
}

// HasherKind adapts a Kind to the loose-header token hash.Hasher expects.
func (k Kind) HasherKind() hash.ObjectKind {
	switch k {
	case CommitKind:
		return hash.KindCommit
	case TreeKind:
		return hash.KindTree
	case BlobKind:
		return hash.KindBlob
	case TagKind:
		return hash.KindTag
	default:
		return ""
	}
}

var (
	// ErrInvalidKind is returned when a loose-object header names an
	// unrecognized object kind.
	ErrInvalidKind = errors.New("object: invalid kind")
	// ErrMalformed is returned when a commit, tree, or tag body cannot be
	// parsed according to its wire format.
	ErrMalformed = errors.New("object: malformed")
)

// EntryMode is the file mode Git stores for a tree entry. Only the modes
// that are meaningful in a tree are representable; arbitrary POSIX modes
// are not.
type EntryMode uint32

const (
	ModeTree           EntryMode = 0o040000
	ModeBlob           EntryMode = 0o100644
	ModeBlobExecutable EntryMode = 0o100755
	ModeLink           EntryMode = 0o120000
	ModeCommit         EntryMode = 0o160000 // gitlink / submodule
)

// IsTree reports whether this mode designates a subtree entry.
func (m EntryMode) IsTree() bool { return m == ModeTree }

func (m EntryMode) String() string {
	switch m {
	case ModeTree:
		return "040000"
	case ModeBlob:
		return "100644"
	case ModeBlobExecutable:
		return "100755"
	case ModeLink:
		return "120000"
	case ModeCommit:
		return "160000"
	default:
		return "000000"
	}
}
