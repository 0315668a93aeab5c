package refs

import (
	"time"

	"github.com/relvacode/gitodb/hash"
)

// TargetKind distinguishes a peeled OID target from a symbolic reference.
type TargetKind int8

const (
	Peeled TargetKind = iota
	Symbolic
)

// Target is either a peeled ObjectID or a symbolic reference to another
// FullName. Only one of ID/Ref is meaningful, selected by Kind.
type Target struct {
	Kind TargetKind
	ID   hash.ObjectID
	Ref  FullName
}

// NewPeeled builds a peeled Target.
func NewPeeled(id hash.ObjectID) Target { return Target{Kind: Peeled, ID: id} }

// NewSymbolic builds a symbolic Target.
func NewSymbolic(name FullName) Target { return Target{Kind: Symbolic, Ref: name} }

func (t Target) IsPeeled() bool   { return t.Kind == Peeled }
func (t Target) IsSymbolic() bool { return t.Kind == Symbolic }

// Origin records whether a Reference was read from a loose file or from
// packed-refs.
type Origin int8

const (
	OriginLoose Origin = iota
	OriginPacked
)

// Reference is a resolved name plus its target, annotated with where it
// was found and, for a peeled tag via packed-refs, its peeled OID.
type Reference struct {
	Name    FullName
	Target  Target
	Peeled  hash.ObjectID // zero if unknown
	HasPeeled bool
	Origin  Origin
}

// PreviousValueKind enumerates the five expectation modes a RefEdit can
// assert about a ref's current value before applying an update.
type PreviousValueKind int8

const (
	// Any accepts whatever the current value is, including absent.
	Any PreviousValueKind = iota
	// MustNotExist requires the ref to be absent (or already equal to the
	// new value, treated as a benign no-op).
	MustNotExist
	// MustExist requires the ref to be present, with any value.
	MustExist
	// MustExistAndMatch requires the ref to be present and equal to Target.
	// A zero OID in Target matches any current value.
	MustExistAndMatch
	// ExistingMustMatch is MustExistAndMatch but tolerates a missing ref.
	ExistingMustMatch
)

// PreviousValue is the expectation attached to a RefEdit's Update or Delete.
type PreviousValue struct {
	Kind   PreviousValueKind
	Target Target
}

// AnyValue is the common case: no expectation at all.
var AnyValue = PreviousValue{Kind: Any}

// RefLogMode selects which reflog writes an edit triggers.
type RefLogMode int8

const (
	// RefLogAndReference writes the reflog and updates the reference.
	RefLogAndReference RefLogMode = iota
	// RefLogOnly writes only the reflog entry, leaving the reference
	// content untouched; used for the symbolic half of a deref split.
	RefLogOnly
)

// LogChange describes how an Update edit affects the reflog.
type LogChange struct {
	Mode        RefLogMode
	ForceCreate bool
	Message     string
}

// ChangeKind distinguishes an Update from a Delete.
type ChangeKind int8

const (
	ChangeUpdate ChangeKind = iota
	ChangeDelete
)

// Change is the mutation a RefEdit requests.
type Change struct {
	changeKind ChangeKind

	// Update fields
	New      Target
	Expected PreviousValue
	Log      LogChange

	// Delete fields
	DeleteExpected PreviousValue
	DeleteLog      RefLogMode
}

// NewUpdate builds an Update Change.
func NewUpdate(new Target, expected PreviousValue, log LogChange) Change {
	return Change{changeKind: ChangeUpdate, New: new, Expected: expected, Log: log}
}

// NewDelete builds a Delete Change.
func NewDelete(expected PreviousValue, logMode RefLogMode) Change {
	return Change{changeKind: ChangeDelete, DeleteExpected: expected, DeleteLog: logMode}
}

func (c Change) IsDelete() bool { return c.changeKind == ChangeDelete }
func (c Change) IsUpdate() bool { return c.changeKind == ChangeUpdate }

// RefEdit is one user-supplied desired mutation: a name, the change to
// apply, and whether a symbolic target should be dereferenced before the
// change is applied (splitting into a reflog-only edit on the symbolic ref
// plus an edit on its resolved referent).
type RefEdit struct {
	Name  FullName
	Deref bool
	Change Change

	// ParentIndex back-points to the original edit's position in the
	// caller's batch after Preprocess splits a deref edit in two, so error
	// reporting can refer to the name the caller actually specified.
	ParentIndex int
}

// ReflogEntry is one line of a reference's reflog.
type ReflogEntry struct {
	Previous hash.ObjectID
	New      hash.ObjectID
	Name     string
	Email    string
	When     time.Time
	Message  string
}
