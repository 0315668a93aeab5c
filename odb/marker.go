package odb

// Marker is a caller-held snapshot identity: the generation it was taken
// in, plus the snapshot's StateID at the time (§3 SlotMapIndex).
type Marker struct {
	Generation uint64
	StateID    uint64
}

// RefreshMode selects when a Handle's load_indices call triggers a Store
// refresh rather than trusting its current snapshot.
type RefreshMode int8

const (
	// RefreshAfterAllIndicesLoaded runs a Store refresh on every
	// load_indices call whose marker matches the current snapshot's
	// generation and StateID; it does not check which of the snapshot's
	// indices have been loaded. It is the zero value and the default for
	// handles returned by Store.Handle.
	RefreshAfterAllIndicesLoaded RefreshMode = iota
	// RefreshNever never triggers a refresh; the handle only sees
	// snapshots already published by someone else.
	RefreshNever
)

// HandleMode selects whether a Handle demands stable PackIds across slot
// unloads.
type HandleMode int8

const (
	// DeletedPacksAreInaccessible is the default: a pack removed from disk
	// may eventually be unloaded and its slot reused.
	DeletedPacksAreInaccessible HandleMode = iota
	// KeepDeletedPacksAvailable forces Garbage retention of any slot this
	// handle has touched for as long as the handle lives.
	KeepDeletedPacksAvailable
)

// OutcomeKind distinguishes the two shapes load_indices can return.
type OutcomeKind int8

const (
	// OutcomeReplace means the caller must discard any cached PackIds and
	// adopt the returned snapshot.
	OutcomeReplace OutcomeKind = iota
	// OutcomeNoMoreIndices means the caller's existing snapshot is still
	// current; nothing to adopt.
	OutcomeNoMoreIndices
)

// Outcome is the result of Store.LoadIndices.
type Outcome struct {
	Kind  OutcomeKind
	Index *SlotMapIndex // non-nil iff Kind == OutcomeReplace
	Mark  Marker
}
