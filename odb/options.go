package odb

import (
	"dario.cat/mergo"

	"github.com/relvacode/gitodb/hash"
)

// Options configures a Store at open time. Zero-valued fields are filled
// from DefaultOptions via mergo.Merge, the way go-git merges caller-
// supplied Options against its own defaults for PlainOpen/Clone.
type Options struct {
	// Kind selects the hash kind objects and references in this
	// repository are addressed by.
	Kind hash.Kind
	// ObjectCacheEntries sizes the decoded-object LRU cache.
	ObjectCacheEntries int
	// DeltaBaseCacheEntries sizes the delta-base LRU cache.
	DeltaBaseCacheEntries int
}

// DefaultOptions are applied to any zero-valued field of a caller-supplied
// Options.
var DefaultOptions = Options{
	Kind:                  hash.SHA1,
	ObjectCacheEntries:    1024,
	DeltaBaseCacheEntries: 64,
}

func mergeOptions(opts Options) (Options, error) {
	if err := mergo.Merge(&opts, DefaultOptions); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// HandleOptions configures a Handle returned by Store.Handle.
type HandleOptions struct {
	Refresh   RefreshMode
	Stability HandleMode
}

// DefaultHandleOptions matches the spec's default handle: refresh once all
// currently-known indices have been observed, no pack-id stability.
var DefaultHandleOptions = HandleOptions{
	Refresh:   RefreshAfterAllIndicesLoaded,
	Stability: DeletedPacksAreInaccessible,
}

func mergeHandleOptions(opts HandleOptions) (HandleOptions, error) {
	if err := mergo.Merge(&opts, DefaultHandleOptions); err != nil {
		return HandleOptions{}, err
	}
	return opts, nil
}
