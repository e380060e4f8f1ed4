// Package store defines the key/value Store surface backing persistent
// servlet state, and adapts any Store into a pipe module so a graph node
// can read/write a store-backed handle the same way it would any other
// I/O module's handle. Grounded on the teacher's store.go ROStore/Store
// interfaces (github.com/brunotm/streams), generalized from "stream
// sink/source processor" to "pipe.Allocator module bound to one key per
// handle pair", matching spec.md §4.2's persistent-pipe state slot when a
// servlet needs that state to outlive the handle itself.
package store

import (
	"errors"
)

// ErrKeyNotFound is returned by Get when key has no stored value.
var ErrKeyNotFound = errors.New("key not found")

// ROStore is a read-only key/value store.
type ROStore interface {
	// Name identifies this store instance (used in logging/metrics).
	Name() string

	// Get returns the value for key, or ErrKeyNotFound.
	Get(key []byte) (value []byte, err error)

	// Range iterates the store in byte-wise lexicographical order within
	// [from, to), applying cb to each pair. A nil from or to opens the
	// range to the start or end of the store. Returning an error from cb
	// stops iteration and is returned from Range. Key and value are only
	// valid for the duration of the callback.
	Range(from, to []byte, cb func(key, value []byte) error) (err error)

	// RangePrefix iterates every key with the given prefix, in
	// lexicographical order.
	RangePrefix(prefix []byte, cb func(key, value []byte) error) (err error)
}

// Store is a read/write key/value store.
type Store interface {
	ROStore

	// Set stores value under key, replacing any existing value.
	Set(key, value []byte) (err error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key []byte) (err error)

	// Close releases the store's resources.
	Close() (err error)

	// Remove closes the store and erases its persisted contents.
	Remove() (err error)
}

// Supplier constructs and opens a ready-to-use Store.
type Supplier func() (Store, error)
