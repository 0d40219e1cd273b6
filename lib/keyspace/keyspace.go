package keyspace

import (
	"bytes"
	"errors"
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplBadger Implementation = "badger"
	ImplMemory Implementation = "memory"
)

// Feature represents engine features as bit flags
type Feature uint64

const (
	FeatureDurable Feature = 1 << iota // Writes survive a process crash once Write returns
	FeatureCompact                     // Support for Compact operations
	FeatureReverse                     // Support for descending iteration
)

func (f Feature) String() string {
	switch f {
	case FeatureDurable:
		return "Durable"
	case FeatureCompact:
		return "Compact"
	case FeatureReverse:
		return "Reverse"
	default:
		return "Unknown"
	}
}

// Info describes an open keyspace.
type Info struct {
	Name              string         `json:"name"`
	SizeBytes         int64          `json:"size_bytes"`
	Engine            Implementation `json:"engine"`
	Trees             []string       `json:"trees"`
	SupportedFeatures []Feature      `json:"supported_features"`
}

var (
	// ErrKeyNotFound is returned by Snapshot.Get for missing keys.
	ErrKeyNotFound = errors.New("keyspace: key not found")
	// ErrTreeNotOpen is returned when an operation names a tree that was never opened.
	ErrTreeNotOpen = errors.New("keyspace: tree not open")
	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("keyspace: closed")
	// ErrBatchTooLarge is returned by Write when a batch exceeds the engine's
	// transaction limits. Nothing of the batch was applied.
	ErrBatchTooLarge = errors.New("keyspace: batch too large")
)

// Operation is a single write inside an atomic batch.
type Operation struct {
	Tree   string
	Key    []byte
	Value  []byte
	Delete bool
}

// Put returns an Operation that stores value under key.
func Put(tree string, key, value []byte) Operation {
	return Operation{Tree: tree, Key: key, Value: value}
}

// Remove returns an Operation that deletes key.
func Remove(tree string, key []byte) Operation {
	return Operation{Tree: tree, Key: key, Delete: true}
}

// Range selects keys in [Start, End). A nil bound is unbounded.
type Range struct {
	Start      []byte
	End        []byte
	Descending bool
}

// Contains reports whether key lies inside the range.
func (r Range) Contains(key []byte) bool {
	if r.Start != nil && bytes.Compare(key, r.Start) < 0 {
		return false
	}
	if r.End != nil && bytes.Compare(key, r.End) >= 0 {
		return false
	}
	return true
}

// PrefixRange returns the range of all keys starting with prefix.
func PrefixRange(prefix []byte) Range {
	return Range{Start: prefix, End: PrefixEnd(prefix)}
}

// PrefixEnd returns the smallest key greater than every key with the given prefix.
// It returns nil (unbounded) when no such key exists.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// KeySpace Interface
// --------------------------------------------------------------------------

// Factory opens (or creates) the keyspace with the given name.
// It abstracts the engine from the database that uses it.
type Factory func(name string) (KeySpace, error)

// KeySpace is an ordered, transactional byte-key store partitioned into named trees.
// Implementations must be safe for concurrent use.
type KeySpace interface {
	// OpenTree makes a tree available for reads and writes. Opening an open tree is a no-op.
	OpenTree(name string) error

	// Write applies all operations atomically: either every operation becomes
	// visible or none does. Engines with FeatureDurable only return after the
	// batch was flushed to stable storage. A batch the engine cannot hold in
	// one transaction fails with ErrBatchTooLarge.
	Write(batch []Operation) error

	// Snapshot returns a consistent point-in-time view of all trees.
	// The snapshot must be released.
	Snapshot() (Snapshot, error)

	// Compact reclaims space (no-op for engines without FeatureCompact).
	Compact() error

	// SupportsFeature checks whether the engine supports all given features.
	SupportsFeature(feature Feature) bool

	// Info returns information about the keyspace.
	Info() Info

	// Close closes the keyspace. Snapshots must be released before.
	Close() error
}

// Snapshot is a read-only, point-in-time view of a keyspace.
type Snapshot interface {
	// Get returns a copy of the value stored under key or ErrKeyNotFound.
	Get(tree string, key []byte) ([]byte, error)

	// Iterate returns an iterator over the keys of tree that lie inside r,
	// ascending unless r.Descending is set.
	Iterate(tree string, r Range) (Iterator, error)

	// Release frees the snapshot. It is safe to call Release twice.
	Release()
}

// Iterator walks over key/value pairs. Key and Value are only valid until the next call to Next.
type Iterator interface {
	// Next advances the iterator and reports whether a pair is available.
	Next() bool
	Key() []byte
	Value() []byte
	// Err returns the first error encountered during iteration.
	Err() error
	Close()
}
