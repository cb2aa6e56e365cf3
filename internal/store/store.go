// Package store is the persistent store abstraction of SPEC_FULL.md §4.1:
// a keyed byte store with ordered range scans, atomic per-call operations,
// and whole-database snapshot export/import for checkpoint state transfer.
//
// Grounded on original_source/storage/ (create/read/update/remove/read_if)
// with a concrete engine grounded on cuemby-warren's use of go.etcd.io/bbolt.
package store

import "github.com/pkg/errors"

// MaxValueSize is the default bound on a single value (SPEC_FULL.md §4.1,
// "default ≈ 300 KiB").
const MaxValueSize = 300 * 1024

// Sentinel errors mirror the enumerated error kinds of SPEC_FULL.md §4.1.
// Exists/NotFound/ValueTooLarge/NotSaved are recoverable by the caller;
// the PBFT engine promotes NotSaved to fatal (SPEC_FULL.md §7).
var (
	ErrExists        = errors.New("store: key already exists")
	ErrNotFound      = errors.New("store: key not found")
	ErrValueTooLarge = errors.New("store: value exceeds maximum size")
	ErrNotSaved      = errors.New("store: write was not durably saved")
)

// KV is a single key/value pair returned from a range scan, in ascending
// lexicographic key order.
type KV struct {
	Key   string
	Value []byte
}

// Predicate filters key/value pairs during a ReadIf range scan.
type Predicate func(key string, value []byte) bool

// Store is the keyed byte store abstraction every protocol-state binding in
// this repository (internal/typedvalue) is built on top of.
//
// All methods are atomic per call; no multi-key transactions are required
// by the protocol (SPEC_FULL.md §4.1).
type Store interface {
	// Create inserts key with value, failing with ErrExists if already present.
	Create(key string, value []byte) error
	// Read returns the value for key, or ErrNotFound.
	Read(key string) ([]byte, error)
	// Update overwrites key with value unconditionally (creating it if
	// absent), used by callers that always want a "last writer wins" put.
	Update(key string, value []byte) error
	// Remove deletes key. It is not an error to remove an absent key.
	Remove(key string) error
	// RemoveRange deletes every key in [loPrefix, hiPrefix).
	RemoveRange(loPrefix, hiPrefix string) error
	// ReadRange returns every (key, value) pair with loPrefix <= key < hiPrefix,
	// in ascending key order.
	ReadRange(loPrefix, hiPrefix string) ([]KV, error)
	// ReadIf is ReadRange filtered by pred, applied while iterating so large
	// ranges never materialize pairs the caller doesn't want.
	ReadIf(loPrefix, hiPrefix string, pred Predicate) ([]KV, error)
	// Snapshot exports the entire keyspace as one opaque blob. Checkpoint
	// state transfer does not use it; it exchanges the service's own
	// snapshot (internal/service.KVService.Snapshot).
	Snapshot() ([]byte, error)
	// Restore replaces the entire keyspace with the contents of a blob
	// previously produced by Snapshot.
	Restore(blob []byte) error
	// Close releases any underlying resources (file handles, etc).
	Close() error
}

// checkValue enforces the MaxValueSize bound shared by every Store
// implementation.
func checkValue(value []byte) error {
	if len(value) > MaxValueSize {
		return ErrValueTooLarge
	}
	return nil
}
