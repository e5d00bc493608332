// Package kvstore defines the contract the transaction engine consumes
// from the underlying key-value store. The store itself is an external
// collaborator (spec out of scope); this package only fixes the shape
// the engine is written against so any compliant store can be wired in.
package kvstore

import "github.com/objectdb/objectdb-server/internal/objectdb/keymapping"

// Store is the full contract the engine needs: atomic multi-key get,
// multi-key set with per-key set-add/set-remove deltas, and
// set-membership enumeration.
type Store interface {
	// GetSeveral returns, for each key, its current value or nil if
	// the key has never been set (or was last set to the tombstone).
	GetSeveral(keys []keymapping.Key) ([][]byte, error)

	// GetSetMembers returns the current members of the set stored at
	// key, or an empty set if the key has never been populated.
	GetSetMembers(key keymapping.Key) (map[string]struct{}, error)

	// SetSeveral atomically applies a batch of data-cell writes
	// (nil value means delete/tombstone) together with set-add and
	// set-remove deltas. It reports which set keys transitioned from
	// empty to non-empty and from non-empty to empty as a result of
	// this call, which the engine needs to maintain group listings.
	//
	// Either the whole batch is observed or none of it is: a failure
	// midway must leave the store exactly as it was before the call.
	SetSeveral(
		kvs map[keymapping.Key][]byte,
		setAdds map[keymapping.Key]map[string]struct{},
		setRemoves map[keymapping.Key]map[string]struct{},
	) (newlyNonEmpty, newlyEmpty []keymapping.Key, err error)
}
