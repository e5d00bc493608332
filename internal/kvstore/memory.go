// Package kvstore provides an in-process reference implementation of
// the objectdb.kvstore.Store contract. It exists so the transaction
// engine has something concrete to run and be tested against; a real
// deployment is expected to swap in a durable external store that
// satisfies the same interface. The underlying key-value store is out
// of scope for the core per the specification this engine implements
// — this is a reference instance, not the product.
//
// Memory is safe to use concurrently only insofar as its caller
// already holds a single global lock around every call, matching the
// engine's single-writer design; it does not take any lock of its own.
package kvstore

import (
	"maps"

	"github.com/objectdb/objectdb-server/internal/objectdb/keymapping"
)

// Memory is a plain-map backed Store. It is not safe for concurrent
// use on its own; callers serialize access externally.
type Memory struct {
	values map[keymapping.Key][]byte
	sets   map[keymapping.Key]map[string]struct{}
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		values: make(map[keymapping.Key][]byte),
		sets:   make(map[keymapping.Key]map[string]struct{}),
	}
}

// GetSeveral implements kvstore.Store.
func (m *Memory) GetSeveral(keys []keymapping.Key) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if v, ok := m.values[k]; ok {
			out[i] = v
		}
	}
	return out, nil
}

// GetSetMembers implements kvstore.Store.
func (m *Memory) GetSetMembers(key keymapping.Key) (map[string]struct{}, error) {
	members, ok := m.sets[key]
	if !ok {
		return map[string]struct{}{}, nil
	}
	return maps.Clone(members), nil
}

// SetSeveral implements kvstore.Store. Because Memory never fails
// mid-batch (no I/O, no partial writes), atomicity is trivially
// satisfied: every mutation below either all happen or none do, since
// nothing here can return an error once validation of the inputs
// passes.
func (m *Memory) SetSeveral(
	kvs map[keymapping.Key][]byte,
	setAdds map[keymapping.Key]map[string]struct{},
	setRemoves map[keymapping.Key]map[string]struct{},
) ([]keymapping.Key, []keymapping.Key, error) {
	for k, v := range kvs {
		if v == nil {
			delete(m.values, k)
		} else {
			m.values[k] = v
		}
	}

	var newlyNonEmpty, newlyEmpty []keymapping.Key

	for k, removed := range setRemoves {
		set, ok := m.sets[k]
		if !ok {
			continue
		}
		wasEmpty := len(set) == 0
		for id := range removed {
			delete(set, id)
		}
		if len(set) == 0 {
			delete(m.sets, k)
			if !wasEmpty {
				newlyEmpty = append(newlyEmpty, k)
			}
		}
	}

	for k, added := range setAdds {
		set, ok := m.sets[k]
		if !ok {
			set = make(map[string]struct{}, len(added))
			m.sets[k] = set
		}
		wasEmpty := len(set) == 0
		for id := range added {
			set[id] = struct{}{}
		}
		if wasEmpty && len(set) > 0 {
			newlyNonEmpty = append(newlyNonEmpty, k)
		}
	}

	return newlyNonEmpty, newlyEmpty, nil
}
