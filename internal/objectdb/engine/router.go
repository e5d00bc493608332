package engine

import "github.com/objectdb/objectdb-server/internal/objectdb/keymapping"

// The three fan-out maps (typeToChannel, indexToChannel, idToChannel)
// and each Channel's own subscription sets are kept in lock-step: every
// mutation below updates both sides, and a fan-out entry is deleted the
// instant its set becomes empty, per spec.md §3 invariants.
//
// Every method here assumes the caller already holds s.mu.

func (s *Server) subscribeType(ch *Channel, schema, typename string) {
	pair := schemaTypePair{schema, typename}
	if _, ok := ch.subscribedTypes[pair]; ok {
		return
	}
	ch.subscribedTypes[pair] = struct{}{}

	set, ok := s.typeToChannel[pair]
	if !ok {
		set = make(map[*Channel]struct{})
		s.typeToChannel[pair] = set
	}
	set[ch] = struct{}{}
}

func (s *Server) subscribeIndexKey(ch *Channel, key keymapping.Key) {
	if _, ok := ch.subscribedIndexKeys[key]; ok {
		return
	}
	ch.subscribedIndexKeys[key] = struct{}{}

	set, ok := s.indexToChannel[key]
	if !ok {
		set = make(map[*Channel]struct{})
		s.indexToChannel[key] = set
	}
	set[ch] = struct{}{}
}

func (s *Server) subscribeIdentity(ch *Channel, identity string) {
	if _, ok := ch.subscribedIDs[identity]; ok {
		return
	}
	ch.subscribedIDs[identity] = struct{}{}

	set, ok := s.idToChannel[identity]
	if !ok {
		set = make(map[*Channel]struct{})
		s.idToChannel[identity] = set
	}
	set[ch] = struct{}{}
}

// unsubscribeAll scrubs every fan-out entry a channel appears in,
// deleting any bucket that becomes empty as a result. Called when a
// channel is dropped.
func (s *Server) unsubscribeAll(ch *Channel) {
	for pair := range ch.subscribedTypes {
		if set, ok := s.typeToChannel[pair]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(s.typeToChannel, pair)
			}
		}
	}

	for key := range ch.subscribedIndexKeys {
		if set, ok := s.indexToChannel[key]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(s.indexToChannel, key)
			}
		}
	}

	for id := range ch.subscribedIDs {
		if set, ok := s.idToChannel[id]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(s.idToChannel, id)
			}
		}
	}
}

// channelsForSchemaType returns a snapshot slice of channels
// type-subscribed to (schema,typename).
func (s *Server) channelsForSchemaType(schema, typename string) []*Channel {
	set, ok := s.typeToChannel[schemaTypePair{schema, typename}]
	if !ok {
		return nil
	}
	out := make([]*Channel, 0, len(set))
	for ch := range set {
		out = append(out, ch)
	}
	return out
}

// channelsForIndexKey returns a snapshot slice of channels subscribed
// to the given full index key.
func (s *Server) channelsForIndexKey(key keymapping.Key) []*Channel {
	set, ok := s.indexToChannel[key]
	if !ok {
		return nil
	}
	out := make([]*Channel, 0, len(set))
	for ch := range set {
		out = append(out, ch)
	}
	return out
}

// channelsForIdentity returns a snapshot slice of channels subscribed
// to the given identity.
func (s *Server) channelsForIdentity(identity string) []*Channel {
	set, ok := s.idToChannel[identity]
	if !ok {
		return nil
	}
	out := make([]*Channel, 0, len(set))
	for ch := range set {
		out = append(out, ch)
	}
	return out
}
