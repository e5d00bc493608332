package engine

import (
	"testing"

	"github.com/objectdb/objectdb-server/internal/objectdb/keymapping"
	"github.com/objectdb/objectdb-server/internal/objectdb/protocol"
)

// assertReverseConsistent checks that every channel named in one of
// s's three fan-out maps also records that same subscription in its
// own subscribedTypes/subscribedIndexKeys/subscribedIDs set, and vice
// versa — the invariant subscribe/unsubscribeAll in router.go must
// keep in lock-step.
func assertReverseConsistent(t *testing.T, s *Server) {
	t.Helper()

	for pair, set := range s.typeToChannel {
		if len(set) == 0 {
			t.Fatalf("typeToChannel[%v] is an empty bucket, should have been deleted", pair)
		}
		for ch := range set {
			if _, ok := ch.subscribedTypes[pair]; !ok {
				t.Fatalf("channel in typeToChannel[%v] doesn't record it in subscribedTypes", pair)
			}
		}
	}
	for key, set := range s.indexToChannel {
		if len(set) == 0 {
			t.Fatalf("indexToChannel[%v] is an empty bucket, should have been deleted", key)
		}
		for ch := range set {
			if _, ok := ch.subscribedIndexKeys[key]; !ok {
				t.Fatalf("channel in indexToChannel[%v] doesn't record it in subscribedIndexKeys", key)
			}
		}
	}
	for id, set := range s.idToChannel {
		if len(set) == 0 {
			t.Fatalf("idToChannel[%v] is an empty bucket, should have been deleted", id)
		}
		for ch := range set {
			if _, ok := ch.subscribedIDs[id]; !ok {
				t.Fatalf("channel in idToChannel[%v] doesn't record it in subscribedIDs", id)
			}
		}
	}

	for ch := range s.channels {
		for pair := range ch.subscribedTypes {
			set, ok := s.typeToChannel[pair]
			if !ok {
				t.Fatalf("channel records subscribedTypes[%v] but typeToChannel has no entry", pair)
			}
			if _, ok := set[ch]; !ok {
				t.Fatalf("channel records subscribedTypes[%v] but isn't in typeToChannel's set", pair)
			}
		}
		for key := range ch.subscribedIndexKeys {
			set, ok := s.indexToChannel[key]
			if !ok {
				t.Fatalf("channel records subscribedIndexKeys[%v] but indexToChannel has no entry", key)
			}
			if _, ok := set[ch]; !ok {
				t.Fatalf("channel records subscribedIndexKeys[%v] but isn't in indexToChannel's set", key)
			}
		}
		for id := range ch.subscribedIDs {
			set, ok := s.idToChannel[id]
			if !ok {
				t.Fatalf("channel records subscribedIDs[%v] but idToChannel has no entry", id)
			}
			if _, ok := set[ch]; !ok {
				t.Fatalf("channel records subscribedIDs[%v] but isn't in idToChannel's set", id)
			}
		}
	}
}

func TestSubscribeRegistersBothSidesOfFanOut(t *testing.T) {
	s := newTestServer()
	a, _ := mustAdd(t, s)
	b, _ := mustAdd(t, s)

	s.mu.Lock()
	s.subscribeType(a, "app", "Widget")
	s.subscribeType(b, "app", "Widget")
	indexKey := keymapping.IndexKey("app", "Widget", "value", "somehash")
	s.subscribeIndexKey(a, indexKey)
	s.subscribeIdentity(a, "widget-1")
	s.mu.Unlock()

	assertReverseConsistent(t, s)

	pair := schemaTypePair{"app", "Widget"}
	if len(s.typeToChannel[pair]) != 2 {
		t.Fatalf("expected both channels in typeToChannel bucket, got %d", len(s.typeToChannel[pair]))
	}
}

func TestUnsubscribeAllDeletesEmptyBucketButKeepsSharedOnes(t *testing.T) {
	s := newTestServer()
	a, _ := mustAdd(t, s)
	b, _ := mustAdd(t, s)

	s.mu.Lock()
	s.subscribeType(a, "app", "Widget")
	s.subscribeType(b, "app", "Widget")
	indexKey := keymapping.IndexKey("app", "Widget", "value", "somehash")
	s.subscribeIndexKey(a, indexKey)
	s.subscribeIdentity(a, "widget-1")
	s.mu.Unlock()

	// a is the only subscriber on indexKey/identity but shares the type
	// bucket with b: dropping a must empty the first two buckets while
	// leaving the type bucket intact with b still registered.
	s.mu.Lock()
	s.unsubscribeAll(a)
	s.mu.Unlock()

	pair := schemaTypePair{"app", "Widget"}
	if set, ok := s.typeToChannel[pair]; !ok || len(set) != 1 {
		t.Fatalf("expected type bucket to survive with b still present, got %v", s.typeToChannel[pair])
	}
	if _, ok := s.typeToChannel[pair][b]; !ok {
		t.Fatalf("expected b to remain in the type bucket")
	}
	if _, ok := s.indexToChannel[indexKey]; ok {
		t.Fatalf("expected index bucket to be deleted once its only subscriber left")
	}
	if _, ok := s.idToChannel["widget-1"]; ok {
		t.Fatalf("expected identity bucket to be deleted once its only subscriber left")
	}

	assertReverseConsistent(t, s)

	// Dropping the remaining subscriber must empty and delete the type
	// bucket too.
	s.mu.Lock()
	s.unsubscribeAll(b)
	s.mu.Unlock()

	if _, ok := s.typeToChannel[pair]; ok {
		t.Fatalf("expected type bucket to be deleted once its last subscriber left")
	}
	assertReverseConsistent(t, s)
}

func TestChannelsForLookupsReturnSnapshots(t *testing.T) {
	s := newTestServer()
	a, _ := mustAdd(t, s)

	s.mu.Lock()
	s.subscribeType(a, "app", "Widget")
	indexKey := keymapping.IndexKey("app", "Widget", "value", "somehash")
	s.subscribeIndexKey(a, indexKey)
	s.subscribeIdentity(a, "widget-1")
	s.mu.Unlock()

	if got := s.channelsForSchemaType("app", "Widget"); len(got) != 1 || got[0] != a {
		t.Fatalf("channelsForSchemaType: expected [a], got %v", got)
	}
	if got := s.channelsForIndexKey(indexKey); len(got) != 1 || got[0] != a {
		t.Fatalf("channelsForIndexKey: expected [a], got %v", got)
	}
	if got := s.channelsForIdentity("widget-1"); len(got) != 1 || got[0] != a {
		t.Fatalf("channelsForIdentity: expected [a], got %v", got)
	}
	if got := s.channelsForSchemaType("app", "Gadget"); got != nil {
		t.Fatalf("expected nil for an unsubscribed type, got %v", got)
	}
}

func TestDropConnectionKeepsReverseConsistencyAcrossSharedBuckets(t *testing.T) {
	s := newTestServer()
	a, _ := mustAdd(t, s)
	b, _ := mustAdd(t, s)

	def := schemaFor("Widget")
	for _, ch := range []*Channel{a, b} {
		s.OnClientMessage(ch, protocol.ClientMessage{
			Kind:         protocol.KindDefineSchema,
			DefineSchema: &protocol.DefineSchema{Name: "app", Definition: def},
		})
		s.OnClientMessage(ch, protocol.ClientMessage{
			Kind:      protocol.KindSubscribe,
			Subscribe: &protocol.Subscribe{Schema: "app", Typename: strptr("Widget")},
		})
	}

	assertReverseConsistent(t, s)

	s.DropConnection(a)
	assertReverseConsistent(t, s)

	pair := schemaTypePair{"app", "Widget"}
	if _, ok := s.typeToChannel[pair][b]; !ok {
		t.Fatalf("expected b to remain subscribed after a's drop")
	}
	if _, ok := s.typeToChannel[pair][a]; ok {
		t.Fatalf("expected a to be fully removed from the type bucket")
	}
}
