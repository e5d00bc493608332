package engine

import (
	"testing"

	"github.com/objectdb/objectdb-server/internal/kvstore"
	"github.com/objectdb/objectdb-server/internal/objectdb/keymapping"
	"github.com/objectdb/objectdb-server/internal/objectdb/protocol"
)

// fakeSender records every message sent to it, for test assertions.
type fakeSender struct {
	messages []protocol.ServerMessage
	closed   bool
}

func (f *fakeSender) Send(msg protocol.ServerMessage) error {
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeSender) Close() error {
	f.closed = true
	return nil
}

func newTestServer() *Server {
	return NewServer(kvstore.NewMemory(), Options{})
}

func mustAdd(t *testing.T, s *Server) (*Channel, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	ch, err := s.AddConnection(sender)
	if err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	return ch, sender
}

func TestAddConnectionSendsInitialize(t *testing.T) {
	s := newTestServer()
	_, sender := mustAdd(t, s)

	if len(sender.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sender.messages))
	}
	if sender.messages[0].Kind != protocol.KindInitialize {
		t.Fatalf("expected initialize, got %s", sender.messages[0].Kind)
	}
}

func schemaFor(typename string) protocol.SchemaDefinition {
	return protocol.SchemaDefinition{
		typename: protocol.TypeDefinition{
			Fields:  []string{"name", "value"},
			Indices: []string{"value"},
		},
	}
}

func TestSimpleWriteBroadcastsToTypeSubscriber(t *testing.T) {
	s := newTestServer()
	writer, _ := mustAdd(t, s)
	reader, readerSender := mustAdd(t, s)

	def := schemaFor("Widget")
	s.OnClientMessage(reader, protocol.ClientMessage{
		Kind:         protocol.KindDefineSchema,
		DefineSchema: &protocol.DefineSchema{Name: "app", Definition: def},
	})
	s.OnClientMessage(reader, protocol.ClientMessage{
		Kind:      protocol.KindSubscribe,
		Subscribe: &protocol.Subscribe{Schema: "app", Typename: strptr("Widget")},
	})

	readerSender.messages = nil // drop the Subscription snapshot

	id := "widget-1"
	nameKey := keymapping.DataKey("app", "Widget", id, "name")
	existsKey := keymapping.DataKey("app", "Widget", id, keymapping.ExistsField)
	trueHash := keymapping.TrueHash()

	tx := protocol.NewTransaction{
		TransactionGUID: "tx-1",
		Writes: map[keymapping.Key][]byte{
			nameKey:   []byte("hello"),
			existsKey: []byte("true"),
		},
		SetAdds: map[keymapping.Key][]string{
			keymapping.IndexKey("app", "Widget", keymapping.ExistsField, trueHash): {id},
		},
		AsOfVersion: s.curTransactionNum,
	}

	s.OnClientMessage(writer, protocol.ClientMessage{Kind: protocol.KindNewTransaction, NewTransaction: &tx})

	foundResult := false
	for _, m := range readerSender.messages {
		if m.Kind == protocol.KindTransaction {
			foundResult = true
			if _, ok := m.Transaction.Writes[nameKey]; !ok {
				t.Fatalf("broadcast transaction missing written key")
			}
		}
	}

	if !foundResult {
		t.Fatalf("expected reader to receive a broadcast transaction")
	}
}

func TestConflictingVersionRejectsTransaction(t *testing.T) {
	s := newTestServer()
	writer, writerSender := mustAdd(t, s)

	key := keymapping.DataKey("app", "Widget", "id-1", "name")

	first := protocol.NewTransaction{
		TransactionGUID: "tx-a",
		Writes:          map[keymapping.Key][]byte{key: []byte("a")},
		AsOfVersion:     s.curTransactionNum,
	}
	s.OnClientMessage(writer, protocol.ClientMessage{Kind: protocol.KindNewTransaction, NewTransaction: &first})

	stale := protocol.NewTransaction{
		TransactionGUID: "tx-b",
		Writes:          map[keymapping.Key][]byte{key: []byte("b")},
		KeyVersions:     []keymapping.Key{key},
		AsOfVersion:     0,
	}
	s.OnClientMessage(writer, protocol.ClientMessage{Kind: protocol.KindNewTransaction, NewTransaction: &stale})

	var results []protocol.TransactionResult
	for _, m := range writerSender.messages {
		if m.Kind == protocol.KindTransactionResult {
			results = append(results, *m.TransactionResult)
		}
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 transaction results, got %d", len(results))
	}
	if !results[0].Success {
		t.Fatalf("expected first transaction to succeed")
	}
	if results[1].Success {
		t.Fatalf("expected second (stale) transaction to fail")
	}
}

func TestIndexSubscriptionExpansionSplicesFieldData(t *testing.T) {
	s := newTestServer()
	writer, _ := mustAdd(t, s)
	reader, readerSender := mustAdd(t, s)

	def := schemaFor("Widget")
	s.OnClientMessage(reader, protocol.ClientMessage{
		Kind:         protocol.KindDefineSchema,
		DefineSchema: &protocol.DefineSchema{Name: "app", Definition: def},
	})

	valueHash, _ := keymapping.EncodeIndexValue("red")
	s.OnClientMessage(reader, protocol.ClientMessage{
		Kind: protocol.KindSubscribe,
		Subscribe: &protocol.Subscribe{
			Schema:            "app",
			Typename:          strptr("Widget"),
			FieldNameAndValue: &protocol.FieldValue{Field: "value", ValueHash: valueHash},
		},
	})
	readerSender.messages = nil

	id := "widget-red-1"
	nameKey := keymapping.DataKey("app", "Widget", id, "name")
	indexKey := keymapping.IndexKey("app", "Widget", "value", valueHash)

	tx := protocol.NewTransaction{
		TransactionGUID: "tx-index",
		Writes: map[keymapping.Key][]byte{
			nameKey: []byte("a red widget"),
		},
		SetAdds: map[keymapping.Key][]string{
			indexKey: {id},
		},
		AsOfVersion: s.curTransactionNum,
	}
	s.OnClientMessage(writer, protocol.ClientMessage{Kind: protocol.KindNewTransaction, NewTransaction: &tx})

	var gotIncrease, gotTransaction bool
	for _, m := range readerSender.messages {
		switch m.Kind {
		case protocol.KindSubscriptionIncrease:
			gotIncrease = true
			if len(m.SubscriptionIncrease.Identities) != 1 || m.SubscriptionIncrease.Identities[0] != id {
				t.Fatalf("unexpected subscription increase identities: %v", m.SubscriptionIncrease.Identities)
			}
		case protocol.KindTransaction:
			gotTransaction = true
			if _, ok := m.Transaction.Writes[nameKey]; !ok {
				t.Fatalf("expected spliced field data for %s in broadcast", nameKey)
			}
		}
	}
	if !gotIncrease {
		t.Fatalf("expected a SubscriptionIncrease message")
	}
	if !gotTransaction {
		t.Fatalf("expected a Transaction message")
	}
}

func TestImplicitSelfSubscription(t *testing.T) {
	s := newTestServer()
	writer, writerSender := mustAdd(t, s)

	def := schemaFor("Widget")
	s.OnClientMessage(writer, protocol.ClientMessage{
		Kind:         protocol.KindDefineSchema,
		DefineSchema: &protocol.DefineSchema{Name: "app", Definition: def},
	})
	writerSender.messages = nil

	id := "self-made-1"
	existsKey := keymapping.DataKey("app", "Widget", id, keymapping.ExistsField)
	trueHash := keymapping.TrueHash()

	tx := protocol.NewTransaction{
		TransactionGUID: "tx-self",
		Writes:          map[keymapping.Key][]byte{existsKey: []byte("true")},
		SetAdds: map[keymapping.Key][]string{
			keymapping.IndexKey("app", "Widget", keymapping.ExistsField, trueHash): {id},
		},
		AsOfVersion: s.curTransactionNum,
	}
	s.OnClientMessage(writer, protocol.ClientMessage{Kind: protocol.KindNewTransaction, NewTransaction: &tx})

	if _, ok := writer.subscribedIDs[id]; !ok {
		t.Fatalf("expected writer to be implicitly subscribed to its own new identity")
	}

	foundIncrease := false
	for _, m := range writerSender.messages {
		if m.Kind == protocol.KindSubscriptionIncrease {
			foundIncrease = true
		}
	}
	if !foundIncrease {
		t.Fatalf("expected writer to receive a SubscriptionIncrease for its own object")
	}
}

func TestDropConnectionUnsubscribesEverywhere(t *testing.T) {
	s := newTestServer()
	ch, _ := mustAdd(t, s)

	def := schemaFor("Widget")
	s.OnClientMessage(ch, protocol.ClientMessage{
		Kind:         protocol.KindDefineSchema,
		DefineSchema: &protocol.DefineSchema{Name: "app", Definition: def},
	})
	s.OnClientMessage(ch, protocol.ClientMessage{
		Kind:      protocol.KindSubscribe,
		Subscribe: &protocol.Subscribe{Schema: "app", Typename: strptr("Widget")},
	})

	if len(s.typeToChannel) == 0 {
		t.Fatalf("expected a type subscription to be registered")
	}

	s.DropConnection(ch)

	if len(s.typeToChannel) != 0 {
		t.Fatalf("expected type subscription fan-out to be emptied after drop")
	}
	if _, ok := s.channels[ch]; ok {
		t.Fatalf("expected channel to be removed from the registry")
	}
}

func strptr(s string) *string { return &s }
