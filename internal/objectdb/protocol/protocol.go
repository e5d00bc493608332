// Package protocol defines the closed tagged union of messages that
// flow between clients and the server. Each direction is a single sum
// type discriminated by a Kind field; handlers switch over Kind rather
// than using dynamic dispatch. Kind is a plain string type, so the
// compiler does not check that a switch covers every kind.
package protocol

import "github.com/objectdb/objectdb-server/internal/objectdb/keymapping"

// TypeDefinition is one client-declared record shape: a list of plain
// scalar fields plus a list of fields over which index lookup is
// supported.
type TypeDefinition struct {
	Fields  []string `json:"fields"`
	Indices []string `json:"indices"`
}

// SchemaDefinition maps a type name to its definition.
type SchemaDefinition map[string]TypeDefinition

// FieldValue names an indexed field and the value-hash a subscription
// or lookup is narrowed to.
type FieldValue struct {
	Field     string `json:"field"`
	ValueHash string `json:"valueHash"`
}

// ClientMessageKind discriminates ClientMessage.
type ClientMessageKind string

const (
	KindHeartbeat      ClientMessageKind = "heartbeat"
	KindFlush          ClientMessageKind = "flush"
	KindDefineSchema   ClientMessageKind = "defineSchema"
	KindSubscribe      ClientMessageKind = "subscribe"
	KindNewTransaction ClientMessageKind = "newTransaction"
)

// ClientMessage is the closed union of every message a client may send.
type ClientMessage struct {
	Kind ClientMessageKind `json:"kind"`

	Flush          *FlushRequest      `json:"flush,omitempty"`
	DefineSchema   *DefineSchema      `json:"defineSchema,omitempty"`
	Subscribe      *Subscribe         `json:"subscribe,omitempty"`
	NewTransaction *NewTransaction    `json:"newTransaction,omitempty"`
}

// FlushRequest asks the server to acknowledge, via FlushResponse, that
// every transaction the server has processed so far has been applied.
type FlushRequest struct {
	GUID string `json:"guid"`
}

// DefineSchema registers a schema definition for the sending channel.
type DefineSchema struct {
	Name       string           `json:"name"`
	Definition SchemaDefinition `json:"definition"`
}

// Subscribe requests a snapshot plus a live feed for one of the three
// subscription shapes: whole schema, whole type, or index/identity
// slice.
type Subscribe struct {
	Schema            string      `json:"schema"`
	Typename          *string     `json:"typename,omitempty"`
	FieldNameAndValue *FieldValue `json:"fieldNameAndValue,omitempty"`
}

// NewTransaction proposes a commit: writes plus index deltas, gated by
// optimistic version preconditions.
type NewTransaction struct {
	TransactionGUID string                        `json:"transactionGuid"`
	Writes          map[keymapping.Key][]byte     `json:"writes"`
	SetAdds         map[keymapping.Key][]string   `json:"setAdds"`
	SetRemoves      map[keymapping.Key][]string   `json:"setRemoves"`
	KeyVersions     []keymapping.Key              `json:"keyVersions"`
	IndexVersions   []keymapping.Key              `json:"indexVersions"`
	AsOfVersion     int64                         `json:"asOfVersion"`
}

// ServerMessageKind discriminates ServerMessage.
type ServerMessageKind string

const (
	KindInitialize           ServerMessageKind = "initialize"
	KindTransactionResult    ServerMessageKind = "transactionResult"
	KindFlushResponse        ServerMessageKind = "flushResponse"
	KindSubscription         ServerMessageKind = "subscription"
	KindSubscriptionIncrease ServerMessageKind = "subscriptionIncrease"
	KindTransaction          ServerMessageKind = "transaction"
)

// ServerMessage is the closed union of every message the server may send.
type ServerMessage struct {
	Kind ServerMessageKind `json:"kind"`

	Initialize           *Initialize           `json:"initialize,omitempty"`
	TransactionResult    *TransactionResult    `json:"transactionResult,omitempty"`
	FlushResponse        *FlushResponse        `json:"flushResponse,omitempty"`
	Subscription         *Subscription         `json:"subscription,omitempty"`
	SubscriptionIncrease *SubscriptionIncrease `json:"subscriptionIncrease,omitempty"`
	Transaction          *Transaction          `json:"transaction,omitempty"`
}

// Initialize is sent once, immediately after a connection is
// established, carrying the connection's own identity and the
// transaction id as of which it is valid.
type Initialize struct {
	TransactionNum int64  `json:"transactionNum"`
	ConnIdentity   string `json:"connIdentity"`
}

// TransactionResult reports whether a submitted NewTransaction committed.
type TransactionResult struct {
	TransactionGUID string `json:"transactionGuid"`
	Success         bool   `json:"success"`
}

// FlushResponse acknowledges a FlushRequest.
type FlushResponse struct {
	GUID string `json:"guid"`
}

// Subscription is the one-time snapshot delivered in response to a
// Subscribe message.
type Subscription struct {
	Schema            string                          `json:"schema"`
	Typename          *string                         `json:"typename,omitempty"`
	FieldNameAndValue *FieldValue                     `json:"fieldNameAndValue,omitempty"`
	Values            map[keymapping.Key][]byte       `json:"values"`
	Sets              map[keymapping.Key][]string     `json:"sets"`
	TransactionID     int64                           `json:"transactionId"`
	Identities        []string                        `json:"identities,omitempty"`
}

// SubscriptionIncrease announces that a channel's tracked identity set
// has grown, either because it wrote new objects itself or because a
// watched index gained members.
type SubscriptionIncrease struct {
	Schema            string     `json:"schema"`
	Typename          string     `json:"typename"`
	FieldNameAndValue *FieldValue `json:"fieldNameAndValue,omitempty"`
	Identities        []string   `json:"identities"`
}

// Transaction carries the committed delta a channel must apply.
type Transaction struct {
	Writes        map[keymapping.Key][]byte     `json:"writes"`
	SetAdds       map[keymapping.Key][]string   `json:"setAdds"`
	SetRemoves    map[keymapping.Key][]string   `json:"setRemoves"`
	TransactionID int64                         `json:"transactionId"`
}
