package engine

import (
	"sync"
	"time"

	"github.com/objectdb/objectdb-server/internal/objectdb/keymapping"
	"github.com/objectdb/objectdb-server/internal/objectdb/protocol"
)

// Sender delivers a server message to one connected client. It is
// implemented by the transport layer. Send must not block for long:
// it is called while the server's global lock is held, and a slow
// Sender stalls every other channel's commits and subscriptions.
type Sender interface {
	Send(protocol.ServerMessage) error
	Close() error
}

// schemaTypePair names one (schema,type) combination, used as a map key.
type schemaTypePair struct {
	Schema   string
	Typename string
}

// Channel is the server's view of one connected client: its identity,
// per-channel schema definitions, and the three subscription sets that
// mirror the router's fan-out maps.
//
// Every field below except lastHeartbeat is only ever touched while
// the owning Server's global lock is held, matching spec's single
// global mutex concurrency model; lastHeartbeat is the one field a
// client's Heartbeat message updates without taking that lock; it gets
// its own small mutex so the heartbeat monitor can read it safely while
// such an update may be running concurrently.
type Channel struct {
	sender Sender
	clock  func() time.Time

	connIdentity string
	initialTID   int64

	hbMu          sync.Mutex
	lastHeartbeat time.Time

	definedSchemas map[string]protocol.SchemaDefinition

	subscribedTypes     map[schemaTypePair]struct{}
	subscribedIDs       map[string]struct{}
	subscribedIndexKeys map[keymapping.Key]struct{}
}

func newChannel(sender Sender, connIdentity string, initialTID int64, clock func() time.Time) *Channel {
	return &Channel{
		sender:              sender,
		clock:               clock,
		connIdentity:        connIdentity,
		initialTID:          initialTID,
		lastHeartbeat:       clock(),
		definedSchemas:      make(map[string]protocol.SchemaDefinition),
		subscribedTypes:     make(map[schemaTypePair]struct{}),
		subscribedIDs:       make(map[string]struct{}),
		subscribedIndexKeys: make(map[keymapping.Key]struct{}),
	}
}

// ConnIdentity returns the opaque identity assigned to this connection.
func (c *Channel) ConnIdentity() string { return c.connIdentity }

// Heartbeat refreshes the channel's last-seen time. Safe to call
// without holding the server's global lock.
func (c *Channel) Heartbeat() {
	c.hbMu.Lock()
	c.lastHeartbeat = c.clock()
	c.hbMu.Unlock()
}

func (c *Channel) heartbeatAge() time.Duration {
	c.hbMu.Lock()
	defer c.hbMu.Unlock()
	return c.clock().Sub(c.lastHeartbeat)
}

func (c *Channel) defineSchema(name string, def protocol.SchemaDefinition) {
	c.definedSchemas[name] = def
}

func (c *Channel) schema(name string) (protocol.SchemaDefinition, bool) {
	def, ok := c.definedSchemas[name]
	return def, ok
}

func (c *Channel) send(msg protocol.ServerMessage) {
	_ = c.sender.Send(msg)
}

func (c *Channel) sendInitialize() {
	c.send(protocol.ServerMessage{
		Kind: protocol.KindInitialize,
		Initialize: &protocol.Initialize{
			TransactionNum: c.initialTID,
			ConnIdentity:   c.connIdentity,
		},
	})
}

func (c *Channel) sendTransactionResult(guid string, success bool) {
	c.send(protocol.ServerMessage{
		Kind: protocol.KindTransactionResult,
		TransactionResult: &protocol.TransactionResult{
			TransactionGUID: guid,
			Success:         success,
		},
	})
}
