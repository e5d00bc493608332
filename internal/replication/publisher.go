// Package replication mirrors committed transactions onto NATS
// subjects for out-of-process observers. It is strictly best-effort
// and additive: a publish failure is logged and counted, never
// propagated back into the commit path, and it never gates whether a
// transaction is considered committed. This is not cross-server
// replication of writer authority (an explicit non-goal) — it is a
// notification side-channel over an already-committed transaction.
package replication

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/objectdb/objectdb-server/internal/objectdb/protocol"
)

// Publisher mirrors committed transactions onto NATS.
type Publisher struct {
	conn *nats.Conn
}

// Dial connects to the NATS server at url.
func Dial(url string) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("replication: connect: %w", err)
	}
	return &Publisher{conn: conn}, nil
}

// Subject builds the subject a committed transaction touching
// (schema,type) is published to.
func Subject(schema, typename string) string {
	return fmt.Sprintf("objectdb.tx.%s.%s", schema, typename)
}

// PublishTransaction publishes tx to one subject per (schema,type) pair
// it touched. Errors are returned to the caller, which is expected to
// log and count them rather than fail the commit.
func (p *Publisher) PublishTransaction(schemaTypePairs [][2]string, tx protocol.Transaction) error {
	payload, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("replication: marshal transaction: %w", err)
	}

	var firstErr error
	for _, pair := range schemaTypePairs {
		if err := p.conn.Publish(Subject(pair[0], pair[1]), payload); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("replication: publish %s: %w", Subject(pair[0], pair[1]), err)
		}
	}
	return firstErr
}

// Close drains and closes the underlying NATS connection.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
