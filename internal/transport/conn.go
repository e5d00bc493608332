package transport

import (
	"encoding/json"
	"net"

	"github.com/objectdb/objectdb-server/internal/metrics"
	"github.com/objectdb/objectdb-server/internal/objectdb/protocol"
)

// wsConn is the engine.Sender for one WebSocket connection: it
// JSON-encodes a ServerMessage and hands it to a bounded per-connection
// send queue drained by a dedicated write-loop goroutine, the same
// shape the teacher's session.Hub used for its own per-client queues.
// A full queue means the client is too slow to keep up; rather than
// block the single global lock behind it, the message is dropped and
// counted.
type wsConn struct {
	conn      net.Conn
	sendQueue chan []byte
	metrics   *metrics.Registry
}

func newWSConn(conn net.Conn, sendChannelSize int, metricsRegistry *metrics.Registry) *wsConn {
	if sendChannelSize <= 0 {
		sendChannelSize = 256
	}
	return &wsConn{
		conn:      conn,
		sendQueue: make(chan []byte, sendChannelSize),
		metrics:   metricsRegistry,
	}
}

// Send implements engine.Sender.
func (c *wsConn) Send(msg protocol.ServerMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.sendQueue <- payload:
	default:
		if c.metrics != nil {
			c.metrics.BroadcastDropped.Inc()
		}
	}
	return nil
}

// Close implements engine.Sender.
func (c *wsConn) Close() error {
	close(c.sendQueue)
	return nil
}
