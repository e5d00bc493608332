package engine

import "github.com/objectdb/objectdb-server/internal/objectdb/protocol"

// OnClientMessage dispatches one client message to the engine.
// Heartbeat is handled without the global lock, since it only touches
// a channel's own hbMu; every other kind is a state mutation and takes
// s.mu for its duration, matching spec's single-global-lock
// concurrency model. A protocol violation on DefineSchema/Subscribe is
// logged and otherwise ignored rather than tearing down the
// connection — the client simply gets no data for the bad request.
func (s *Server) OnClientMessage(ch *Channel, msg protocol.ClientMessage) {
	switch msg.Kind {
	case protocol.KindHeartbeat:
		ch.Heartbeat()

	case protocol.KindFlush:
		if msg.Flush == nil {
			return
		}
		s.mu.Lock()
		ch.send(protocol.ServerMessage{
			Kind:          protocol.KindFlushResponse,
			FlushResponse: &protocol.FlushResponse{GUID: msg.Flush.GUID},
		})
		s.mu.Unlock()

	case protocol.KindDefineSchema:
		if msg.DefineSchema == nil {
			return
		}
		s.mu.Lock()
		ch.defineSchema(msg.DefineSchema.Name, msg.DefineSchema.Definition)
		s.mu.Unlock()

	case protocol.KindSubscribe:
		if msg.Subscribe == nil {
			return
		}
		s.mu.Lock()
		err := s.handleSubscribe(ch, *msg.Subscribe)
		s.mu.Unlock()
		if err != nil {
			s.opts.Logger.Sugar().Warnw("engine: subscribe rejected",
				"connIdentity", ch.ConnIdentity(), "error", err)
		}

	case protocol.KindNewTransaction:
		if msg.NewTransaction == nil {
			return
		}
		s.mu.Lock()
		ok, err := s.handleNewTransaction(ch, *msg.NewTransaction)
		s.mu.Unlock()
		if err != nil {
			s.opts.Logger.Sugar().Errorw("engine: transaction commit failed",
				"connIdentity", ch.ConnIdentity(),
				"transactionGuid", msg.NewTransaction.TransactionGUID, "error", err)
			ok = false
		}
		ch.sendTransactionResult(msg.NewTransaction.TransactionGUID, ok)
	}
}
