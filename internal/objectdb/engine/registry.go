package engine

import (
	"fmt"

	"github.com/objectdb/objectdb-server/internal/objectdb/identity"
	"github.com/objectdb/objectdb-server/internal/objectdb/keymapping"
	"github.com/objectdb/objectdb-server/internal/objectdb/protocol"
)

// AddConnection registers a newly-connected sender, assigns it an
// identity, synthesizes a core.Connection " exists" write so the
// connection is itself visible to subscribers of that type, and sends
// the client its Initialize message. Mirrors the original's
// addConnection / _createConnectionEntry.
func (s *Server) AddConnection(sender Sender) (*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	connID := identity.New()
	ch := newChannel(sender, connID, s.curTransactionNum, s.opts.Clock)

	s.channels[ch] = struct{}{}
	s.opts.Metrics.IncConnections()

	if err := s.createConnectionEntry(ch); err != nil {
		delete(s.channels, ch)
		s.opts.Metrics.DecConnections()
		return nil, fmt.Errorf("engine: create connection entry: %w", err)
	}

	ch.sendInitialize()
	return ch, nil
}

// DropConnection tears a channel down: it scrubs every subscription
// fan-out entry, removes the channel's core.Connection object, and
// closes the sender. Idempotent — dropping an already-dropped or
// unknown channel is a no-op.
func (s *Server) DropConnection(ch *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.channels[ch]; !ok {
		return
	}
	delete(s.channels, ch)
	s.opts.Metrics.DecConnections()

	s.unsubscribeAll(ch)

	if err := s.dropConnectionEntry(ch); err != nil {
		s.opts.Logger.Sugar().Warnw("engine: drop connection entry failed",
			"connIdentity", ch.ConnIdentity(), "error", err)
	}

	_ = ch.sender.Close()
}

// createConnectionEntry writes a synthetic core.Connection object for
// ch's identity with its one field, " exists", set true — the exact
// mechanism the original uses so that "who is connected" is itself
// just an ordinary subscribable object. It commits through the same
// handleNewTransaction path a client's own write would, with a nil
// sourceChannel (there is no client channel to apply implicit
// self-subscription expansion to), exactly as the original's
// _createConnectionEntry calls _handleNewTransaction directly.
func (s *Server) createConnectionEntry(ch *Channel) error {
	valueHash := keymapping.TrueHash()
	trueBytes, err := keymapping.EncodeIndexValue(true)
	if err != nil {
		return err
	}

	tx := protocol.NewTransaction{
		Writes: map[keymapping.Key][]byte{
			keymapping.DataKey(CoreSchema, ConnectionType, ch.ConnIdentity(), keymapping.ExistsField): trueBytes,
		},
		SetAdds: map[keymapping.Key][]string{
			keymapping.IndexKey(CoreSchema, ConnectionType, keymapping.ExistsField, valueHash): {ch.ConnIdentity()},
		},
		AsOfVersion: s.curTransactionNum,
	}

	ok, err := s.handleNewTransaction(nil, tx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("engine: connection entry commit unexpectedly conflicted")
	}
	return nil
}

// dropConnectionEntry removes the synthetic core.Connection object
// created by createConnectionEntry, via the same commit path.
func (s *Server) dropConnectionEntry(ch *Channel) error {
	valueHash := keymapping.TrueHash()

	tx := protocol.NewTransaction{
		Writes: map[keymapping.Key][]byte{
			keymapping.DataKey(CoreSchema, ConnectionType, ch.ConnIdentity(), keymapping.ExistsField): nil,
		},
		SetRemoves: map[keymapping.Key][]string{
			keymapping.IndexKey(CoreSchema, ConnectionType, keymapping.ExistsField, valueHash): {ch.ConnIdentity()},
		},
		AsOfVersion: s.curTransactionNum,
	}

	ok, err := s.handleNewTransaction(nil, tx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("engine: connection entry drop unexpectedly conflicted")
	}
	return nil
}

// ReapStaleConnections clears out any core.Connection objects left
// behind by a previous, uncleanly-terminated process. Call once at
// startup, before the transport begins accepting connections, per
// spec.md §3 "Persisted state" / §6. This bypasses handleNewTransaction
// and writes the store directly, matching the original's
// _removeOldDeadConnections: there are no connected channels yet for
// any of this to broadcast to.
func (s *Server) ReapStaleConnections() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	groupKey := keymapping.IndexGroupKey(CoreSchema, ConnectionType, keymapping.ExistsField)
	hashes, err := s.store.GetSetMembers(groupKey)
	if err != nil {
		return fmt.Errorf("engine: reap: list groups: %w", err)
	}

	for valueHash := range hashes {
		indexKey, err := keymapping.IndexGroupAndHashToIndexKey(groupKey, valueHash)
		if err != nil {
			return fmt.Errorf("engine: reap: rebuild index key: %w", err)
		}
		ids, err := s.store.GetSetMembers(indexKey)
		if err != nil {
			return fmt.Errorf("engine: reap: list ids: %w", err)
		}
		for id := range ids {
			dataKey := keymapping.DataKey(CoreSchema, ConnectionType, id, keymapping.ExistsField)
			writes := map[keymapping.Key][]byte{dataKey: nil}
			setRemoves := map[keymapping.Key]map[string]struct{}{
				indexKey: {id: {}},
			}
			if _, _, err := s.store.SetSeveral(writes, nil, setRemoves); err != nil {
				return fmt.Errorf("engine: reap: clear %s: %w", id, err)
			}
		}
	}
	return nil
}
