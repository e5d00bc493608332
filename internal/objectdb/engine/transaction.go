package engine

import (
	"time"

	"github.com/objectdb/objectdb-server/internal/objectdb/keymapping"
	"github.com/objectdb/objectdb-server/internal/objectdb/protocol"
)

// handleNewTransaction commits one client-proposed transaction: it
// checks optimistic version preconditions, applies writes and set
// deltas to the store, maintains reverse-index pointers and index
// group listings, expands any subscription that the new data now
// satisfies, and broadcasts one merged Transaction to every channel
// the commit is relevant to. Mirrors the original's
// _handleNewTransaction step for step; returns false (not an error) on
// a version conflict, matching the original's boolean success result.
//
// Caller must hold s.mu.
func (s *Server) handleNewTransaction(sourceChannel *Channel, msg protocol.NewTransaction) (bool, error) {
	t0 := time.Now()

	s.curTransactionNum++
	tid := s.curTransactionNum

	writes := msg.Writes
	if writes == nil {
		writes = make(map[keymapping.Key][]byte)
	}
	setAdds := dropEmpty(msg.SetAdds)
	setRemoves := dropEmpty(msg.SetRemoves)

	// Step: implicit self-subscription. A channel that creates objects
	// of a type it isn't already type-subscribed to must still learn
	// about them, so we fold them into its own tracked identity set
	// before anything else runs.
	if sourceChannel != nil {
		for addIndex, addedIdentities := range setAdds {
			schema, typename, field, _, err := keymapping.ParseIndexKey(addIndex)
			if err != nil {
				return false, err
			}
			if field != keymapping.ExistsField {
				continue
			}
			if _, alreadySubscribed := sourceChannel.subscribedTypes[schemaTypePair{schema, typename}]; alreadySubscribed {
				continue
			}
			for id := range addedIdentities {
				sourceChannel.subscribedIDs[id] = struct{}{}
				s.registerIdentityChannel(id, sourceChannel)
			}
			s.broadcastSubscriptionIncrease(sourceChannel, addIndex, setToSlice(addedIdentities))
		}
	}

	keysWritingTo := make(map[keymapping.Key]struct{})
	setsWritingTo := make(map[keymapping.Key]struct{})
	schemaTypePairsWriting := make(map[schemaTypePair]struct{})
	identitiesMentioned := make(map[string]struct{})

	for key := range writes {
		keysWritingTo[key] = struct{}{}
		schema, typename, ident, _, err := keymapping.ParseDataKey(key)
		if err != nil {
			return false, err
		}
		schemaTypePairsWriting[schemaTypePair{schema, typename}] = struct{}{}
		identitiesMentioned[ident] = struct{}{}
	}

	for _, subset := range []map[keymapping.Key]map[string]struct{}{setAdds, setRemoves} {
		for key, ids := range subset {
			if len(ids) == 0 {
				continue
			}
			schema, typename, err := keymapping.SchemaTypeOfIndexKey(key)
			if err != nil {
				return false, err
			}
			schemaTypePairsWriting[schemaTypePair{schema, typename}] = struct{}{}
			setsWritingTo[key] = struct{}{}
			for id := range ids {
				identitiesMentioned[id] = struct{}{}
			}
		}
	}

	// Conflict check: every key or index bucket the caller claims to
	// have read must not have been written since.
	for _, key := range msg.KeyVersions {
		if last, ok := s.versionNumbers[key]; ok && msg.AsOfVersion < last {
			s.opts.Metrics.IncConflicts()
			return false, nil
		}
	}
	for _, key := range msg.IndexVersions {
		if last, ok := s.versionNumbers[key]; ok && msg.AsOfVersion < last {
			s.opts.Metrics.IncConflicts()
			return false, nil
		}
	}

	for key := range keysWritingTo {
		s.versionNumbers[key] = tid
	}
	for key := range setsWritingTo {
		s.versionNumbers[key] = tid
	}

	t1 := time.Now()

	targetWrites := make(map[keymapping.Key][]byte, len(writes))
	for k, v := range writes {
		targetWrites[k] = v
	}
	for k, v := range reverseIndexDeltas(setAdds, setRemoves) {
		targetWrites[k] = v
	}

	newlyNonEmpty, newlyEmpty, err := s.store.SetSeveral(targetWrites, setAdds, setRemoves)
	if err != nil {
		return false, err
	}

	groupAdds := make(map[keymapping.Key]map[string]struct{})
	for _, full := range newlyNonEmpty {
		group, hash, err := keymapping.SplitIndexKeyToGroupAndHash(full)
		if err != nil {
			return false, err
		}
		if groupAdds[group] == nil {
			groupAdds[group] = make(map[string]struct{})
		}
		groupAdds[group][hash] = struct{}{}
	}
	groupRemoves := make(map[keymapping.Key]map[string]struct{})
	for _, full := range newlyEmpty {
		group, hash, err := keymapping.SplitIndexKeyToGroupAndHash(full)
		if err != nil {
			return false, err
		}
		if groupRemoves[group] == nil {
			groupRemoves[group] = make(map[string]struct{})
		}
		groupRemoves[group][hash] = struct{}{}
	}
	if len(groupAdds) > 0 || len(groupRemoves) > 0 {
		if _, _, err := s.store.SetSeveral(nil, groupAdds, groupRemoves); err != nil {
			return false, err
		}
	}

	t2 := time.Now()

	// Index-subscription expansion: any channel watching an index
	// bucket that just grew needs the newly-visible identities added to
	// its tracked set, and the transaction we're about to broadcast
	// needs their backing data spliced in so the new subscriber (who
	// has no prior state for them) can apply it like any other delta.
	for indexKey, adds := range setAdds {
		channels := s.channelsForIndexKey(indexKey)
		if len(channels) == 0 {
			continue
		}

		idsToAddToTransaction := make(map[string]struct{})
		for _, ch := range channels {
			newIds := make(map[string]struct{})
			for id := range adds {
				if _, already := ch.subscribedIDs[id]; !already {
					newIds[id] = struct{}{}
				}
			}
			for id := range newIds {
				ch.subscribedIDs[id] = struct{}{}
				s.registerIdentityChannel(id, ch)
			}
			if len(newIds) > 0 {
				s.broadcastSubscriptionIncrease(ch, indexKey, setToSlice(newIds))
			}
			for id := range newIds {
				idsToAddToTransaction[id] = struct{}{}
			}
		}

		if len(idsToAddToTransaction) > 0 {
			if err := s.increaseBroadcastTransactionToInclude(
				channels, indexKey, idsToAddToTransaction, targetWrites, setAdds, setRemoves,
			); err != nil {
				return false, err
			}
		}
	}

	channelsTriggered := make(map[*Channel]struct{})
	for pair := range schemaTypePairsWriting {
		for _, ch := range s.channelsForSchemaType(pair.Schema, pair.Typename) {
			channelsTriggered[ch] = struct{}{}
		}
	}
	for id := range identitiesMentioned {
		for _, ch := range s.channelsForIdentity(id) {
			channelsTriggered[ch] = struct{}{}
		}
	}

	if len(channelsTriggered) > 0 {
		tx := &protocol.Transaction{
			Writes:        targetWrites,
			SetAdds:       toProtoSets(setAdds),
			SetRemoves:    toProtoSets(setRemoves),
			TransactionID: tid,
		}
		for ch := range channelsTriggered {
			ch.send(protocol.ServerMessage{Kind: protocol.KindTransaction, Transaction: tx})
		}
	}

	s.opts.Metrics.IncTransactions()
	elapsed := time.Since(t0)
	s.opts.Metrics.ObserveCommitLatency(elapsed)

	if s.opts.Verbose || elapsed > s.opts.LongTransactionThreshold {
		s.opts.Logger.Sugar().Infow("engine: transaction committed",
			"phase1", t1.Sub(t0), "phase2", t2.Sub(t1), "phase3", time.Since(t2),
			"writes", len(writes), "setOps", len(setAdds)+len(setRemoves))
	}

	if s.opts.Publisher != nil && len(schemaTypePairsWriting) > 0 {
		pairs := make([][2]string, 0, len(schemaTypePairsWriting))
		for pair := range schemaTypePairsWriting {
			pairs = append(pairs, [2]string{pair.Schema, pair.Typename})
		}
		tx := protocol.Transaction{
			Writes:        targetWrites,
			SetAdds:       toProtoSets(setAdds),
			SetRemoves:    toProtoSets(setRemoves),
			TransactionID: tid,
		}
		if err := s.opts.Publisher.PublishTransaction(pairs, tx); err != nil {
			s.opts.Metrics.IncReplicationErr()
			s.opts.Logger.Sugar().Warnw("engine: replication publish failed", "error", err)
		}
	}

	return true, nil
}

// registerIdentityChannel records that ch is now tracking identity,
// without touching ch.subscribedIDs (the caller updates that side,
// since the two callers populate it slightly differently).
func (s *Server) registerIdentityChannel(identity string, ch *Channel) {
	set, ok := s.idToChannel[identity]
	if !ok {
		set = make(map[*Channel]struct{})
		s.idToChannel[identity] = set
	}
	set[ch] = struct{}{}
}

func (s *Server) broadcastSubscriptionIncrease(ch *Channel, indexKey keymapping.Key, newIds []string) {
	schema, typename, field, val, err := keymapping.ParseIndexKey(indexKey)
	if err != nil {
		return
	}
	ch.send(protocol.ServerMessage{
		Kind: protocol.KindSubscriptionIncrease,
		SubscriptionIncrease: &protocol.SubscriptionIncrease{
			Schema:            schema,
			Typename:          typename,
			FieldNameAndValue: &protocol.FieldValue{Field: field, ValueHash: val},
			Identities:        newIds,
		},
	})
}

// increaseBroadcastTransactionToInclude splices the backing data for
// newIds into targetWrites/setAdds so that every channel newly
// subscribed via indexKey receives it as part of the broadcast
// Transaction. The declared field and index sets pulled are the UNION
// across every channel in channels, not just one arbitrarily chosen
// channel: the original picked whichever channel its loop happened to
// land on last, which under-reported data to subscribers whose own
// schema definition declared more fields for the type than that one
// channel's did.
func (s *Server) increaseBroadcastTransactionToInclude(
	channels []*Channel,
	indexKey keymapping.Key,
	newIds map[string]struct{},
	targetWrites map[keymapping.Key][]byte,
	setAdds, setRemoves map[keymapping.Key]map[string]struct{},
) error {
	schema, typename, _, _, err := keymapping.ParseIndexKey(indexKey)
	if err != nil {
		return err
	}

	fields := make(map[string]struct{})
	indices := make(map[string]struct{})
	for _, ch := range channels {
		def, ok := ch.schema(schema)
		if !ok {
			continue
		}
		typedef, ok := def[typename]
		if !ok {
			continue
		}
		for _, f := range typedef.Fields {
			fields[f] = struct{}{}
		}
		for _, f := range typedef.Indices {
			indices[f] = struct{}{}
		}
	}

	ids := setToSlice(newIds)

	var dataKeys []keymapping.Key
	for field := range fields {
		for _, id := range ids {
			dataKeys = append(dataKeys, keymapping.DataKey(schema, typename, id, field))
		}
	}
	if len(dataKeys) > 0 {
		vals, err := s.store.GetSeveral(dataKeys)
		if err != nil {
			return err
		}
		for i, k := range dataKeys {
			targetWrites[k] = vals[i]
		}
	}

	var reverseKeys []keymapping.Key
	for indexName := range indices {
		for _, id := range ids {
			reverseKeys = append(reverseKeys, keymapping.ReverseIndexKey(id, indexName))
		}
	}
	if len(reverseKeys) == 0 {
		return nil
	}
	reverseVals, err := s.store.GetSeveral(reverseKeys)
	if err != nil {
		return err
	}
	reverseByKey := make(map[keymapping.Key][]byte, len(reverseKeys))
	for i, k := range reverseKeys {
		reverseByKey[k] = reverseVals[i]
	}

	for indexName := range indices {
		for _, id := range ids {
			raw := reverseByKey[keymapping.ReverseIndexKey(id, indexName)]
			if raw == nil {
				continue
			}
			ik := keymapping.IndexKey(schema, typename, indexName, string(raw))
			if setAdds[ik] == nil {
				setAdds[ik] = make(map[string]struct{})
			}
			setAdds[ik][id] = struct{}{}
		}
	}
	return nil
}

// reverseIndexDeltas computes the data-key writes for the reverse-index
// pointer (identity,field) -> current value-hash implied by a set of
// index adds/removes: removes are processed first (written as a nil
// tombstone), then adds, so that an add wins over a remove touching the
// same identity/field in the same transaction.
func reverseIndexDeltas(setAdds, setRemoves map[keymapping.Key]map[string]struct{}) map[keymapping.Key][]byte {
	out := make(map[keymapping.Key][]byte)

	for indexKey, ids := range setRemoves {
		_, _, field, _, err := keymapping.ParseIndexKey(indexKey)
		if err != nil {
			continue
		}
		for id := range ids {
			out[keymapping.ReverseIndexKey(id, field)] = nil
		}
	}
	for indexKey, ids := range setAdds {
		_, _, field, valueHash, err := keymapping.ParseIndexKey(indexKey)
		if err != nil {
			continue
		}
		for id := range ids {
			out[keymapping.ReverseIndexKey(id, field)] = []byte(valueHash)
		}
	}
	return out
}

func dropEmpty(in map[keymapping.Key][]string) map[keymapping.Key]map[string]struct{} {
	out := make(map[keymapping.Key]map[string]struct{})
	for k, vs := range in {
		if len(vs) == 0 {
			continue
		}
		set := make(map[string]struct{}, len(vs))
		for _, v := range vs {
			set[v] = struct{}{}
		}
		out[k] = set
	}
	return out
}

func toProtoSets(in map[keymapping.Key]map[string]struct{}) map[keymapping.Key][]string {
	out := make(map[keymapping.Key][]string, len(in))
	for k, set := range in {
		out[k] = setToSlice(set)
	}
	return out
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	return out
}
