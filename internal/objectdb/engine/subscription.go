package engine

import (
	"fmt"
	"time"

	"github.com/objectdb/objectdb-server/internal/objectdb/keymapping"
	"github.com/objectdb/objectdb-server/internal/objectdb/protocol"
)

// IdentityField is a pseudo field name a Subscribe's FieldNameAndValue
// may use in place of a real indexed field, meaning "this value IS an
// identity" rather than "look this value up in an index". An object's
// identity never changes, so subscribing to one never needs a router
// entry the way an index-value subscription does.
const IdentityField = "_identity"

// handleSubscribe implements the three subscription shapes (whole
// schema, whole type, index/identity slice) against ch's own declared
// schema, and replies with exactly one aggregated Subscription
// snapshot, mirroring the original's _handleSubscription: every type
// named by the request is folded into one kvs/sets/identities
// accumulation before a single message is written out.
//
// Caller must hold s.mu.
func (s *Server) handleSubscribe(ch *Channel, msg protocol.Subscribe) error {
	t0 := time.Now()

	def, ok := ch.schema(msg.Schema)
	if !ok {
		return fmt.Errorf("%w: subscribe: unknown schema %q", ErrProtocolViolation, msg.Schema)
	}

	var typesToSubscribe []string
	if msg.Typename == nil {
		if msg.FieldNameAndValue != nil {
			return fmt.Errorf("%w: subscribe: fieldNameAndValue requires a typename", ErrProtocolViolation)
		}
		for t := range def {
			typesToSubscribe = append(typesToSubscribe, t)
		}
	} else {
		typesToSubscribe = []string{*msg.Typename}
	}

	values := make(map[keymapping.Key][]byte)
	sets := make(map[keymapping.Key][]string)
	var allIdentities []string

	for _, typename := range typesToSubscribe {
		typedef, ok := def[typename]
		if !ok {
			return fmt.Errorf("%w: subscribe: type %q not defined in schema %q", ErrProtocolViolation, typename, msg.Schema)
		}

		field, val := keymapping.ExistsField, keymapping.TrueHash()
		if msg.FieldNameAndValue != nil {
			field, val = msg.FieldNameAndValue.Field, msg.FieldNameAndValue.ValueHash
		}

		var identities map[string]struct{}
		if field == IdentityField {
			identities = map[string]struct{}{val: {}}
		} else {
			members, err := s.store.GetSetMembers(keymapping.IndexKey(msg.Schema, typename, field, val))
			if err != nil {
				return fmt.Errorf("engine: subscribe: read index: %w", err)
			}
			identities = members
		}

		for _, fieldname := range typedef.Fields {
			for id := range identities {
				key := keymapping.DataKey(msg.Schema, typename, id, fieldname)
				vs, err := s.store.GetSeveral([]keymapping.Key{key})
				if err != nil {
					return fmt.Errorf("engine: subscribe: read field: %w", err)
				}
				values[key] = vs[0]
			}
		}

		for _, fieldname := range typedef.Indices {
			groupKey := keymapping.IndexGroupKey(msg.Schema, typename, fieldname)
			valueHashes, err := s.store.GetSetMembers(groupKey)
			if err != nil {
				return fmt.Errorf("engine: subscribe: read index group: %w", err)
			}
			for vh := range valueHashes {
				indexKey, err := keymapping.IndexGroupAndHashToIndexKey(groupKey, vh)
				if err != nil {
					return err
				}
				members, err := s.store.GetSetMembers(indexKey)
				if err != nil {
					return fmt.Errorf("engine: subscribe: read index bucket: %w", err)
				}
				intersected := intersectWithIdentities(members, identities)
				if len(intersected) > 0 {
					sets[indexKey] = intersected
				}
			}
		}

		if msg.FieldNameAndValue != nil {
			for id := range identities {
				s.subscribeIdentity(ch, id)
			}
			if field != IdentityField {
				indexKey := keymapping.IndexKey(msg.Schema, typename, field, val)
				s.subscribeIndexKey(ch, indexKey)
			}
			for id := range identities {
				allIdentities = append(allIdentities, id)
			}
		} else {
			s.subscribeType(ch, msg.Schema, typename)
		}
	}

	s.opts.Metrics.IncSubscriptions()

	var identitiesOut []string
	if msg.FieldNameAndValue != nil {
		identitiesOut = allIdentities
	}

	ch.send(protocol.ServerMessage{
		Kind: protocol.KindSubscription,
		Subscription: &protocol.Subscription{
			Schema:            msg.Schema,
			Typename:          msg.Typename,
			FieldNameAndValue: msg.FieldNameAndValue,
			Values:            values,
			Sets:              sets,
			TransactionID:     s.curTransactionNum,
			Identities:        identitiesOut,
		},
	})

	elapsed := time.Since(t0)
	s.opts.Metrics.ObserveSnapshotLatency(elapsed)
	if elapsed > s.opts.LongTransactionThreshold {
		s.opts.Logger.Sugar().Infow("engine: slow subscription",
			"schema", msg.Schema, "typename", msg.Typename, "elapsed", elapsed,
			"values", len(values), "sets", len(sets))
	}
	return nil
}

func intersectWithIdentities(members map[string]struct{}, identities map[string]struct{}) []string {
	out := make([]string, 0, len(members))
	for m := range members {
		if _, ok := identities[m]; ok {
			out = append(out, m)
		}
	}
	return out
}
