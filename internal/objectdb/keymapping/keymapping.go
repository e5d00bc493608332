// Package keymapping encodes and parses the opaque byte keys the
// transaction engine uses to address data cells, index buckets, index
// group listings, and per-identity reverse-index pointers.
//
// Every encoder has a matching parser such that parse(encode(x)) == x.
// Keys carry a one-byte family tag so a key from one family can never
// be mistaken for, or successfully parsed as, a key from another.
package keymapping

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Key is an opaque byte string addressing a single cell or set in the
// key-value store. Only equality of Keys matters; ordering is not
// meaningful.
type Key string

// ExistsField is the reserved field present on every live object and
// absent after deletion. The leading space avoids collision with
// client-declared field names.
const ExistsField = " exists"

const (
	tagData        = 'D'
	tagIndex       = 'I'
	tagIndexGroup  = 'G'
	tagReverseIdx  = 'R'
)

var (
	// ErrWrongFamily is returned when a parser is given a key tagged
	// for a different family.
	ErrWrongFamily = errors.New("keymapping: key belongs to a different family")
	// ErrMalformed is returned when a key's segment framing is corrupt.
	ErrMalformed = errors.New("keymapping: malformed key")
)

// encodeSegments builds a Key from a family tag and an ordered list of
// string components. Each component is length-prefixed so that
// concatenation is unambiguous regardless of the component's content.
func encodeSegments(tag byte, parts ...string) Key {
	var b strings.Builder
	b.WriteByte(tag)
	for _, p := range parts {
		b.WriteString(strconv.Itoa(len(p)))
		b.WriteByte(':')
		b.WriteString(p)
	}
	return Key(b.String())
}

// decodeSegments reverses encodeSegments, checking the family tag and
// returning exactly n components.
func decodeSegments(k Key, tag byte, n int) ([]string, error) {
	s := string(k)
	if len(s) == 0 || s[0] != tag {
		return nil, ErrWrongFamily
	}
	s = s[1:]

	parts := make([]string, 0, n)
	for len(parts) < n {
		sep := strings.IndexByte(s, ':')
		if sep < 0 {
			return nil, ErrMalformed
		}
		length, err := strconv.Atoi(s[:sep])
		if err != nil || length < 0 {
			return nil, ErrMalformed
		}
		s = s[sep+1:]
		if len(s) < length {
			return nil, ErrMalformed
		}
		parts = append(parts, s[:length])
		s = s[length:]
	}
	if s != "" {
		return nil, ErrMalformed
	}
	return parts, nil
}

// DataKey encodes the key for the data cell (schema,type,id,field).
func DataKey(schema, typename, identity, field string) Key {
	return encodeSegments(tagData, schema, typename, identity, field)
}

// ParseDataKey recovers (schema,type,id,field) from a data key.
func ParseDataKey(k Key) (schema, typename, identity, field string, err error) {
	parts, err := decodeSegments(k, tagData, 4)
	if err != nil {
		return "", "", "", "", err
	}
	return parts[0], parts[1], parts[2], parts[3], nil
}

// IndexKey encodes the key for the index bucket
// (schema,type,field,value_hash) holding the set of identities whose
// value hashes to valueHash.
func IndexKey(schema, typename, field, valueHash string) Key {
	return encodeSegments(tagIndex, schema, typename, field, valueHash)
}

// ParseIndexKey recovers all four components of an index key.
func ParseIndexKey(k Key) (schema, typename, field, valueHash string, err error) {
	parts, err := decodeSegments(k, tagIndex, 4)
	if err != nil {
		return "", "", "", "", err
	}
	return parts[0], parts[1], parts[2], parts[3], nil
}

// SchemaTypeOfIndexKey recovers just the (schema,type) pair from an
// index key, used wherever only the writing schema/type pair matters.
func SchemaTypeOfIndexKey(k Key) (schema, typename string, err error) {
	schema, typename, _, _, err = ParseIndexKey(k)
	return schema, typename, err
}

// IndexGroupKey encodes the key for the group listing of an index
// field: the set of value-hashes currently populated for
// (schema,type,field).
func IndexGroupKey(schema, typename, field string) Key {
	return encodeSegments(tagIndexGroup, schema, typename, field)
}

// ParseIndexGroupKey recovers (schema,type,field) from a group key.
func ParseIndexGroupKey(k Key) (schema, typename, field string, err error) {
	parts, err := decodeSegments(k, tagIndexGroup, 3)
	if err != nil {
		return "", "", "", err
	}
	return parts[0], parts[1], parts[2], nil
}

// SplitIndexKeyToGroupAndHash splits a full index key into its group
// key (schema,type,field) and the trailing value-hash, for group
// listing maintenance when an index bucket transitions empty<->non-empty.
func SplitIndexKeyToGroupAndHash(k Key) (group Key, valueHash string, err error) {
	schema, typename, field, valueHash, err := ParseIndexKey(k)
	if err != nil {
		return "", "", err
	}
	return IndexGroupKey(schema, typename, field), valueHash, nil
}

// IndexGroupAndHashToIndexKey rebuilds a full index key from a group
// key and a value-hash drawn from that group's listing.
func IndexGroupAndHashToIndexKey(group Key, valueHash string) (Key, error) {
	schema, typename, field, err := ParseIndexGroupKey(group)
	if err != nil {
		return "", err
	}
	return IndexKey(schema, typename, field, valueHash), nil
}

// ReverseIndexKey encodes the key holding an identity's current
// value-hash for one index field.
func ReverseIndexKey(identity, field string) Key {
	return encodeSegments(tagReverseIdx, identity, field)
}

// ParseReverseIndexKey recovers (identity,field) from a reverse-index key.
func ParseReverseIndexKey(k Key) (identity, field string, err error) {
	parts, err := decodeSegments(k, tagReverseIdx, 2)
	if err != nil {
		return "", "", err
	}
	return parts[0], parts[1], nil
}

// EncodeIndexValue produces the canonical value-hash string for a
// scalar value used in an index position. Clients are free to supply
// their own digests for ordinary fields; this helper exists so the
// server's own synthetic transactions (connection lifecycle) and tests
// can produce hashes that round-trip the same way client hashes do.
func EncodeIndexValue(v any) (string, error) {
	switch val := v.(type) {
	case bool:
		if val {
			return "b:true", nil
		}
		return "b:false", nil
	case string:
		return "s:" + val, nil
	case int:
		return "i:" + strconv.Itoa(val), nil
	case int64:
		return "i:" + strconv.FormatInt(val, 10), nil
	case float64:
		return "f:" + strconv.FormatFloat(val, 'g', -1, 64), nil
	default:
		return "", fmt.Errorf("keymapping: unsupported index value type %T", v)
	}
}

// DecodeIndexValue reverses EncodeIndexValue.
func DecodeIndexValue(hash string) (any, error) {
	if len(hash) < 2 || hash[1] != ':' {
		return nil, ErrMalformed
	}
	tag, payload := hash[0], hash[2:]
	switch tag {
	case 'b':
		return payload == "true", nil
	case 's':
		return payload, nil
	case 'i':
		n, err := strconv.ParseInt(payload, 10, 64)
		return n, err
	case 'f':
		f, err := strconv.ParseFloat(payload, 64)
		return f, err
	default:
		return nil, ErrMalformed
	}
}

// TrueHash is the canonical value-hash for the boolean true, used to
// encode the " exists" index.
func TrueHash() string {
	h, _ := EncodeIndexValue(true)
	return h
}
