package mvcc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// KeyCodec converts K to and from the string keys a JSON object requires.
// It plays the role the source's KS seed parameter plays for
// StorageSeeded/CellSeeded: callers supply it once per K, the same way they
// already supply LessFunc[K] to NewStorage.
type KeyCodec[K any] struct {
	Encode func(K) string
	Decode func(string) (K, error)
}

// storageWire is the two-field JSON shape: "rollback" maps a key to its
// pre-block value, or JSON null for a key that was absent (the Option<V>
// the source serializes); "blocks" maps a key to its current value. The
// Staging Buffer is never part of this shape — see MarshalStorageJSON.
type storageWire[K any, V any] struct {
	Rollback map[string]*V `json:"rollback"`
	Blocks   map[string]V  `json:"blocks"`
}

// MarshalStorageJSON serializes s to the exact two-field contract: a
// "rollback" object (key -> prior value, or null for "was absent") and a
// "blocks" object (key -> current value). The Staging Buffer itself is
// never serialized; any not-yet-merged block is folded into "blocks" by
// taking a View first, so the round trip is observably lossless even
// though the internal overrides/tombstones split is not preserved.
func MarshalStorageJSON[K any, V any](s *Storage[K, V], codec KeyCodec[K]) ([]byte, error) {
	view := s.View()
	blocks := make(map[string]V)
	for k, v := range view.Iter() {
		blocks[codec.Encode(k)] = v
	}

	rollback := make(map[string]*V)
	s.rollback.Load().entries.Ascend(func(e entry[K, rollbackValue[V]]) bool {
		key := codec.Encode(e.key)
		if e.val.present {
			v := *e.val.value
			rollback[key] = &v
		} else {
			rollback[key] = nil
		}
		return true
	})

	return json.Marshal(storageWire[K, V]{Rollback: rollback, Blocks: blocks})
}

// UnmarshalStorageJSON parses data in either the positional ([rollback,
// blocks]) or keyed ({"rollback":...,"blocks":...}) shape and builds a
// fresh Storage from it. Unknown fields, duplicate fields, missing fields,
// and a shape that is neither a 2-element sequence nor a 2-field object
// are all reported as errors, never panics (see §7).
func UnmarshalStorageJSON[K any, V any](data []byte, less LessFunc[K], codec KeyCodec[K], opts ...Option) (*Storage[K, V], error) {
	rbRaw, blocksRaw, err := splitWireFields(data)
	if err != nil {
		return nil, err
	}

	var blocks map[string]V
	if err := json.Unmarshal(blocksRaw, &blocks); err != nil {
		return nil, err
	}
	var rollback map[string]*V
	if err := json.Unmarshal(rbRaw, &rollback); err != nil {
		return nil, err
	}

	s := NewStorage[K, V](less, opts...)

	base := s.base.Load()
	for ks, v := range blocks {
		k, err := codec.Decode(ks)
		if err != nil {
			return nil, err
		}
		val := v
		base.ReplaceOrInsert(entry[K, V]{key: k, val: &val})
	}
	s.base.Store(base)

	rb := newRollbackLog[K, V](less)
	for ks, v := range rollback {
		k, err := codec.Decode(ks)
		if err != nil {
			return nil, err
		}
		if v != nil {
			val := *v
			rb.entries.ReplaceOrInsert(entry[K, rollbackValue[V]]{key: k, val: &rollbackValue[V]{value: &val, present: true}})
		} else {
			rb.entries.ReplaceOrInsert(entry[K, rollbackValue[V]]{key: k, val: &rollbackValue[V]{present: false}})
		}
	}
	s.rollback.Store(rb)

	return s, nil
}

// cellWire is the Cell analog of storageWire: "rollback" is the single
// prior value (or null), "blocks" is the single current value.
type cellWire[V any] struct {
	Rollback *V `json:"rollback"`
	Blocks   V  `json:"blocks"`
}

// MarshalCellJSON serializes c to the same two-field contract as
// MarshalStorageJSON, specialized to a single value instead of a map.
func MarshalCellJSON[V any](c *Cell[V]) ([]byte, error) {
	wire := cellWire[V]{Blocks: *c.current.Load()}
	if rb := c.rollback.Load(); rb != nil {
		v := *rb
		wire.Rollback = &v
	}
	return json.Marshal(wire)
}

// UnmarshalCellJSON is the Cell analog of UnmarshalStorageJSON.
func UnmarshalCellJSON[V any](data []byte, opts ...Option) (*Cell[V], error) {
	rbRaw, blocksRaw, err := splitWireFields(data)
	if err != nil {
		return nil, err
	}
	var blocks V
	if err := json.Unmarshal(blocksRaw, &blocks); err != nil {
		return nil, err
	}
	var rollback *V
	if err := json.Unmarshal(rbRaw, &rollback); err != nil {
		return nil, err
	}
	c := NewCell[V](blocks, opts...)
	c.rollback.Store(rollback)
	return c, nil
}

// splitWireFields accepts either a 2-element JSON array (positional
// [rollback, blocks]) or a JSON object with exactly the "rollback" and
// "blocks" keys, and returns the raw sub-documents for each field.
func splitWireFields(data []byte) (rollback, blocks json.RawMessage, err error) {
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) > 0 && trimmed[0] == '[':
		var seq []json.RawMessage
		if err := json.Unmarshal(data, &seq); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrWrongShape, err)
		}
		if len(seq) != 2 {
			return nil, nil, fmt.Errorf("%w: expected 2 elements, got %d", ErrWrongShape, len(seq))
		}
		return seq[0], seq[1], nil
	case len(trimmed) > 0 && trimmed[0] == '{':
		return splitWireObject(data)
	default:
		return nil, nil, ErrWrongShape
	}
}

// splitWireObject walks the object token by token rather than unmarshaling
// into a map[string]json.RawMessage, because the latter silently keeps the
// last value on a duplicate key instead of erroring — and the source's
// visit_map explicitly rejects duplicate "rollback"/"blocks" keys.
func splitWireObject(data []byte) (rollback, blocks json.RawMessage, err error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, ErrWrongShape
	}

	var sawRollback, sawBlocks bool
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, nil, ErrWrongShape
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, nil, err
		}
		switch key {
		case "rollback":
			if sawRollback {
				return nil, nil, fmt.Errorf("%w: rollback", ErrDuplicateField)
			}
			sawRollback = true
			rollback = raw
		case "blocks":
			if sawBlocks {
				return nil, nil, fmt.Errorf("%w: blocks", ErrDuplicateField)
			}
			sawBlocks = true
			blocks = raw
		default:
			return nil, nil, fmt.Errorf("%w: %q", ErrUnknownField, key)
		}
	}
	if !sawRollback {
		return nil, nil, fmt.Errorf("%w: rollback", ErrMissingField)
	}
	if !sawBlocks {
		return nil, nil, fmt.Errorf("%w: blocks", ErrMissingField)
	}
	return rollback, blocks, nil
}
