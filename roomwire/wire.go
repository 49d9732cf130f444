// Package roomwire implements the wire encoding rules from spec.md
// section 3/6: how a publish payload is turned into hash fields, list
// entries, and channel messages, and back.
package roomwire

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EncodeHashFields turns a publish payload into the string->string map
// HSET expects: nested objects/arrays are JSON-encoded, primitives are
// stringified, and nil/undefined fields are dropped.
func EncodeHashFields(data map[string]interface{}) (map[string]string, error) {
	fields := make(map[string]string, len(data))
	for k, v := range data {
		if v == nil {
			continue
		}
		switch v.(type) {
		case map[string]interface{}, []interface{}:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("roomwire: encode field %q: %w", k, err)
			}
			fields[k] = string(b)
		default:
			fields[k] = fmt.Sprint(v)
		}
	}
	return fields, nil
}

// EncodePayload JSON-encodes a full publish payload for the history list
// and the pub/sub channel.
func EncodePayload(data map[string]interface{}) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("roomwire: encode payload: %w", err)
	}
	return string(b), nil
}

// DecodePayload decodes a JSON-encoded history item or channel message
// back into a generic field map.
func DecodePayload(raw string) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("roomwire: decode payload: %w", err)
	}
	return out, nil
}

// DecodeSnapshotFields converts a raw hash (string->string, as returned by
// HGETALL) into a field map, decoding any value that looks like a JSON
// object or array back into its structured form and leaving every other
// value as the raw string (spec.md: primitive numeric/boolean fields
// round-trip as strings; there are no stored type hints).
func DecodeSnapshotFields(raw map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		trimmed := strings.TrimSpace(v)
		if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
			var decoded interface{}
			if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
				out[k] = decoded
				continue
			}
		}
		out[k] = v
	}
	return out
}

// DeepCopyFields returns a deep copy of a decoded field map, so a callback
// cannot mutate another callback's (or the room's) view of the snapshot.
func DeepCopyFields(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, vv := range val {
			out[k] = deepCopyValue(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, vv := range val {
			out[i] = deepCopyValue(vv)
		}
		return out
	default:
		return v
	}
}
