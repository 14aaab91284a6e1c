// Package codec serializes session state to JSON while keeping raw byte
// slices intact. Bytes are written as {"type":"Buffer","data":"<base64>"},
// the shape the protocol engine uses for its own key material, and decoded
// back into []byte on the way out.
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

const bufferType = "Buffer"

// Marshal encodes v. Any []byte found inside maps or slices is replaced by a
// Buffer marker. Object keys come out sorted, so equal values give equal text.
func Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(wrap(v))
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}
	return b, nil
}

// MarshalString is Marshal for storage columns.
func MarshalString(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// IsNull reports whether v encodes as JSON null, including typed nils such
// as []byte(nil) or a nil pointer.
func IsNull(v any) bool {
	w := wrap(v)
	if w == nil {
		return true
	}
	rv := reflect.ValueOf(w)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// Unmarshal decodes data produced by Marshal. Buffer markers become []byte,
// numbers stay json.Number so integer values survive unchanged.
func Unmarshal(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("codec: unmarshal: %w", err)
	}
	return unwrap(v)
}

// UnmarshalMap decodes a JSON object.
func UnmarshalMap(data []byte) (map[string]any, error) {
	v, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("codec: expected object, got %T", v)
	}
	return m, nil
}

func wrap(v any) any {
	switch t := v.(type) {
	case []byte:
		if t == nil {
			return nil
		}
		return map[string]any{"type": bufferType, "data": base64.StdEncoding.EncodeToString(t)}
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = wrap(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = wrap(val)
		}
		return out
	case map[string][]byte:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = wrap(val)
		}
		return out
	case [][]byte:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = wrap(val)
		}
		return out
	default:
		return v
	}
}

func unwrap(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if b, ok, err := asBuffer(t); ok || err != nil {
			return b, err
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			val, err := unwrap(t[k])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			t[k] = val
		}
		return t, nil
	case []any:
		for i, val := range t {
			out, err := unwrap(val)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			t[i] = out
		}
		return t, nil
	default:
		return v, nil
	}
}

// asBuffer recognizes a Buffer marker. Besides base64 text it accepts the
// older numeric array form {"type":"Buffer","data":[1,2,3]}.
func asBuffer(m map[string]any) ([]byte, bool, error) {
	if len(m) != 2 || m["type"] != bufferType {
		return nil, false, nil
	}
	switch data := m["data"].(type) {
	case string:
		b, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, true, fmt.Errorf("codec: bad buffer data: %w", err)
		}
		return b, true, nil
	case []any:
		b := make([]byte, len(data))
		for i, n := range data {
			num, ok := n.(json.Number)
			if !ok {
				return nil, true, fmt.Errorf("codec: bad buffer byte at %d", i)
			}
			x, err := num.Int64()
			if err != nil || x < 0 || x > 255 {
				return nil, true, fmt.Errorf("codec: bad buffer byte at %d", i)
			}
			b[i] = byte(x)
		}
		return b, true, nil
	default:
		return nil, false, nil
	}
}
