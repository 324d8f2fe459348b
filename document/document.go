// Package document implements the ordered, JSON-like documents stored by the
// engine and carried on change events.
//
// Values held by a Document are normalized to one of: nil, bool, int64,
// float64, string, Document or []any (whose elements are normalized too).
// Field order is significant and preserved by every codec in this package.
package document

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// IDField is the immutable identity field of every stored document
const IDField = "_id"

// Field is a single key/value pair of a Document
type Field struct {
	Key   string
	Value any
}

// Document is an ordered list of fields with unique keys
type Document []Field

// D builds a Document from alternating key/value arguments.
// It panics on malformed input and is meant for literals in code and tests.
func D(kv ...any) Document {
	if len(kv)%2 != 0 {
		panic("document.D: odd number of arguments")
	}
	doc := make(Document, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("document.D: key %v is not a string", kv[i]))
		}
		v, err := Normalize(kv[i+1])
		if err != nil {
			panic(fmt.Sprintf("document.D: %v", err))
		}
		doc.Set(key, v)
	}
	return doc
}

// Get returns the value stored under key
func (d Document) Get(key string) (any, bool) {
	for _, f := range d {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// Has reports whether key is present
func (d Document) Has(key string) bool {
	_, ok := d.Get(key)
	return ok
}

// ID returns the _id value of the document
func (d Document) ID() (any, bool) {
	return d.Get(IDField)
}

// Keys returns the field names in order
func (d Document) Keys() []string {
	keys := make([]string, len(d))
	for i, f := range d {
		keys[i] = f.Key
	}
	return keys
}

// Set replaces the value of an existing key in place or appends a new field
func (d *Document) Set(key string, value any) {
	for i := range *d {
		if (*d)[i].Key == key {
			(*d)[i].Value = value
			return
		}
	}
	*d = append(*d, Field{Key: key, Value: value})
}

// Delete removes key and reports whether it was present
func (d *Document) Delete(key string) bool {
	for i := range *d {
		if (*d)[i].Key == key {
			*d = append((*d)[:i], (*d)[i+1:]...)
			return true
		}
	}
	return false
}

// Clone returns a deep copy
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for i, f := range d {
		out[i] = Field{Key: f.Key, Value: cloneValue(f.Value)}
	}
	return out
}

// KeyDocument returns {_id: <id>} for the document
func (d Document) KeyDocument() Document {
	id, _ := d.ID()
	return Document{{Key: IDField, Value: cloneValue(id)}}
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case Document:
		return x.Clone()
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Equal reports whether two documents have the same fields in the same order
// with equal values. Numbers compare by value across int64 and float64.
func Equal(a, b Document) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Key != b[i].Key || !ValueEqual(a[i].Value, b[i].Value) {
			return false
		}
	}
	return true
}

// ValueEqual compares two normalized values
func ValueEqual(a, b any) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case string:
		y, ok := b.(string)
		return ok && x == y
	case int64:
		switch y := b.(type) {
		case int64:
			return x == y
		case float64:
			return float64(x) == y
		}
		return false
	case float64:
		switch y := b.(type) {
		case float64:
			return x == y
		case int64:
			return x == float64(y)
		}
		return false
	case Document:
		y, ok := b.(Document)
		return ok && Equal(x, y)
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !ValueEqual(x[i], y[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// Normalize converts a Go value into the value model used by documents.
// Maps are converted to Documents with keys in sorted order.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, string, int64, float64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint:
		return normalizeUint(uint64(x))
	case uint64:
		return normalizeUint(x)
	case float32:
		return float64(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", x.String(), err)
		}
		return f, nil
	case Document:
		out := make(Document, 0, len(x))
		for _, f := range x {
			nv, err := Normalize(f.Value)
			if err != nil {
				return nil, err
			}
			out.Set(f.Key, nv)
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			ne, err := Normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = ne
		}
		return out, nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(Document, 0, len(keys))
		for _, k := range keys {
			nv, err := Normalize(x[k])
			if err != nil {
				return nil, err
			}
			out = append(out, Field{Key: k, Value: nv})
		}
		return out, nil
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported document value of type %T", v)
	}
}

func normalizeUint(u uint64) (any, error) {
	if u > math.MaxInt64 {
		return nil, fmt.Errorf("integer %d overflows int64", u)
	}
	return int64(u), nil
}
