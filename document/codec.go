package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

var (
	_ msgpack.CustomEncoder = Document(nil)
	_ msgpack.CustomDecoder = (*Document)(nil)
	_ json.Marshaler        = Document(nil)
	_ json.Unmarshaler      = (*Document)(nil)
)

// MarshalJSON writes the document as a JSON object in field order
func (d Document) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeJSONDocument(&buf, d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeJSONDocument(buf *bytes.Buffer, d Document) error {
	buf.WriteByte('{')
	for i, f := range d {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Key)
		if err != nil {
			return err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if err := writeJSONValue(buf, f.Value); err != nil {
			return fmt.Errorf("field %q: %w", f.Key, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeJSONValue(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case Document:
		return writeJSONDocument(buf, x)
	case []any:
		buf.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSONValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case int64:
		buf.WriteString(strconv.FormatInt(x, 10))
	default:
		raw, err := json.Marshal(x)
		if err != nil {
			return err
		}
		buf.Write(raw)
	}
	return nil
}

// UnmarshalJSON parses a JSON object, keeping field order
func (d *Document) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("document must be a JSON object, got %v", tok)
	}

	doc, err := readJSONObject(dec)
	if err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("unexpected data after document")
	}
	*d = doc
	return nil
}

func readJSONObject(dec *json.Decoder) (Document, error) {
	doc := Document{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("object key must be a string, got %v", keyTok)
		}
		valTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		v, err := readJSONValue(dec, valTok)
		if err != nil {
			return nil, err
		}
		doc.Set(key, v)
	}
	// closing '}'
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return doc, nil
}

func readJSONValue(dec *json.Decoder, tok json.Token) (any, error) {
	switch x := tok.(type) {
	case json.Delim:
		switch x {
		case '{':
			return readJSONObject(dec)
		case '[':
			arr := []any{}
			for dec.More() {
				elemTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				elem, err := readJSONValue(dec, elemTok)
				if err != nil {
					return nil, err
				}
				arr = append(arr, elem)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return arr, nil
		}
		return nil, fmt.Errorf("unexpected delimiter %v", x)
	case json.Number:
		return Normalize(x)
	case string, bool, nil:
		return x, nil
	default:
		return nil, fmt.Errorf("unexpected JSON token %v", tok)
	}
}

// EncodeMsgpack writes the document as a msgpack map in field order
func (d Document) EncodeMsgpack(enc *msgpack.Encoder) error {
	if d == nil {
		return enc.EncodeNil()
	}
	if err := enc.EncodeMapLen(len(d)); err != nil {
		return err
	}
	for _, f := range d {
		if err := enc.EncodeString(f.Key); err != nil {
			return err
		}
		if err := encodeMsgpackValue(enc, f.Value); err != nil {
			return fmt.Errorf("field %q: %w", f.Key, err)
		}
	}
	return nil
}

func encodeMsgpackValue(enc *msgpack.Encoder, v any) error {
	switch x := v.(type) {
	case Document:
		return x.EncodeMsgpack(enc)
	case []any:
		if err := enc.EncodeArrayLen(len(x)); err != nil {
			return err
		}
		for _, e := range x {
			if err := encodeMsgpackValue(enc, e); err != nil {
				return err
			}
		}
		return nil
	default:
		return enc.Encode(x)
	}
}

// DecodeMsgpack reads a msgpack map, keeping field order for nested maps too
func (d *Document) DecodeMsgpack(dec *msgpack.Decoder) error {
	doc, err := decodeMsgpackDocument(dec)
	if err != nil {
		return err
	}
	*d = doc
	return nil
}

func decodeMsgpackDocument(dec *msgpack.Decoder) (Document, error) {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, err
	}
	if n == -1 {
		return nil, nil
	}
	doc := make(Document, 0, n)
	for i := 0; i < n; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return nil, err
		}
		v, err := decodeMsgpackValue(dec)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		doc = append(doc, Field{Key: key, Value: v})
	}
	return doc, nil
}

func decodeMsgpackValue(dec *msgpack.Decoder) (any, error) {
	c, err := dec.PeekCode()
	if err != nil {
		return nil, err
	}

	switch {
	case msgpcode.IsFixedMap(c) || c == msgpcode.Map16 || c == msgpcode.Map32:
		return decodeMsgpackDocument(dec)
	case msgpcode.IsFixedArray(c) || c == msgpcode.Array16 || c == msgpcode.Array32:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		if n == -1 {
			return nil, nil
		}
		arr := make([]any, n)
		for i := range arr {
			if arr[i], err = decodeMsgpackValue(dec); err != nil {
				return nil, err
			}
		}
		return arr, nil
	}

	v, err := dec.DecodeInterfaceLoose()
	if err != nil {
		return nil, err
	}
	return Normalize(v)
}

// EncodeKey returns a stable byte encoding of an _id value, used to build
// storage keys.
func EncodeKey(id any) ([]byte, error) {
	nv, err := Normalize(id)
	if err != nil {
		return nil, err
	}
	if _, isArray := nv.([]any); isArray {
		return nil, fmt.Errorf("_id cannot be an array")
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := encodeMsgpackValue(enc, nv); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
