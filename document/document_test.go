package document

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/docstream/encoding"
)

func TestDocument_SetGetDelete(t *testing.T) {
	doc := D("_id", 1, "a", "x")

	v, ok := doc.Get("a")
	require.True(t, ok)
	assert.Equal(t, "x", v)

	doc.Set("a", "y")
	doc.Set("b", true)
	assert.Equal(t, []string{"_id", "a", "b"}, doc.Keys())

	assert.True(t, doc.Delete("a"))
	assert.False(t, doc.Delete("a"))
	assert.Equal(t, []string{"_id", "b"}, doc.Keys())

	id, ok := doc.ID()
	require.True(t, ok)
	assert.Equal(t, int64(1), id)
}

func TestDocument_CloneIsDeep(t *testing.T) {
	orig := D("_id", 1, "nested", D("x", 1), "list", []any{1, 2})
	cp := orig.Clone()

	nested := cp[1].Value.(Document)
	nested.Set("x", 99)
	cp[2].Value.([]any)[0] = int64(42)

	assert.True(t, Equal(orig, D("_id", 1, "nested", D("x", 1), "list", []any{1, 2})))
}

func TestDocument_EqualNumbersAcrossTypes(t *testing.T) {
	assert.True(t, Equal(D("a", 1), D("a", 1.0)))
	assert.False(t, Equal(D("a", 1), D("a", 1.5)))
	assert.False(t, Equal(D("a", 1, "b", 2), D("b", 2, "a", 1)), "field order matters")
}

func TestDocument_JSONPreservesOrder(t *testing.T) {
	raw := `{"_id":7,"z":1,"a":{"y":2,"b":[1,"two",null,{"k":false}]},"f":1.5}`

	var doc Document
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	assert.Equal(t, []string{"_id", "z", "a", "f"}, doc.Keys())

	id, _ := doc.ID()
	assert.Equal(t, int64(7), id)
	f, _ := doc.Get("f")
	assert.Equal(t, 1.5, f)

	out, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.Equal(t, raw, string(out))
}

func TestDocument_UnmarshalJSONRejectsNonObject(t *testing.T) {
	var doc Document
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &doc))
	assert.Error(t, doc.UnmarshalJSON([]byte(`{"a":1} {"b":2}`)))
}

func TestDocument_MsgpackRoundTripKeepsOrder(t *testing.T) {
	doc := D(
		"_id", "abc",
		"count", 3,
		"ratio", 0.25,
		"nested", D("z", 1, "a", D("deep", true)),
		"list", []any{1, "x", D("k", nil)},
		"none", nil,
	)

	data, err := encoding.Marshal(doc)
	require.NoError(t, err)

	var decoded Document
	require.NoError(t, encoding.Unmarshal(data, &decoded))
	assert.True(t, Equal(doc, decoded), "got %v", decoded)
	assert.Equal(t, []string{"z", "a"}, decoded[3].Value.(Document).Keys())
}

func TestNormalize_Map(t *testing.T) {
	v, err := Normalize(map[string]any{"b": 1, "a": uint8(2)})
	require.NoError(t, err)
	assert.Equal(t, Document{{Key: "a", Value: int64(2)}, {Key: "b", Value: int64(1)}}, v)

	_, err = Normalize(struct{}{})
	assert.Error(t, err)

	_, err = Normalize(uint64(1 << 63))
	assert.Error(t, err)
}

func TestEncodeKey(t *testing.T) {
	a, err := EncodeKey(1)
	require.NoError(t, err)
	b, err := EncodeKey(int64(1))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := EncodeKey("1")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	_, err = EncodeKey([]any{1})
	assert.Error(t, err)
}
