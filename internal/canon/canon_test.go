package canon

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_SortsKeysAndSkipsHTMLEscaping(t *testing.T) {
	obj := Object{
		"zebra": String("<z>"),
		"apple": Int(1),
		"mango": Array{Bool(true), Null{}},
	}
	got, err := Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"apple":1,"mango":[true,null],"zebra":"<z>"}`, string(got))
}

func TestMarshal_UTF16KeyOrder(t *testing.T) {
	// U+E000 sorts before U+1F600 in UTF-16 (surrogate pair starts at 0xD83D),
	// but after it in UTF-8 byte order.
	obj := Object{"\U0001F600": Int(1), "": Int(2)}
	got, err := Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":1,\"\":2}", string(got))
}

func TestMarshal_EscapesControlCharacters(t *testing.T) {
	got, err := Marshal(String("a\"b\\c\n\x01 "))
	require.NoError(t, err)
	assert.Equal(t, "\"a\\\"b\\\\c\\n\\u0001 \"", string(got))
}

func TestMarshal_NFCNormalises(t *testing.T) {
	decomposed := String("e\u0301")
	composed := String("\u00e9")
	a, err := Marshal(decomposed)
	require.NoError(t, err)
	b, err := Marshal(composed)
	require.NoError(t, err)
	assert.Equal(t, string(b), string(a))
}

func TestMarshal_RejectsNil(t *testing.T) {
	_, err := Marshal(Object{"x": nil})
	require.Error(t, err)
}

func TestParse_RejectsFloats(t *testing.T) {
	_, err := Parse([]byte(`{"qty": 1.5}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decimal string")
}

func TestParse_RoundTrip(t *testing.T) {
	in := `{"a":[1,"two",false,null],"b":{"c":9223372036854775807}}`
	v, err := Parse([]byte(in))
	require.NoError(t, err)
	out, err := Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, in, string(out))
}

func TestParseObject_Empty(t *testing.T) {
	obj, err := ParseObject(nil)
	require.NoError(t, err)
	assert.Empty(t, obj)

	_, err = ParseObject([]byte(`[1]`))
	require.Error(t, err)
}

func TestObject_JSONInterop(t *testing.T) {
	type wrapper struct {
		State Object `json:"state"`
	}
	var w wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"state":{"b":2,"a":"x"}}`), &w))
	assert.Equal(t, Object{"a": String("x"), "b": Int(2)}, w.State)

	out, err := json.Marshal(w)
	require.NoError(t, err)
	assert.Equal(t, `{"state":{"a":"x","b":2}}`, string(out))
}

func TestFromAny_WholeFloatsBecomeInts(t *testing.T) {
	v, err := FromAny(map[string]any{"n": float64(3), "s": "x"})
	require.NoError(t, err)
	assert.Equal(t, Object{"n": Int(3), "s": String("x")}, v)

	_, err = FromAny(map[string]any{"n": 3.25})
	require.Error(t, err)
}

func TestRequestHash_StableAndSensitive(t *testing.T) {
	payload := Object{"name": String("widget"), "qty": String("3")}
	h1, err := RequestHash("update", "item", "item-1", nil, payload)
	require.NoError(t, err)
	h2, err := RequestHash("update", "item", "item-1", nil, Object{"qty": String("3"), "name": String("widget")})
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "key order must not affect the hash")
	assert.Len(t, h1, 64)

	v := int64(3)
	h3, err := RequestHash("update", "item", "item-1", &v, payload)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)

	h4, err := RequestHash("update", "item", "item-1", nil, Object{"name": String("gadget"), "qty": String("3")})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h4)
}

func TestHash_DomainSeparation(t *testing.T) {
	v := Object{"a": Int(1)}
	a, err := Hash(DomainRequest, v)
	require.NoError(t, err)
	b, err := Hash(DomainPayload, v)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDiffAndMerge(t *testing.T) {
	before := Object{"name": String("a"), "qty": String("1"), "gone": Bool(true)}
	patch := Object{"qty": String("2"), "new": Int(7)}
	after := Merge(before, patch)

	assert.Equal(t, String("a"), after["name"])
	assert.Equal(t, String("2"), after["qty"])
	assert.Equal(t, String("1"), before["qty"], "merge must not mutate base")

	delete(after, "gone")
	diff := Diff(before, after)
	assert.Equal(t, Object{
		"qty":  Object{"before": String("1"), "after": String("2")},
		"new":  Object{"before": Null{}, "after": Int(7)},
		"gone": Object{"before": Bool(true), "after": Null{}},
	}, diff)
}

func TestClone_IsDeep(t *testing.T) {
	orig := Object{"nested": Object{"x": Int(1)}, "list": Array{Int(1)}}
	cp := orig.Clone()
	cp["nested"].(Object)["x"] = Int(2)
	cp["list"].(Array)[0] = Int(9)
	assert.Equal(t, Int(1), orig["nested"].(Object)["x"])
	assert.Equal(t, Int(1), orig["list"].(Array)[0])
}
