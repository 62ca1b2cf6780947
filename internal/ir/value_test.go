package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromGo(t *testing.T) {
	v, err := FromGo(map[string]any{
		"name":  "alice",
		"count": float64(3),
		"tags":  []any{"a", true},
	})
	require.NoError(t, err)
	assert.Equal(t, IRObject{
		"name":  IRString("alice"),
		"count": IRInt(3),
		"tags":  IRArray{IRString("a"), IRBool(true)},
	}, v)

	_, err = FromGo(1.25)
	assert.Error(t, err)

	_, err = FromGo(nil)
	assert.Error(t, err)
}

func TestToGoRoundTrip(t *testing.T) {
	in := IRObject{"a": IRArray{IRInt(1), IRString("x")}, "b": IRBool(false)}
	out, err := FromGo(ToGo(in))
	require.NoError(t, err)
	assert.True(t, EqualValues(in, out))
}

func TestDecodeValue(t *testing.T) {
	v, err := DecodeValue([]byte(`{"n":9007199254740993,"s":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, IRObject{"n": IRInt(9007199254740993), "s": IRString("x")}, v)

	_, err = DecodeValue([]byte(`1.5`))
	assert.Error(t, err)

	_, err = DecodeValue([]byte(`1e3`))
	assert.Error(t, err)

	_, err = DecodeValue([]byte(`null`))
	assert.Error(t, err)

	_, err = DecodeValue([]byte(`{"a":[null]}`))
	assert.Error(t, err)
}

func TestCompareValues(t *testing.T) {
	assert.Equal(t, 0, CompareValues(IRObject{"a": IRInt(1), "b": IRInt(2)}, IRObject{"b": IRInt(2), "a": IRInt(1)}))
	assert.Negative(t, CompareValues(IRString("a"), IRString("b")))
	assert.Positive(t, CompareValues(IRString("b"), IRString("a")))

	assert.True(t, EqualValues(nil, nil))
	assert.False(t, EqualValues(IRInt(1), nil))
}
