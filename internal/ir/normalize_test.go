package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeStringMatchesCanonicalEncoding(t *testing.T) {
	for _, s := range []string{"plain", "\u00e9", "cafe\u0301", "bad\xff", "\xfe\xff", "a\xc3"} {
		t.Run(s, func(t *testing.T) {
			data, err := MarshalCanonical(IRString(s))
			require.NoError(t, err)
			decoded, err := DecodeValue(data)
			require.NoError(t, err)

			n := NormalizeString(s)
			assert.Equal(t, IRString(n), decoded)
			assert.True(t, IsCanonicalString(n))
		})
	}
}

func TestIsCanonicalString(t *testing.T) {
	assert.True(t, IsCanonicalString(""))
	assert.True(t, IsCanonicalString("caf\u00e9"))
	assert.False(t, IsCanonicalString("cafe\u0301"))
	assert.False(t, IsCanonicalString("bad\xff"))
}

func TestCanonicalValue(t *testing.T) {
	v, err := CanonicalValue(IRObject{
		"n\u0303": IRArray{IRString("e\u0301"), IRInt(1), IRBool(true)},
	})
	require.NoError(t, err)
	assert.Equal(t, IRObject{"\u00f1": IRArray{IRString("\u00e9"), IRInt(1), IRBool(true)}}, v)
	assert.NoError(t, CheckCanonical(v))

	_, err = CanonicalValue(IRArray{IRString("ok"), IRString("bad\xff")})
	assert.ErrorContains(t, err, "invalid UTF-8")

	_, err = CanonicalValue(IRObject{"\u00e9": IRInt(1), "e\u0301": IRInt(2)})
	assert.ErrorContains(t, err, "collide")
}

func TestCheckCanonical(t *testing.T) {
	assert.NoError(t, CheckCanonical(IRInt(1)))
	assert.NoError(t, CheckCanonical(IRObject{"\u00e9": IRString("x")}))
	assert.Error(t, CheckCanonical(IRString("e\u0301")))
	assert.Error(t, CheckCanonical(IRObject{"k": IRArray{IRString("\xff")}}))
	assert.Error(t, CheckCanonical(IRObject{"bad\xff": IRInt(1)}))
}
