package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type point struct {
	X    int    `json:"x" msgpack:"x"`
	Name string `json:"name" msgpack:"name"`
}

func TestCodecs(t *testing.T) {
	for _, ct := range []CodecType{CodecTypeJSON, CodecTypeMsgpack} {
		t.Run(ct.String(), func(t *testing.T) {
			c := GetCodec(ct)
			assert.Equal(t, ct, c.Type())

			data, err := c.Encode(&point{X: 1, Name: "a"})
			require.NoError(t, err)

			var out point
			require.NoError(t, c.Decode(data, &out))
			assert.Equal(t, point{X: 1, Name: "a"}, out)
		})
	}
}

func TestGetCodecFallsBackToJSON(t *testing.T) {
	assert.Equal(t, CodecTypeJSON, GetCodec(CodecType(42)).Type())
}

func TestLookupRejectsUnknown(t *testing.T) {
	_, err := Lookup(CodecType(42))
	require.Error(t, err)

	c, err := Lookup(CodecTypeMsgpack)
	require.NoError(t, err)
	assert.Equal(t, CodecTypeMsgpack, c.Type())
}

func TestParseCodecType(t *testing.T) {
	ct, err := ParseCodecType("msgpack")
	require.NoError(t, err)
	assert.Equal(t, CodecTypeMsgpack, ct)

	ct, err = ParseCodecType("")
	require.NoError(t, err)
	assert.Equal(t, CodecTypeJSON, ct)

	_, err = ParseCodecType("xml")
	require.Error(t, err)
}
