package codec

import (
	"github.com/bytedance/sonic"
)

// JSONCodec serializes payloads as JSON using sonic.
// Human-readable and cross-language; the default for structured payloads.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
