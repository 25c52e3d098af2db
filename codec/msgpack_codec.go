package codec

import (
	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackCodec serializes payloads with MessagePack. Exported struct fields are
// encoded; smaller and faster than JSON for binary-heavy payloads.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (c *MsgpackCodec) Decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func (c *MsgpackCodec) Type() CodecType {
	return CodecTypeMsgpack
}
