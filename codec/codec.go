// Package codec provides the encoders used for structured parcel payloads.
//
// A structured payload is written into a parcel as a codec-tagged blob, so the
// reading side always decodes with the encoder the writer used.
package codec

import "fmt"

type CodecType byte

const (
	CodecTypeJSON    CodecType = 0
	CodecTypeMsgpack CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Msgpack
}

// GetCodec returns the codec for codecType, falling back to JSON for unknown values.
func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeMsgpack {
		return &MsgpackCodec{}
	}

	return &JSONCodec{}
}

// Lookup is like GetCodec but rejects unknown codec types. Used when the type
// byte comes off the wire.
func Lookup(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}, nil
	case CodecTypeMsgpack:
		return &MsgpackCodec{}, nil
	}
	return nil, fmt.Errorf("unsupported codec type: %d", codecType)
}

// ParseCodecType maps a configuration name ("json", "msgpack") to a CodecType.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "", "json":
		return CodecTypeJSON, nil
	case "msgpack":
		return CodecTypeMsgpack, nil
	}
	return 0, fmt.Errorf("unknown codec %q", name)
}

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeMsgpack:
		return "msgpack"
	}
	return fmt.Sprintf("codec(%d)", byte(t))
}
