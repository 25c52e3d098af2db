// Package protocol implements the binary frame protocol used by the socket transport.
//
// A socket connection carries parcels between a Proxy and the Server hosting the
// remote stub. Each frame is a fixed-size 18-byte header followed by a
// variable-length body. The receiver reads the header first to learn the body
// length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10        14        18
//	┌──────┬──┬──┬──┬─────────┬─────────┬─────────┬───────────────┐
//	│magic │v │mt│fl│   seq   │  code   │ bodyLen │    body ...    │
//	│ mcl  │01│  │  │ uint32  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic number bytes: "mcl" (mini-call).
const (
	MagicNumber byte = 0x6d // 'm'
	MagicByte2  byte = 0x63 // 'c'
	MagicByte3  byte = 0x6c // 'l'
	Version     byte = 0x01
	HeaderSize  int  = 18 // 3 (magic) + 1 (version) + 1 (msgType) + 1 (flags) + 4 (seq) + 4 (code) + 4 (bodyLen)
)

// MaxBodyLen bounds a single frame body so a corrupt header cannot make the
// reader allocate an arbitrary amount of memory.
const MaxBodyLen uint32 = 64 << 20

// MsgType distinguishes the frames exchanged on a connection.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // Proxy → Server: transaction carrying a data parcel
	MsgTypeReply     MsgType = 1 // Server → Proxy: reply parcel, code holds the transport status
	MsgTypeHeartbeat MsgType = 2 // KeepAlive probe (no body)
	MsgTypeAttach    MsgType = 3 // Proxy → Server: body is the descriptor to bind the connection to
	MsgTypeAttachAck MsgType = 4 // Server → Proxy: code holds the attach status
)

func (t MsgType) valid() bool {
	return t <= MsgTypeAttachAck
}

// Header represents the fixed frame header.
type Header struct {
	MsgType MsgType
	Flags   byte   // Copied from transport.Option flags on requests
	Seq     uint32 // Matches a reply to its request on a multiplexed connection
	Code    uint32 // Request code on requests, status on replies and acks
	BodyLen uint32
}

// Encode writes a complete frame (header + body) to w.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different requests will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = byte(h.MsgType)
	buf[5] = h.Flags
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], h.Code)
	binary.BigEndian.PutUint32(buf[14:18], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	// One write per frame keeps header and body together on stream sockets.
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version and message type, and uses io.ReadFull
// to guarantee exactly N bytes are read.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}

	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}

	msgType := MsgType(headerBuf[4])
	if !msgType.valid() {
		return nil, nil, fmt.Errorf("unsupported message type: %d", msgType)
	}

	seq := binary.BigEndian.Uint32(headerBuf[6:10])
	code := binary.BigEndian.Uint32(headerBuf[10:14])
	bodyLen := binary.BigEndian.Uint32(headerBuf[14:18])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("frame body too large: %d", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		MsgType: msgType,
		Flags:   headerBuf[5],
		Seq:     seq,
		Code:    code,
		BodyLen: bodyLen,
	}, body, nil
}
