// Package parcel implements the message buffer exchanged through the transport.
//
// A Parcel is an ordered, typed buffer: fields are appended with the Write*
// methods and consumed in the same order with the matching Read* methods. Every
// field is prefixed with a one-byte kind marker so a reader that drifts out of
// step with the writer gets ErrTypeMismatch instead of garbage.
//
// Field encodings (big-endian):
//
//	int32:        [kind=1][4 bytes]
//	string:       [kind=2][uint32 len][len bytes]
//	structured:   [kind=3][codec byte][uint32 len][len bytes]
//	sequenceable: [kind=4] followed by whatever MarshalParcel writes
//
// A parcel is owned by exactly one party at a time and must be released exactly
// once. Released parcels reject all further reads and writes.
package parcel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"mini-call/codec"
)

var (
	ErrReleased     = errors.New("parcel: already released")
	ErrUnderflow    = errors.New("parcel: read past end of data")
	ErrTypeMismatch = errors.New("parcel: field type mismatch")
)

type kind byte

const (
	kindInt32        kind = 1
	kindString       kind = 2
	kindStructured   kind = 3
	kindSequenceable kind = 4
)

func (k kind) String() string {
	switch k {
	case kindInt32:
		return "int32"
	case kindString:
		return "string"
	case kindStructured:
		return "structured"
	case kindSequenceable:
		return "sequenceable"
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// Sequenceable is implemented by types that write themselves field by field
// instead of going through a codec.
type Sequenceable interface {
	MarshalParcel(p *Parcel) error
	UnmarshalParcel(p *Parcel) error
}

// Parcel is a single-use typed buffer. It is not safe for concurrent use.
type Parcel struct {
	buf      []byte
	off      int
	codec    codec.Codec
	pool     *Pool
	released atomic.Bool
}

// New allocates an empty parcel from the default pool.
func New() *Parcel {
	return Default.Get()
}

func (p *Parcel) WriteInt32(n int32) error {
	if p.released.Load() {
		return ErrReleased
	}
	p.buf = append(p.buf, byte(kindInt32))
	p.buf = binary.BigEndian.AppendUint32(p.buf, uint32(n))
	return nil
}

func (p *Parcel) WriteString(s string) error {
	if p.released.Load() {
		return ErrReleased
	}
	p.buf = append(p.buf, byte(kindString))
	p.buf = binary.BigEndian.AppendUint32(p.buf, uint32(len(s)))
	p.buf = append(p.buf, s...)
	return nil
}

// WriteStructured appends v. Sequenceable values marshal themselves; anything
// else is encoded with the parcel's codec.
func (p *Parcel) WriteStructured(v any) error {
	if p.released.Load() {
		return ErrReleased
	}
	if s, ok := v.(Sequenceable); ok {
		p.buf = append(p.buf, byte(kindSequenceable))
		return s.MarshalParcel(p)
	}

	data, err := p.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("parcel: encode structured value: %w", err)
	}
	p.buf = append(p.buf, byte(kindStructured), byte(p.codec.Type()))
	p.buf = binary.BigEndian.AppendUint32(p.buf, uint32(len(data)))
	p.buf = append(p.buf, data...)
	return nil
}

func (p *Parcel) ReadInt32() (int32, error) {
	if err := p.expect(kindInt32); err != nil {
		return 0, err
	}
	raw, err := p.next(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(raw)), nil
}

func (p *Parcel) ReadString() (string, error) {
	if err := p.expect(kindString); err != nil {
		return "", err
	}
	raw, err := p.readBlob()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ReadStructured decodes the next structured field into v, which must be a
// pointer (or a Sequenceable).
func (p *Parcel) ReadStructured(v any) error {
	if s, ok := v.(Sequenceable); ok {
		if err := p.expect(kindSequenceable); err != nil {
			return err
		}
		return s.UnmarshalParcel(p)
	}

	if err := p.expect(kindStructured); err != nil {
		return err
	}
	ct, err := p.next(1)
	if err != nil {
		return err
	}
	c, err := codec.Lookup(codec.CodecType(ct[0]))
	if err != nil {
		return fmt.Errorf("parcel: %w", err)
	}
	raw, err := p.readBlob()
	if err != nil {
		return err
	}
	if err := c.Decode(raw, v); err != nil {
		return fmt.Errorf("parcel: decode structured value: %w", err)
	}
	return nil
}

// Bytes returns a copy of everything written so far.
func (p *Parcel) Bytes() ([]byte, error) {
	if p.released.Load() {
		return nil, ErrReleased
	}
	out := make([]byte, len(p.buf))
	copy(out, p.buf)
	return out, nil
}

// SetData replaces the parcel contents with data and rewinds the read position.
// Transports use it to load a peer's bytes into a locally owned parcel.
func (p *Parcel) SetData(data []byte) error {
	if p.released.Load() {
		return ErrReleased
	}
	p.buf = append(p.buf[:0], data...)
	p.off = 0
	return nil
}

// DataSize is the number of bytes written.
func (p *Parcel) DataSize() int {
	return len(p.buf)
}

// Readable is the number of bytes not yet consumed by reads.
func (p *Parcel) Readable() int {
	return len(p.buf) - p.off
}

// Codec returns the codec used for structured writes.
func (p *Parcel) Codec() codec.CodecType {
	return p.codec.Type()
}

func (p *Parcel) Released() bool {
	return p.released.Load()
}

// Release returns the parcel's buffer to its pool. It must be called exactly
// once; later calls return ErrReleased.
func (p *Parcel) Release() error {
	if !p.released.CompareAndSwap(false, true) {
		return ErrReleased
	}
	buf := p.buf
	p.buf = nil
	p.off = 0
	if p.pool != nil {
		p.pool.put(buf)
	}
	return nil
}

func (p *Parcel) expect(k kind) error {
	if p.released.Load() {
		return ErrReleased
	}
	raw, err := p.next(1)
	if err != nil {
		return err
	}
	if got := kind(raw[0]); got != k {
		p.off--
		return fmt.Errorf("%w: want %s, got %s", ErrTypeMismatch, k, got)
	}
	return nil
}

func (p *Parcel) readBlob() ([]byte, error) {
	raw, err := p.next(4)
	if err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(raw)
	if uint64(n) > uint64(p.Readable()) {
		return nil, ErrUnderflow
	}
	return p.next(int(n))
}

func (p *Parcel) next(n int) ([]byte, error) {
	if p.Readable() < n {
		return nil, ErrUnderflow
	}
	out := p.buf[p.off : p.off+n]
	p.off += n
	return out, nil
}
