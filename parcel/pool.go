package parcel

import (
	"sync/atomic"

	"mini-call/codec"
)

// maxPooledCap keeps oversized buffers out of the free list so one large
// payload does not pin memory for the life of the pool.
const maxPooledCap = 64 << 10

// Pool allocates parcels and recycles their buffers.
//
// The free list is a buffered channel: Get takes a buffer if one is available
// and allocates otherwise, Release puts the buffer back unless the list is full.
// The counters make leaks observable: every Get must be matched by exactly one
// Release, so Outstanding returns to zero when all owners are done.
type Pool struct {
	free      chan []byte
	codecType codec.CodecType
	allocated atomic.Int64
	released  atomic.Int64
}

// Default is the pool used by New.
var Default = NewPool(64, codec.CodecTypeJSON)

// NewPool creates a pool keeping up to size idle buffers. Structured values
// written to its parcels are encoded with codecType.
func NewPool(size int, codecType codec.CodecType) *Pool {
	if size < 0 {
		size = 0
	}
	return &Pool{
		free:      make(chan []byte, size),
		codecType: codecType,
	}
}

// Get returns an empty parcel owned by the caller.
func (p *Pool) Get() *Parcel {
	var buf []byte
	select {
	case buf = <-p.free:
	default:
		buf = make([]byte, 0, 256)
	}
	p.allocated.Add(1)
	return &Parcel{
		buf:   buf[:0],
		codec: codec.GetCodec(p.codecType),
		pool:  p,
	}
}

// FromBytes returns a parcel holding a copy of data, positioned at its start.
func (p *Pool) FromBytes(data []byte) *Parcel {
	parcel := p.Get()
	parcel.buf = append(parcel.buf, data...)
	return parcel
}

func (p *Pool) put(buf []byte) {
	p.released.Add(1)
	if buf == nil || cap(buf) > maxPooledCap {
		return
	}
	select {
	case p.free <- buf[:0]:
	default:
	}
}

// Allocated is the number of parcels handed out by Get.
func (p *Pool) Allocated() int64 {
	return p.allocated.Load()
}

// Released is the number of parcels returned through Release.
func (p *Pool) Released() int64 {
	return p.released.Load()
}

// Outstanding is the number of parcels currently owned by someone.
func (p *Pool) Outstanding() int64 {
	return p.allocated.Load() - p.released.Load()
}

func (p *Pool) CodecType() codec.CodecType {
	return p.codecType
}
