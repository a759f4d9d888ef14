package rpcio

import (
	"sync"
)

// ============================================================================
// Reply Buffer Pool
// ============================================================================
//
// The receive goroutine reads every datagram into a maximum-size buffer.
// Most replies (GETATTR, LOOKUP, status-only results) are a few hundred
// bytes, so those are copied down into a small buffer and the large one goes
// straight back to the pool. A buffer handed to a transaction is returned
// once the caller has decoded the reply.

const (
	// smallBufferSize holds every reply except READ and READDIR payloads.
	smallBufferSize = 1 << 10 // 1KB

	// largeBufferSize holds the largest possible UDP payload.
	largeBufferSize = 64 << 10 // 64KB
)

type bufferPool struct {
	small sync.Pool
	large sync.Pool
}

var globalBufferPool = &bufferPool{
	small: sync.Pool{
		New: func() any {
			buf := make([]byte, smallBufferSize)
			return &buf
		},
	},
	large: sync.Pool{
		New: func() any {
			buf := make([]byte, largeBufferSize)
			return &buf
		},
	},
}

// Get returns a slice of length size backed by a pooled buffer.
func (p *bufferPool) Get(size int) []byte {
	var bufPtr *[]byte

	switch {
	case size <= smallBufferSize:
		bufPtr = p.small.Get().(*[]byte)
	case size <= largeBufferSize:
		bufPtr = p.large.Get().(*[]byte)
	default:
		return make([]byte, size)
	}

	buf := *bufPtr
	return buf[:size]
}

// Put returns a buffer obtained from Get. Foreign capacities are dropped.
func (p *bufferPool) Put(buf []byte) {
	if buf == nil {
		return
	}

	switch cap(buf) {
	case smallBufferSize:
		fullBuf := buf[:cap(buf)]
		p.small.Put(&fullBuf)
	case largeBufferSize:
		fullBuf := buf[:cap(buf)]
		p.large.Put(&fullBuf)
	}
}

// shrink moves a received datagram into the smallest buffer class that
// holds it, releasing the receive buffer when a copy was made.
func (p *bufferPool) shrink(buf []byte) []byte {
	if len(buf) > smallBufferSize || cap(buf) == smallBufferSize {
		return buf
	}
	small := p.Get(len(buf))
	copy(small, buf)
	p.Put(buf)
	return small
}
