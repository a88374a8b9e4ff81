// File: pool/buffer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import (
	"sync"
	"sync/atomic"
)

// Buffer is a reference-counted byte region. A new buffer starts with one
// reference. Release on the last reference returns the slab to its pool;
// releasing past zero panics, since it indicates a double free in the caller.
type Buffer struct {
	b    []byte
	refs atomic.Int32
	home *BytePool
}

// Bytes returns the buffer contents. The slice must not be retained after
// the final Release.
func (buf *Buffer) Bytes() []byte { return buf.b }

// Len returns the current length of the buffer contents.
func (buf *Buffer) Len() int { return len(buf.b) }

// Truncate reslices the buffer to n bytes. Capacity is retained.
func (buf *Buffer) Truncate(n int) {
	if n >= 0 && n <= cap(buf.b) {
		buf.b = buf.b[:n]
	}
}

// Retain adds a reference.
func (buf *Buffer) Retain() {
	buf.refs.Add(1)
}

// Release drops a reference, recycling the slab at zero.
func (buf *Buffer) Release() {
	n := buf.refs.Add(-1)
	if n < 0 {
		panic("pool: buffer released past zero")
	}
	if n == 0 && buf.home != nil {
		buf.home.put(buf)
	}
}

// Refs reports the current reference count.
func (buf *Buffer) Refs() int32 { return buf.refs.Load() }

// BytePool recycles fixed-capacity buffers through a sync.Pool.
type BytePool struct {
	size int
	p    sync.Pool
}

// NewBytePool creates a pool of buffers with the given capacity.
func NewBytePool(size int) *BytePool {
	bp := &BytePool{size: size}
	bp.p.New = func() any {
		return &Buffer{b: make([]byte, size), home: bp}
	}
	return bp
}

// Get returns a buffer resliced to n bytes (n <= pool size) holding one
// reference.
func (bp *BytePool) Get(n int) *Buffer {
	if n > bp.size {
		n = bp.size
	}
	buf := bp.p.Get().(*Buffer)
	buf.b = buf.b[:cap(buf.b)][:n]
	buf.refs.Store(1)
	return buf
}

func (bp *BytePool) put(buf *Buffer) {
	bp.p.Put(buf)
}

// NewBuffer wraps caller-provided bytes in an unpooled refcounted buffer.
// Useful when the payload is already materialized, as in one-shot writes.
func NewBuffer(data []byte) *Buffer {
	buf := &Buffer{b: data}
	buf.refs.Store(1)
	return buf
}
