// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package evloop

import (
	"github.com/eapache/queue"

	"github.com/lesismal/evloop/mempool"
)

// Buffer is one side of a connection's byte queue. It holds bytes as a FIFO
// of pooled segments; whole segments move between buffers without copying.
//
// A Buffer is not safe for concurrent use: it belongs to the loop goroutine.
type Buffer struct {
	segs    *queue.Queue
	headOff int // consumed prefix of the head segment
	size    int
	maxSize int // 0 means unbounded
}

// NewBuffer creates a Buffer bounded by DefaultMaxWriteBufferSize.
func NewBuffer() *Buffer {
	return NewBufferSize(DefaultMaxWriteBufferSize)
}

// NewBufferSize creates a Buffer holding at most maxSize queued bytes,
// unbounded if maxSize is 0.
func NewBufferSize(maxSize int) *Buffer {
	return &Buffer{
		segs:    queue.New(),
		maxSize: maxSize,
	}
}

// Len returns the current queued byte count.
func (b *Buffer) Len() int {
	return b.size
}

// Append enqueues a copy of p. It returns a WriteError when the buffer's
// byte limit would be exceeded.
func (b *Buffer) Append(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if b.maxSize > 0 && b.size+len(p) > b.maxSize {
		return &WriteError{Err: errOverflow}
	}
	seg := mempool.Malloc(len(p))
	copy(seg, p)
	b.segs.Add(seg)
	b.size += len(p)
	return nil
}

// DrainAll removes and returns all queued bytes. Len() is 0 afterwards.
// The returned slice is owned by the caller.
func (b *Buffer) DrainAll() []byte {
	if b.size == 0 {
		return nil
	}
	out := make([]byte, 0, b.size)
	for b.segs.Length() > 0 {
		seg := b.segs.Remove().([]byte)
		out = append(out, seg[b.headOff:]...)
		b.headOff = 0
		mempool.Free(seg)
	}
	b.size = 0
	return out
}

// MoveTo transfers up to maxBytes from b into dst and returns the number of
// bytes actually moved. Whole segments transfer without copying; a partial
// head segment is copied. The transfer stops early when dst's byte limit is
// reached.
func (b *Buffer) MoveTo(dst *Buffer, maxBytes int) int {
	moved := 0
	for b.size > 0 && moved < maxBytes {
		room := maxBytes - moved
		if dst.maxSize > 0 {
			if free := dst.maxSize - dst.size; free < room {
				room = free
			}
		}
		if room <= 0 {
			break
		}

		seg := b.segs.Peek().([]byte)
		avail := seg[b.headOff:]
		if b.headOff == 0 && len(avail) <= room {
			b.segs.Remove()
			dst.segs.Add(seg)
			dst.size += len(avail)
			b.size -= len(avail)
			moved += len(avail)
			continue
		}

		n := len(avail)
		if n > room {
			n = room
		}
		cp := mempool.Malloc(n)
		copy(cp, avail[:n])
		dst.segs.Add(cp)
		dst.size += n
		b.discard(n)
		moved += n
	}
	return moved
}

// head returns the unconsumed part of the head segment.
func (b *Buffer) head() []byte {
	seg := b.segs.Peek().([]byte)
	return seg[b.headOff:]
}

// discard drops n bytes from the front of the queue.
func (b *Buffer) discard(n int) {
	for n > 0 && b.segs.Length() > 0 {
		seg := b.segs.Peek().([]byte)
		avail := len(seg) - b.headOff
		if n < avail {
			b.headOff += n
			b.size -= n
			return
		}
		b.segs.Remove()
		mempool.Free(seg)
		b.headOff = 0
		b.size -= avail
		n -= avail
	}
}

// release frees every queued segment.
func (b *Buffer) release() {
	for b.segs.Length() > 0 {
		mempool.Free(b.segs.Remove().([]byte))
	}
	b.headOff = 0
	b.size = 0
}
