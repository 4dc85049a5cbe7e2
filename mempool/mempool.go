// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mempool

import (
	"sync"
)

// Allocator allocates and recycles byte buffers.
type Allocator interface {
	Malloc(size int) []byte
	Realloc(buf []byte, size int) []byte
	Append(buf []byte, more ...byte) []byte
	Free(buf []byte)
}

// DefaultMemPool is used by the package-level functions.
var DefaultMemPool = New(1024, 1024*1024)

// MemPool recycles buffers through a sync.Pool. Buffers larger than
// freeSize bypass the pool in both directions.
type MemPool struct {
	bufSize  int
	freeSize int
	pool     *sync.Pool
}

// New creates a MemPool. bufSize is the minimum allocation handed out by
// the pool, freeSize the largest buffer the pool will keep.
func New(bufSize, freeSize int) Allocator {
	if bufSize <= 0 {
		bufSize = 64
	}
	if freeSize <= 0 {
		freeSize = 64 * 1024
	}
	if freeSize < bufSize {
		freeSize = bufSize
	}

	mp := &MemPool{
		bufSize:  bufSize,
		freeSize: freeSize,
		pool:     &sync.Pool{},
	}
	mp.pool.New = func() interface{} {
		buf := make([]byte, bufSize)
		return &buf
	}
	return mp
}

// Malloc returns a buffer of the requested length.
func (mp *MemPool) Malloc(size int) []byte {
	if size > mp.freeSize {
		return make([]byte, size)
	}
	pbuf := mp.pool.Get().(*[]byte)
	n := cap(*pbuf)
	if n < size {
		*pbuf = append((*pbuf)[:n], make([]byte, size-n)...)
	}
	return (*pbuf)[:size]
}

// Realloc grows buf to the requested length.
func (mp *MemPool) Realloc(buf []byte, size int) []byte {
	if size <= cap(buf) {
		return buf[:size]
	}
	newBuf := mp.Malloc(size)
	copy(newBuf, buf)
	mp.Free(buf)
	return newBuf
}

// Append appends more bytes to buf.
func (mp *MemPool) Append(buf []byte, more ...byte) []byte {
	return append(buf, more...)
}

// Free recycles buf.
func (mp *MemPool) Free(buf []byte) {
	if cap(buf) == 0 || cap(buf) > mp.freeSize {
		return
	}
	mp.pool.Put(&buf)
}

// Malloc exports default package method.
func Malloc(size int) []byte {
	return DefaultMemPool.Malloc(size)
}

// Realloc exports default package method.
func Realloc(buf []byte, size int) []byte {
	return DefaultMemPool.Realloc(buf, size)
}

// Append exports default package method.
func Append(buf []byte, more ...byte) []byte {
	return DefaultMemPool.Append(buf, more...)
}

// Free exports default package method.
func Free(buf []byte) {
	DefaultMemPool.Free(buf)
}
