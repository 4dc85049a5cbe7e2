// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mempool

import (
	"testing"
)

func TestMemPool(t *testing.T) {
	pool := New(64, 64*1024)
	for i := 0; i < 1024*64; i++ {
		buf := pool.Malloc(i)
		if len(buf) != i {
			t.Fatalf("invalid length: %v != %v", len(buf), i)
		}
		pool.Free(buf)
	}
	for i := 1024 * 64; i < 1024*1024; i += 1024 * 64 {
		buf := pool.Malloc(i)
		if len(buf) != i {
			t.Fatalf("invalid length: %v != %v", len(buf), i)
		}
		pool.Free(buf)
	}
}

func TestMemPoolRealloc(t *testing.T) {
	pool := New(64, 64*1024)
	buf := pool.Malloc(16)
	copy(buf, "0123456789abcdef")
	buf = pool.Realloc(buf, 1024)
	if len(buf) != 1024 {
		t.Fatalf("invalid length: %v != %v", len(buf), 1024)
	}
	if string(buf[:16]) != "0123456789abcdef" {
		t.Fatalf("realloc lost prefix: %q", buf[:16])
	}
	pool.Free(buf)
}

func TestDefaultMemPool(t *testing.T) {
	buf := Malloc(128)
	if len(buf) != 128 {
		t.Fatalf("invalid length: %v != %v", len(buf), 128)
	}
	buf = Append(buf, 'x')
	if len(buf) != 129 {
		t.Fatalf("invalid length: %v != %v", len(buf), 129)
	}
	buf = Realloc(buf, 256)
	if len(buf) != 256 {
		t.Fatalf("invalid length: %v != %v", len(buf), 256)
	}
	Free(buf)
}
