// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package evloop

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferAppendDrain(t *testing.T) {
	b := NewBufferSize(0)
	require.Equal(t, 0, b.Len())
	require.Nil(t, b.DrainAll())

	require.NoError(t, b.Append([]byte("hello")))
	require.NoError(t, b.Append(nil))
	require.NoError(t, b.Append([]byte(", world")))
	require.Equal(t, 12, b.Len())

	require.Equal(t, "hello, world", string(b.DrainAll()))
	require.Equal(t, 0, b.Len())
	require.Nil(t, b.DrainAll())
}

func TestBufferAppendCopies(t *testing.T) {
	b := NewBufferSize(0)
	p := []byte("abc")
	require.NoError(t, b.Append(p))
	p[0] = 'x'
	require.Equal(t, "abc", string(b.DrainAll()))
}

func TestBufferOverflow(t *testing.T) {
	b := NewBufferSize(8)
	require.NoError(t, b.Append([]byte("12345")))

	err := b.Append([]byte("6789"))
	var we *WriteError
	require.ErrorAs(t, err, &we)
	require.ErrorIs(t, err, errOverflow)
	// a rejected append leaves the queue untouched
	require.Equal(t, 5, b.Len())

	require.NoError(t, b.Append([]byte("678")))
	require.Equal(t, "12345678", string(b.DrainAll()))
}

func TestBufferMoveToWholeSegments(t *testing.T) {
	src := NewBufferSize(0)
	dst := NewBufferSize(0)
	require.NoError(t, src.Append([]byte("abc")))
	require.NoError(t, src.Append([]byte("def")))

	require.Equal(t, 6, src.MoveTo(dst, 6))
	require.Equal(t, 0, src.Len())
	require.Equal(t, "abcdef", string(dst.DrainAll()))
}

func TestBufferMoveToPartial(t *testing.T) {
	src := NewBufferSize(0)
	dst := NewBufferSize(0)
	require.NoError(t, src.Append([]byte("abcdef")))

	require.Equal(t, 4, src.MoveTo(dst, 4))
	require.Equal(t, 2, src.Len())
	require.Equal(t, "abcd", string(dst.DrainAll()))
	require.Equal(t, "ef", string(src.DrainAll()))
}

func TestBufferMoveToRespectsDstLimit(t *testing.T) {
	src := NewBufferSize(0)
	dst := NewBufferSize(4)
	require.NoError(t, src.Append([]byte("abcdef")))

	require.Equal(t, 4, src.MoveTo(dst, 100))
	require.Equal(t, 4, dst.Len())
	require.Equal(t, 2, src.Len())

	// no room left, nothing moves
	require.Equal(t, 0, src.MoveTo(dst, 100))
	require.Equal(t, "abcd", string(dst.DrainAll()))

	require.Equal(t, 2, src.MoveTo(dst, 100))
	require.Equal(t, "ef", string(dst.DrainAll()))
}

func TestBufferDiscardAcrossSegments(t *testing.T) {
	b := NewBufferSize(0)
	require.NoError(t, b.Append([]byte("abc")))
	require.NoError(t, b.Append([]byte("def")))

	b.discard(4)
	require.Equal(t, 2, b.Len())
	require.Equal(t, "ef", string(b.head()))
	require.Equal(t, "ef", string(b.DrainAll()))
}

func TestBufferMoveToAfterPartialConsume(t *testing.T) {
	src := NewBufferSize(0)
	dst := NewBufferSize(0)
	require.NoError(t, src.Append([]byte("abcdef")))
	src.discard(2)

	// the partially consumed head must be copied, not transplanted
	require.Equal(t, 4, src.MoveTo(dst, 4))
	require.Equal(t, 0, src.Len())
	require.Equal(t, "cdef", string(dst.DrainAll()))
}

func TestBufferRelease(t *testing.T) {
	b := NewBufferSize(0)
	require.NoError(t, b.Append([]byte("abc")))
	b.release()
	require.Equal(t, 0, b.Len())
	require.Nil(t, b.DrainAll())
}
