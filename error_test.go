// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package evloop

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("cause")

	var ie *InitError
	err := error(&InitError{Err: cause})
	require.ErrorAs(t, err, &ie)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "init multiplexer")

	var be *BindError
	err = &BindError{Port: 9995, Err: syscall.EADDRINUSE}
	require.ErrorAs(t, err, &be)
	require.ErrorIs(t, err, syscall.EADDRINUSE)
	require.Equal(t, 9995, be.Port)
	require.Contains(t, err.Error(), "9995")

	var re *RegisterError
	err = &RegisterError{Sig: syscall.SIGINT, Err: cause}
	require.ErrorAs(t, err, &re)
	require.ErrorIs(t, err, cause)
	require.Equal(t, syscall.SIGINT, re.Sig)

	var we *WriteError
	err = &WriteError{Err: errOverflow}
	require.ErrorAs(t, err, &we)
	require.ErrorIs(t, err, errOverflow)

	var ce *ConnError
	err = &ConnError{Err: syscall.ECONNRESET}
	require.ErrorAs(t, err, &ce)
	require.ErrorIs(t, err, syscall.ECONNRESET)
}

func TestErrorTypesDistinct(t *testing.T) {
	// the startup taxonomy never matches the per-connection one
	var we *WriteError
	require.False(t, errors.As(error(&InitError{Err: errClosed}), &we))
	var ie *InitError
	require.False(t, errors.As(error(&WriteError{Err: errClosed}), &ie))
}
