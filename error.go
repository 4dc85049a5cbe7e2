// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package evloop

import (
	"errors"
	"fmt"
	"os"
)

var (
	errClosed   = errors.New("conn closed")
	errOverflow = errors.New("write buffer overflow")
)

// ErrAlreadyRegistered is returned when a second data or read handler is
// registered on a Conn. The existing handler is kept.
var ErrAlreadyRegistered = errors.New("handler already registered")

// InitError reports a multiplexer allocation failure. Fatal at startup.
type InitError struct {
	Err error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("evloop: init multiplexer: %v", e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// BindError reports a listener bind failure. Fatal at startup.
type BindError struct {
	Port int
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("evloop: bind port %v: %v", e.Port, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// RegisterError reports a signal registration failure. Fatal at startup.
type RegisterError struct {
	Sig os.Signal
	Err error
}

func (e *RegisterError) Error() string {
	return fmt.Sprintf("evloop: register signal %v: %v", e.Sig, e.Err)
}

func (e *RegisterError) Unwrap() error { return e.Err }

// WriteError reports an outbound enqueue failure. Recoverable at connection
// scope: it closes that connection only.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("evloop: write: %v", e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ConnError reports an I/O error on one connection. Recoverable at
// connection scope.
type ConnError struct {
	Err error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("evloop: conn: %v", e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }
