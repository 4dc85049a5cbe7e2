// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package evloop

import (
	"golang.org/x/sys/unix"

	"github.com/lesismal/evloop/logging"
)

// Listener owns one bound IPv4 listening socket. Each accepted descriptor
// is handed to onAccept synchronously on the loop goroutine; a descriptor
// the handler fails to adopt is closed here, never leaked.
type Listener struct {
	l        *Loop
	fd       int
	port     int
	closed   bool
	onAccept func(fd int) error
}

// NewListener binds an IPv4 listening socket on the given port, all
// interfaces, with address reuse, and registers it on the loop. Failures
// are reported as a BindError. Port 0 asks the OS for a free port; see
// Port.
func NewListener(l *Loop, port int, onAccept func(fd int) error) (*Listener, error) {
	if onAccept == nil {
		panic("invalid nil handler")
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, &BindError{Port: port, Err: err}
	}

	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, &BindError{Port: port, Err: err}
	}
	if err = unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		unix.Close(fd)
		return nil, &BindError{Port: port, Err: err}
	}
	if err = unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, &BindError{Port: port, Err: err}
	}

	ln := &Listener{
		l:        l,
		fd:       fd,
		port:     port,
		onAccept: onAccept,
	}

	err = l.register(fd, unix.EPOLLIN, &registration{
		fd:       fd,
		onEvents: ln.onEvents,
		release:  func() { ln.Close() },
	})
	if err != nil {
		unix.Close(fd)
		return nil, &BindError{Port: port, Err: err}
	}

	return ln, nil
}

// Port returns the bound port, resolving OS-assigned ports for port-0
// binds.
func (ln *Listener) Port() int {
	sa, err := unix.Getsockname(ln.fd)
	if err == nil {
		if sin, ok := sa.(*unix.SockaddrInet4); ok {
			return sin.Port
		}
	}
	return ln.port
}

// onEvents is the accept trampoline: it drains the backlog until EAGAIN.
func (ln *Listener) onEvents(events uint32) {
	if ln.closed {
		return
	}
	for {
		nfd, _, err := unix.Accept4(ln.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EINTR, unix.ECONNABORTED:
				continue
			case unix.EAGAIN:
				return
			default:
				logging.Error("[listener %v] accept failed: %v", ln.fd, err)
				return
			}
		}
		if aerr := ln.onAccept(nfd); aerr != nil {
			// not adopted; close here so the descriptor cannot leak
			unix.Close(nfd)
			logging.Error("[listener %v] conn %v not adopted: %v", ln.fd, nfd, aerr)
		}
	}
}

// Close releases the OS handle and the registration. Idempotent.
func (ln *Listener) Close() error {
	if ln.closed {
		return nil
	}
	ln.closed = true
	ln.l.deregister(ln.fd)
	err := unix.Close(ln.fd)
	logging.Debug("[listener %v] released", ln.fd)
	return err
}
