// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package evloop

import (
	"os"
	"os/signal"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/lesismal/evloop/logging"
)

// Signal is one persistent signal registration. Delivery is funneled
// through the multiplexer via an eventfd, so the handler runs on the loop
// goroutine and may freely allocate, log or mutate application state.
type Signal struct {
	l       *Loop
	fd      int // eventfd the forwarder rings
	sig     os.Signal
	ch      chan os.Signal
	done    chan struct{}
	exited  chan struct{} // closed when the forwarder returns
	closed  bool
	handler func(sig os.Signal)
}

// NewSignal installs a persistent registration for sig on the loop.
// Failures are reported as a RegisterError.
func NewSignal(l *Loop, sig os.Signal, h func(sig os.Signal)) (*Signal, error) {
	if h == nil {
		panic("invalid nil handler")
	}

	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, &RegisterError{Sig: sig, Err: err}
	}

	s := &Signal{
		l:       l,
		fd:      fd,
		sig:     sig,
		ch:      make(chan os.Signal, 1),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
		handler: h,
	}

	err = l.register(fd, unix.EPOLLIN, &registration{
		fd:       fd,
		onEvents: s.onEvents,
		release:  func() { s.Close() },
	})
	if err != nil {
		unix.Close(fd)
		return nil, &RegisterError{Sig: sig, Err: err}
	}

	signal.Notify(s.ch, sig)
	go s.forward()
	return s, nil
}

// forward turns runtime signal deliveries into eventfd ticks. It holds no
// loop state beyond the eventfd, which keeps the dispatch domain
// single-threaded.
func (s *Signal) forward() {
	defer close(s.exited)
	n := uint64(1)
	for {
		select {
		case <-s.done:
			return
		case <-s.ch:
			for {
				_, err := unix.Write(s.fd, (*(*[8]byte)(unsafe.Pointer(&n)))[:])
				// EAGAIN means a tick is already pending; deliveries
				// coalesce the same way signals do
				if err != unix.EINTR {
					break
				}
			}
		}
	}
}

// onEvents is the signal trampoline, running on the loop goroutine.
func (s *Signal) onEvents(events uint32) {
	if s.closed {
		return
	}
	var b [8]byte
	for {
		_, err := unix.Read(s.fd, b[:])
		if err != unix.EINTR {
			break
		}
	}
	s.handler(s.sig)
}

// Close releases the registration, the forwarder and the OS handle.
// Idempotent.
func (s *Signal) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	signal.Stop(s.ch)
	close(s.done)
	// the forwarder may still be draining a buffered delivery into the
	// eventfd; join it before the number can be recycled
	<-s.exited
	s.l.deregister(s.fd)
	err := unix.Close(s.fd)
	logging.Debug("[signal %v] released", s.sig)
	return err
}
