// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package evloop

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/lesismal/evloop/logging"
)

const (
	// DefaultReadBufferSize is the per-read scratch buffer size.
	DefaultReadBufferSize = 1024 * 32

	// DefaultMaxWriteBufferSize bounds a connection's outbound queue. A
	// connection whose queue would exceed it is closed with a WriteError.
	DefaultMaxWriteBufferSize = 1024 * 1024
)

// registration pairs a descriptor's event trampoline with its owner's
// release func. Every OS handle registered on the Loop has exactly one
// registration; both are torn down together, the registration last.
type registration struct {
	fd       int
	onEvents func(events uint32)
	release  func()
	released bool
}

func (r *registration) invokeRelease() {
	if r.released {
		return
	}
	r.released = true
	if r.release != nil {
		r.release()
	}
}

// Loop is a single-threaded reactor. One goroutine calls Run and every
// registered handler executes on that goroutine, to completion. The
// registration table is touched only from that goroutine (plus setup
// before Run); the only cross-goroutine touch point is the eventfd wakeup.
type Loop struct {
	epfd  int
	evtfd int // wakeup eventfd
	tmfd  int // delayed-exit timerfd

	// fd -> registration, the canonical ownership table. A trampoline
	// resolves its target here on every delivery, so an entry removed
	// mid-batch can no longer be reached.
	handlers map[int]*registration

	running int32

	mux      sync.Mutex
	functors []func()
	breakErr error

	closed bool
}

// New allocates the multiplexer and its wakeup/exit descriptors. It returns
// an InitError if any OS allocation fails.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, &InitError{Err: err}
	}

	evtfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, &InitError{Err: err}
	}

	tmfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		unix.Close(evtfd)
		unix.Close(epfd)
		return nil, &InitError{Err: err}
	}

	l := &Loop{
		epfd:     epfd,
		evtfd:    evtfd,
		tmfd:     tmfd,
		handlers: map[int]*registration{},
	}

	for _, fd := range []int{evtfd, tmfd} {
		err = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd,
			&unix.EpollEvent{Fd: int32(fd), Events: unix.EPOLLIN})
		if err != nil {
			unix.Close(tmfd)
			unix.Close(evtfd)
			unix.Close(epfd)
			return nil, &InitError{Err: err}
		}
	}

	return l, nil
}

// Run blocks the calling goroutine dispatching readiness events until exit
// is requested through ExitAfter or Break. It returns the break error, if
// one was recorded.
func (l *Loop) Run() error {
	if !atomic.CompareAndSwapInt32(&l.running, 0, 1) {
		panic("evloop: loop already running")
	}

	events := make([]unix.EpollEvent, 128)
	for atomic.LoadInt32(&l.running) == 1 {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			l.Break(err)
			break
		}

		for i := 0; i < n && atomic.LoadInt32(&l.running) == 1; i++ {
			fd := int(events[i].Fd)
			switch fd {
			case l.evtfd:
				l.drainFD(l.evtfd)
			case l.tmfd:
				l.drainFD(l.tmfd)
				// grace period elapsed: suppress further dispatch
				atomic.StoreInt32(&l.running, 0)
			default:
				if r := l.handlers[fd]; r != nil {
					r.onEvents(events[i].Events)
				}
			}
		}

		if atomic.LoadInt32(&l.running) != 1 {
			break
		}

		l.mux.Lock()
		fs := l.functors
		l.functors = nil
		l.mux.Unlock()
		for _, f := range fs {
			f()
		}
	}

	l.mux.Lock()
	err := l.breakErr
	l.mux.Unlock()
	return err
}

// ExitAfter schedules loop termination once d elapses. An in-flight handler
// is never interrupted; dispatch stops after the timer fires.
func (l *Loop) ExitAfter(d time.Duration) error {
	if d <= 0 {
		d = time.Nanosecond
	}
	ts := unix.NsecToTimespec(d.Nanoseconds())
	return unix.TimerfdSettime(l.tmfd, 0, &unix.ItimerSpec{Value: ts}, nil)
}

// Break terminates dispatch immediately, recording err for the caller of
// Run. Safe to call from any goroutine.
func (l *Loop) Break(err error) {
	l.mux.Lock()
	if l.breakErr == nil {
		l.breakErr = err
	}
	l.mux.Unlock()
	atomic.StoreInt32(&l.running, 0)
	l.wakeup()
}

// RunInLoop queues f for execution on the loop goroutine after the current
// dispatch batch. Safe to call from any goroutine.
func (l *Loop) RunInLoop(f func()) {
	l.mux.Lock()
	l.functors = append(l.functors, f)
	l.mux.Unlock()
	l.wakeup()
}

// Close releases every still-registered listener, socket and signal, then
// the multiplexer handle itself. Idempotent. Close must not overlap Run:
// stop the loop with Break or ExitAfter and wait for Run to return first,
// so the release callbacks and the multiplexer handle stay on one
// goroutine.
func (l *Loop) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	atomic.StoreInt32(&l.running, 0)

	// owners deregister themselves, mutating the table; snapshot first
	regs := make([]*registration, 0, len(l.handlers))
	for _, r := range l.handlers {
		regs = append(regs, r)
	}
	for _, r := range regs {
		r.invokeRelease()
	}

	unix.Close(l.tmfd)
	unix.Close(l.evtfd)
	err := unix.Close(l.epfd)
	logging.Debug("evloop: all registrations released")
	return err
}

// register pairs fd with r and adds it to the multiplexer. An existing
// entry for a recycled descriptor is overwritten.
func (l *Loop) register(fd int, events uint32, r *registration) error {
	err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd,
		&unix.EpollEvent{Fd: int32(fd), Events: events})
	if err != nil {
		return err
	}
	l.handlers[fd] = r
	return nil
}

// modify updates the interest set for fd.
func (l *Loop) modify(fd int, events uint32) error {
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd,
		&unix.EpollEvent{Fd: int32(fd), Events: events})
}

// deregister drops fd from the table and the multiplexer. The owner must
// still hold the open fd when calling: the table entry goes first so no
// in-flight trampoline can resolve it afterwards.
func (l *Loop) deregister(fd int) {
	if r, ok := l.handlers[fd]; ok {
		r.released = true
		delete(l.handlers, fd)
	}
	unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, &unix.EpollEvent{Fd: int32(fd)})
}

// wakeup makes a blocked EpollWait return.
func (l *Loop) wakeup() {
	n := uint64(1)
	for {
		_, err := unix.Write(l.evtfd, (*(*[8]byte)(unsafe.Pointer(&n)))[:])
		// EAGAIN means the counter is already pending, which is enough
		if err != unix.EINTR {
			return
		}
	}
}

func (l *Loop) drainFD(fd int) {
	var b [8]byte
	for {
		_, err := unix.Read(fd, b[:])
		if err != unix.EINTR {
			return
		}
	}
}
