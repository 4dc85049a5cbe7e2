// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package evloop

import (
	"os"

	"github.com/lesismal/evloop/logging"
)

// Engine is the event manager: it holds the canonical descriptor→Conn
// index and wires accepts to socket registration and signals to shutdown
// scheduling. It does not own the loop.
//
// Engine state belongs to the loop goroutine, like everything dispatched by
// the loop.
type Engine struct {
	loop *Loop

	conns    map[int]*Conn
	connErrs []error

	onClose func(c *Conn, err error)
}

// NewEngine creates an Engine bound to l.
func NewEngine(l *Loop) *Engine {
	return &Engine{
		loop:  l,
		conns: map[int]*Conn{},
	}
}

// Loop returns the reactor the engine dispatches on.
func (g *Engine) Loop() *Loop {
	return g.loop
}

// OnClose registers a callback invoked after a connection left the index,
// with the close error if one was carried.
func (g *Engine) OnClose(h func(c *Conn, err error)) {
	if h == nil {
		panic("invalid nil handler")
	}
	g.onClose = h
}

// AddConn adopts an accepted descriptor into a managed Conn and indexes it.
// A stale entry left by a recycled descriptor is overwritten.
func (g *Engine) AddConn(fd int) (*Conn, error) {
	c, err := newConn(g.loop, fd)
	if err != nil {
		return nil, err
	}
	c.onClose = func(c *Conn, err error) {
		// index entry goes before the conn's own resources, so no
		// trampoline can resolve it mid-teardown
		g.removeConn(c)
		if err != nil {
			logging.Error("[%v] conn closed by error: %v", c.fd, err)
			g.connErrs = append(g.connErrs, err)
		}
		if g.onClose != nil {
			g.onClose(c, err)
		}
	}
	g.conns[fd] = c
	return c, nil
}

// Conn resolves a live connection by descriptor.
func (g *Engine) Conn(fd int) (*Conn, bool) {
	c, ok := g.conns[fd]
	return c, ok
}

// ConnCount returns the number of live connections.
func (g *Engine) ConnCount() int {
	return len(g.conns)
}

// ConnErrors returns the errors carried by error-closed connections.
func (g *Engine) ConnErrors() []error {
	return g.connErrs
}

// removeConn drops the index entry if it still points at c.
func (g *Engine) removeConn(c *Conn) {
	if g.conns[c.fd] == c {
		delete(g.conns, c.fd)
	}
}

// BindInetPort binds a listener on port and adopts every accepted
// descriptor; setup runs on each new Conn and typically registers its data
// handler. A setup failure closes that connection only.
func (g *Engine) BindInetPort(port int, setup func(c *Conn) error) (*Listener, error) {
	return NewListener(g.loop, port, func(fd int) error {
		c, err := g.AddConn(fd)
		if err != nil {
			return err
		}
		if setup != nil {
			if err := setup(c); err != nil {
				c.CloseWithError(err)
			}
		}
		return nil
	})
}

// HandleSignal installs a persistent signal handler; a handler error breaks
// the loop with that error.
func (g *Engine) HandleSignal(sig os.Signal, h func(sig os.Signal) error) (*Signal, error) {
	if h == nil {
		panic("invalid nil handler")
	}
	return NewSignal(g.loop, sig, func(sig os.Signal) {
		if err := h(sig); err != nil {
			g.loop.Break(err)
		}
	})
}
