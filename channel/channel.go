// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the tunnel.Channel interface.
package channel

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tunnel"
	"github.com/creachadair/tunnel/packet"
	"github.com/creachadair/tunnel/sched"
)

// post runs f on l, or on a new goroutine if l no longer accepts tasks.
func post(l *sched.Loop, f func()) {
	if !l.Post(f) {
		taskgroup.Go(func() error { f(); return nil })
	}
}

// A Conn is a channel that carries framed messages over a byte stream such
// as a net.Conn. Use NewConn to construct a Conn, and Start to attach it to
// a stream and begin delivering events.
type Conn struct {
	peer   tunnel.PeerID
	events *sched.Loop // serializes calls to the handler and sent callbacks
	tasks  *taskgroup.Group
	done   chan struct{}
	rwake  chan struct{}
	wwake  chan struct{}

	μ        sync.Mutex
	h        tunnel.Handler
	rwc      io.ReadWriteCloser
	started  bool
	closed   bool
	notified bool // h.Disconnected has been scheduled
	credit   int
	outq     []outbound
}

type outbound struct {
	msg  []byte
	sent func(error)
}

// NewConn constructs a new unstarted Conn to peer. Messages sent before the
// Conn is started are held until it starts.
func NewConn(peer tunnel.PeerID) *Conn {
	return &Conn{
		peer:   peer,
		events: sched.New(),
		tasks:  taskgroup.New(nil),
		done:   make(chan struct{}),
		rwake:  make(chan struct{}, 1),
		wwake:  make(chan struct{}, 1),
		credit: 1,
	}
}

// Start attaches c to rwc and starts delivering its events to h. If rwc or h
// is nil, or c was already destroyed, c is closed instead, and h (if not nil)
// is notified of the disconnection.
//
// Start must be called exactly once.
func (c *Conn) Start(rwc io.ReadWriteCloser, h tunnel.Handler) {
	c.μ.Lock()
	if c.started {
		c.μ.Unlock()
		panic("conn is already started")
	}
	c.rwc, c.h, c.started = rwc, h, true
	closed := c.closed
	c.μ.Unlock()

	if closed || rwc == nil || h == nil {
		c.shutdown()
		return
	}
	c.tasks.Go(func() error { return c.readLoop(bufio.NewReader(rwc)) })
	c.tasks.Go(func() error { return c.writeLoop(bufio.NewWriter(rwc)) })
	c.signal(c.wwake) // flush anything sent before start
}

// Peer implements a method of the [tunnel.Channel] interface.
func (c *Conn) Peer() tunnel.PeerID { return c.peer }

// Send implements a method of the [tunnel.Channel] interface. The message
// must be a complete frame.
func (c *Conn) Send(msg []byte, sent func(error)) {
	if h, err := packet.ParseHeader(msg); err != nil {
		post(c.events, func() { sent(err) })
		return
	} else if int(h.Size) != len(msg) {
		post(c.events, func() { sent(fmt.Errorf("frame size %d does not match length %d", h.Size, len(msg))) })
		return
	}

	c.μ.Lock()
	if c.closed {
		c.μ.Unlock()
		post(c.events, func() { sent(net.ErrClosed) })
		return
	}
	c.outq = append(c.outq, outbound{msg: msg, sent: sent})
	c.μ.Unlock()
	c.signal(c.wwake)
}

// ReceiveDone implements a method of the [tunnel.Channel] interface.
func (c *Conn) ReceiveDone() {
	c.μ.Lock()
	c.credit++
	c.μ.Unlock()
	c.signal(c.rwake)
}

// Destroy implements a method of the [tunnel.Channel] interface.
func (c *Conn) Destroy() { c.shutdown() }

// Wait blocks until the goroutines of c have exited after it is closed.
func (c *Conn) Wait() {
	c.tasks.Wait()
	c.events.Wait()
}

func (c *Conn) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (c *Conn) shutdown() {
	c.μ.Lock()
	defer c.μ.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	if !c.started {
		return // Start will finish the job
	}
	if c.rwc != nil {
		c.rwc.Close()
		c.rwc = nil
	}
	for _, o := range c.outq {
		post(c.events, func() { o.sent(net.ErrClosed) })
	}
	c.outq = nil
	if c.h != nil && !c.notified {
		c.notified = true
		h := c.h
		post(c.events, func() { h.Disconnected(c) })
	}
	c.events.Quit()
}

func (c *Conn) readLoop(r *bufio.Reader) error {
	for {
		c.μ.Lock()
		for c.credit == 0 && !c.closed {
			c.μ.Unlock()
			select {
			case <-c.rwake:
			case <-c.done:
			}
			c.μ.Lock()
		}
		if c.closed {
			c.μ.Unlock()
			return nil
		}
		c.credit--
		h := c.h
		c.μ.Unlock()

		frame, err := packet.ReadFrame(r)
		if err != nil {
			c.shutdown()
			return nil
		}
		c.μ.Lock()
		if !c.closed {
			c.events.Post(func() { h.Receive(c, frame) })
		}
		c.μ.Unlock()
	}
}

func (c *Conn) writeLoop(w *bufio.Writer) error {
	for {
		select {
		case <-c.done:
			return nil
		case <-c.wwake:
		}
		c.μ.Lock()
		next := c.outq
		c.outq = nil
		c.μ.Unlock()

		for i, o := range next {
			_, err := w.Write(o.msg)
			if err == nil {
				err = w.Flush()
			}
			post(c.events, func() { o.sent(err) })
			if err != nil {
				for _, rest := range next[i+1:] {
					post(c.events, func() { rest.sent(err) })
				}
				c.shutdown()
				return nil
			}
		}
	}
}
