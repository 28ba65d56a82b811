// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package channel_test

import (
	"bytes"
	"net"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/tunnel"
	"github.com/creachadair/tunnel/block"
	"github.com/creachadair/tunnel/channel"
	"github.com/fortytw2/leaktest"
)

var (
	peerA = tunnel.NamedPeer("a")
	peerB = tunnel.NamedPeer("b")
)

type handler struct {
	msgs chan []byte
	gone chan tunnel.Channel
}

func newHandler() *handler {
	return &handler{msgs: make(chan []byte, 16), gone: make(chan tunnel.Channel, 1)}
}

func (h *handler) Receive(_ tunnel.Channel, msg []byte) { h.msgs <- msg }
func (h *handler) Disconnected(ch tunnel.Channel)       { h.gone <- ch }

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for event")
	}
	panic("unreachable")
}

func send(t *testing.T, ch tunnel.Channel, msg []byte) chan error {
	t.Helper()
	done := make(chan error, 1)
	ch.Send(msg, func(err error) { done <- err })
	return done
}

func frame(s string) []byte {
	var key block.Key
	copy(key[:], s)
	return tunnel.Query{Type: block.Data, Key: key}.Encode()
}

func TestMesh(t *testing.T) {
	defer leaktest.Check(t)()
	synctest.Test(t, func(t *testing.T) {
		m := channel.NewMesh()
		a, b := m.Node(peerA), m.Node(peerB)

		hb := newHandler()
		accepted := make(chan tunnel.Channel, 1)
		if err := b.Listen(tunnel.BlockTransferPort, func(ch tunnel.Channel) tunnel.Handler {
			accepted <- ch
			return hb
		}); err != nil {
			t.Fatalf("Listen: %v", err)
		}
		if err := b.Listen(tunnel.BlockTransferPort, nil); err == nil {
			t.Error("Second Listen on the same port: got nil, want error")
		}

		ha := newHandler()
		ca := a.Open(peerB, tunnel.BlockTransferPort, ha)
		if got := ca.Peer(); got != peerB {
			t.Errorf("Peer: got %v, want %v", got, peerB)
		}
		cb := recv(t, accepted)
		if got := cb.Peer(); got != peerA {
			t.Errorf("Accepted peer: got %v, want %v", got, peerA)
		}

		// The receiver sees one message per credit.
		m1, m2 := frame("first"), frame("second")
		if err := recv(t, send(t, ca, m1)); err != nil {
			t.Errorf("Send: %v", err)
		}
		if err := recv(t, send(t, ca, m2)); err != nil {
			t.Errorf("Send: %v", err)
		}
		if got := recv(t, hb.msgs); !bytes.Equal(got, m1) {
			t.Errorf("Receive: got %q, want %q", got, m1)
		}
		synctest.Wait()
		if len(hb.msgs) != 0 {
			t.Error("Second message delivered without credit")
		}
		cb.ReceiveDone()
		if got := recv(t, hb.msgs); !bytes.Equal(got, m2) {
			t.Errorf("Receive: got %q, want %q", got, m2)
		}

		// Replies flow the other way.
		send(t, cb, m1)
		if got := recv(t, ha.msgs); !bytes.Equal(got, m1) {
			t.Errorf("Reply: got %q, want %q", got, m1)
		}

		// Destroying either end disconnects both.
		ca.Destroy()
		if got := recv(t, ha.gone); got != ca {
			t.Errorf("Disconnected: got %v, want %v", got, ca)
		}
		if got := recv(t, hb.gone); got != cb {
			t.Errorf("Disconnected: got %v, want %v", got, cb)
		}
		if err := recv(t, send(t, ca, m1)); err == nil {
			t.Error("Send after destroy: got nil, want error")
		}
		ca.Destroy() // idempotent
		synctest.Wait()
		if len(ha.gone) != 0 {
			t.Error("Disconnected reported more than once")
		}
	})
}

func TestMeshUnreachable(t *testing.T) {
	defer leaktest.Check(t)()
	synctest.Test(t, func(t *testing.T) {
		m := channel.NewMesh()
		a := m.Node(peerA)

		// Nobody is listening.
		h := newHandler()
		ch := a.Open(peerB, tunnel.BlockTransferPort, h)
		if got := recv(t, h.gone); got != ch {
			t.Errorf("Disconnected: got %v, want %v", got, ch)
		}

		// The listener rejects the channel.
		m.Node(peerB).Listen(tunnel.BlockTransferPort, func(tunnel.Channel) tunnel.Handler { return nil })
		ch = a.Open(peerB, tunnel.BlockTransferPort, h)
		if got := recv(t, h.gone); got != ch {
			t.Errorf("Disconnected: got %v, want %v", got, ch)
		}
	})
}

func TestMeshSever(t *testing.T) {
	defer leaktest.Check(t)()
	synctest.Test(t, func(t *testing.T) {
		m := channel.NewMesh()
		a, b := m.Node(peerA), m.Node(peerB)
		hb := newHandler()
		b.Listen(tunnel.BlockTransferPort, func(tunnel.Channel) tunnel.Handler { return hb })

		ha := newHandler()
		a.Open(peerB, tunnel.BlockTransferPort, ha)
		synctest.Wait()

		a.Sever(peerB)
		recv(t, ha.gone)
		recv(t, hb.gone)
		b.Close()
	})
}

func TestConn(t *testing.T) {
	defer leaktest.Check(t)()

	p1, p2 := net.Pipe()
	h1, h2 := newHandler(), newHandler()
	c1, c2 := channel.NewConn(peerB), channel.NewConn(peerA)

	// Messages sent before start are held.
	m1, m2 := frame("one"), frame("two")
	done := send(t, c1, m1)
	c1.Start(p1, h1)
	c2.Start(p2, h2)

	if err := recv(t, done); err != nil {
		t.Errorf("Send: %v", err)
	}
	if got := recv(t, h2.msgs); !bytes.Equal(got, m1) {
		t.Errorf("Receive: got %q, want %q", got, m1)
	}
	send(t, c1, m2)
	select {
	case msg := <-h2.msgs:
		t.Errorf("Message %q delivered without credit", msg)
	case <-time.After(50 * time.Millisecond):
	}
	c2.ReceiveDone()
	if got := recv(t, h2.msgs); !bytes.Equal(got, m2) {
		t.Errorf("Receive: got %q, want %q", got, m2)
	}

	send(t, c2, m1)
	if got := recv(t, h1.msgs); !bytes.Equal(got, m1) {
		t.Errorf("Reply: got %q, want %q", got, m1)
	}

	if err := recv(t, send(t, c1, []byte("bogus"))); err == nil {
		t.Error("Send of an invalid frame: got nil, want error")
	}

	// Closing one end is seen by the other as a disconnect, once it is
	// reading again.
	c2.ReceiveDone()
	c1.Destroy()
	recv(t, h1.gone)
	recv(t, h2.gone)
	if err := recv(t, send(t, c1, m1)); err == nil {
		t.Error("Send after destroy: got nil, want error")
	}
	c1.Wait()
	c2.Wait()
}

func TestConnDestroyBeforeStart(t *testing.T) {
	defer leaktest.Check(t)()

	p1, p2 := net.Pipe()
	defer p2.Close()

	h := newHandler()
	c := channel.NewConn(peerB)
	c.Destroy()
	c.Start(p1, h)
	if got := recv(t, h.gone); got != c {
		t.Errorf("Disconnected: got %v, want %v", got, c)
	}
	c.Wait()
}
