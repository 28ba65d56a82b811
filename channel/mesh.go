// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package channel

import (
	"fmt"
	"net"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tunnel"
	"github.com/creachadair/tunnel/sched"
)

// A Mesh is an in-memory network of peers. Each peer of the mesh has a Node,
// which implements the tunnel.Transport interface. Messages are delivered
// between nodes without encoding.
type Mesh struct {
	μ     sync.Mutex
	nodes map[tunnel.PeerID]*Node
}

// NewMesh constructs a new empty mesh.
func NewMesh() *Mesh { return &Mesh{nodes: make(map[tunnel.PeerID]*Node)} }

// Node returns the node for the peer with the given ID, creating it if
// necessary.
func (m *Mesh) Node(id tunnel.PeerID) *Node {
	m.μ.Lock()
	defer m.μ.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		n = &Node{
			mesh:   m,
			id:     id,
			listen: make(map[tunnel.Port]tunnel.Acceptor),
			ends:   mapset.New[*endpoint](),
		}
		m.nodes[id] = n
	}
	return n
}

func (m *Mesh) acceptor(id tunnel.PeerID, port tunnel.Port) tunnel.Acceptor {
	m.μ.Lock()
	n, ok := m.nodes[id]
	m.μ.Unlock()
	if !ok {
		return nil
	}
	n.μ.Lock()
	defer n.μ.Unlock()
	return n.listen[port]
}

// A Node is the transport for one peer of a Mesh.
type Node struct {
	mesh *Mesh
	id   tunnel.PeerID

	μ      sync.Mutex
	listen map[tunnel.Port]tunnel.Acceptor
	ends   mapset.Set[*endpoint]
}

// ID reports the peer ID of n.
func (n *Node) ID() tunnel.PeerID { return n.id }

// Listen implements a method of the [tunnel.Transport] interface.
func (n *Node) Listen(port tunnel.Port, accept tunnel.Acceptor) error {
	n.μ.Lock()
	defer n.μ.Unlock()
	if _, ok := n.listen[port]; ok {
		return fmt.Errorf("port %d is already in use", port)
	}
	n.listen[port] = accept
	return nil
}

// Open implements a method of the [tunnel.Transport] interface. If the target
// peer is not listening on port, the channel is disconnected.
func (n *Node) Open(peer tunnel.PeerID, port tunnel.Port, h tunnel.Handler) tunnel.Channel {
	local := n.newEndpoint(peer, h)
	accept := n.mesh.acceptor(peer, port)
	if accept == nil {
		local.shutdown()
		return local
	}
	remote := n.mesh.Node(peer).newEndpoint(n.id, nil)
	local.remote, remote.remote = remote, local

	taskgroup.Go(func() error {
		if h := accept(remote); h != nil {
			remote.setHandler(h)
		} else {
			remote.Destroy()
		}
		return nil
	})
	return local
}

// Sever destroys all the channels between n and peer, as if the network
// between them had failed.
func (n *Node) Sever(peer tunnel.PeerID) {
	for _, e := range n.endpoints() {
		if e.peer == peer {
			e.Destroy()
		}
	}
}

// Close destroys all the channels of n.
func (n *Node) Close() {
	for _, e := range n.endpoints() {
		e.Destroy()
	}
}

func (n *Node) endpoints() []*endpoint {
	n.μ.Lock()
	defer n.μ.Unlock()
	out := make([]*endpoint, 0, n.ends.Len())
	for e := range n.ends {
		out = append(out, e)
	}
	return out
}

func (n *Node) newEndpoint(peer tunnel.PeerID, h tunnel.Handler) *endpoint {
	e := &endpoint{node: n, peer: peer, h: h, events: sched.New(), credit: 1}
	n.μ.Lock()
	defer n.μ.Unlock()
	n.ends.Add(e)
	return e
}

// An endpoint is one end of a mesh channel.
type endpoint struct {
	node   *Node
	peer   tunnel.PeerID
	remote *endpoint   // nil if the channel was never connected
	events *sched.Loop // serializes calls to h and sent callbacks

	μ      sync.Mutex
	h      tunnel.Handler // nil until accepted
	inbox  [][]byte
	credit int
	closed bool
}

func (e *endpoint) Peer() tunnel.PeerID { return e.peer }

func (e *endpoint) Send(msg []byte, sent func(error)) {
	e.μ.Lock()
	closed := e.closed
	e.μ.Unlock()
	if closed || e.remote == nil {
		post(e.events, func() { sent(net.ErrClosed) })
		return
	}
	e.remote.enqueue(append([]byte(nil), msg...))
	post(e.events, func() { sent(nil) })
}

func (e *endpoint) ReceiveDone() {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.credit++
	e.deliverLocked()
}

func (e *endpoint) Destroy() {
	e.shutdown()
	if e.remote != nil {
		e.remote.shutdown()
	}
}

func (e *endpoint) enqueue(msg []byte) {
	e.μ.Lock()
	defer e.μ.Unlock()
	if e.closed {
		return
	}
	e.inbox = append(e.inbox, msg)
	e.deliverLocked()
}

func (e *endpoint) setHandler(h tunnel.Handler) {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.h = h
	if e.closed {
		post(e.events, func() { h.Disconnected(e) })
		return
	}
	e.deliverLocked()
}

func (e *endpoint) deliverLocked() {
	if e.closed || e.h == nil || e.credit == 0 || len(e.inbox) == 0 {
		return
	}
	e.credit--
	msg := e.inbox[0]
	e.inbox = e.inbox[1:]
	h := e.h
	e.events.Post(func() { h.Receive(e, msg) })
}

func (e *endpoint) shutdown() {
	e.μ.Lock()
	defer e.μ.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.inbox = nil
	if h := e.h; h != nil {
		e.events.Post(func() { h.Disconnected(e) })
	}
	e.events.Quit()

	e.node.μ.Lock()
	defer e.node.μ.Unlock()
	e.node.ends.Remove(e)
}
