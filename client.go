// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tunnel

import (
	"bytes"
	"context"
	"errors"
	"expvar"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/creachadair/tunnel/block"
	"github.com/creachadair/tunnel/sched"
	"github.com/sirupsen/logrus"
)

// ErrClosed is reported to requests that are still outstanding when their
// client is closed, and to requests issued after that.
var ErrClosed = errors.New("client is closed")

// Default client settings.
const (
	DefaultClientIdle  = 1 * time.Second
	DefaultClientReset = 30 * time.Second
)

// ClientOptions are optional settings for a Client. A nil *ClientOptions is
// ready for use and provides default values.
type ClientOptions struct {
	// Port is the remote port to open channels to.
	// If zero, BlockTransferPort is used.
	Port Port

	// IdleTimeout is how long a channel with no outstanding requests is kept
	// open before it is destroyed. If zero, DefaultClientIdle is used.
	IdleTimeout time.Duration

	// ResetTimeout is how long the client waits for progress on a channel
	// with outstanding requests before resetting it. If zero,
	// DefaultClientReset is used.
	ResetTimeout time.Duration

	// KeyOf is used to compute the key of each reply. If nil, block.KeyOf
	// is used.
	KeyOf KeyFunc

	// Logger receives log output. Defaults to a discard logger.
	Logger logrus.FieldLogger
}

func (o *ClientOptions) port() Port {
	if o == nil || o.Port == 0 {
		return BlockTransferPort
	}
	return o.Port
}

func (o *ClientOptions) idleTimeout() time.Duration {
	if o == nil || o.IdleTimeout <= 0 {
		return DefaultClientIdle
	}
	return o.IdleTimeout
}

func (o *ClientOptions) resetTimeout() time.Duration {
	if o == nil || o.ResetTimeout <= 0 {
		return DefaultClientReset
	}
	return o.ResetTimeout
}

func (o *ClientOptions) keyOf() KeyFunc {
	if o == nil || o.KeyOf == nil {
		return block.KeyOf
	}
	return o.KeyOf
}

func (o *ClientOptions) logger() logrus.FieldLogger {
	if o == nil || o.Logger == nil {
		return discardLogger()
	}
	return o.Logger
}

func discardLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// A Client issues block queries to remote peers over channels opened by a
// Transport. The client keeps at most one channel per peer, shared by all the
// queries addressed to that peer. Replies are matched to queries by key.
//
// The methods of a Client are safe for concurrent use. Reply callbacks are
// run on a single goroutine owned by the client, and must not block.
type Client struct {
	tr    Transport
	port  Port
	idle  time.Duration
	retry time.Duration
	keyOf KeyFunc
	log   logrus.FieldLogger
	loop  *sched.Loop
	m     *clientMetrics

	// Fields below are owned by the loop.
	handles map[PeerID]*channelHandle
	nextSeq uint64
	closed  bool
}

// NewClient constructs a new client that opens channels using t.
// The caller must call Close when the client is no longer needed.
func NewClient(t Transport, opts *ClientOptions) *Client {
	return &Client{
		tr:      t,
		port:    opts.port(),
		idle:    opts.idleTimeout(),
		retry:   opts.resetTimeout(),
		keyOf:   opts.keyOf(),
		log:     opts.logger(),
		loop:    sched.New(),
		m:       newClientMetrics(),
		handles: make(map[PeerID]*channelHandle),
	}
}

// Metrics returns the metrics map for c. It is safe for the caller to add,
// modify, and remove entries.
func (c *Client) Metrics() *expvar.Map { return c.m.emap }

// A ReplyFunc receives the result of a query. On success it receives a reply
// whose key matches the query. If the query could not be completed, it
// receives a nil reply and an error. A ReplyFunc is called at most once per
// query, and not at all after the query is cancelled.
//
// A ReplyFunc runs on the client goroutine, and must not block or call
// methods of the Client that wait for it. Callers sharing a key each receive
// their own copy of the payload.
type ReplyFunc func(*Reply, error)

// Query sends a query for the block of type typ with the given key to peer.
// The result is reported to reply, unless the query is cancelled first.
// Queries to the same peer are transmitted in the order they were issued.
func (c *Client) Query(peer PeerID, key block.Key, typ block.Type, reply ReplyFunc) *Request {
	if reply == nil {
		panic("nil reply function")
	}
	r := &Request{c: c, peer: peer, key: key, typ: typ, reply: reply}
	if !c.loop.Post(func() { c.enqueue(r) }) {
		r.fail(ErrClosed)
	}
	return r
}

// Get sends a query and blocks until a reply is received or ctx ends.
// If ctx ends first, the query is cancelled and Get reports the error from
// the context.
func (c *Client) Get(ctx context.Context, peer PeerID, key block.Key, typ block.Type) (*Reply, error) {
	type result struct {
		rep *Reply
		err error
	}
	ch := make(chan result, 1)
	r := c.Query(peer, key, typ, func(rep *Reply, err error) { ch <- result{rep, err} })
	select {
	case res := <-ch:
		return res.rep, res.err
	case <-ctx.Done():
		r.Cancel()
		return nil, ctx.Err()
	}
}

// Reset discards the channel to peer, if any, and opens a new one. Queries
// that were sent but not yet answered are sent again on the new channel.
func (c *Client) Reset(peer PeerID) {
	c.loop.Post(func() {
		if h := c.handles[peer]; h != nil {
			h.resetAsync()
		}
	})
}

// Peers returns the peers for which c currently holds a channel, in order.
// It waits for the client goroutine, so it must not be called from a
// ReplyFunc.
func (c *Client) Peers() []PeerID {
	var out []PeerID
	c.loop.Call(func() {
		for id := range c.handles {
			out = append(out, id)
		}
	})
	slices.SortFunc(out, func(a, b PeerID) int { return bytes.Compare(a[:], b[:]) })
	return out
}

// Close fails every outstanding query with ErrClosed, destroys all the
// channels held by c, and stops its goroutine. Close is safe to call more
// than once; subsequent calls do nothing. Close waits for the client
// goroutine, so it must not be called from a ReplyFunc.
func (c *Client) Close() error {
	if err := c.loop.Call(c.shutdown); err != nil {
		return nil // already closed
	}
	c.loop.Stop()
	return nil
}

func (c *Client) shutdown() {
	c.closed = true
	for _, h := range c.handles {
		h.shutdown()
	}
}

// enqueue adds r to the queue for its peer. It runs on the loop.
func (c *Client) enqueue(r *Request) {
	if c.closed {
		r.fail(ErrClosed)
		return
	} else if !r.live() {
		return // cancelled before it was queued
	}
	c.nextSeq++
	r.seq = c.nextSeq
	h := c.getOrCreate(r.peer)
	h.enqueue(r)
}

// getOrCreate returns the handle for peer, creating it and opening its
// channel if necessary. It runs on the loop.
func (c *Client) getOrCreate(peer PeerID) *channelHandle {
	if h, ok := c.handles[peer]; ok {
		h.stopIdle()
		return h
	}
	h := &channelHandle{
		c:       c,
		target:  peer,
		waiting: make(map[block.Key][]*Request),
		log:     c.log.WithField("peer", peer),
	}
	h.armRetry()
	c.handles[peer] = h
	h.open()
	h.log.Debug("Created channel handle")
	return h
}

// remove deletes h from the registry. It runs on the loop.
func (c *Client) remove(h *channelHandle) {
	if got := c.handles[h.target]; got != h {
		panic("channel handle is not registered for its peer")
	}
	delete(c.handles, h.target)
}

// A Request tracks a query issued by a Client.
type Request struct {
	c    *Client
	peer PeerID
	key  block.Key
	typ  block.Type

	// Fields below are owned by the client loop.
	seq         uint64         // enqueue order
	h           *channelHandle // while queued on a handle
	transmitted bool           // in the waiting set rather than pending

	μ     sync.Mutex
	reply ReplyFunc // nil once the request is resolved
}

// Peer reports the peer to which the query is addressed.
func (r *Request) Peer() PeerID { return r.peer }

// Key reports the key of the requested block.
func (r *Request) Key() block.Key { return r.key }

// Type reports the requested block type.
func (r *Request) Type() block.Type { return r.typ }

// Cancel cancels the request. After Cancel returns, the reply callback for
// r will not be called. Cancel is safe to call more than once, and it has no
// effect if the request has already completed.
func (r *Request) Cancel() {
	if r.take() == nil {
		return
	}
	r.c.m.requestsCancelled.Add(1)
	r.c.loop.Post(func() { r.c.cancelled(r) })
}

// cancelled removes a cancelled request from its handle. It runs on the loop.
func (c *Client) cancelled(r *Request) {
	if h := r.h; h != nil && h.remove(r) {
		h.checkIdle()
	}
}

// take resolves r and returns its callback, or nil if r was already resolved.
func (r *Request) take() ReplyFunc {
	r.μ.Lock()
	defer r.μ.Unlock()
	f := r.reply
	r.reply = nil
	return f
}

func (r *Request) live() bool {
	r.μ.Lock()
	defer r.μ.Unlock()
	return r.reply != nil
}

// deliver reports rep to the caller, if r is not already resolved.
func (r *Request) deliver(rep *Reply) {
	if f := r.take(); f != nil {
		f(rep, nil)
	}
}

// fail reports err to the caller, if r is not already resolved.
func (r *Request) fail(err error) {
	if f := r.take(); f != nil {
		r.c.m.requestsFailed.Add(1)
		f(nil, err)
	}
}
