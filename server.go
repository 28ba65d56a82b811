// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tunnel

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"
	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tunnel/block"
	"github.com/creachadair/tunnel/sched"
	"github.com/sirupsen/logrus"
)

// Default server settings.
const (
	DefaultServerIdle     = 2 * time.Minute
	DefaultMaxConnections = 128
)

// maxOnDemandDepth bounds how many placeholder records a lookup will follow.
const maxOnDemandDepth = 4

// ServerOptions are optional settings for a Server. A nil *ServerOptions is
// ready for use and provides default values.
type ServerOptions struct {
	// Port is the local port on which Listen accepts channels.
	// If zero, BlockTransferPort is used.
	Port Port

	// MaxConnections is the most inbound channels served at once.
	// If zero, DefaultMaxConnections is used.
	MaxConnections int

	// IdleTimeout is how long a connection may go without a query before it
	// is closed. If zero, DefaultServerIdle is used.
	IdleTimeout time.Duration

	// OnDemand, if set, reconstructs blocks from on-demand placeholders
	// found in the datastore. Without it, placeholders are treated as misses.
	OnDemand OnDemand

	// Logger receives log output. Defaults to a discard logger.
	Logger logrus.FieldLogger
}

func (o *ServerOptions) port() Port {
	if o == nil || o.Port == 0 {
		return BlockTransferPort
	}
	return o.Port
}

func (o *ServerOptions) maxConns() int {
	if o == nil || o.MaxConnections <= 0 {
		return DefaultMaxConnections
	}
	return o.MaxConnections
}

func (o *ServerOptions) idleTimeout() time.Duration {
	if o == nil || o.IdleTimeout <= 0 {
		return DefaultServerIdle
	}
	return o.IdleTimeout
}

func (o *ServerOptions) onDemand() OnDemand {
	if o == nil {
		return nil
	}
	return o.OnDemand
}

func (o *ServerOptions) logger() logrus.FieldLogger {
	if o == nil || o.Logger == nil {
		return discardLogger()
	}
	return o.Logger
}

// A Server answers block queries arriving on inbound channels from a
// Datastore. Each connection is served one query at a time: the next query
// is not read until the reply to the previous one has been sent.
type Server struct {
	store    Datastore
	ondemand OnDemand
	port     Port
	maxConns int
	idle     time.Duration
	log      logrus.FieldLogger
	m        *serverMetrics

	loop    *sched.Loop
	lookups *taskgroup.Group
	ctx     context.Context
	stop    context.CancelFunc

	// Fields below are owned by the loop.
	conns  mapset.Set[*serverConn]
	nextID uint64
	closed bool
}

// NewServer constructs a new server that answers queries from store.
// The caller must call Close when the server is no longer needed.
func NewServer(store Datastore, opts *ServerOptions) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		store:    store,
		ondemand: opts.onDemand(),
		port:     opts.port(),
		maxConns: opts.maxConns(),
		idle:     opts.idleTimeout(),
		log:      opts.logger(),
		m:        newServerMetrics(),
		loop:     sched.New(),
		lookups:  taskgroup.New(nil),
		ctx:      ctx,
		stop:     cancel,
		conns:    mapset.New[*serverConn](),
	}
}

// Metrics returns the metrics map for s. It is safe for the caller to add,
// modify, and remove entries.
func (s *Server) Metrics() *expvar.Map { return s.m.emap }

// Listen registers s to accept channels on its port of t.
func (s *Server) Listen(t Transport) error { return t.Listen(s.port, s.Accept) }

// Connections reports the number of connections currently being served.
func (s *Server) Connections() int {
	var n int
	s.loop.Call(func() { n = s.conns.Len() })
	return n
}

// Accept is an Acceptor for inbound channels. If the server is at capacity
// or closed, the channel is destroyed and Accept returns nil.
func (s *Server) Accept(ch Channel) Handler {
	var sc *serverConn
	if err := s.loop.Call(func() {
		if s.closed {
			s.rejectClosed(ch)
			return
		} else if s.conns.Len() >= s.maxConns {
			s.m.connsRejected.Add(1)
			s.log.WithField("peer", ch.Peer()).Warn("Rejected connection, server at capacity")
			ch.Destroy()
			return
		}
		s.nextID++
		sc = &serverConn{
			s:   s,
			id:  s.nextID,
			ch:  ch,
			log: s.log.WithFields(logrus.Fields{"peer": ch.Peer(), "conn": s.nextID}),
		}
		s.conns.Add(sc)
		s.m.connsActive.Add(1)
		sc.refreshIdle()
		sc.log.Debug("Accepted connection")
	}); err != nil {
		s.rejectClosed(ch)
		return nil
	}
	if sc == nil {
		return nil
	}
	return sc
}

func (s *Server) rejectClosed(ch Channel) {
	s.m.connsRejected.Add(1)
	s.log.WithField("peer", ch.Peer()).Info("Rejected connection, server closed")
	ch.Destroy()
}

// Close closes all connections, waits for pending lookups to finish, and
// stops the server. Close is safe to call more than once.
func (s *Server) Close() error {
	if err := s.loop.Call(func() {
		s.closed = true
		for sc := range s.conns {
			sc.drop()
			sc.cleanup()
		}
	}); err != nil {
		return nil // already closed
	}
	s.stop()
	s.lookups.Wait()
	s.loop.Stop()
	return nil
}

// find looks up the record for q, reconstructing on-demand blocks.
func (s *Server) find(ctx context.Context, q Query) (*block.Record, error) {
	rec, err := s.store.Get(ctx, q.Key, q.Type)
	for i := 0; err == nil && rec.Type == block.OnDemand; i++ {
		if s.ondemand == nil {
			return nil, fmt.Errorf("no on-demand encoder for %s: %w", q.Key.Short(), block.ErrNotFound)
		} else if i >= maxOnDemandDepth {
			return nil, fmt.Errorf("too many on-demand levels for %s", q.Key.Short())
		}
		rec, err = s.ondemand.Reconstruct(ctx, rec)
	}
	return rec, err
}

// A serverConn is the server side of one inbound channel. Except for the
// Handler methods, its fields and methods are owned by the server loop.
type serverConn struct {
	s   *Server
	id  uint64
	ch  Channel
	log logrus.FieldLogger

	lookup  context.CancelFunc // non-nil while a lookup is in progress
	writeq  queue.Queue[[]byte]
	writing bool
	idle    *sched.Timer
	closing bool // the channel has been destroyed
	closed  bool // resources released
}

func (sc *serverConn) Receive(_ Channel, msg []byte) {
	sc.s.loop.Post(func() { sc.query(msg) })
}

func (sc *serverConn) Disconnected(Channel) {
	sc.s.loop.Post(sc.cleanup)
}

func (sc *serverConn) busy() bool {
	return sc.lookup != nil || sc.writing || sc.writeq.Len() != 0
}

// query handles an inbound query message.
func (sc *serverConn) query(msg []byte) {
	if sc.closing || sc.closed {
		return
	}
	s := sc.s
	var q Query
	if err := q.UnmarshalBinary(msg); err != nil {
		s.m.queriesMalformed.Add(1)
		sc.log.WithError(err).Warn("Invalid query, closing connection")
		sc.drop()
		return
	} else if sc.busy() {
		s.m.queriesMalformed.Add(1)
		sc.log.Warn("Query received while another is in progress, closing connection")
		sc.drop()
		return
	}
	s.m.queriesRecv.Add(1)
	sc.idle.Stop() // re-armed when the connection resumes reading
	sc.idle = nil
	sc.log.WithFields(logrus.Fields{"key": q.Key.Short(), "type": q.Type}).Debug("Received query")

	ctx, cancel := context.WithCancel(s.ctx)
	sc.lookup = cancel
	s.lookups.Go(func() error {
		rec, err := s.find(ctx, q)
		s.loop.Post(func() { sc.found(ctx, q, rec, err) })
		return nil
	})
}

// found handles the result of the lookup for q.
func (sc *serverConn) found(ctx context.Context, q Query, rec *block.Record, err error) {
	if sc.closed || ctx.Err() != nil {
		return // the lookup was cancelled
	}
	sc.lookup()
	sc.lookup = nil

	log := sc.log.WithFields(logrus.Fields{"key": q.Key.Short(), "type": q.Type})
	if err != nil {
		sc.s.m.queriesUnanswered.Add(1)
		if errors.Is(err, block.ErrNotFound) {
			log.Info("No block found for query")
		} else {
			log.WithError(err).Warn("Lookup failed")
		}
		sc.continueWriting()
		return
	}
	frame, err := Reply{Type: rec.Type, Expiration: rec.Expiration, Data: rec.Data}.Encode()
	if err != nil {
		sc.s.m.queriesUnanswered.Add(1)
		log.WithError(err).Error("Block too large to send")
		sc.continueWriting()
		return
	}
	log.WithField("size", len(rec.Data)).Debug("Sending reply")
	sc.writeq.Add(frame)
	sc.continueWriting()
}

// continueWriting sends the next queued reply. When the queue is empty it
// resumes reading.
func (sc *serverConn) continueWriting() {
	if sc.writing || sc.closing || sc.closed {
		return
	}
	frame, ok := sc.writeq.Pop()
	if !ok {
		sc.continueReading()
		return
	}
	sc.writing = true
	sc.ch.Send(frame, func(err error) {
		sc.s.loop.Post(func() { sc.written(err) })
	})
}

func (sc *serverConn) written(err error) {
	sc.writing = false
	if sc.closing || sc.closed {
		return
	}
	if err != nil {
		sc.log.WithError(err).Info("Sending reply failed, closing connection")
		sc.drop()
		return
	}
	sc.s.m.blocksSent.Add(1)
	sc.continueWriting()
}

func (sc *serverConn) continueReading() {
	sc.refreshIdle()
	sc.ch.ReceiveDone()
}

func (sc *serverConn) refreshIdle() {
	sc.idle.Stop()
	sc.idle = sc.s.loop.After(sc.s.idle, sc.idleExpired)
}

func (sc *serverConn) idleExpired() {
	sc.idle = nil
	sc.log.Debug("Closing idle connection")
	sc.drop()
}

// drop destroys the channel. The connection is released when the transport
// reports the disconnection.
func (sc *serverConn) drop() {
	if sc.closing || sc.closed {
		return
	}
	sc.closing = true
	sc.ch.Destroy()
}

// cleanup releases the resources of sc.
func (sc *serverConn) cleanup() {
	if sc.closed {
		return
	}
	sc.closed = true
	if sc.lookup != nil {
		sc.lookup()
		sc.lookup = nil
	}
	sc.idle.Stop()
	sc.idle = nil
	sc.writeq.Clear()
	sc.s.conns.Remove(sc)
	sc.s.m.connsActive.Add(-1)
	sc.log.Debug("Connection closed")
}
