// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package peers provides a transport that carries tunnel channels over
// stream sockets.
//
// Each channel is a separate connection. The dialing side opens the
// connection with a hello message naming itself and the port it wants, and
// thereafter both sides exchange framed messages.
package peers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tunnel"
	"github.com/creachadair/tunnel/channel"
	"github.com/creachadair/tunnel/packet"
	"github.com/sirupsen/logrus"
)

// MsgHello is the message type of the hello message.
const MsgHello packet.Type = 1

const helloSize = packet.HeaderSize + len(tunnel.PeerID{}) + 4

// Default transport settings.
const (
	DefaultDialTimeout      = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

// Options are optional settings for a Transport. A nil *Options is ready for
// use and provides default values.
type Options struct {
	// DialTimeout bounds the time to connect to a peer.
	// If zero, DefaultDialTimeout is used.
	DialTimeout time.Duration

	// HandshakeTimeout bounds the time to wait for the hello message on an
	// inbound connection. If zero, DefaultHandshakeTimeout is used.
	HandshakeTimeout time.Duration

	// Logger receives log output. Defaults to logrus.StandardLogger().
	Logger logrus.FieldLogger
}

func (o *Options) dialTimeout() time.Duration {
	if o == nil || o.DialTimeout <= 0 {
		return DefaultDialTimeout
	}
	return o.DialTimeout
}

func (o *Options) handshakeTimeout() time.Duration {
	if o == nil || o.HandshakeTimeout <= 0 {
		return DefaultHandshakeTimeout
	}
	return o.HandshakeTimeout
}

func (o *Options) logger() logrus.FieldLogger {
	if o == nil || o.Logger == nil {
		return logrus.StandardLogger()
	}
	return o.Logger
}

// A Transport implements the tunnel.Transport interface over stream
// sockets. Peers are reached at addresses registered with AddPeer.
type Transport struct {
	self      tunnel.PeerID
	dialer    net.Dialer
	handshake time.Duration
	log       logrus.FieldLogger
	ctx       context.Context
	stop      context.CancelFunc
	tasks     *taskgroup.Group

	μ      sync.Mutex
	addrs  map[tunnel.PeerID]string
	listen map[tunnel.Port]tunnel.Acceptor
}

// New constructs a new transport for the peer with the given ID.
func New(self tunnel.PeerID, opts *Options) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		self:      self,
		dialer:    net.Dialer{Timeout: opts.dialTimeout()},
		handshake: opts.handshakeTimeout(),
		log:       opts.logger(),
		ctx:       ctx,
		stop:      cancel,
		tasks:     taskgroup.New(nil),
		addrs:     make(map[tunnel.PeerID]string),
		listen:    make(map[tunnel.Port]tunnel.Acceptor),
	}
}

// AddPeer records that peer id can be reached at addr. See SplitAddress for
// the address format.
func (t *Transport) AddPeer(id tunnel.PeerID, addr string) {
	t.μ.Lock()
	defer t.μ.Unlock()
	t.addrs[id] = addr
}

// Open implements a method of the [tunnel.Transport] interface. The
// connection is made in the background; if it fails, h is notified of the
// disconnection.
func (t *Transport) Open(peer tunnel.PeerID, port tunnel.Port, h tunnel.Handler) tunnel.Channel {
	c := channel.NewConn(peer)
	t.μ.Lock()
	addr, ok := t.addrs[peer]
	t.μ.Unlock()

	log := t.log.WithField("peer", peer)
	t.tasks.Go(func() error {
		if !ok {
			log.Warn("No address known for peer")
			c.Start(nil, h)
			return nil
		}
		network, address := SplitAddress(addr)
		conn, err := t.dialer.DialContext(t.ctx, network, address)
		if err != nil {
			log.WithError(err).Info("Dial failed")
			c.Start(nil, h)
			return nil
		}
		if err := writeHello(conn, t.self, port); err != nil {
			log.WithError(err).Info("Handshake failed")
			conn.Close()
			c.Start(nil, h)
			return nil
		}
		log.WithField("addr", addr).Debug("Connected to peer")
		c.Start(conn, h)
		return nil
	})
	return c
}

// Listen implements a method of the [tunnel.Transport] interface.
func (t *Transport) Listen(port tunnel.Port, accept tunnel.Acceptor) error {
	t.μ.Lock()
	defer t.μ.Unlock()
	if _, ok := t.listen[port]; ok {
		return fmt.Errorf("port %d is already in use", port)
	}
	t.listen[port] = accept
	return nil
}

// An Accepter accepts inbound connections.
type Accepter interface {
	Accept(context.Context) (net.Conn, error)
}

// Serve accepts connections from acc and hands each to the acceptor for the
// port named in its hello message. Serve continues until acc closes or ctx
// ends, and reports nil if acc closed normally.
func (t *Transport) Serve(ctx context.Context, acc Accepter) error {
	for {
		conn, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			return err
		}
		t.tasks.Go(func() error { t.accept(conn); return nil })
	}
}

func (t *Transport) accept(conn net.Conn) {
	log := t.log.WithField("remote", conn.RemoteAddr())
	conn.SetDeadline(time.Now().Add(t.handshake))
	peer, port, err := readHello(conn)
	if err != nil {
		log.WithError(err).Info("Handshake failed")
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	t.μ.Lock()
	accept := t.listen[port]
	t.μ.Unlock()
	if accept == nil {
		log.WithFields(logrus.Fields{"peer": peer, "port": port}).Warn("No listener for port")
		conn.Close()
		return
	}
	c := channel.NewConn(peer)
	c.Start(conn, accept(c))
}

// Close stops all dials and handshakes in progress, and waits for them to
// finish. Channels already established are not affected.
func (t *Transport) Close() error {
	t.stop()
	t.tasks.Wait()
	return nil
}

func writeHello(conn net.Conn, self tunnel.PeerID, port tunnel.Port) error {
	b := packet.NewBuilder(MsgHello, helloSize-packet.HeaderSize)
	b.Put(self[:]...)
	b.Uint32(uint32(port))
	frame, err := b.Frame()
	if err != nil {
		return err
	}
	_, err = conn.Write(frame)
	return err
}

func readHello(conn net.Conn) (tunnel.PeerID, tunnel.Port, error) {
	var peer tunnel.PeerID
	frame, err := packet.ReadFrame(conn)
	if err != nil {
		return peer, 0, err
	} else if len(frame) != helloSize {
		return peer, 0, fmt.Errorf("invalid hello size (%d bytes)", len(frame))
	}
	s, err := packet.NewScanner(frame, MsgHello)
	if err != nil {
		return peer, 0, err
	}
	id, err := s.Get(len(peer))
	if err != nil {
		return peer, 0, err
	}
	port, err := s.Uint32()
	if err != nil {
		return peer, 0, err
	}
	copy(peer[:], id)
	return peer, tunnel.Port(port), nil
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (net.Conn, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})
	return n.Listener.Accept()
}

// SplitAddress parses an address string to guess a network type and target.
//
// If s does not have the form [host]:port, the network is assigned as "unix".
// The network "unix" is also assigned if port == "", port contains characters
// other than ASCII letters, digits, and "-", or if host contains a "/".
// Otherwise, the network is assigned as "tcp".
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port == "" || !isServiceName(port) {
		return "unix", s
	} else if strings.IndexByte(host, '/') >= 0 {
		return "unix", s
	}
	return "tcp", s
}

func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}
