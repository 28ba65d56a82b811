// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tunnel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/creachadair/tunnel/block"
)

// A PeerID is the opaque identity of a peer in the overlay.
type PeerID [32]byte

// String renders an abbreviated form of p, suitable for log messages.
func (p PeerID) String() string { return hex.EncodeToString(p[:4]) }

// Hex renders the complete identity in hexadecimal.
func (p PeerID) Hex() string { return hex.EncodeToString(p[:]) }

// ParsePeerID parses a hexadecimal peer identity.
func ParsePeerID(s string) (PeerID, error) {
	var p PeerID
	b, err := hex.DecodeString(s)
	if err != nil {
		return p, fmt.Errorf("invalid peer ID: %w", err)
	} else if len(b) != len(p) {
		return p, fmt.Errorf("invalid peer ID length %d, want %d", len(b), len(p))
	}
	copy(p[:], b)
	return p, nil
}

// NamedPeer returns a peer identity derived from a human-readable name.
func NamedPeer(name string) PeerID { return sha256.Sum256([]byte(name)) }

// A Port selects the service a channel is opened to on the remote peer.
type Port uint32

// BlockTransferPort is the well-known port for block queries.
const BlockTransferPort Port = 1

// A Transport opens and accepts channels to remote peers.
//
// The methods of a Transport must be safe for concurrent use.
type Transport interface {
	// Open opens a channel to the specified port of peer. Messages and
	// disconnection for the channel are reported to h. Open does not fail;
	// if the channel cannot be established, h.Disconnected is called.
	Open(peer PeerID, port Port, h Handler) Channel

	// Listen registers accept to be called for each inbound channel on port.
	Listen(port Port, accept Acceptor) error
}

// A Channel is a reliable ordered message stream to one remote peer, as
// provided by a Transport.
//
// A transport delivers inbound messages to the channel's Handler one at a
// time: after a message is delivered, the next is held until ReceiveDone is
// called. Each channel starts with credit for one message.
type Channel interface {
	// Peer reports the identity of the remote peer.
	Peer() PeerID

	// Send queues msg for transmission. When msg has left the local queue,
	// sent is called exactly once, with a non-nil error if transmission
	// failed. The sent callback is never called synchronously by Send.
	Send(msg []byte, sent func(error))

	// ReceiveDone returns one flow-control credit to the transport, allowing
	// it to deliver the next inbound message.
	ReceiveDone()

	// Destroy closes the channel. Destroy is idempotent. Its handler will
	// eventually be notified by a call to Disconnected.
	Destroy()
}

// A Handler receives the events for a channel. The methods of a Handler may
// be called from any goroutine, but not concurrently for the same channel.
type Handler interface {
	// Receive is called with a complete inbound message on ch.
	Receive(ch Channel, msg []byte)

	// Disconnected is called once when ch has closed, whether by Destroy or
	// because the remote peer or the network failed.
	Disconnected(ch Channel)
}

// An Acceptor is called by a Transport for each inbound channel, and returns
// the handler for that channel. If it returns nil the channel is rejected and
// no further events are delivered for it.
type Acceptor func(ch Channel) Handler

// A Datastore looks up stored blocks by key.
type Datastore interface {
	// Get returns a record stored under key whose type matches typ. If no
	// such record exists, Get reports block.ErrNotFound. Get should stop and
	// report an error when ctx ends.
	Get(ctx context.Context, key block.Key, typ block.Type) (*block.Record, error)
}

// OnDemand reconstructs a block from a block.OnDemand placeholder record.
type OnDemand interface {
	Reconstruct(ctx context.Context, rec *block.Record) (*block.Record, error)
}

// A KeyFunc computes the content key of a block payload of the given type. It
// reports an error if the payload is not a valid block of that type.
type KeyFunc func(t block.Type, payload []byte) (block.Key, error)
