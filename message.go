// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tunnel

import (
	"fmt"
	"math"
	"time"

	"github.com/creachadair/tunnel/block"
	"github.com/creachadair/tunnel/packet"
)

// Message types exchanged on block transfer channels.
const (
	MsgQuery packet.Type = 135 // A query for a block, client to server
	MsgReply packet.Type = 136 // A block in reply to a query, server to client
)

// MaxMessageSize is the largest encoded message a channel may carry.
const MaxMessageSize = packet.MaxSize

// Query is the message format for a block query.
type Query struct {
	Type block.Type
	Key  block.Key
}

const querySize = packet.HeaderSize + 4 + block.KeySize

// Encode encodes the query in binary format.
func (q Query) Encode() []byte {
	b := packet.NewBuilder(MsgQuery, 4+block.KeySize)
	b.Uint32(uint32(q.Type))
	b.Put(q.Key[:]...)
	frame, err := b.Frame()
	if err != nil {
		panic(fmt.Errorf("encoding query: %w", err)) // cannot happen: fixed size
	}
	return frame
}

// UnmarshalBinary decodes a query message.
// It implements encoding.BinaryUnmarshaler.
func (q *Query) UnmarshalBinary(data []byte) error {
	if len(data) != querySize {
		return fmt.Errorf("invalid query size (%d bytes)", len(data))
	}
	s, err := packet.NewScanner(data, MsgQuery)
	if err != nil {
		return fmt.Errorf("invalid query: %w", err)
	}
	typ, err := s.Uint32()
	if err != nil {
		return err
	}
	key, err := s.Get(block.KeySize)
	if err != nil {
		return err
	}
	q.Type = block.Type(typ)
	copy(q.Key[:], key)
	return nil
}

// String returns a human-friendly rendering of the query.
func (q Query) String() string { return fmt.Sprintf("Query(%v, %s)", q.Type, q.Key.Short()) }

// Reply is the message format for a block sent in reply to a query.
type Reply struct {
	Type       block.Type
	Expiration time.Time // zero if the block does not expire
	Data       []byte
}

const replyHeaderSize = packet.HeaderSize + 4 + 8

// Encode encodes the reply in binary format. It reports an error if the
// encoded reply would exceed MaxMessageSize.
func (r Reply) Encode() ([]byte, error) {
	b := packet.NewBuilder(MsgReply, 12+len(r.Data))
	b.Uint32(uint32(r.Type))
	b.Uint64(encodeTime(r.Expiration))
	b.Put(r.Data...)
	return b.Frame()
}

// UnmarshalBinary decodes a reply message. The decoded Data field aliases
// the input. It implements encoding.BinaryUnmarshaler.
func (r *Reply) UnmarshalBinary(data []byte) error {
	if len(data) < replyHeaderSize {
		return fmt.Errorf("short reply (%d bytes)", len(data))
	}
	s, err := packet.NewScanner(data, MsgReply)
	if err != nil {
		return fmt.Errorf("invalid reply: %w", err)
	}
	typ, err := s.Uint32()
	if err != nil {
		return err
	}
	exp, err := s.Uint64()
	if err != nil {
		return err
	}
	r.Type = block.Type(typ)
	r.Expiration = decodeTime(exp)
	if rest := s.Rest(); len(rest) != 0 {
		r.Data = rest
	} else {
		r.Data = nil
	}
	return nil
}

// String returns a human-friendly rendering of the reply.
func (r Reply) String() string {
	return fmt.Sprintf("Reply(%v, exp=%v, [%d bytes])", r.Type, r.Expiration.Format(time.RFC3339), len(r.Data))
}

// Expiration times are carried as microseconds since the Unix epoch, with 0
// meaning "never".
func encodeTime(t time.Time) uint64 {
	if t.IsZero() || t.UnixMicro() <= 0 {
		return 0
	}
	return uint64(t.UnixMicro())
}

func decodeTime(v uint64) time.Time {
	if v == 0 || v > math.MaxInt64 {
		return time.Time{}
	}
	return time.UnixMicro(int64(v))
}
