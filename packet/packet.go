// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package packet provides support for framing and encoding binary messages.
//
// Each message is a frame consisting of a 4-byte header followed by a body.
// The header holds the total size of the frame (including the header) and the
// type of the message, both as big-endian unsigned 16-bit values.
package packet

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// HeaderSize is the size in bytes of a frame header.
	HeaderSize = 4

	// MaxSize is the maximum size in bytes of a complete frame.
	MaxSize = 1<<16 - 1
)

// Type is the message type carried in a frame header.
type Type uint16

// Header is the parsed header of a frame.
type Header struct {
	Size uint16 // total frame size, including the header
	Type Type
}

// ParseHeader parses the header at the front of buf.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("short header (%d bytes): %w", len(buf), io.ErrUnexpectedEOF)
	}
	h := Header{
		Size: binary.BigEndian.Uint16(buf[0:]),
		Type: Type(binary.BigEndian.Uint16(buf[2:])),
	}
	if h.Size < HeaderSize {
		return h, fmt.Errorf("invalid frame size %d", h.Size)
	}
	return h, nil
}

// A Builder accumulates the body of a frame. Use NewBuilder to construct one.
type Builder struct {
	buf []byte
}

// NewBuilder constructs a Builder for a frame of type t, with space reserved
// for a body of about n bytes.
func NewBuilder(t Type, n int) *Builder {
	buf := make([]byte, HeaderSize, HeaderSize+n)
	binary.BigEndian.PutUint16(buf[2:], uint16(t))
	return &Builder{buf: buf}
}

// Put appends the specified bytes to b in order.
func (b *Builder) Put(vs ...byte) { b.buf = append(b.buf, vs...) }

// Uint32 appends v to b in big-endian order.
func (b *Builder) Uint32(v uint32) { b.buf = binary.BigEndian.AppendUint32(b.buf, v) }

// Uint64 appends v to b in big-endian order.
func (b *Builder) Uint64(v uint64) { b.buf = binary.BigEndian.AppendUint64(b.buf, v) }

// Len reports the number of bytes in the frame so far, including the header.
func (b *Builder) Len() int { return len(b.buf) }

// Frame completes the header and returns the encoded frame. It reports an
// error if the frame exceeds MaxSize. The builder retains no reference to the
// returned slice, and b must not be used afterward.
func (b *Builder) Frame() ([]byte, error) {
	if len(b.buf) > MaxSize {
		return nil, fmt.Errorf("frame too large (%d > %d bytes)", len(b.buf), MaxSize)
	}
	binary.BigEndian.PutUint16(b.buf[0:], uint16(len(b.buf)))
	out := b.buf
	b.buf = nil
	return out, nil
}

// A Scanner reads encoded values from the body of a frame.
// Incomplete values report io.ErrUnexpectedEOF.
type Scanner struct {
	rest []byte
}

// NewScanner checks that frame is a complete frame of type want, and returns
// a Scanner positioned at the start of its body. The scanner retains slices
// into frame, so the caller should not modify it while the scanner is in use.
func NewScanner(frame []byte, want Type) (*Scanner, error) {
	h, err := ParseHeader(frame)
	if err != nil {
		return nil, err
	}
	if int(h.Size) != len(frame) {
		return nil, fmt.Errorf("frame size %d does not match length %d", h.Size, len(frame))
	}
	if h.Type != want {
		return nil, fmt.Errorf("unexpected frame type %d, want %d", h.Type, want)
	}
	return &Scanner{rest: frame[HeaderSize:]}, nil
}

// Uint32 parses a big-endian uint32 value from the head of the input.
func (s *Scanner) Uint32() (uint32, error) {
	if len(s.rest) < 4 {
		return 0, fmt.Errorf("value truncated (%d < 4 bytes): %w", len(s.rest), io.ErrUnexpectedEOF)
	}
	out := binary.BigEndian.Uint32(s.rest)
	s.rest = s.rest[4:]
	return out, nil
}

// Uint64 parses a big-endian uint64 value from the head of the input.
func (s *Scanner) Uint64() (uint64, error) {
	if len(s.rest) < 8 {
		return 0, fmt.Errorf("value truncated (%d < 8 bytes): %w", len(s.rest), io.ErrUnexpectedEOF)
	}
	out := binary.BigEndian.Uint64(s.rest)
	s.rest = s.rest[8:]
	return out, nil
}

// Get returns exactly n bytes from the head of the input. The result aliases
// the input, and the caller must not modify its contents.
func (s *Scanner) Get(n int) ([]byte, error) {
	if len(s.rest) < n {
		return nil, fmt.Errorf("value truncated (%d < %d bytes): %w", len(s.rest), n, io.ErrUnexpectedEOF)
	}
	out := s.rest[:n]
	s.rest = s.rest[n:]
	return out, nil
}

// Len reports the number of remaining unconsumed input bytes in s.
func (s *Scanner) Len() int { return len(s.rest) }

// Rest returns the remaining unconsumed input of s, and consumes it.
func (s *Scanner) Rest() []byte {
	out := s.rest
	s.rest = nil
	return out
}

// ReadFrame reads one complete frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("short frame header: %w", err)
		}
		return nil, err
	}
	h, err := ParseHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	frame := make([]byte, int(h.Size))
	copy(frame, hdr[:])
	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		return nil, fmt.Errorf("short frame body: %w", err)
	}
	return frame, nil
}
