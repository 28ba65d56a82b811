// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package packet_test

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/creachadair/tunnel/packet"
	"github.com/google/go-cmp/cmp"
)

func TestBuilder(t *testing.T) {
	b := packet.NewBuilder(135, 12)
	b.Uint32(0x01020304)
	b.Uint64(5)
	b.Put('x', 'y')
	frame, err := b.Frame()
	if err != nil {
		t.Fatalf("Frame: unexpected error: %v", err)
	}
	want := []byte{
		0, 18, 0, 135, // header
		1, 2, 3, 4, // uint32
		0, 0, 0, 0, 0, 0, 0, 5, // uint64
		'x', 'y',
	}
	if diff := cmp.Diff(want, frame); diff != "" {
		t.Errorf("Frame (-want, +got):\n%s", diff)
	}

	s, err := packet.NewScanner(frame, 135)
	if err != nil {
		t.Fatalf("NewScanner: unexpected error: %v", err)
	}
	if v, err := s.Uint32(); err != nil || v != 0x01020304 {
		t.Errorf("Uint32: got (%x, %v), want 01020304", v, err)
	}
	if v, err := s.Uint64(); err != nil || v != 5 {
		t.Errorf("Uint64: got (%d, %v), want 5", v, err)
	}
	if got := string(s.Rest()); got != "xy" {
		t.Errorf("Rest: got %q, want xy", got)
	}
	if _, err := s.Uint32(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Uint32 at end: got %v, want %v", err, io.ErrUnexpectedEOF)
	}
}

func TestFrameTooLarge(t *testing.T) {
	b := packet.NewBuilder(1, 0)
	b.Put(make([]byte, packet.MaxSize)...)
	if frame, err := b.Frame(); err == nil {
		t.Errorf("Frame: got %d bytes, want error", len(frame))
	}
}

func TestScannerErrors(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  string
	}{
		{"Empty", nil, "short header"},
		{"TinySize", []byte{0, 2, 0, 1}, "invalid frame size"},
		{"SizeMismatch", []byte{0, 8, 0, 1, 0}, "does not match"},
		{"WrongType", []byte{0, 4, 0, 2}, "unexpected frame type"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := packet.NewScanner(tc.input, 1)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("NewScanner: got %v, want %q", err, tc.want)
			}
		})
	}
}

func TestReadFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 6, 0, 9, 'h', 'i'})
	buf.Write([]byte{0, 4, 0, 10})
	buf.Write([]byte{0, 9, 0, 11, 'x'}) // truncated

	for _, want := range [][]byte{{0, 6, 0, 9, 'h', 'i'}, {0, 4, 0, 10}} {
		got, err := packet.ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame: unexpected error: %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("ReadFrame (-want, +got):\n%s", diff)
		}
	}
	if got, err := packet.ReadFrame(&buf); err == nil {
		t.Errorf("ReadFrame: got %v, want error", got)
	}
	if got, err := packet.ReadFrame(&buf); err != io.EOF {
		t.Errorf("ReadFrame at end: got (%v, %v), want EOF", got, err)
	}
}
