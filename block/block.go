// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package block defines content keys, block type tags, and the stored record
// format shared by the tunnel client, server, and datastores.
package block

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// KeySize is the size in bytes of a content key.
const KeySize = 32

// A Key is a fixed-size digest identifying a piece of content. Requests are
// matched to replies by key.
type Key [KeySize]byte

// String renders k in hexadecimal.
func (k Key) String() string { return hex.EncodeToString(k[:]) }

// Short renders an abbreviated form of k, suitable for log messages.
func (k Key) Short() string { return hex.EncodeToString(k[:4]) }

// IsZero reports whether k is the zero key.
func (k Key) IsZero() bool { return k == Key{} }

// ParseKey parses a hexadecimal key string.
func ParseKey(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("invalid key: %w", err)
	} else if len(b) != KeySize {
		return k, fmt.Errorf("invalid key length %d, want %d", len(b), KeySize)
	}
	copy(k[:], b)
	return k, nil
}

// Type is the type tag of a block.
type Type uint32

const (
	Any      Type = 0 // Matches any type in a lookup
	Data     Type = 1 // A data block
	Index    Type = 2 // An inner index block listing other keys
	OnDemand Type = 6 // A placeholder for a block reconstructed from a file
)

func (t Type) String() string {
	switch t {
	case Any:
		return "ANY"
	case Data:
		return "DATA"
	case Index:
		return "INDEX"
	case OnDemand:
		return "ONDEMAND"
	default:
		return fmt.Sprintf("TYPE:%d", uint32(t))
	}
}

// ParseType parses a type name such as "data" or "index", or a decimal type
// number.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "any":
		return Any, nil
	case "data":
		return Data, nil
	case "index":
		return Index, nil
	case "ondemand":
		return OnDemand, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid block type %q", s)
	}
	return Type(v), nil
}

// Matches reports whether a block of type u satisfies a request for type t.
// An on-demand placeholder satisfies a request for data, since it is
// reconstructed into a data block when served.
func (t Type) Matches(u Type) bool {
	return t == Any || t == u || (t == Data && u == OnDemand)
}

var (
	// ErrNotFound is reported by a datastore when no block is stored under the
	// requested key and type.
	ErrNotFound = errors.New("block not found")

	// ErrMalformed is reported by KeyOf for a payload that is not a valid block
	// of the claimed type.
	ErrMalformed = errors.New("malformed block")
)

// KeyOf computes the content key of a block of type t with the given payload.
// Data and index blocks are keyed by the SHA-256 digest of their payload.
// It reports an error wrapping ErrMalformed if payload is empty or t is not a
// type that can be carried in a reply.
func KeyOf(t Type, payload []byte) (Key, error) {
	switch t {
	case Data, Index:
		if len(payload) == 0 {
			return Key{}, fmt.Errorf("empty %v payload: %w", t, ErrMalformed)
		}
		return sha256.Sum256(payload), nil
	default:
		return Key{}, fmt.Errorf("cannot key block type %v: %w", t, ErrMalformed)
	}
}

// A Record is a block as held by a datastore.
type Record struct {
	Key        Key
	Type       Type
	Priority   uint32
	Expiration time.Time // zero means the record does not expire
	Data       []byte
}

// Expired reports whether r has expired as of now.
func (r *Record) Expired(now time.Time) bool {
	return !r.Expiration.IsZero() && r.Expiration.Before(now)
}

// NewRecord constructs a record of type t for data, keyed by KeyOf.
func NewRecord(t Type, data []byte) (*Record, error) {
	key, err := KeyOf(t, data)
	if err != nil {
		return nil, err
	}
	return &Record{Key: key, Type: t, Data: data}, nil
}
