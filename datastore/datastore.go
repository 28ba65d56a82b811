// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package datastore provides implementations of the tunnel.Datastore and
// tunnel.OnDemand interfaces.
package datastore

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/creachadair/tunnel/block"
)

// Memory is an in-memory datastore. A zero Memory is not ready for use; use
// NewMemory to construct one.
type Memory struct {
	μ    sync.Mutex
	recs map[block.Key][]*block.Record
}

// NewMemory constructs a new empty in-memory datastore.
func NewMemory() *Memory { return &Memory{recs: make(map[block.Key][]*block.Record)} }

// Put adds recs to the store, replacing any records with the same key and
// type.
func (m *Memory) Put(recs ...*block.Record) {
	m.μ.Lock()
	defer m.μ.Unlock()
	for _, rec := range recs {
		old := m.recs[rec.Key]
		if i := slices.IndexFunc(old, func(r *block.Record) bool { return r.Type == rec.Type }); i >= 0 {
			old[i] = rec
		} else {
			m.recs[rec.Key] = append(old, rec)
		}
	}
}

// Get implements the tunnel.Datastore interface. Expired records are
// ignored. If more than one record matches, the first one stored wins.
func (m *Memory) Get(ctx context.Context, key block.Key, typ block.Type) (*block.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := time.Now()
	m.μ.Lock()
	defer m.μ.Unlock()
	for _, rec := range m.recs[key] {
		if typ.Matches(rec.Type) && !rec.Expired(now) {
			return rec, nil
		}
	}
	return nil, block.ErrNotFound
}

// Remove discards all records with the given key, and reports how many were
// removed.
func (m *Memory) Remove(key block.Key) int {
	m.μ.Lock()
	defer m.μ.Unlock()
	n := len(m.recs[key])
	delete(m.recs, key)
	return n
}

// Len reports the number of records in m.
func (m *Memory) Len() int {
	m.μ.Lock()
	defer m.μ.Unlock()
	var n int
	for _, recs := range m.recs {
		n += len(recs)
	}
	return n
}
