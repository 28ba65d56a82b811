// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package datastore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/creachadair/tunnel/block"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold"
)

// storedBlock is the persistent form of a block.Record.
type storedBlock struct {
	ID         string    `badgerhold:"key"`
	Key        string    `badgerholdIndex:"Key"`
	Type       uint32
	Priority   uint32
	Expiration time.Time `badgerholdIndex:"Expiration"`
	Data       []byte
}

func storedID(key block.Key, t block.Type) string { return fmt.Sprintf("%s/%d", key, uint32(t)) }

func (s storedBlock) record() (*block.Record, error) {
	key, err := block.ParseKey(s.Key)
	if err != nil {
		return nil, fmt.Errorf("stored block %q: %w", s.ID, err)
	}
	return &block.Record{
		Key:        key,
		Type:       block.Type(s.Type),
		Priority:   s.Priority,
		Expiration: s.Expiration,
		Data:       s.Data,
	}, nil
}

// Badger is a persistent datastore backed by a Badger database.
type Badger struct {
	bh  *badgerhold.Store
	log logrus.FieldLogger
}

// OpenBadger opens or creates a Badger datastore in dir. If log == nil, the
// standard logger is used.
func OpenBadger(dir string, log logrus.FieldLogger) (*Badger, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	opts := badgerhold.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	opts.Logger = log
	opts.Options.ValueLogFileSize = 1<<28 - 1

	bh, err := badgerhold.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open datastore: %w", err)
	}
	return &Badger{bh: bh, log: log}, nil
}

// Close closes the datastore. It must not be used afterward.
func (b *Badger) Close() error { return b.bh.Close() }

// Put stores rec, replacing any record with the same key and type.
func (b *Badger) Put(rec *block.Record) error {
	id := storedID(rec.Key, rec.Type)
	b.log.WithFields(logrus.Fields{"key": rec.Key.Short(), "type": rec.Type}).Debug("Storing block")
	return b.bh.Upsert(id, storedBlock{
		ID:         id,
		Key:        rec.Key.String(),
		Type:       uint32(rec.Type),
		Priority:   rec.Priority,
		Expiration: rec.Expiration,
		Data:       rec.Data,
	})
}

// Get implements the tunnel.Datastore interface. Expired records are
// ignored.
func (b *Badger) Get(ctx context.Context, key block.Key, typ block.Type) (*block.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if typ != block.Any {
		for _, t := range storedTypes(typ) {
			var sb storedBlock
			if err := b.bh.Get(storedID(key, t), &sb); err == badgerhold.ErrNotFound {
				continue
			} else if err != nil {
				return nil, err
			}
			rec, err := b.live(sb)
			if errors.Is(err, block.ErrNotFound) {
				continue
			}
			return rec, err
		}
		return nil, block.ErrNotFound
	}

	var sbs []storedBlock
	if err := b.bh.Find(&sbs, badgerhold.Where("Key").Eq(key.String())); err != nil {
		return nil, err
	}
	for _, sb := range sbs {
		if rec, err := b.live(sb); err == nil {
			return rec, nil
		}
	}
	return nil, block.ErrNotFound
}

// storedTypes returns the stored types that satisfy a request for typ, in
// order of preference.
func storedTypes(typ block.Type) []block.Type {
	if typ == block.Data {
		return []block.Type{block.Data, block.OnDemand}
	}
	return []block.Type{typ}
}

func (b *Badger) live(sb storedBlock) (*block.Record, error) {
	rec, err := sb.record()
	if err != nil {
		return nil, err
	} else if rec.Expired(time.Now()) {
		return nil, block.ErrNotFound
	}
	return rec, nil
}

// Remove discards the record with the given key and type, if it exists.
func (b *Badger) Remove(key block.Key, typ block.Type) error {
	err := b.bh.Delete(storedID(key, typ), storedBlock{})
	if err == badgerhold.ErrNotFound {
		return nil
	}
	return err
}

// DeleteExpired removes all expired records, and reports how many were
// removed.
func (b *Badger) DeleteExpired() (int, error) {
	var sbs []storedBlock
	if err := b.bh.Find(&sbs, badgerhold.Where("Expiration").Lt(time.Now())); err != nil {
		return 0, err
	}
	var nd int
	var errs error
	for _, sb := range sbs {
		if sb.Expiration.IsZero() {
			continue // never expires
		}
		if err := b.bh.Delete(sb.ID, storedBlock{}); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		nd++
	}
	if nd != 0 {
		b.log.WithField("count", nd).Info("Deleted expired blocks")
	}
	return nd, errs
}
