// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package datastore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/creachadair/tunnel/block"
	"github.com/creachadair/tunnel/packet"
	"github.com/sirupsen/logrus"
)

// ChunkSize is the size of the blocks a file is divided into by IndexFile.
const ChunkSize = 32 << 10

// placeholderType tags the encoding of on-demand placeholder data.
const placeholderType packet.Type = 6

// A FileIndex reconstructs data blocks from files on the local disk. Instead
// of storing a copy of the data, the datastore holds a block.OnDemand
// placeholder recording where in a file the block may be found.
//
// FileIndex implements the tunnel.OnDemand interface.
type FileIndex struct {
	root string
	log  logrus.FieldLogger
}

// NewFileIndex constructs a file index for files under root. Placeholders
// refer to files by their path relative to root. If log == nil, the
// standard logger is used.
func NewFileIndex(root string, log logrus.FieldLogger) *FileIndex {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &FileIndex{root: root, log: log}
}

// A placeholder records the location of a block in an indexed file.
type placeholder struct {
	Offset int64
	Size   int
	Path   string // relative to the index root
}

func (p placeholder) encode() ([]byte, error) {
	b := packet.NewBuilder(placeholderType, 12+len(p.Path))
	b.Uint64(uint64(p.Offset))
	b.Uint32(uint32(p.Size))
	b.Put([]byte(p.Path)...)
	return b.Frame()
}

func decodePlaceholder(data []byte) (placeholder, error) {
	var p placeholder
	s, err := packet.NewScanner(data, placeholderType)
	if err != nil {
		return p, fmt.Errorf("invalid placeholder: %w", err)
	}
	off, err := s.Uint64()
	if err != nil {
		return p, err
	}
	size, err := s.Uint32()
	if err != nil {
		return p, err
	}
	p.Offset, p.Size, p.Path = int64(off), int(size), string(s.Rest())
	if p.Path == "" || !filepath.IsLocal(p.Path) {
		return p, fmt.Errorf("invalid placeholder path %q", p.Path)
	}
	return p, nil
}

// IndexFile divides the file at path, relative to the index root, into
// chunks of ChunkSize bytes and returns a placeholder record for each.
func (f *FileIndex) IndexFile(path string) ([]*block.Record, error) {
	if !filepath.IsLocal(path) {
		return nil, fmt.Errorf("path %q is not within the index root", path)
	}
	fd, err := os.Open(filepath.Join(f.root, path))
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	var recs []*block.Record
	buf := make([]byte, ChunkSize)
	for off := int64(0); ; {
		n, err := io.ReadFull(fd, buf)
		if n > 0 {
			rec, perr := f.placeholder(path, off, buf[:n])
			if perr != nil {
				return nil, perr
			}
			recs = append(recs, rec)
			off += int64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		} else if err != nil {
			return nil, err
		}
	}
	f.log.WithFields(logrus.Fields{"path": path, "blocks": len(recs)}).Info("Indexed file")
	return recs, nil
}

func (f *FileIndex) placeholder(path string, off int64, chunk []byte) (*block.Record, error) {
	key, err := block.KeyOf(block.Data, chunk)
	if err != nil {
		return nil, err
	}
	data, err := placeholder{Offset: off, Size: len(chunk), Path: path}.encode()
	if err != nil {
		return nil, err
	}
	return &block.Record{Key: key, Type: block.OnDemand, Data: data}, nil
}

// Reconstruct implements the tunnel.OnDemand interface. It reads the block
// described by rec from its file, and reports an error if the content no
// longer matches the key of rec.
func (f *FileIndex) Reconstruct(ctx context.Context, rec *block.Record) (*block.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	} else if rec.Type != block.OnDemand {
		return nil, fmt.Errorf("record type %v is not on-demand", rec.Type)
	}
	p, err := decodePlaceholder(rec.Data)
	if err != nil {
		return nil, err
	}
	fd, err := os.Open(filepath.Join(f.root, p.Path))
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	data := make([]byte, p.Size)
	if _, err := fd.ReadAt(data, p.Offset); err != nil {
		return nil, fmt.Errorf("read %q at %d: %w", p.Path, p.Offset, err)
	}
	key, err := block.KeyOf(block.Data, data)
	if err != nil {
		return nil, err
	} else if key != rec.Key {
		f.log.WithFields(logrus.Fields{"path": p.Path, "offset": p.Offset}).Warn("Indexed file has changed")
		return nil, fmt.Errorf("indexed block %s has changed: %w", rec.Key.Short(), block.ErrNotFound)
	}
	return &block.Record{
		Key:        rec.Key,
		Type:       block.Data,
		Priority:   rec.Priority,
		Expiration: rec.Expiration,
		Data:       data,
	}, nil
}
