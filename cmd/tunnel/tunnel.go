// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Program tunnel is a command-line utility for serving and fetching blocks
// over tunnel channels.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tunnel"
	"github.com/creachadair/tunnel/block"
	"github.com/creachadair/tunnel/config"
	"github.com/creachadair/tunnel/datastore"
	"github.com/creachadair/tunnel/peers"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

var flags struct {
	Config string `flag:"config,Configuration file path (default $TUNNEL_CONFIG)"`
}

var getFlags struct {
	Type    string        `flag:"type,default=any,Block type to request"`
	Timeout time.Duration `flag:"timeout,default=30s,Time to wait for a reply"`
}

var putFlags struct {
	Index bool `flag:"index,Index files in place instead of copying their contents"`
}

var keyFlags struct {
	Type string `flag:"type,default=data,Block type of the input"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Usage:    "<command> [arguments]",
		Help:     "Serve and fetch content-addressed blocks over tunnel channels.",
		SetFlags: command.Flags(flax.MustBind, &flags),

		Commands: []*command.C{
			{
				Name:  "serve",
				Usage: "[file ...]",
				Help: `Serve blocks from the configured store.

Each file argument is indexed before serving begins. File paths are
relative to the server index-root, and their blocks are reconstructed
on demand when queried.`,
				Run: runServe,
			},
			{
				Name:     "get",
				Usage:    "<peer> <key>",
				Help:     "Fetch the block with the given key from a peer and write it to stdout.",
				SetFlags: command.Flags(flax.MustBind, &getFlags),
				Run:      runGet,
			},
			{
				Name:  "put",
				Usage: "<file> ...",
				Help: `Insert the contents of files into the configured store.

Each file is split into data blocks, and the key of each block is
printed. With --index, the store records where each block is found in
the file rather than a copy of it.`,
				SetFlags: command.Flags(flax.MustBind, &putFlags),
				Run:      runPut,
			},
			{
				Name:     "keyof",
				Usage:    "[file]",
				Help:     "Print the content key of a block read from a file or stdin.",
				SetFlags: command.Flags(flax.MustBind, &keyFlags),
				Run:      runKeyOf,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// loadConfig loads the configuration file named by the flags, and applies
// its logging settings to the standard logger.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	path := flags.Config
	if path == "" {
		path = os.Getenv("TUNNEL_CONFIG")
	}
	if path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if err := cfg.Logging.Apply(log.StandardLogger()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// nodeID returns the identity of the local node. If the configuration does
// not name one, it is derived from the hostname.
func nodeID(cfg *config.Config) (tunnel.PeerID, error) {
	if cfg.Node != "" {
		return cfg.NodeID()
	}
	host, err := os.Hostname()
	if err != nil {
		return tunnel.PeerID{}, fmt.Errorf("node identity is not configured: %w", err)
	}
	return tunnel.NamedPeer(host), nil
}

func newTransport(cfg *config.Config, self tunnel.PeerID) *peers.Transport {
	tr := peers.New(self, &peers.Options{Logger: log.StandardLogger()})
	for id, addr := range cfg.Peers() {
		tr.AddPeer(id, addr)
	}
	return tr
}

// A nodeStore is a datastore opened from the configuration.
type nodeStore struct {
	tunnel.Datastore
	put   func(*block.Record) error
	close func() error
	bs    *datastore.Badger // nil for a memory store
}

func openStore(cfg *config.Config) (*nodeStore, error) {
	switch cfg.Store.Kind {
	case "memory":
		m := datastore.NewMemory()
		return &nodeStore{
			Datastore: m,
			put:       func(r *block.Record) error { m.Put(r); return nil },
			close:     func() error { return nil },
		}, nil
	case "badger":
		b, err := datastore.OpenBadger(cfg.Store.Dir, log.StandardLogger())
		if err != nil {
			return nil, err
		}
		return &nodeStore{Datastore: b, put: b.Put, close: b.Close, bs: b}, nil
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.Store.Kind)
	}
}

func fileIndex(cfg *config.Config) (*datastore.FileIndex, error) {
	if cfg.Server.IndexRoot == "" {
		return nil, errors.New("server index-root is not configured")
	}
	return datastore.NewFileIndex(cfg.Server.IndexRoot, log.StandardLogger()), nil
}

const expiryInterval = 5 * time.Minute

func runServe(env *command.Env) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	} else if cfg.Listen == "" {
		return errors.New("no listen address is configured")
	}
	self, err := nodeID(cfg)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}

	opts := cfg.ServerOptions(log.StandardLogger())
	if len(env.Args) != 0 || cfg.Server.IndexRoot != "" {
		idx, err := fileIndex(cfg)
		if err != nil {
			store.close()
			return err
		}
		opts.OnDemand = idx
		if err := indexFiles(idx, store, env.Args); err != nil {
			store.close()
			return err
		}
	}

	lst, err := net.Listen(peers.SplitAddress(cfg.Listen))
	if err != nil {
		store.close()
		return err
	}
	tr := newTransport(cfg, self)
	srv := tunnel.NewServer(store, opts)
	if err := srv.Listen(tr); err != nil {
		lst.Close()
		store.close()
		return err
	}

	ctx, cancel := signal.NotifyContext(env.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	expiry := taskgroup.New(nil)
	if store.bs != nil {
		expiry.Go(func() error { expireLoop(ctx, store.bs); return nil })
	}
	log.WithFields(log.Fields{
		"node":   self.Hex(),
		"listen": lst.Addr().String(),
		"peers":  len(cfg.Peer),
	}).Info("Serving blocks")

	var errs error
	if err := tr.Serve(ctx, peers.NetAccepter(lst)); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("serve: %w", err))
	}
	log.Info("Shutting down")
	cancel()
	expiry.Wait()
	if err := srv.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("close server: %w", err))
	}
	if err := tr.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("close transport: %w", err))
	}
	if err := store.close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("close store: %w", err))
	}
	return errs
}

func expireLoop(ctx context.Context, b *datastore.Badger) {
	t := time.NewTicker(expiryInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := b.DeleteExpired(); err != nil {
				log.WithError(err).Warn("Deleting expired blocks failed")
			}
		}
	}
}

func indexFiles(idx *datastore.FileIndex, store *nodeStore, paths []string) error {
	for _, path := range paths {
		recs, err := idx.IndexFile(path)
		if err != nil {
			return fmt.Errorf("index %q: %w", path, err)
		}
		for _, rec := range recs {
			if err := store.put(rec); err != nil {
				return fmt.Errorf("store %q: %w", path, err)
			}
		}
	}
	return nil
}

func runGet(env *command.Env) error {
	if len(env.Args) != 2 {
		return env.Usagef("Expected a peer and a key")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	peer := config.PeerID(env.Args[0])
	key, err := block.ParseKey(env.Args[1])
	if err != nil {
		return err
	}
	typ, err := block.ParseType(getFlags.Type)
	if err != nil {
		return err
	}
	self, err := nodeID(cfg)
	if err != nil {
		return err
	}

	tr := newTransport(cfg, self)
	defer tr.Close()
	cli := tunnel.NewClient(tr, cfg.ClientOptions(log.StandardLogger()))
	defer cli.Close()

	ctx, cancel := context.WithTimeout(env.Context(), getFlags.Timeout)
	defer cancel()
	rep, err := cli.Get(ctx, peer, key, typ)
	if err != nil {
		return fmt.Errorf("get %s: %w", key.Short(), err)
	}
	log.WithFields(log.Fields{"type": rep.Type, "size": len(rep.Data)}).Debug("Received block")
	_, err = os.Stdout.Write(rep.Data)
	return err
}

func runPut(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("Missing file arguments")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	} else if cfg.Store.Kind != "badger" {
		return fmt.Errorf("cannot put into a %s store", cfg.Store.Kind)
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	err = putFiles(cfg, store, env.Args)
	if cerr := store.close(); cerr != nil {
		err = multierror.Append(err, cerr).ErrorOrNil()
	}
	return err
}

func putFiles(cfg *config.Config, store *nodeStore, paths []string) error {
	if putFlags.Index {
		idx, err := fileIndex(cfg)
		if err != nil {
			return err
		}
		for _, path := range paths {
			recs, err := idx.IndexFile(path)
			if err != nil {
				return fmt.Errorf("index %q: %w", path, err)
			}
			for _, rec := range recs {
				if err := store.put(rec); err != nil {
					return err
				}
				fmt.Println(rec.Key, path)
			}
		}
		return nil
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		for off := 0; off < len(data); off += datastore.ChunkSize {
			end := min(off+datastore.ChunkSize, len(data))
			rec, err := block.NewRecord(block.Data, data[off:end])
			if err != nil {
				return err
			}
			if err := store.put(rec); err != nil {
				return err
			}
			fmt.Println(rec.Key, path)
		}
	}
	return nil
}

func runKeyOf(env *command.Env) error {
	var in io.Reader = os.Stdin
	switch len(env.Args) {
	case 0:
	case 1:
		f, err := os.Open(env.Args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	default:
		return env.Usagef("Too many arguments")
	}
	typ, err := block.ParseType(keyFlags.Type)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return err
	}
	key, err := block.KeyOf(typ, data)
	if err != nil {
		return err
	}
	fmt.Println(key)
	return nil
}
