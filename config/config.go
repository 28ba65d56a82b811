// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package config defines the TOML configuration of a tunnel node.
//
// A configuration file looks like this:
//
//	node = "alice"
//	listen = "127.0.0.1:7400"
//
//	[client]
//	idle-timeout = "1s"
//	reset-timeout = "30s"
//
//	[server]
//	max-connections = 128
//	idle-timeout = "2m"
//
//	[store]
//	kind = "badger"
//	dir = "/var/lib/tunnel"
//
//	[logging]
//	level = "info"
//	format = "text"
//
//	[[peer]]
//	id = "bob"
//	address = "10.0.0.2:7400"
//
// Node and peer identities are either 64 hexadecimal digits, or a name from
// which an identity is derived.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/creachadair/tunnel"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// Config is the complete configuration of a node.
type Config struct {
	Node    string
	Listen  string
	Client  ClientConf
	Server  ServerConf
	Store   StoreConf
	Logging LogConf
	Peer    []PeerConf
}

// ClientConf describes the client block.
type ClientConf struct {
	IdleTimeout  Duration `toml:"idle-timeout"`
	ResetTimeout Duration `toml:"reset-timeout"`
	Port         uint32
}

// ServerConf describes the server block.
type ServerConf struct {
	MaxConnections int      `toml:"max-connections"`
	IdleTimeout    Duration `toml:"idle-timeout"`
	Port           uint32
	IndexRoot      string `toml:"index-root"` // for on-demand blocks
}

// StoreConf describes the store block.
type StoreConf struct {
	Kind string // "memory" or "badger"
	Dir  string
}

// LogConf describes the logging block.
type LogConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// PeerConf describes a peer block.
type PeerConf struct {
	ID      string
	Address string
}

// Duration is a time.Duration that is written in configuration files as a
// string, for example "1m30s".
type Duration struct{ time.Duration }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// Default returns a configuration with default settings.
func Default() *Config {
	return &Config{
		Client: ClientConf{
			IdleTimeout:  Duration{tunnel.DefaultClientIdle},
			ResetTimeout: Duration{tunnel.DefaultClientReset},
			Port:         uint32(tunnel.BlockTransferPort),
		},
		Server: ServerConf{
			MaxConnections: tunnel.DefaultMaxConnections,
			IdleTimeout:    Duration{tunnel.DefaultServerIdle},
			Port:           uint32(tunnel.BlockTransferPort),
		},
		Store:   StoreConf{Kind: "memory"},
		Logging: LogConf{Level: "info", Format: "text"},
	}
}

// Load reads the configuration file at path. Settings not given in the file
// have their default values.
func Load(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, cfg.check(md)
}

// Parse parses a configuration from text. Settings not given have their
// default values.
func Parse(text string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(text, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, cfg.check(md)
}

func (c *Config) check(md toml.MetaData) error {
	var errs error
	if keys := md.Undecoded(); len(keys) != 0 {
		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = k.String()
		}
		errs = multierror.Append(errs, fmt.Errorf("unknown settings: %s", strings.Join(names, ", ")))
	}
	if err := c.Validate(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs
}

// Validate reports all the problems with the settings of c.
func (c *Config) Validate() error {
	var errs error
	add := func(msg string, args ...any) { errs = multierror.Append(errs, fmt.Errorf(msg, args...)) }

	if c.Client.IdleTimeout.Duration <= 0 {
		add("client.idle-timeout must be positive")
	}
	if c.Client.ResetTimeout.Duration <= 0 {
		add("client.reset-timeout must be positive")
	}
	if c.Server.IdleTimeout.Duration <= 0 {
		add("server.idle-timeout must be positive")
	}
	if c.Server.MaxConnections <= 0 {
		add("server.max-connections must be positive")
	}
	switch c.Store.Kind {
	case "memory":
	case "badger":
		if c.Store.Dir == "" {
			add("store.dir is required for a badger store")
		}
	default:
		add("unknown store.kind %q", c.Store.Kind)
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level: %v", err)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		add("unknown logging.format %q", c.Logging.Format)
	}
	seen := make(map[tunnel.PeerID]bool)
	for i, p := range c.Peer {
		if p.ID == "" {
			add("peer %d: missing id", i+1)
		} else if id := PeerID(p.ID); seen[id] {
			add("peer %d: duplicate id %q", i+1, p.ID)
		} else {
			seen[id] = true
		}
		if p.Address == "" {
			add("peer %d: missing address", i+1)
		}
	}
	return errs
}

// PeerID returns the peer identity denoted by s. If s is 64 hexadecimal
// digits it is parsed as an identity, otherwise an identity is derived from
// it as a name.
func PeerID(s string) tunnel.PeerID {
	if id, err := tunnel.ParsePeerID(s); err == nil {
		return id
	}
	return tunnel.NamedPeer(s)
}

// NodeID returns the identity of the local node.
func (c *Config) NodeID() (tunnel.PeerID, error) {
	if c.Node == "" {
		return tunnel.PeerID{}, errors.New("node identity is not set")
	}
	return PeerID(c.Node), nil
}

// Peers returns the addresses of the configured peers.
func (c *Config) Peers() map[tunnel.PeerID]string {
	out := make(map[tunnel.PeerID]string, len(c.Peer))
	for _, p := range c.Peer {
		out[PeerID(p.ID)] = p.Address
	}
	return out
}

// ClientOptions returns client options for the settings of c.
func (c *Config) ClientOptions(log logrus.FieldLogger) *tunnel.ClientOptions {
	return &tunnel.ClientOptions{
		Port:         tunnel.Port(c.Client.Port),
		IdleTimeout:  c.Client.IdleTimeout.Duration,
		ResetTimeout: c.Client.ResetTimeout.Duration,
		Logger:       log,
	}
}

// ServerOptions returns server options for the settings of c. The caller
// must fill in the OnDemand field if needed.
func (c *Config) ServerOptions(log logrus.FieldLogger) *tunnel.ServerOptions {
	return &tunnel.ServerOptions{
		Port:           tunnel.Port(c.Server.Port),
		MaxConnections: c.Server.MaxConnections,
		IdleTimeout:    c.Server.IdleTimeout.Duration,
		Logger:         log,
	}
}

// Apply configures logger according to the settings of l.
func (l LogConf) Apply(logger *logrus.Logger) error {
	if l.Level != "" {
		lvl, err := logrus.ParseLevel(l.Level)
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		logger.SetLevel(lvl)
	}
	logger.SetReportCaller(l.ReportCaller)

	switch l.Format {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	default:
		return fmt.Errorf("unknown log format %q", l.Format)
	}
	return nil
}
