// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/creachadair/tunnel"
	"github.com/creachadair/tunnel/config"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
)

const testConfig = `
node = "alice"
listen = "127.0.0.1:7400"

[client]
idle-timeout = "250ms"
reset-timeout = "10s"

[server]
max-connections = 4
idle-timeout = "1m"
index-root = "/srv/files"

[store]
kind = "badger"
dir = "/var/lib/tunnel"

[logging]
level = "debug"
format = "json"
report-caller = true

[[peer]]
id = "bob"
address = "10.0.0.2:7400"

[[peer]]
id = "carol"
address = "/run/carol.sock"
`

func TestParse(t *testing.T) {
	cfg, err := config.Parse(testConfig)
	if err != nil {
		t.Fatalf("Parse: unexpected error: %v", err)
	}

	want := config.Default()
	want.Node = "alice"
	want.Listen = "127.0.0.1:7400"
	want.Client.IdleTimeout = config.Duration{Duration: 250 * time.Millisecond}
	want.Client.ResetTimeout = config.Duration{Duration: 10 * time.Second}
	want.Server.MaxConnections = 4
	want.Server.IdleTimeout = config.Duration{Duration: time.Minute}
	want.Server.IndexRoot = "/srv/files"
	want.Store = config.StoreConf{Kind: "badger", Dir: "/var/lib/tunnel"}
	want.Logging = config.LogConf{Level: "debug", Format: "json", ReportCaller: true}
	want.Peer = []config.PeerConf{
		{ID: "bob", Address: "10.0.0.2:7400"},
		{ID: "carol", Address: "/run/carol.sock"},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Parsed config (-want, +got):\n%s", diff)
	}

	id, err := cfg.NodeID()
	if err != nil {
		t.Fatalf("NodeID: unexpected error: %v", err)
	}
	if want := tunnel.NamedPeer("alice"); id != want {
		t.Errorf("NodeID: got %v, want %v", id, want)
	}
	if diff := cmp.Diff(map[tunnel.PeerID]string{
		tunnel.NamedPeer("bob"):   "10.0.0.2:7400",
		tunnel.NamedPeer("carol"): "/run/carol.sock",
	}, cfg.Peers()); diff != "" {
		t.Errorf("Peers (-want, +got):\n%s", diff)
	}

	copts := cfg.ClientOptions(nil)
	if copts.IdleTimeout != 250*time.Millisecond || copts.ResetTimeout != 10*time.Second {
		t.Errorf("ClientOptions: got %+v", copts)
	}
	if copts.Port != tunnel.BlockTransferPort {
		t.Errorf("ClientOptions port: got %d, want %d", copts.Port, tunnel.BlockTransferPort)
	}
	sopts := cfg.ServerOptions(nil)
	if sopts.MaxConnections != 4 || sopts.IdleTimeout != time.Minute {
		t.Errorf("ServerOptions: got %+v", sopts)
	}
}

func TestDefault(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate default: unexpected error: %v", err)
	}
	if got := cfg.Server.MaxConnections; got != tunnel.DefaultMaxConnections {
		t.Errorf("Default max connections: got %d, want %d", got, tunnel.DefaultMaxConnections)
	}
	if _, err := cfg.NodeID(); err == nil {
		t.Error("NodeID: got nil, want error for unset node")
	}
}

func TestPeerID(t *testing.T) {
	named := tunnel.NamedPeer("dave")
	if got := config.PeerID(named.Hex()); got != named {
		t.Errorf("PeerID(hex): got %v, want %v", got, named)
	}
	if got := config.PeerID("dave"); got != named {
		t.Errorf("PeerID(name): got %v, want %v", got, named)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string // substrings of the error
	}{
		{"UnknownKey", `bogus = 1`, []string{"unknown settings: bogus"}},
		{"Timeouts", `
[client]
idle-timeout = "0s"
reset-timeout = "-1s"
[server]
idle-timeout = "0s"
max-connections = 0`, []string{
			"client.idle-timeout", "client.reset-timeout",
			"server.idle-timeout", "server.max-connections",
		}},
		{"Store", `
[store]
kind = "badger"`, []string{"store.dir"}},
		{"StoreKind", `
[store]
kind = "floppy"`, []string{`unknown store.kind "floppy"`}},
		{"Logging", `
[logging]
level = "loud"
format = "xml"`, []string{"logging.level", `unknown logging.format "xml"`}},
		{"Peers", `
[[peer]]
id = "bob"
address = "host:1"
[[peer]]
id = "bob"
[[peer]]
address = "host:2"`, []string{
			`peer 2: duplicate id "bob"`, "peer 2: missing address", "peer 3: missing id",
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Parse(tc.input)
			if err == nil {
				t.Fatal("Parse: got nil, want error")
			}
			for _, w := range tc.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("Error %q does not mention %q", err, w)
				}
			}
		})
	}

	if _, err := config.Parse(`[client]
idle-timeout = "soon"`); err == nil {
		t.Error("Parse invalid duration: got nil, want error")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunnel.toml")
	if err := os.WriteFile(path, []byte(testConfig), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: unexpected error: %v", err)
	}
	if cfg.Node != "alice" || len(cfg.Peer) != 2 {
		t.Errorf("Load: got node %q with %d peers, want alice with 2", cfg.Node, len(cfg.Peer))
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "nonesuch.toml")); err == nil {
		t.Error("Load missing file: got nil, want error")
	}
}

func TestApplyLogging(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)

	if err := (config.LogConf{Level: "warn", Format: "json"}).Apply(log); err != nil {
		t.Fatalf("Apply: unexpected error: %v", err)
	}
	if got := log.GetLevel(); got != logrus.WarnLevel {
		t.Errorf("Level: got %v, want %v", got, logrus.WarnLevel)
	}
	log.Info("hidden")
	log.WithField("peer", "bob").Warn("shown")
	if out := buf.String(); strings.Contains(out, "hidden") || !strings.Contains(out, `"peer":"bob"`) {
		t.Errorf("Log output: got %q", out)
	}

	if err := (config.LogConf{Format: "xml"}).Apply(log); err == nil {
		t.Error("Apply unknown format: got nil, want error")
	}
	if err := (config.LogConf{Level: "loud"}).Apply(log); err == nil {
		t.Error("Apply unknown level: got nil, want error")
	}
}
