// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tunnel_test

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tunnel"
	"github.com/creachadair/tunnel/block"
	"github.com/creachadair/tunnel/channel"
	"github.com/creachadair/tunnel/datastore"
	"github.com/creachadair/tunnel/peers"
	"github.com/sirupsen/logrus"
)

func BenchmarkGet(b *testing.B) {
	store := datastore.NewMemory()
	small := mustRecord(b, "fuzzy wuzzy was a bear\nfuzzy wuzzy had no hair\nfuzzy wuzzy wasn't fuzzy was he?")
	large := mustRecord(b, string(make([]byte, datastore.ChunkSize)))
	store.Put(small, large)

	b.Run("Mesh-small", func(b *testing.B) {
		runBench(b, meshClient(b, store), small)
	})
	b.Run("Mesh-large", func(b *testing.B) {
		runBench(b, meshClient(b, store), large)
	})
	b.Run("TCP-small", func(b *testing.B) {
		runBench(b, tcpClient(b, store), small)
	})
	b.Run("TCP-large", func(b *testing.B) {
		runBench(b, tcpClient(b, store), large)
	})
}

func runBench(b *testing.B, cli *tunnel.Client, rec *block.Record) {
	b.Helper()
	ctx := context.Background()

	for b.Loop() {
		if _, err := cli.Get(ctx, bob, rec.Key, block.Data); err != nil {
			b.Fatal(err)
		}
	}
}

func meshClient(tb testing.TB, store tunnel.Datastore) *tunnel.Client {
	m := channel.NewMesh()
	_, stop := startServer(tb, m, bob, store, nil)
	node := m.Node(alice)
	cli := tunnel.NewClient(node, nil)
	tb.Cleanup(func() {
		cli.Close()
		node.Close()
		stop()
	})
	return cli
}

func tcpClient(tb testing.TB, store tunnel.Datastore) *tunnel.Client {
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)

	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("Listen: %v", err)
	}
	bt := peers.New(bob, &peers.Options{Logger: quiet})
	srv := tunnel.NewServer(store, nil)
	if err := srv.Listen(bt); err != nil {
		tb.Fatalf("Server listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	serving := taskgroup.Go(func() error { return bt.Serve(ctx, peers.NetAccepter(lst)) })

	at := peers.New(alice, &peers.Options{Logger: quiet})
	at.AddPeer(bob, lst.Addr().String())
	cli := tunnel.NewClient(at, nil)
	tb.Cleanup(func() {
		cli.Close()
		srv.Close()
		cancel()
		if err := serving.Wait(); err != nil {
			tb.Errorf("Serve: %v", err)
		}
		at.Close()
		bt.Close()
	})
	return cli
}
