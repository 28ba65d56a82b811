// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package tunnel implements block queries over peer-to-peer channels.
//
// A querying peer runs a [Client], and a peer holding blocks runs a [Server].
// Queries and replies travel over channels provided by a [Transport], which
// delivers whole messages reliably and in order, and applies per-message
// flow control: a receiver sees one message at a time and must call
// [Channel.ReceiveDone] before the next is delivered.
//
// # Clients
//
// A client keeps at most one channel to each peer, and multiplexes all the
// queries for that peer over it. Queries are sent one at a time in the order
// they were issued. Replies carry no query identifier; the client computes
// the key of each reply and delivers it to every query waiting for that key.
//
//	c := tunnel.NewClient(transport, nil)
//	defer c.Close()
//
//	c.Query(peer, key, block.Data, func(rep *tunnel.Reply, err error) {
//	   if err != nil {
//	      log.Printf("Query failed: %v", err)
//	      return
//	   }
//	   process(rep.Data)
//	})
//
// A channel that carries no queries for a while is closed, and reopened on
// demand. If a channel fails, or makes no progress within the reset timeout,
// the client opens a new one and sends the unanswered queries again.
//
// Call [Request.Cancel] to abandon a query. Once Cancel returns, the reply
// function for that query is never called. When a client is closed, all its
// outstanding queries report [ErrClosed].
//
// # Servers
//
// A server answers queries from a [Datastore]. Each inbound channel is served
// one query at a time: the server does not read another query until the
// reply to the previous one has been sent. Queries with no matching block
// receive no reply. The number of concurrent connections is capped, and idle
// connections are closed.
//
//	s := tunnel.NewServer(store, &tunnel.ServerOptions{MaxConnections: 64})
//	defer s.Close()
//	if err := s.Listen(transport); err != nil {
//	   log.Fatalf("Listen: %v", err)
//	}
//
// # Metrics
//
// Clients and servers maintain a collection of metrics while running. Use
// the Metrics method to obtain an [expvar.Map] with the counters for that
// instance.
//
// The metrics exported by a client include:
//
//   - queries_sent: counter of queries transmitted
//   - replies_received: counter of well-formed replies received
//   - replies_dropped: counter of replies that matched no waiting query
//   - replies_malformed: counter of replies rejected as invalid
//   - channel_resets: counter of channels discarded and reopened
//   - channels_open: gauge of channels currently open
//   - requests_pending: gauge of queries awaiting a reply
//   - requests_cancelled: counter of queries cancelled by the caller
//   - requests_failed: counter of queries reporting an error
//
// The metrics exported by a server include:
//
//   - queries_received: counter of queries accepted for lookup
//   - queries_unanswered: counter of queries that received no reply
//   - queries_malformed: counter of invalid or out-of-turn queries
//   - blocks_transferred: counter of replies sent
//   - connections_rejected: counter of channels refused at capacity
//   - connections_active: gauge of connections currently served
package tunnel
