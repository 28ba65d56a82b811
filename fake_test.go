// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tunnel

import (
	"context"
	"expvar"
	"sync"
	"testing"

	"github.com/creachadair/tunnel/block"
)

var testPeer = NamedPeer("test")

// fakeTransport records the channels opened through it.
type fakeTransport struct {
	μ      sync.Mutex
	chans  []*fakeChannel
	accept Acceptor
}

func (f *fakeTransport) Open(peer PeerID, _ Port, h Handler) Channel {
	ch := &fakeChannel{peer: peer, h: h}
	f.μ.Lock()
	defer f.μ.Unlock()
	f.chans = append(f.chans, ch)
	return ch
}

func (f *fakeTransport) Listen(_ Port, accept Acceptor) error {
	f.μ.Lock()
	defer f.μ.Unlock()
	f.accept = accept
	return nil
}

func (f *fakeTransport) opened() []*fakeChannel {
	f.μ.Lock()
	defer f.μ.Unlock()
	return append([]*fakeChannel(nil), f.chans...)
}

// fakeChannel is a Channel whose events are driven by the test.  Sends are
// held until the test completes them with ack.
type fakeChannel struct {
	peer PeerID
	h    Handler

	μ         sync.Mutex
	sent      [][]byte
	acks      []func(error)
	credits   int
	destroyed int
}

func (f *fakeChannel) Peer() PeerID { return f.peer }

func (f *fakeChannel) Send(msg []byte, sent func(error)) {
	f.μ.Lock()
	defer f.μ.Unlock()
	f.sent = append(f.sent, msg)
	f.acks = append(f.acks, sent)
}

func (f *fakeChannel) ReceiveDone() {
	f.μ.Lock()
	defer f.μ.Unlock()
	f.credits++
}

func (f *fakeChannel) Destroy() {
	f.μ.Lock()
	defer f.μ.Unlock()
	f.destroyed++
}

// ack completes the oldest outstanding send with err.
func (f *fakeChannel) ack(t *testing.T, err error) {
	t.Helper()
	f.μ.Lock()
	if len(f.acks) == 0 {
		f.μ.Unlock()
		t.Fatal("No send is outstanding")
	}
	next := f.acks[0]
	f.acks = f.acks[1:]
	f.μ.Unlock()
	next(err)
}

func (f *fakeChannel) deliver(msg []byte) { f.h.Receive(f, msg) }
func (f *fakeChannel) disconnect()        { f.h.Disconnected(f) }

func (f *fakeChannel) messages() [][]byte {
	f.μ.Lock()
	defer f.μ.Unlock()
	return append([][]byte(nil), f.sent...)
}

func (f *fakeChannel) counts() (credits, destroyed int) {
	f.μ.Lock()
	defer f.μ.Unlock()
	return f.credits, f.destroyed
}

// storeFunc implements Datastore with a function.
type storeFunc func(context.Context, block.Key, block.Type) (*block.Record, error)

func (f storeFunc) Get(ctx context.Context, key block.Key, typ block.Type) (*block.Record, error) {
	return f(ctx, key, typ)
}

// testBlock returns a data block and its key.
func testBlock(s string) ([]byte, block.Key) {
	data := []byte(s)
	key, err := block.KeyOf(block.Data, data)
	if err != nil {
		panic(err)
	}
	return data, key
}

func queryFrame(key block.Key) []byte { return Query{Type: block.Data, Key: key}.Encode() }

func replyFrame(t *testing.T, data []byte) []byte {
	t.Helper()
	frame, err := Reply{Type: block.Data, Data: data}.Encode()
	if err != nil {
		t.Fatalf("Encode reply: %v", err)
	}
	return frame
}

func metricValue(m *expvar.Map, name string) int64 { return m.Get(name).(*expvar.Int).Value() }

func checkMetrics(t *testing.T, m *expvar.Map, want map[string]int64) {
	t.Helper()
	for name, v := range want {
		if got := metricValue(m, name); got != v {
			t.Errorf("Metric %q: got %d, want %d", name, got, v)
		}
	}
}

// result is a reply or error reported to a ReplyFunc.
type result struct {
	Tag  string
	Data string
	Err  error
}

type recorder struct {
	μ   sync.Mutex
	got []result
}

func (r *recorder) reply(tag string) ReplyFunc {
	return func(rep *Reply, err error) {
		r.μ.Lock()
		defer r.μ.Unlock()
		if err != nil {
			r.got = append(r.got, result{Tag: tag, Err: err})
		} else {
			r.got = append(r.got, result{Tag: tag, Data: string(rep.Data)})
		}
	}
}

func (r *recorder) results() []result {
	r.μ.Lock()
	defer r.μ.Unlock()
	return append([]result(nil), r.got...)
}
