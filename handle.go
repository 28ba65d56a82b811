// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tunnel

import (
	"cmp"
	"slices"
	"time"

	"github.com/creachadair/tunnel/block"
	"github.com/creachadair/tunnel/sched"
	"github.com/sirupsen/logrus"
)

// A channelHandle holds the channel to one peer and the requests addressed
// to it. All its fields and methods are owned by the client loop.
type channelHandle struct {
	c      *Client
	target PeerID
	log    logrus.FieldLogger

	ch      Channel // nil when no channel is open
	sending bool    // a send on ch is in flight
	closing bool    // ch was destroyed for idleness
	freed   bool    // removed from the registry

	pending []*Request               // not yet transmitted, in order
	waiting map[block.Key][]*Request // transmitted, awaiting a reply
	nwait   int                      // total requests in waiting
	idle    *sched.Timer             // destroy an unused channel
	retry   *sched.Timer             // reset a channel making no progress
	queued  bool                     // a reset is scheduled and not yet run
	backoff *sched.Timer             // delayed reconnect after repeated failures
	fails   int                      // channels lost since the last reply
}

// minBackoff is the reconnect delay after a second consecutive channel
// failure. It doubles with each further failure, up to the reset timeout.
const minBackoff = 100 * time.Millisecond

// clientHandler delivers transport events for a handle to the client loop.
type clientHandler struct{ h *channelHandle }

func (c clientHandler) Receive(ch Channel, msg []byte) {
	c.h.c.loop.Post(func() { c.h.receive(ch, msg) })
}

func (c clientHandler) Disconnected(ch Channel) {
	c.h.c.loop.Post(func() { c.h.disconnected(ch) })
}

func (h *channelHandle) hasWork() bool { return len(h.pending) != 0 || h.nwait != 0 }

func (h *channelHandle) open() {
	h.ch = h.c.tr.Open(h.target, h.c.port, clientHandler{h})
	h.sending = false
	h.closing = false
	h.c.m.channelsOpen.Add(1)
}

// detach forgets the current channel, returning it.
func (h *channelHandle) detach() Channel {
	ch := h.ch
	if ch != nil {
		h.ch = nil
		h.sending = false
		h.c.m.channelsOpen.Add(-1)
	}
	return ch
}

func (h *channelHandle) enqueue(r *Request) {
	h.stopIdle()
	r.h = h
	r.transmitted = false
	h.pending = append(h.pending, r)
	h.c.m.requestsPending.Add(1)
	if h.retry == nil {
		h.armRetry()
	}
	h.pump()
}

// pump transmits the next pending request, if the channel is ready for it.
func (h *channelHandle) pump() {
	if h.ch == nil || h.sending || h.closing {
		return
	}
	var r *Request
	for len(h.pending) != 0 {
		next := h.pending[0]
		h.pending[0] = nil
		h.pending = h.pending[1:]
		if next.live() {
			r = next
			break
		}
		h.unlink(next)
	}
	if r == nil {
		h.checkIdle()
		return
	}
	r.transmitted = true
	h.waiting[r.key] = append(h.waiting[r.key], r)
	h.nwait++

	ch := h.ch
	h.sending = true
	h.log.WithFields(logrus.Fields{"key": r.key.Short(), "type": r.typ}).Debug("Sending query")
	ch.Send(Query{Type: r.typ, Key: r.key}.Encode(), func(err error) {
		h.c.loop.Post(func() { h.sent(ch, err) })
	})
	h.c.m.queriesSent.Add(1)
	if h.retry == nil {
		h.armRetry()
	}
}

// sent completes a transmission started by pump.
func (h *channelHandle) sent(ch Channel, err error) {
	if ch != h.ch {
		return // from a channel since discarded
	}
	h.sending = false
	if err != nil {
		h.log.WithError(err).Info("Sending query failed")
		h.reconnect()
		return
	}
	h.pump()
}

// receive handles an inbound reply message on ch.
func (h *channelHandle) receive(ch Channel, msg []byte) {
	if ch != h.ch {
		return
	}
	defer ch.ReceiveDone()

	var rep Reply
	if err := rep.UnmarshalBinary(msg); err != nil {
		h.protocolError(err)
		return
	}
	key, err := h.c.keyOf(rep.Type, rep.Data)
	if err != nil {
		h.protocolError(err)
		return
	}
	h.c.m.repliesRecv.Add(1)
	h.fails = 0

	rs := h.waiting[key]
	if len(rs) == 0 {
		h.c.m.repliesDropped.Add(1)
		h.log.WithField("key", key.Short()).Debug("Reply matches no waiting query")
		return
	}
	delete(h.waiting, key)
	h.nwait -= len(rs)
	for _, r := range rs {
		r.h = nil
		h.c.m.requestsPending.Add(-1)
	}

	// There was progress on this channel; restart the reset clock.
	h.retry.Stop()
	h.retry = nil
	if h.hasWork() {
		h.armRetry()
	}

	h.log.WithFields(logrus.Fields{
		"key": key.Short(), "type": rep.Type, "n": len(rs),
	}).Debug("Received reply")
	for i, r := range rs {
		cp := rep
		if i < len(rs)-1 {
			cp.Data = slices.Clone(rep.Data) // each caller owns its payload
		}
		r.deliver(&cp)
	}
	h.checkIdle()
}

func (h *channelHandle) protocolError(err error) {
	h.c.m.repliesMalformed.Add(1)
	h.log.WithError(err).Warn("Invalid reply, resetting channel")
	h.resetAsync()
}

// disconnected handles the loss of ch.
func (h *channelHandle) disconnected(ch Channel) {
	if ch != h.ch {
		return
	}
	h.detach()
	if h.hasWork() {
		h.log.Info("Channel lost with queries outstanding, reconnecting")
		h.reconnect()
		return
	}
	h.log.Debug("Channel closed")
	h.free()
}

// resetAsync schedules a reset of the channel. It is safe to call from
// anywhere on the loop, including while a transport event is being handled.
func (h *channelHandle) resetAsync() {
	if h.queued || h.freed {
		return
	}
	h.queued = true
	h.c.loop.Post(func() {
		h.queued = false
		if !h.freed {
			h.reset()
		}
	})
}

// reconnect schedules a reset after the channel failed. Repeated failures
// without an intervening reply delay the reset.
func (h *channelHandle) reconnect() {
	h.fails++
	if h.fails <= 1 {
		h.resetAsync()
		return
	} else if h.queued || h.freed {
		return
	}
	d := min(minBackoff<<min(h.fails-2, 16), h.c.retry)
	h.log.WithField("delay", d).Debug("Delaying reconnect")
	h.queued = true
	h.backoff = h.c.loop.After(d, func() {
		h.queued = false
		h.backoff = nil
		h.reset()
	})
}

// reset discards the current channel, returns all transmitted requests to
// the front of the queue, and opens a new channel.
func (h *channelHandle) reset() {
	h.c.m.channelResets.Add(1)
	h.log.WithField("waiting", h.nwait).Info("Resetting channel")
	h.stopIdle()
	if old := h.detach(); old != nil {
		old.Destroy()
	}

	resend := h.takeWaiting()
	for _, r := range resend {
		r.transmitted = false
	}
	h.pending = append(resend, h.pending...)

	h.retry.Stop()
	h.retry = nil
	h.open()
	h.armRetry()
	h.pump()
}

// takeWaiting empties the waiting set, returning its requests in the order
// they were issued.
func (h *channelHandle) takeWaiting() []*Request {
	var rs []*Request
	for _, w := range h.waiting {
		rs = append(rs, w...)
	}
	slices.SortFunc(rs, func(a, b *Request) int { return cmp.Compare(a.seq, b.seq) })
	clear(h.waiting)
	h.nwait = 0
	return rs
}

func (h *channelHandle) armRetry() {
	h.retry = h.c.loop.After(h.c.retry, h.retryExpired)
}

func (h *channelHandle) retryExpired() {
	h.retry = nil
	if !h.hasWork() || h.queued {
		return
	}
	h.log.Info("No progress within the reset timeout")
	h.reset()
}

func (h *channelHandle) stopIdle() {
	h.idle.Stop()
	h.idle = nil
}

// checkIdle arms the idle timer if h has no outstanding work.
func (h *channelHandle) checkIdle() {
	if h.hasWork() {
		return
	}
	h.retry.Stop()
	h.retry = nil
	if h.idle != nil || h.ch == nil || h.closing {
		return
	}
	h.idle = h.c.loop.After(h.c.idle, h.idleExpired)
}

func (h *channelHandle) idleExpired() {
	h.idle = nil
	if h.hasWork() || h.ch == nil {
		return
	}
	h.log.Debug("Destroying idle channel")
	h.closing = true
	h.fails = 0 // the coming disconnect is not a failure
	h.ch.Destroy()
}

// remove deletes r from the queues of h, and reports whether it was found.
func (h *channelHandle) remove(r *Request) bool {
	if r.transmitted {
		rs := h.waiting[r.key]
		i := slices.Index(rs, r)
		if i < 0 {
			return false
		}
		if len(rs) == 1 {
			delete(h.waiting, r.key)
		} else {
			h.waiting[r.key] = slices.Delete(rs, i, i+1)
		}
		h.nwait--
	} else {
		i := slices.Index(h.pending, r)
		if i < 0 {
			return false
		}
		h.pending = slices.Delete(h.pending, i, i+1)
	}
	h.unlink(r)
	return true
}

func (h *channelHandle) unlink(r *Request) {
	r.h = nil
	h.c.m.requestsPending.Add(-1)
}

// free releases h, which must have no outstanding work.
func (h *channelHandle) free() {
	h.freed = true
	h.backoff.Stop()
	h.stopIdle()
	h.retry.Stop()
	h.retry = nil
	h.c.remove(h)
}

// shutdown fails all the requests of h and releases its channel.
func (h *channelHandle) shutdown() {
	h.freed = true
	h.backoff.Stop()
	h.stopIdle()
	h.retry.Stop()
	h.retry = nil
	h.c.remove(h)

	all := append(h.takeWaiting(), h.pending...)
	h.pending = nil
	for _, r := range all {
		h.unlink(r)
		r.fail(ErrClosed)
	}
	if ch := h.detach(); ch != nil {
		ch.Destroy()
	}
}
