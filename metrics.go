// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tunnel

import "expvar"

// clientMetrics record client activity counters.
type clientMetrics struct {
	queriesSent       expvar.Int
	repliesRecv       expvar.Int
	repliesDropped    expvar.Int // replies matching no waiting request
	repliesMalformed  expvar.Int // replies that failed to decode or verify
	channelResets     expvar.Int
	channelsOpen      expvar.Int // gauge
	requestsPending   expvar.Int // gauge
	requestsCancelled expvar.Int
	requestsFailed    expvar.Int

	emap *expvar.Map
}

func newClientMetrics() *clientMetrics {
	cm := &clientMetrics{emap: new(expvar.Map)}
	cm.emap.Set("queries_sent", &cm.queriesSent)
	cm.emap.Set("replies_received", &cm.repliesRecv)
	cm.emap.Set("replies_dropped", &cm.repliesDropped)
	cm.emap.Set("replies_malformed", &cm.repliesMalformed)
	cm.emap.Set("channel_resets", &cm.channelResets)
	cm.emap.Set("channels_open", &cm.channelsOpen)
	cm.emap.Set("requests_pending", &cm.requestsPending)
	cm.emap.Set("requests_cancelled", &cm.requestsCancelled)
	cm.emap.Set("requests_failed", &cm.requestsFailed)
	return cm
}

// serverMetrics record server activity counters.
type serverMetrics struct {
	queriesRecv       expvar.Int
	queriesUnanswered expvar.Int
	queriesMalformed  expvar.Int
	blocksSent        expvar.Int
	connsRejected     expvar.Int
	connsActive       expvar.Int // gauge

	emap *expvar.Map
}

func newServerMetrics() *serverMetrics {
	sm := &serverMetrics{emap: new(expvar.Map)}
	sm.emap.Set("queries_received", &sm.queriesRecv)
	sm.emap.Set("queries_unanswered", &sm.queriesUnanswered)
	sm.emap.Set("queries_malformed", &sm.queriesMalformed)
	sm.emap.Set("blocks_transferred", &sm.blocksSent)
	sm.emap.Set("connections_rejected", &sm.connsRejected)
	sm.emap.Set("connections_active", &sm.connsActive)
	return sm
}
