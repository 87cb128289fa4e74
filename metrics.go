package dht

import (
	metrics "github.com/rcrowley/go-metrics"
)

// stats tracks the traffic handled by a node
type stats struct {
	sent        metrics.Counter
	received    metrics.Counter
	dropped     metrics.Counter
	timeouts    metrics.Counter
	unsolicited metrics.Counter
	sendErrors  metrics.Counter
	latency     metrics.Timer
}

func newStats(r metrics.Registry) *stats {
	return &stats{
		sent:        metrics.GetOrRegisterCounter("dht.datagrams.sent", r),
		received:    metrics.GetOrRegisterCounter("dht.datagrams.received", r),
		dropped:     metrics.GetOrRegisterCounter("dht.datagrams.dropped", r),
		timeouts:    metrics.GetOrRegisterCounter("dht.requests.timeout", r),
		unsolicited: metrics.GetOrRegisterCounter("dht.responses.unsolicited", r),
		sendErrors:  metrics.GetOrRegisterCounter("dht.send.errors", r),
		latency:     metrics.GetOrRegisterTimer("dht.requests.latency", r),
	}
}
