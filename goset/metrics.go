package goset

import "github.com/jannickheisch/tinyISP/metrics"

const subsystem = "goset"

var (
	messages = metrics.NewCounter(
		"messages",
		subsystem,
		"claims and novelties by direction",
		[]string{"kind", "direction"},
	)
	claimsSent      = messages.WithLabelValues("claim", "sent")
	claimsReceived  = messages.WithLabelValues("claim", "received")
	noveltySent     = messages.WithLabelValues("novelty", "sent")
	noveltyReceived = messages.WithLabelValues("novelty", "received")

	dropped = metrics.NewCounter(
		"dropped",
		subsystem,
		"pending claims dropped for capacity and keys rejected because the set is full",
		[]string{"kind"},
	)
	pendingDropped  = dropped.WithLabelValues("pending_claim")
	rejectedInserts = dropped.WithLabelValues("key")

	served = metrics.NewCounter(
		"served",
		subsystem,
		"entries and chunks served in response to requests",
		[]string{"kind"},
	)
	servedEntries = served.WithLabelValues("entry")
	servedChunks  = served.WithLabelValues("chunk")

	groupCount = metrics.NewGauge(
		"groups",
		subsystem,
		"number of active groups",
		[]string{},
	).WithLabelValues()
)
