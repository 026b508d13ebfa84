package replication

import "github.com/jannickheisch/tinyISP/metrics"

const subsystem = "replication"

var (
	requests = metrics.NewCounter(
		"requests",
		subsystem,
		"want and chunk requests sent",
		[]string{"kind"},
	)
	wantRequests  = requests.WithLabelValues("want")
	chunkRequests = requests.WithLabelValues("chunk")

	received = metrics.NewCounter(
		"received",
		subsystem,
		"entries and chunks received for armed routes",
		[]string{"kind", "outcome"},
	)
	entriesStored   = received.WithLabelValues("entry", "stored")
	entriesRejected = received.WithLabelValues("entry", "rejected")
	chunksStored    = received.WithLabelValues("chunk", "stored")
	chunksRejected  = received.WithLabelValues("chunk", "rejected")

	progressNotified = metrics.NewCounter(
		"progress_updates",
		subsystem,
		"aggregate progress notifications",
		[]string{},
	).WithLabelValues()
)
