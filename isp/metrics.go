package isp

import "github.com/jannickheisch/tinyISP/metrics"

const subsystem = "isp"

var (
	contractStates = metrics.NewGauge(
		"contracts",
		subsystem,
		"contracts per lifecycle state",
		[]string{"state"},
	)

	faults = metrics.NewCounter(
		"faults",
		subsystem,
		"contracts faulted by a protocol violation",
		[]string{},
	).WithLabelValues()

	hops = metrics.NewCounter(
		"hops",
		subsystem,
		"data feed hops",
		[]string{"outcome"},
	)
	hopsDone      = hops.WithLabelValues("done")
	hopsSuspended = hops.WithLabelValues("suspended")
	hopsConfirmed = hops.WithLabelValues("confirmed")

	messages = metrics.NewCounter(
		"messages",
		subsystem,
		"control messages by direction",
		[]string{"direction"},
	)
	messagesSent     = messages.WithLabelValues("sent")
	messagesReceived = messages.WithLabelValues("received")

	tunnel = metrics.NewCounter(
		"tunnel",
		subsystem,
		"tunneled packet streams",
		[]string{"outcome"},
	)
	tunnelInjected  = tunnel.WithLabelValues("injected")
	tunnelBuffered  = tunnel.WithLabelValues("buffered")
	tunnelEvicted   = tunnel.WithLabelValues("evicted")
	tunnelForwarded = tunnel.WithLabelValues("forwarded")
)
