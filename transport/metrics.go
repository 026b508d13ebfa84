package transport

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jannickheisch/tinyISP/metrics"
)

const subsystem = "transport"

var (
	queued = metrics.NewCounter(
		"queued",
		subsystem,
		"packets accepted by the outbound queue or dropped because it was full",
		[]string{"outcome"},
	)
	queuedOk      = queued.WithLabelValues("ok")
	queuedDropped = queued.WithLabelValues("dropped")

	faceErrors = metrics.NewCounter(
		"face_errors",
		subsystem,
		"failed sends per face",
		[]string{"face"},
	)

	received = metrics.NewCounter(
		"received",
		subsystem,
		"inbound packets per face and outcome",
		[]string{"face", "outcome"},
	)

	sendDuration = metrics.NewHistogramWithBuckets(
		"send_duration_seconds",
		subsystem,
		"time a face takes to send one packet",
		[]string{"face"},
		prometheus.ExponentialBuckets(0.0001, 4, 8),
	)
)
