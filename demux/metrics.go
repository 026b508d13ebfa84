package demux

import "github.com/jannickheisch/tinyISP/metrics"

const subsystem = "demux"

var (
	dispatched = metrics.NewCounter(
		"dispatched",
		subsystem,
		"inbound packets by the table that handled them",
		[]string{"table"},
	)
	dispatchedRoute     = dispatched.WithLabelValues("route")
	dispatchedChunk     = dispatched.WithLabelValues("chunk")
	dispatchedUnmatched = dispatched.WithLabelValues("unmatched")

	tableSize = metrics.NewGauge(
		"table_size",
		subsystem,
		"number of armed routes",
		[]string{"table"},
	)
	routeTableSize = tableSize.WithLabelValues("route")
	chunkTableSize = tableSize.WithLabelValues("chunk")
)
