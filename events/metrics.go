package events

import "github.com/jannickheisch/tinyISP/metrics"

const subsystem = "events"

var droppedEvents = metrics.NewCounter(
	"dropped",
	subsystem,
	"Events dropped because a subscriber was not reading",
	[]string{"event"},
)
