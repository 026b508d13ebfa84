package presets

import (
	"time"

	"github.com/jannickheisch/tinyISP/config"
)

func init() {
	register("provider", provider())
}

// provider serves clients over both faces and exports metrics.
func provider() config.Config {
	conf := config.DefaultConfig()
	conf.ISP.Provider = true
	conf.ISP.TunnelBuffer = 256
	conf.ISP.BacklogLimit = 128

	conf.Transport.Gossip.Enabled = true
	conf.Transport.QueueSize *= 4

	conf.Metrics.Enabled = true
	conf.GoSet.Interval = 5 * time.Second
	return conf
}
