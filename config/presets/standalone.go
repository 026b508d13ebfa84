package presets

import (
	"os"
	"path/filepath"
	"time"

	"github.com/jannickheisch/tinyISP/config"
)

func init() {
	register("standalone", standalone())
}

// standalone runs a single provider on the local multicast group only, with
// fast timers and a short linger for trying the protocol by hand.
func standalone() config.Config {
	conf := config.DefaultConfig()
	conf.DataDir = filepath.Join(os.TempDir(), "tinyisp")

	conf.ISP.Provider = true
	conf.ISP.FarewellLinger = 5 * time.Second

	conf.Beacon.Interval = time.Second
	conf.GoSet.Interval = 2 * time.Second

	conf.Transport.Multicast.Enabled = true
	conf.Transport.Gossip.Enabled = false

	conf.LOGGING.ISPLoggerLevel = "debug"
	return conf
}
