package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jannickheisch/tinyISP/config"
	"github.com/jannickheisch/tinyISP/config/presets"
)

type override func(*pflag.FlagSet, *config.Config) error

// overrides maps each flag to the config field it sets. Only flags given on
// the command line are applied.
var overrides = map[string]override{
	"data-dir": func(fs *pflag.FlagSet, c *config.Config) (err error) {
		c.DataDir, err = fs.GetString("data-dir")
		return err
	},
	"log-encoder": func(fs *pflag.FlagSet, c *config.Config) (err error) {
		c.LOGGING.Encoder, err = fs.GetString("log-encoder")
		return err
	},
	"log-level": func(fs *pflag.FlagSet, c *config.Config) error {
		lvl, err := fs.GetString("log-level")
		c.LOGGING.AppLoggerLevel = lvl
		c.LOGGING.ISPLoggerLevel = lvl
		return err
	},
	"provider": func(fs *pflag.FlagSet, c *config.Config) (err error) {
		c.ISP.Provider, err = fs.GetBool("provider")
		return err
	},
	"multicast": func(fs *pflag.FlagSet, c *config.Config) (err error) {
		c.Transport.Multicast.Enabled, err = fs.GetBool("multicast")
		return err
	},
	"multicast-group": func(fs *pflag.FlagSet, c *config.Config) (err error) {
		c.Transport.Multicast.Group, err = fs.GetString("multicast-group")
		return err
	},
	"gossip-listen": func(fs *pflag.FlagSet, c *config.Config) (err error) {
		c.Transport.Gossip.Enabled = true
		c.Transport.Gossip.Listen, err = fs.GetStringSlice("gossip-listen")
		return err
	},
	"bootstrap": func(fs *pflag.FlagSet, c *config.Config) (err error) {
		c.Transport.Gossip.Enabled = true
		c.Transport.Gossip.Bootstrap, err = fs.GetStringSlice("bootstrap")
		return err
	},
	"metrics": func(fs *pflag.FlagSet, c *config.Config) (err error) {
		c.Metrics.Enabled, err = fs.GetBool("metrics")
		return err
	},
	"metrics-listen": func(fs *pflag.FlagSet, c *config.Config) (err error) {
		c.Metrics.Listen, err = fs.GetString("metrics-listen")
		return err
	},
	"metrics-origins": func(fs *pflag.FlagSet, c *config.Config) (err error) {
		c.Metrics.AllowedOrigins, err = fs.GetStringSlice("metrics-origins")
		return err
	},
	"metrics-push": func(fs *pflag.FlagSet, c *config.Config) (err error) {
		c.Metrics.PushURL, err = fs.GetString("metrics-push")
		return err
	},
}

// AddCommands adds the configuration flags to cmd.
func AddCommands(cmd *cobra.Command) {
	defaults := config.DefaultConfig()
	fs := cmd.PersistentFlags()

	fs.StringP("preset", "p", "",
		fmt.Sprintf("preset overwrites default values of the config. options %+s", presets.Options()))
	fs.StringP("config", "c", "", "load configuration from file")
	fs.StringP("data-dir", "d", defaults.DataDir, "directory for keys, feeds and contracts")
	fs.String("log-encoder", defaults.LOGGING.Encoder, "log encoder, console or json")
	fs.String("log-level", defaults.LOGGING.AppLoggerLevel, "level of the app and isp loggers")

	/** ======================== ISP Flags ========================== **/
	fs.Bool("provider", defaults.ISP.Provider, "accept onboarding requests as a provider")

	/** ======================== Transport Flags ========================== **/
	fs.Bool("multicast", defaults.Transport.Multicast.Enabled, "send and receive on the UDP multicast group")
	fs.String("multicast-group", defaults.Transport.Multicast.Group, "multicast group address ip:port")
	fs.StringSlice("gossip-listen", defaults.Transport.Gossip.Listen,
		"libp2p listen multiaddrs; setting it enables the gossip face")
	fs.StringSlice("bootstrap", nil,
		"libp2p bootstrap multiaddrs ending in /p2p/<peer id>; setting it enables the gossip face")

	/** ======================== Metrics Flags ========================== **/
	fs.Bool("metrics", defaults.Metrics.Enabled, "serve prometheus metrics")
	fs.String("metrics-listen", defaults.Metrics.Listen, "metrics server address")
	fs.StringSlice("metrics-origins", defaults.Metrics.AllowedOrigins, "browser origins allowed to read metrics")
	fs.String("metrics-push", defaults.Metrics.PushURL, "push metrics to this gateway url")
}
