// Package cmd holds the flag and configuration plumbing shared by the
// tinyisp executables.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jannickheisch/tinyISP/config"
	"github.com/jannickheisch/tinyISP/config/presets"
)

var (
	// Version is the app's semantic version. Designed to be overwritten by make.
	Version = "dev"

	// Branch is the git branch used to build the App. Designed to be overwritten by make.
	Branch string

	// Commit is the git commit used to build the app. Designed to be overwritten by make.
	Commit string
)

// LoadConfig builds the configuration of cmd from, in increasing priority,
// the defaults or the selected preset, the config file and the flags that
// were set explicitly.
func LoadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	conf := config.DefaultConfig()
	if name, _ := flags.GetString("preset"); name != "" {
		p, err := presets.Get(name)
		if err != nil {
			return nil, err
		}
		conf = p
	}

	if path, _ := flags.GetString("config"); path != "" {
		vip := viper.New()
		if err := config.LoadConfig(path, vip); err != nil {
			return nil, err
		}
		if err := config.Unmarshal(vip, &conf); err != nil {
			return nil, err
		}
		conf.ConfigFile = path
	}

	var err error
	flags.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		if apply, ok := overrides[f.Name]; ok {
			err = apply(flags, &conf)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("apply flags: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}
