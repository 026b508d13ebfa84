// Package presets holds named configurations that replace the defaults
// before the config file and flags are applied.
package presets

import (
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/jannickheisch/tinyISP/config"
)

var presets = map[string]config.Config{}

func register(name string, conf config.Config) {
	if _, exists := presets[name]; exists {
		panic(fmt.Sprintf("preset %s registered twice", name))
	}
	conf.Preset = name
	presets[name] = conf
}

// Options returns the sorted names of all presets.
func Options() []string {
	names := maps.Keys(presets)
	slices.Sort(names)
	return names
}

// Get returns a copy of the named preset.
func Get(name string) (config.Config, error) {
	conf, ok := presets[name]
	if !ok {
		return config.Config{}, fmt.Errorf("preset %q not found, options %v", name, Options())
	}
	return conf, nil
}
