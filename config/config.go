// Package config contains the tinyISP node configuration definitions.
package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"

	"github.com/jannickheisch/tinyISP/isp"
	"github.com/jannickheisch/tinyISP/replication"
	"github.com/jannickheisch/tinyISP/transport"
	"github.com/jannickheisch/tinyISP/transport/gossip"
	"github.com/jannickheisch/tinyISP/transport/multicast"
)

const (
	defaultConfigFileName = "./config.toml"
	defaultDataDirName    = ".tinyisp"
)

// Config defines the top level configuration of a node.
type Config struct {
	BaseConfig `mapstructure:"main"`

	Beacon    BeaconConfig    `mapstructure:"beacon"`
	GoSet     GoSetConfig     `mapstructure:"goset"`
	ISP       isp.Config      `mapstructure:"isp"`
	Transport TransportConfig `mapstructure:"transport"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	LOGGING   LoggerConfig    `mapstructure:"logging"`
}

// BaseConfig defines the options every node needs.
type BaseConfig struct {
	DataDir    string `mapstructure:"data-dir"`
	ConfigFile string `mapstructure:"config"`
	// Preset names the preset the defaults were taken from.
	Preset string `mapstructure:"preset"`
}

type BeaconConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	WantBudget int           `mapstructure:"want-budget"`
}

type GoSetConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// TransportConfig configures the outbound queue and the faces.
type TransportConfig struct {
	QueueSize int     `mapstructure:"queue-size"`
	SendRate  float64 `mapstructure:"send-rate"`
	SendBurst int     `mapstructure:"send-burst"`

	Multicast MulticastConfig `mapstructure:"multicast"`
	Gossip    GossipConfig    `mapstructure:"gossip"`
}

type MulticastConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Group   string `mapstructure:"group"`
}

type GossipConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	gossip.Config `mapstructure:",squash"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	// AllowedOrigins lists the browser origins that may read the metrics
	// endpoint. Empty disables cross-origin access.
	AllowedOrigins []string      `mapstructure:"allowed-origins"`
	PushURL        string        `mapstructure:"push-url"`
	PushPeriod     time.Duration `mapstructure:"push-period"`
}

// DefaultConfig returns the default configuration of a client node.
func DefaultConfig() Config {
	return Config{
		BaseConfig: BaseConfig{
			DataDir: defaultDataDir(),
		},
		Beacon: BeaconConfig{
			Interval:   5 * time.Second,
			WantBudget: replication.DefaultWantBudget,
		},
		GoSet: GoSetConfig{
			Interval: 10 * time.Second,
		},
		ISP: isp.DefaultConfig(),
		Transport: TransportConfig{
			QueueSize: transport.DefaultQueueSize,
			SendRate:  transport.DefaultSendRate,
			SendBurst: transport.DefaultSendBurst,
			Multicast: MulticastConfig{
				Enabled: true,
				Group:   multicast.DefaultGroup,
			},
			Gossip: GossipConfig{
				Config: gossip.DefaultConfig(),
			},
		},
		Metrics: MetricsConfig{
			Listen:     ":9095",
			PushPeriod: time.Minute,
		},
		LOGGING: defaultLoggingConfig(),
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultDataDirName
	}
	return filepath.Join(home, defaultDataDirName)
}

// Validate checks the values that would only fail later at runtime.
func (cfg *Config) Validate() error {
	switch {
	case cfg.DataDir == "":
		return errors.New("config: data-dir is empty")
	case cfg.Beacon.Interval <= 0:
		return fmt.Errorf("config: beacon interval %v must be positive", cfg.Beacon.Interval)
	case cfg.GoSet.Interval <= 0:
		return fmt.Errorf("config: goset interval %v must be positive", cfg.GoSet.Interval)
	case cfg.Transport.SendRate <= 0:
		return fmt.Errorf("config: send rate %v must be positive", cfg.Transport.SendRate)
	case cfg.Metrics.PushURL != "" && cfg.Metrics.PushPeriod <= 0:
		return fmt.Errorf("config: metrics push period %v must be positive", cfg.Metrics.PushPeriod)
	}
	return cfg.LOGGING.Validate()
}

//go:embed schema.json
var schemaFile string

// ErrInvalidFile is returned for config files that name unknown sections or
// carry values of the wrong type.
var ErrInvalidFile = errors.New("config: invalid file")

// LoadConfig reads the config file into vip and checks it against the
// config schema. An empty location tries the default file name.
func LoadConfig(fileLocation string, vip *viper.Viper) error {
	if fileLocation == "" {
		fileLocation = defaultConfigFileName
	}
	vip.SetConfigFile(fileLocation)
	if err := vip.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", fileLocation, err)
	}
	if err := validateFile(vip.AllSettings()); err != nil {
		return fmt.Errorf("%w %s: %w", ErrInvalidFile, fileLocation, err)
	}
	return nil
}

func validateFile(settings map[string]any) error {
	sch, err := jsonschema.CompileString("schema.json", schemaFile)
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	// the schema validates json values, so toml and yaml types are
	// normalized through a json round trip
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return sch.Validate(v)
}

// DecodeHook converts the string forms found in files, flags and environment
// into durations, lists and anything implementing encoding.TextUnmarshaler,
// such as feed ids.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}

// Unmarshal decodes vip on top of conf.
func Unmarshal(vip *viper.Viper, conf *Config) error {
	if err := vip.Unmarshal(conf, viper.DecodeHook(DecodeHook())); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}
