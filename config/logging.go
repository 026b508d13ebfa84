package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jannickheisch/tinyISP/log"
)

// LogEncoder defines a log encoder kind.
type LogEncoder = string

const (
	defaultLoggingLevel = zapcore.InfoLevel
	// ConsoleLogEncoder represents logging with plain text.
	ConsoleLogEncoder LogEncoder = log.ConsoleEncoder
	// JSONLogEncoder represents logging with JSON.
	JSONLogEncoder LogEncoder = log.JSONEncoder
)

// LoggerConfig holds the logging level for each module.
type LoggerConfig struct {
	Encoder                LogEncoder `mapstructure:"log-encoder"`
	AppLoggerLevel         string     `mapstructure:"app"`
	StoreLoggerLevel       string     `mapstructure:"store"`
	ReplicationLoggerLevel string     `mapstructure:"replication"`
	GoSetLoggerLevel       string     `mapstructure:"goset"`
	TransportLoggerLevel   string     `mapstructure:"transport"`
	ISPLoggerLevel         string     `mapstructure:"isp"`
}

func defaultLoggingConfig() LoggerConfig {
	return LoggerConfig{
		Encoder:                ConsoleLogEncoder,
		AppLoggerLevel:         defaultLoggingLevel.String(),
		StoreLoggerLevel:       zapcore.WarnLevel.String(),
		ReplicationLoggerLevel: zapcore.WarnLevel.String(),
		GoSetLoggerLevel:       zapcore.WarnLevel.String(),
		TransportLoggerLevel:   zapcore.WarnLevel.String(),
		ISPLoggerLevel:         defaultLoggingLevel.String(),
	}
}

// Validate parses every level once so typos surface at startup.
func (l LoggerConfig) Validate() error {
	if l.Encoder != ConsoleLogEncoder && l.Encoder != JSONLogEncoder {
		return fmt.Errorf("config: unknown log encoder %q", l.Encoder)
	}
	for _, lvl := range []string{
		l.AppLoggerLevel, l.StoreLoggerLevel, l.ReplicationLoggerLevel,
		l.GoSetLoggerLevel, l.TransportLoggerLevel, l.ISPLoggerLevel,
	} {
		if _, err := zapcore.ParseLevel(lvl); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

// Build returns the root logger. Its level is the most verbose module level so
// that module loggers created with Named can only raise it.
func (l LoggerConfig) Build() (*zap.Logger, error) {
	logger, _, err := log.New(zapcore.DebugLevel.String(), l.Encoder)
	return logger, err
}

// Named returns a child of logger for module that drops entries below the
// module's configured level. Unparsable levels fall back to the default.
func Named(logger *zap.Logger, module, level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = defaultLoggingLevel
	}
	return logger.Named(module).WithOptions(zap.IncreaseLevel(lvl))
}
