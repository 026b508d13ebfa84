// Package log builds the process logger and holds field helpers shared by all
// packages. Components take a *zap.Logger and never reach for a global.
package log

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// where logs go by default.
var logWriter io.Writer = os.Stdout

// Encoder names accepted by New.
const (
	ConsoleEncoder = "console"
	JSONEncoder    = "json"
)

// New creates the process logger at the given level. The returned AtomicLevel
// can be used to change the level at runtime.
func New(level, encoder string) (*zap.Logger, zap.AtomicLevel, error) {
	lvl := zap.NewAtomicLevel()
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, lvl, fmt.Errorf("parse log level %q: %w", level, err)
	}
	var enc zapcore.Encoder
	switch encoder {
	case "", ConsoleEncoder:
		enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	case JSONEncoder:
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	default:
		return nil, lvl, fmt.Errorf("unknown log encoder %q", encoder)
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(logWriter), lvl)
	return zap.New(core), lvl, nil
}
