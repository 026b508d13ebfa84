package logtest

import (
	"os"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

const testLogLevel = "TEST_LOG_LEVEL"

// New creates a zap logger that writes through testing.TB.Log.
// Without TEST_LOG_LEVEL set it returns a no-op logger unless a level is passed.
func New(tb testing.TB, overwrite ...zapcore.Level) *zap.Logger {
	var level zapcore.Level
	if len(overwrite) > 0 {
		level = overwrite[0]
	} else {
		lvl := os.Getenv(testLogLevel)
		if len(lvl) == 0 {
			return zap.NewNop()
		}
		if err := level.Set(lvl); err != nil {
			panic(err)
		}
	}
	return zaptest.NewLogger(tb, zaptest.Level(level))
}
