package log

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type shortID string

func (s shortID) ShortString() string { return string(s[:3]) }

func TestNewLevelAndEncoder(t *testing.T) {
	var buf bytes.Buffer
	logWriter = &buf
	t.Cleanup(func() { logWriter = os.Stdout })

	logger, lvl, err := New("info", JSONEncoder)
	require.NoError(t, err)
	logger.Debug("hidden")
	logger.Info("shown", ZFeed(shortID("abcdef")))
	require.NoError(t, logger.Sync())
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"feed":"abc"`)

	lvl.SetLevel(zap.DebugLevel)
	logger.Debug("now visible")
	require.Contains(t, buf.String(), "now visible")
}

func TestZHexTruncates(t *testing.T) {
	var buf bytes.Buffer
	logWriter = &buf
	t.Cleanup(func() { logWriter = os.Stdout })

	logger, _, err := New("info", JSONEncoder)
	require.NoError(t, err)
	logger.Info("packet", ZHex("head", []byte{0xde, 0xad, 0xbe, 0xef}, 2), ZHex("short", []byte{1}, 8))
	require.NoError(t, logger.Sync())
	require.Contains(t, buf.String(), `"head":"dead"`)
	require.Contains(t, buf.String(), `"short":"01"`)
}

func TestNewRejectsBadInput(t *testing.T) {
	_, _, err := New("loud", ConsoleEncoder)
	require.Error(t, err)
	_, _, err = New("info", "xml")
	require.Error(t, err)
}

func TestFatalError(t *testing.T) {
	err := error(ErrEnsureDataDir("/tmp/x", "denied"))
	var fe *FatalError
	require.True(t, errors.As(err, &fe))
	require.Equal(t, "ERR_ENSURE_DATA_DIR", fe.Code)
	require.Equal(t, "could not open/create data dir /tmp/x: denied", err.Error())
}
