package log

import (
	"fmt"

	"go.uber.org/zap"
)

// Errors that abort node startup.
var (
	ErrMalformedConfig = newFatalError("ERR_MALFORMED_CONFIG", "config is malformed: %v")
	ErrEnsureDataDir   = newFatalError("ERR_ENSURE_DATA_DIR", "could not open/create data dir %v: %v")
	ErrLockDataDir     = newFatalError("ERR_LOCK_DATA_DIR", "could not lock data dir %v: %v")
)

// FatalError describes an error the command reports with a stable code before exiting.
type FatalError struct {
	Code string
	Text string
	Args []any
}

func newFatalError(code, text string) func(args ...any) *FatalError {
	return func(args ...any) *FatalError {
		return &FatalError{
			Code: code,
			Text: text,
			Args: args,
		}
	}
}

func (fe FatalError) Error() string {
	return fmt.Sprintf(fe.Text, fe.Args...)
}

// Field returns the error as an inline zap field.
func (fe FatalError) Field() zap.Field { return zap.Inline(fe) }

// MarshalLogObject implements logging encoder for FatalError.
func (fe FatalError) MarshalLogObject(encoder ObjectEncoder) error {
	encoder.AddString("code", fe.Code)
	encoder.AddString("error", fe.Error())
	return nil
}
