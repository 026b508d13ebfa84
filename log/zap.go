package log

import (
	"encoding/hex"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ShortStringer is implemented by identifiers that have an abbreviated form.
type ShortStringer interface {
	ShortString() string
}

type shortStringAdapter struct {
	val ShortStringer
}

func (a shortStringAdapter) String() string {
	return a.val.ShortString()
}

// ZShortStringer logs the short form of an identifier.
func ZShortStringer(name string, val ShortStringer) zap.Field {
	return zap.Stringer(name, shortStringAdapter{val: val})
}

// ZFeed logs a feed id under the key "feed".
func ZFeed(val ShortStringer) zap.Field {
	return ZShortStringer("feed", val)
}

// ZContract logs a contract id under the key "contract".
func ZContract(val ShortStringer) zap.Field {
	return ZShortStringer("contract", val)
}

// ZHex logs a byte slice as hex, truncated to max bytes.
func ZHex(name string, buf []byte, max int) zap.Field {
	return zap.String(name, hex.EncodeToString(buf[:min(len(buf), max)]))
}

// ObjectEncoder re-exports zapcore.ObjectEncoder for MarshalLogObject implementations.
type ObjectEncoder = zapcore.ObjectEncoder
