package types

import (
	"encoding/hex"
	"fmt"

	"github.com/spacemeshos/go-scale"
)

const (
	// Hash32Length is the length of a full sha256 digest.
	Hash32Length = 32
	// Hash20Length is the length of a truncated digest (message ids, chunk pointers).
	Hash20Length = 20
)

// Hash32 is a 32-byte digest.
type Hash32 [Hash32Length]byte

// Hash20 represents the first 20 bytes of a sha256 digest.
type Hash20 [Hash20Length]byte

// EmptyHash20 is a canonical zero Hash20. A zero chunk pointer marks the end of a sidechain.
var EmptyHash20 Hash20

// BytesToHash20 copies buf into a Hash20, truncating or zero-padding as needed.
func BytesToHash20(buf []byte) (h Hash20) {
	copy(h[:], buf)
	return h
}

// Bytes returns the hash as a byte slice.
func (h Hash20) Bytes() []byte { return h[:] }

// IsZero reports whether all bytes of the hash are zero.
func (h Hash20) IsZero() bool { return h == EmptyHash20 }

// String returns the hex representation of the hash.
func (h Hash20) String() string { return hex.EncodeToString(h[:]) }

// ShortString returns the first 10 characters of the hex representation, for logging purposes.
func (h Hash20) ShortString() string { return Shorten(h.String(), 10) }

// Format implements fmt.Formatter, forcing the byte slice to be formatted as is,
// without going through the stringer interface used for logging.
func (h Hash20) Format(s fmt.State, c rune) {
	_, _ = fmt.Fprintf(s, "%"+string(c), h[:])
}

// EncodeScale implements scale codec interface.
func (h *Hash20) EncodeScale(e *scale.Encoder) (int, error) {
	return scale.EncodeByteArray(e, h[:])
}

// DecodeScale implements scale codec interface.
func (h *Hash20) DecodeScale(d *scale.Decoder) (int, error) {
	return scale.DecodeByteArray(d, h[:])
}

// Bytes returns the hash as a byte slice.
func (h Hash32) Bytes() []byte { return h[:] }

// String returns the hex representation of the hash.
func (h Hash32) String() string { return hex.EncodeToString(h[:]) }

// ShortString returns the first 10 characters of the hex representation, for logging purposes.
func (h Hash32) ShortString() string { return Shorten(h.String(), 10) }

// Xor sets h to h ^ other.
func (h *Hash32) Xor(other []byte) {
	for i := range h {
		h[i] ^= other[i]
	}
}

// Shorten shortens a string to maxlen characters.
func Shorten(s string, maxlen int) string {
	return s[:min(maxlen, len(s))]
}
