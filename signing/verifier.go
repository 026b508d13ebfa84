package signing

import (
	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"

	"github.com/jannickheisch/tinyISP/common/types"
)

// Verify verifies that sig is a signature of msg by the owner of feed.
func Verify(feed types.FeedID, msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(feed[:]), msg, sig)
}
