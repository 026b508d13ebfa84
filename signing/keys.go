package signing

import (
	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"

	"github.com/jannickheisch/tinyISP/common/types"
)

// PrivateKey is an alias to ed25519.PrivateKey.
type PrivateKey = ed25519.PrivateKey

// PrivateKeySize size of the private key in bytes.
const PrivateKeySize = ed25519.PrivateKeySize

// Public returns the feed id (public key) of priv.
func Public(priv PrivateKey) types.FeedID {
	return types.BytesToFeedID(priv.Public().(ed25519.PublicKey))
}
