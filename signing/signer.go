package signing

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"

	"github.com/jannickheisch/tinyISP/common/types"
)

type edSignerOption struct {
	priv PrivateKey
	rand io.Reader
}

// EdSignerOptionFunc modifies EdSigner.
type EdSignerOptionFunc func(*edSignerOption) error

// WithPrivateKey sets the private key used by EdSigner.
func WithPrivateKey(priv PrivateKey) EdSignerOptionFunc {
	return func(opt *edSignerOption) error {
		if opt.priv != nil {
			return errors.New("invalid option WithPrivateKey: private key already set")
		}

		if len(priv) != ed25519.PrivateKeySize {
			return errors.New("could not create EdSigner: invalid key length")
		}

		keyPair := ed25519.NewKeyFromSeed(priv[:32])
		if !bytes.Equal(keyPair[32:], priv.Public().(ed25519.PublicKey)) {
			return errors.New("private and public do not match")
		}

		opt.priv = priv
		return nil
	}
}

// WithKeyFromRand generates the key from the given randomness source.
func WithKeyFromRand(rand io.Reader) EdSignerOptionFunc {
	return func(opt *edSignerOption) error {
		opt.rand = rand
		return nil
	}
}

// EdSigner holds the private key of one feed.
type EdSigner struct {
	priv PrivateKey
}

// NewEdSigner returns a signer for a given or freshly generated key.
func NewEdSigner(opts ...EdSignerOptionFunc) (*EdSigner, error) {
	cfg := &edSignerOption{}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.priv == nil {
		_, priv, err := ed25519.GenerateKey(cfg.rand)
		if err != nil {
			return nil, fmt.Errorf("could not generate key pair: %w", err)
		}
		cfg.priv = priv
	}
	return &EdSigner{priv: cfg.priv}, nil
}

// Sign signs the provided message.
func (es *EdSigner) Sign(m []byte) []byte {
	return ed25519.Sign(es.priv, m)
}

// FeedID returns the feed id (public key) of the signer.
func (es *EdSigner) FeedID() types.FeedID {
	return Public(es.priv)
}

// PrivateKey returns private key.
func (es *EdSigner) PrivateKey() PrivateKey {
	return es.priv
}

// Matches implements the gomock.Matcher interface for testing.
func (es *EdSigner) Matches(x any) bool {
	if other, ok := x.(*EdSigner); ok {
		return bytes.Equal(es.priv, other.priv)
	}
	return false
}

func (es *EdSigner) String() string {
	return es.FeedID().ShortString()
}
