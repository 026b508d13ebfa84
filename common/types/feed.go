package types

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/spacemeshos/go-scale"
)

// FeedIDSize in bytes.
const FeedIDSize = 32

// FeedID is the ed25519 public key that identifies an append-only log.
type FeedID [FeedIDSize]byte

// EmptyFeedID is a canonical empty FeedID.
var EmptyFeedID FeedID

// BytesToFeedID is a helper to copy buffer into a FeedID.
func BytesToFeedID(buf []byte) (id FeedID) {
	copy(id[:], buf)
	return id
}

// ParseFeedID decodes a hex encoded feed id.
func ParseFeedID(s string) (FeedID, error) {
	var id FeedID
	buf, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("decode feed id %q: %w", s, err)
	}
	if len(buf) != FeedIDSize {
		return id, fmt.Errorf("feed id %q: expected %d bytes, got %d", s, FeedIDSize, len(buf))
	}
	copy(id[:], buf)
	return id, nil
}

// String returns the hex representation of the feed id.
func (id FeedID) String() string {
	return hex.EncodeToString(id[:])
}

// ShortString returns the first 10 characters of the id, for logging purposes.
func (id FeedID) ShortString() string {
	return Shorten(id.String(), 10)
}

// Bytes returns the byte representation of the feed id.
func (id FeedID) Bytes() []byte {
	return id[:]
}

// IsZero reports whether id is all zeroes.
func (id FeedID) IsZero() bool {
	return id == EmptyFeedID
}

// Compare compares feed ids as unsigned big-endian byte strings.
func (id FeedID) Compare(other FeedID) int {
	return bytes.Compare(id[:], other[:])
}

// EncodeScale implements scale codec interface.
func (id *FeedID) EncodeScale(e *scale.Encoder) (int, error) {
	return scale.EncodeByteArray(e, id[:])
}

// DecodeScale implements scale codec interface.
func (id *FeedID) DecodeScale(d *scale.Decoder) (int, error) {
	return scale.DecodeByteArray(d, id[:])
}

func (id FeedID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *FeedID) UnmarshalText(buf []byte) error {
	parsed, err := ParseFeedID(string(buf))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// FeedKind tells a public root feed from a feed that only lives inside a contract.
type FeedKind uint8

const (
	// FeedRoot is a feed of the public root group.
	FeedRoot FeedKind = iota
	// FeedVirtual is a control, data or client-to-client feed of a contract.
	FeedVirtual
)

func (k FeedKind) String() string {
	switch k {
	case FeedRoot:
		return "root"
	case FeedVirtual:
		return "virtual"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ContractID is the message id of the onboarding request that opened a contract.
type ContractID Hash20

// String returns the hex representation of the contract id.
func (id ContractID) String() string { return Hash20(id).String() }

// ShortString returns a shortened representation, for logging purposes.
func (id ContractID) ShortString() string { return Hash20(id).ShortString() }

// ParseContractID decodes a hex encoded contract id.
func ParseContractID(s string) (ContractID, error) {
	var id ContractID
	buf, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("decode contract id %q: %w", s, err)
	}
	if len(buf) != Hash20Length {
		return id, fmt.Errorf("contract id %q: expected %d bytes, got %d", s, Hash20Length, len(buf))
	}
	copy(id[:], buf)
	return id, nil
}

// EncodeScale implements scale codec interface.
func (id *ContractID) EncodeScale(e *scale.Encoder) (int, error) {
	return scale.EncodeByteArray(e, id[:])
}

// DecodeScale implements scale codec interface.
func (id *ContractID) DecodeScale(d *scale.Decoder) (int, error) {
	return scale.DecodeByteArray(d, id[:])
}
