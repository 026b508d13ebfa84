package types

import (
	"encoding/hex"
)

const (
	// TagSize is the length of a demultiplexing tag at the start of every packet.
	TagSize = 7
	// PacketSize is the fixed length of a log entry or a sidechain chunk.
	PacketSize = 120
	// SignatureSize is the length of an ed25519 signature.
	SignatureSize = 64
	// PayloadSize is the part of a log entry between the type byte and the signature.
	PayloadSize = PacketSize - TagSize - 1 - SignatureSize
	// ChunkPayloadSize is the content part of a sidechain chunk.
	ChunkPayloadSize = PacketSize - Hash20Length
	// IntroSize is the content part of a chain20 entry.
	IntroSize = PayloadSize - Hash20Length
)

// Packet types.
const (
	PacketPlain48 byte = 0
	PacketChain20 byte = 1
)

// Tag is the short deterministic prefix that routes a packet.
type Tag [TagSize]byte

// BytesToTag copies the first TagSize bytes of buf.
func BytesToTag(buf []byte) (t Tag) {
	copy(t[:], buf)
	return t
}

func (t Tag) String() string {
	return hex.EncodeToString(t[:])
}

// Entry is a log entry whose content is fully available in the local store.
type Entry struct {
	Feed  FeedID
	Seq   uint32
	MsgID Hash20
	Body  []byte
}
