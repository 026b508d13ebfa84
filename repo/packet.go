package repo

import (
	"encoding/binary"

	"github.com/multiformats/go-varint"

	"github.com/jannickheisch/tinyISP/common/types"
	"github.com/jannickheisch/tinyISP/hash"
)

const (
	typeOffset   = types.TagSize
	introOffset  = typeOffset + 1
	ptrOffset    = introOffset + types.IntroSize
	signedLength = types.TagSize + 1 + types.PayloadSize
	nameSize     = types.FeedIDSize + 4 + types.Hash20Length
)

// name is the 56-byte prefix that binds an entry to its position in a feed.
func name(feed types.FeedID, seq uint32, prev types.Hash20) []byte {
	buf := make([]byte, 0, nameSize)
	buf = append(buf, feed[:]...)
	buf = binary.BigEndian.AppendUint32(buf, seq)
	return append(buf, prev[:]...)
}

// EntryTag is the tag that the entry at seq of feed carries, given the message id of its predecessor.
func EntryTag(feed types.FeedID, seq uint32, prev types.Hash20) types.Tag {
	return hash.Tag(name(feed, seq, prev))
}

// InitialPrevHash is the predecessor hash of the first entry of a feed.
func InitialPrevHash(feed types.FeedID) types.Hash20 {
	return types.BytesToHash20(feed[:])
}

func signedMessage(nm, pkt []byte) []byte {
	msg := make([]byte, 0, len(hash.DomainPrefix)+len(nm)+signedLength)
	msg = append(msg, hash.DomainPrefix...)
	msg = append(msg, nm...)
	return append(msg, pkt[:signedLength]...)
}

func messageID(nm, pkt []byte) types.Hash20 {
	return hash.Sum20([]byte(hash.DomainPrefix), nm, pkt)
}

// ContentSize reads the declared content size of a chain20 entry and the
// length of its varint prefix.
func ContentSize(pkt []byte) (size, prefixLen int, ok bool) {
	if len(pkt) != types.PacketSize || pkt[typeOffset] != types.PacketChain20 {
		return 0, 0, false
	}
	sz, n, err := varint.FromUvarint(pkt[introOffset:ptrOffset])
	if err != nil {
		return 0, 0, false
	}
	return int(sz), n, true
}

// MaxChunks returns the number of sidechain chunks an entry with the given
// content size and prefix length needs.
func MaxChunks(size, prefixLen int) int {
	inline := types.IntroSize - prefixLen
	if size <= inline {
		return 0
	}
	return (size - inline + types.ChunkPayloadSize - 1) / types.ChunkPayloadSize
}

// ChunkPointer returns the pointer to the first sidechain chunk of a chain20 entry.
func ChunkPointer(pkt []byte) types.Hash20 {
	return types.BytesToHash20(pkt[ptrOffset : ptrOffset+types.Hash20Length])
}

// TailPointer returns the pointer to the next chunk stored at the end of a chunk.
func TailPointer(chunk []byte) types.Hash20 {
	return types.BytesToHash20(chunk[types.ChunkPayloadSize:])
}

// buildContent lays out content as a chain20 payload and its sidechain chunks.
func buildContent(content []byte) (payload []byte, chunks [][]byte) {
	prefix := varint.ToUvarint(uint64(len(content)))
	payload = make([]byte, types.PayloadSize)
	inline := types.IntroSize - len(prefix)
	copy(payload, prefix)
	if len(content) <= inline {
		copy(payload[len(prefix):], content)
		return payload, nil
	}
	copy(payload[len(prefix):types.IntroSize], content[:inline])
	rest := content[inline:]
	n := (len(rest) + types.ChunkPayloadSize - 1) / types.ChunkPayloadSize
	chunks = make([][]byte, n)
	var ptr types.Hash20
	for i := n - 1; i >= 0; i-- {
		chunk := make([]byte, types.PacketSize)
		copy(chunk, rest[i*types.ChunkPayloadSize:min((i+1)*types.ChunkPayloadSize, len(rest))])
		copy(chunk[types.ChunkPayloadSize:], ptr[:])
		ptr = hash.Sum20(chunk)
		chunks[i] = chunk
	}
	copy(payload[types.IntroSize:], ptr[:])
	return payload, chunks
}

// inlineContent returns the content carried by the entry itself and the
// total declared size.
func inlineContent(pkt []byte) (body []byte, size int) {
	if pkt[typeOffset] != types.PacketChain20 {
		return pkt[introOffset:ptrOffset+types.Hash20Length], types.PayloadSize
	}
	sz, n, ok := ContentSize(pkt)
	if !ok {
		return nil, 0
	}
	end := min(introOffset+n+sz, ptrOffset)
	return pkt[introOffset+n : end], sz
}
