package replication

import (
	"github.com/jannickheisch/tinyISP/common/types"
	"github.com/jannickheisch/tinyISP/goset"
	"github.com/jannickheisch/tinyISP/repo"
)

// Store is the part of the feed store the beacon reads and appends to.
type Store interface {
	Head(feed types.FeedID) (next uint32, prev types.Hash20, ok bool)
	Append(feed types.FeedID, pkt []byte) (repo.Appended, error)
	AppendContent(feed types.FeedID, content []byte) (repo.Appended, error)
	AppendChunk(feed types.FeedID, seq uint32, chunk []byte) (types.Hash20, bool, error)
	OpenSidechains(feed types.FeedID) []uint32
	ChunkCount(feed types.FeedID, seq uint32) int
	ReadEntry(feed types.FeedID, seq uint32) []byte
	ReadChunk(feed types.FeedID, seq uint32, idx int) []byte
}

// GroupSet lists the groups whose feeds are replicated.
type GroupSet interface {
	Groups() []*goset.Group
}
