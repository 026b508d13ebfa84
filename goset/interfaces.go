package goset

import "github.com/jannickheisch/tinyISP/common/types"

// Store is the part of the feed store a group needs.
type Store interface {
	Exists(feed types.FeedID) bool
	Create(feed types.FeedID, kind types.FeedKind) error
	ReadEntry(feed types.FeedID, seq uint32) []byte
	ReadChunk(feed types.FeedID, seq uint32, idx int) []byte
}

// ProgressTracker consumes the want vectors peers send.
type ProgressTracker interface {
	Update(vector []int, from string)
}
