package isp

import (
	"github.com/jannickheisch/tinyISP/common/types"
	"github.com/jannickheisch/tinyISP/feedpub"
	"github.com/jannickheisch/tinyISP/repo"
)

// Store is the part of the feed store contracts read and write.
type Store interface {
	Exists(feed types.FeedID) bool
	Create(feed types.FeedID, kind types.FeedKind) error
	Remove(feed types.FeedID) error
	Kind(feed types.FeedID) (types.FeedKind, bool)
	Len(feed types.FeedID) int
	Head(feed types.FeedID) (next uint32, prev types.Hash20, ok bool)
	AppendContent(feed types.FeedID, content []byte) (repo.Appended, error)
	ReadContent(feed types.FeedID, seq uint32) (types.Entry, error)
	ReadWire(feed types.FeedID, seq uint32) []byte
}

// Identities creates and forgets the keys of local feeds.
type Identities interface {
	CurrentIdentity() types.FeedID
	NewFeedIdentity() (types.FeedID, error)
	Remove(feed types.FeedID) error
}

// Feeds delivers completed entries.
type Feeds interface {
	Subscribe(feed types.FeedID, fn feedpub.Callback) (cancel func())
	SubscribeAll(fn feedpub.Callback)
}

// Replicator appends an entry packet received on an armed route.
type Replicator interface {
	OnIncomingEntry(buf []byte, feed types.FeedID)
}
