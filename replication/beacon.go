// Package replication turns the local state of every group's feeds into want
// and chunk requests, and stores what peers send back.
package replication

import (
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/jannickheisch/tinyISP/bipf"
	"github.com/jannickheisch/tinyISP/common/types"
	"github.com/jannickheisch/tinyISP/demux"
	"github.com/jannickheisch/tinyISP/goset"
	"github.com/jannickheisch/tinyISP/log"
	"github.com/jannickheisch/tinyISP/repo"
	"github.com/jannickheisch/tinyISP/transport"
)

// DefaultWantBudget bounds the encoded sequence numbers of one want request.
const DefaultWantBudget = 100

var ErrNoIdentity = errors.New("replication: no local identity")

// Opt configures a Beacon.
type Opt func(*Beacon)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(b *Beacon) {
		b.logger = logger
	}
}

// WithProgress sets the tracker that records the local want vectors.
func WithProgress(p goset.ProgressTracker) Opt {
	return func(b *Beacon) {
		b.progress = p
	}
}

// WithWantBudget overrides DefaultWantBudget.
func WithWantBudget(n int) Opt {
	return func(b *Beacon) {
		b.budget = n
	}
}

// WithIdentity sets the feed Publish appends to.
func WithIdentity(feed types.FeedID) Opt {
	return func(b *Beacon) {
		b.identity = feed
	}
}

// Beacon periodically asks peers for the entries and chunks the local store
// misses. It is not safe for concurrent use.
type Beacon struct {
	logger   *zap.Logger
	router   *demux.Router
	store    Store
	groups   GroupSet
	sender   transport.Sender
	progress goset.ProgressTracker
	identity types.FeedID
	budget   int

	offsets map[*goset.Group]int
}

func New(router *demux.Router, store Store, groups GroupSet, sender transport.Sender, opts ...Opt) *Beacon {
	b := &Beacon{
		logger:  zap.NewNop(),
		router:  router,
		store:   store,
		groups:  groups,
		sender:  sender,
		budget:  DefaultWantBudget,
		offsets: make(map[*goset.Group]int),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Named("beacon")
	return b
}

// Tick sends one want request and one chunk request per non-empty group.
func (b *Beacon) Tick() {
	groups := b.groups.Groups()
	for g := range b.offsets {
		if !slices.Contains(groups, g) {
			delete(b.offsets, g)
		}
	}
	for _, g := range groups {
		keys := g.Keys()
		if len(keys) == 0 {
			continue
		}
		want, blob, ok := b.router.GroupTags(g.Key())
		if !ok {
			continue
		}
		b.want(g, keys, want)
		b.hunt(keys, blob)
	}
}

func (b *Beacon) want(g *goset.Group, keys []types.FeedID, tag types.Tag) {
	n := len(keys)
	offs := (b.offsets[g] + 1) % n
	items := []bipf.Value{bipf.Int(offs)}
	vector := make(map[int]int, n)
	encoded := 0
	i := 0
	for i < n {
		ndx := (offs + i) % n
		feed := keys[ndx]
		next, prev, ok := b.store.Head(feed)
		if !ok {
			next, prev = 1, repo.InitialPrevHash(feed)
		}
		v := bipf.Int(int(next))
		items = append(items, v)
		b.armEntry(feed, next, prev)
		vector[ndx] = int(next)
		i++
		encoded += bipf.EncodingLength(v)
		if encoded > b.budget {
			break
		}
	}
	b.offsets[g] = (offs + i) % n

	b.send(tag, bipf.List(items...))
	wantRequests.Inc()
	b.logger.Debug("sent want request",
		zap.String("group", g.Key()),
		zap.Int("offset", offs),
		zap.Int("feeds", i),
	)
	if b.progress != nil {
		b.progress.Update(sortedValues(vector), Local)
	}
}

// hunt requests the next missing chunk of every incomplete sidechain.
func (b *Beacon) hunt(keys []types.FeedID, tag types.Tag) {
	var (
		items   []bipf.Value
		encoded int
	)
	for ndx, feed := range keys {
		for _, seq := range b.store.OpenSidechains(feed) {
			have := b.store.ChunkCount(feed, seq)
			var ptr types.Hash20
			if have == 0 {
				pkt := b.store.ReadEntry(feed, seq)
				if pkt == nil {
					continue
				}
				ptr = repo.ChunkPointer(pkt)
			} else {
				chunk := b.store.ReadChunk(feed, seq, have-1)
				if chunk == nil {
					continue
				}
				ptr = repo.TailPointer(chunk)
			}
			if ptr.IsZero() {
				continue
			}
			req := bipf.List(bipf.Int(ndx), bipf.Int(int(seq)), bipf.Int(have))
			items = append(items, req)
			b.router.ArmChunk(ptr, demux.ChunkHandlerFunc(b.OnIncomingChunk), feed, seq, have)
			encoded += bipf.EncodingLength(req)
			if encoded > b.budget {
				break
			}
		}
		if encoded > b.budget {
			break
		}
	}
	if len(items) == 0 {
		return
	}
	b.send(tag, bipf.List(items...))
	chunkRequests.Inc()
	b.logger.Debug("sent chunk request", zap.Int("chunks", len(items)))
}

func (b *Beacon) send(tag types.Tag, v bipf.Value) {
	pkt := make([]byte, 0, types.TagSize+bipf.EncodingLength(v))
	pkt = append(pkt, tag[:]...)
	b.sender.Send(append(pkt, bipf.Encode(v)...))
}

func (b *Beacon) armEntry(feed types.FeedID, seq uint32, prev types.Hash20) {
	b.router.ArmOnce(repo.EntryTag(feed, seq, prev), demux.HandlerFunc(b.entryHandler), feed.Bytes())
}

func (b *Beacon) entryHandler(buf, aux []byte, _ string) {
	b.OnIncomingEntry(buf, types.BytesToFeedID(aux))
}

// OnIncomingEntry appends buf to feed. The store validates the position and
// the signature. On success the route for the following entry is armed, so
// that consecutive entries served for one request are all picked up.
func (b *Beacon) OnIncomingEntry(buf []byte, feed types.FeedID) {
	if len(buf) != types.PacketSize {
		return
	}
	res, err := b.store.Append(feed, buf)
	if err != nil {
		entriesRejected.Inc()
		b.logger.Debug("rejected entry", log.ZFeed(feed), zap.Error(err))
		return
	}
	entriesStored.Inc()
	b.logger.Debug("stored entry", log.ZFeed(feed), zap.Uint32("seq", res.Seq))
	b.armEntry(feed, res.Seq+1, res.MsgID)
	if !res.Sidechain.IsZero() {
		b.router.ArmChunk(res.Sidechain, demux.ChunkHandlerFunc(b.OnIncomingChunk), feed, res.Seq, 0)
	}
}

// OnIncomingChunk appends buf to the sidechain named by the chunk route id.
func (b *Beacon) OnIncomingChunk(buf []byte, id int) {
	if len(buf) != types.PacketSize {
		return
	}
	cr, ok := b.router.ChunkRoute(id)
	if !ok {
		return
	}
	next, done, err := b.store.AppendChunk(cr.Feed, cr.Seq, buf)
	if err != nil {
		chunksRejected.Inc()
		b.logger.Debug("rejected chunk", log.ZFeed(cr.Feed), zap.Uint32("seq", cr.Seq), zap.Error(err))
		return
	}
	chunksStored.Inc()
	if !done && !next.IsZero() {
		b.router.ArmChunk(next, demux.ChunkHandlerFunc(b.OnIncomingChunk), cr.Feed, cr.Seq, cr.Index+1)
	}
}

// Publish appends content as a new entry of the local identity's feed.
func (b *Beacon) Publish(content []byte) (repo.Appended, error) {
	if b.identity.IsZero() {
		return repo.Appended{}, ErrNoIdentity
	}
	res, err := b.store.AppendContent(b.identity, content)
	if err != nil {
		return repo.Appended{}, fmt.Errorf("publish: %w", err)
	}
	b.logger.Info("published entry", log.ZFeed(b.identity), zap.Uint32("seq", res.Seq), zap.Int("size", len(content)))
	return res, nil
}

func sortedValues(m map[int]int) []int {
	idx := make([]int, 0, len(m))
	for k := range m {
		idx = append(idx, k)
	}
	slices.Sort(idx)
	out := make([]int, len(idx))
	for i, k := range idx {
		out[i] = m[k]
	}
	return out
}
