// Package goset keeps the set of feed ids of a group synchronized with the
// peers in range. Peers broadcast a claim over their whole set; a peer that
// disagrees bisects the range with finer claims until single missing keys
// are exchanged as novelties.
package goset

import (
	"fmt"
	"slices"
	"strconv"

	"go.uber.org/zap"

	"github.com/jannickheisch/tinyISP/common/types"
	"github.com/jannickheisch/tinyISP/demux"
	"github.com/jannickheisch/tinyISP/hash"
	"github.com/jannickheisch/tinyISP/log"
	"github.com/jannickheisch/tinyISP/transport"
)

const (
	MaxKeys         = 100
	MaxPending      = 20
	NoveltyPerRound = 1
	AskPerRound     = 1
	HelpPerRound    = 2

	// RootName names the group of all public root feeds.
	RootName = "tinySSB-0.1 GOset 1"
)

// GroupTag derives the tag claims and novelties of a group carry.
func GroupTag(name string, epoch int) types.Tag {
	s := name
	if epoch != 0 {
		s += strconv.Itoa(epoch)
	}
	h := hash.Sum([]byte(s))
	return types.BytesToTag(h[:])
}

// GroupOpt configures a Group.
type GroupOpt func(*Group)

// WithKind sets the kind of storage created for keys learned by the group.
func WithKind(kind types.FeedKind) GroupOpt {
	return func(g *Group) {
		g.kind = kind
	}
}

// WithOnInsert registers fn to be called for every key added to the group.
func WithOnInsert(fn func(types.FeedID)) GroupOpt {
	return func(g *Group) {
		g.onInsert = fn
	}
}

// Group is one reconciliation scope. It is not safe for concurrent use; the
// node serializes every call.
type Group struct {
	logger   *zap.Logger
	store    Store
	router   *demux.Router
	sender   transport.Sender
	progress ProgressTracker
	onInsert func(types.FeedID)

	name  string
	epoch int
	kind  types.FeedKind
	tag   types.Tag

	keys   []types.FeedID
	digest types.Hash32

	pendingClaims    []Claim
	pendingNovelties []types.FeedID
	largestClaimSpan int
	noveltyCredit    int
}

var _ demux.Group = (*Group)(nil)

func (g *Group) Name() string { return g.name }

func (g *Group) Epoch() int { return g.epoch }

// Tag is the tag of claims and novelties of the group.
func (g *Group) Tag() types.Tag { return g.tag }

// Key identifies the group by name and epoch.
func (g *Group) Key() string {
	return fmt.Sprintf("%s/%d", g.name, g.epoch)
}

// Digest is the xor of all keys as of the last tick or state adjustment.
func (g *Group) Digest() types.Hash32 { return g.digest }

func (g *Group) Len() int { return len(g.keys) }

// Keys returns the keys in ascending order.
func (g *Group) Keys() []types.FeedID {
	return slices.Clone(g.keys)
}

// Index returns the position of key in the sorted set, or -1.
func (g *Group) Index(key types.FeedID) int {
	idx, ok := slices.BinarySearchFunc(g.keys, key, types.FeedID.Compare)
	if !ok {
		return -1
	}
	return idx
}

func (g *Group) Contains(key types.FeedID) bool {
	return g.Index(key) >= 0
}

// PendingClaims returns the number of claims retained for later rounds.
func (g *Group) PendingClaims() int { return len(g.pendingClaims) }

func (g *Group) send(payload []byte) {
	pkt := make([]byte, 0, types.TagSize+len(payload))
	pkt = append(pkt, g.tag[:]...)
	pkt = append(pkt, payload...)
	g.sender.Send(pkt)
}

func (g *Group) sendClaim(c Claim) {
	claimsSent.Inc()
	g.send(c.Wire())
}

func (g *Group) sendNovelty(key types.FeedID) {
	noveltySent.Inc()
	g.send(noveltyWire(key))
}

// xor folds the keys at positions lo..hi.
func (g *Group) xor(lo, hi int) types.Hash32 {
	var x types.Hash32
	for _, k := range g.keys[lo : hi+1] {
		x.Xor(k[:])
	}
	return x
}

func (g *Group) claim(lo, hi int) Claim {
	return Claim{
		Lo:   g.keys[lo],
		Hi:   g.keys[hi],
		Xor:  g.xor(lo, hi),
		Size: hi - lo + 1,
	}
}

// Receive handles a claim or a novelty addressed to the group tag. Anything
// else is dropped.
func (g *Group) Receive(buf, _ []byte, sender string) {
	if len(buf) <= types.TagSize {
		return
	}
	payload := buf[types.TagSize:]
	if key, ok := parseNovelty(payload); ok {
		noveltyReceived.Inc()
		g.Insert(key)
		return
	}
	c, ok := parseClaim(payload)
	if !ok {
		g.logger.Debug("dropping malformed group packet", zap.Int("size", len(buf)), zap.String("sender", sender))
		return
	}
	claimsReceived.Inc()
	if c.Size > g.largestClaimSpan {
		g.largestClaimSpan = c.Size
	}
	if c.Size == len(g.keys) && c.Xor == g.digest {
		g.logger.Debug("in sync", zap.String("group", g.Key()), zap.Int("keys", len(g.keys)))
		return
	}
	g.Insert(c.Lo)
	g.Insert(c.Hi)
	g.addPendingClaim(c)
}

func (g *Group) addPendingClaim(c Claim) {
	for _, p := range g.pendingClaims {
		if p.Size == c.Size && p.Xor == c.Xor {
			return
		}
	}
	g.pendingClaims = append(g.pendingClaims, c)
	if len(g.pendingClaims) > MaxPending {
		slices.SortStableFunc(g.pendingClaims, bySize)
		g.pendingClaims = g.pendingClaims[:MaxPending]
		pendingDropped.Inc()
	}
}

func bySize(a, b Claim) int {
	return a.Size - b.Size
}

// Insert adds key to the set. It reports whether the set changed. The zero
// key, known keys and keys beyond MaxKeys are rejected.
func (g *Group) Insert(key types.FeedID) bool {
	if key.IsZero() {
		return false
	}
	idx, found := slices.BinarySearchFunc(g.keys, key, types.FeedID.Compare)
	if found {
		return false
	}
	if len(g.keys) >= MaxKeys {
		rejectedInserts.Inc()
		g.logger.Debug("group full, rejecting key", zap.String("group", g.Key()), log.ZFeed(key))
		return false
	}
	g.keys = slices.Insert(g.keys, idx, key)
	if !g.store.Exists(key) {
		if err := g.store.Create(key, g.kind); err != nil {
			g.logger.Warn("failed to create feed storage", log.ZFeed(key), zap.Error(err))
		}
	}
	if len(g.keys) >= g.largestClaimSpan {
		if g.noveltyCredit > 0 {
			g.noveltyCredit--
			g.sendNovelty(key)
		} else if len(g.pendingNovelties) < MaxPending {
			g.pendingNovelties = append(g.pendingNovelties, key)
		}
	}
	g.logger.Debug("added key",
		zap.String("group", g.Key()),
		log.ZFeed(key),
		zap.Int("keys", len(g.keys)),
	)
	if g.onInsert != nil {
		g.onInsert(key)
	}
	return true
}

// Remove drops key from the set and moves the group to the next epoch, so
// that peers still holding the old set do not reintroduce the key.
func (g *Group) Remove(key types.FeedID) bool {
	idx := g.Index(key)
	if idx < 0 {
		return false
	}
	g.keys = slices.Delete(g.keys, idx, idx+1)
	g.pendingNovelties = slices.DeleteFunc(g.pendingNovelties, func(k types.FeedID) bool { return k == key })
	g.pendingClaims = nil
	g.largestClaimSpan = 0

	g.router.DisarmGroup(g.Key())
	g.router.Disarm(g.tag)
	g.epoch++
	g.tag = GroupTag(g.name, g.epoch)
	g.router.Arm(g.tag, demux.HandlerFunc(g.Receive), nil)
	g.AdjustState()
	g.logger.Debug("removed key",
		zap.String("group", g.Key()),
		log.ZFeed(key),
		zap.Int("keys", len(g.keys)),
	)
	return true
}

// AdjustState recomputes the digest over the whole set and re-arms the
// request tags. It is needed after keys were added out of band.
func (g *Group) AdjustState() {
	slices.SortFunc(g.keys, types.FeedID.Compare)
	if len(g.keys) > 0 {
		g.digest = g.xor(0, len(g.keys)-1)
	} else {
		g.digest = types.Hash32{}
	}
	g.router.ArmGroupTags(g)
}

// Tick runs one reconciliation round: flush a novelty, broadcast the claim
// over the whole set and work on pending claims, smallest span first.
func (g *Group) Tick() {
	if len(g.keys) == 0 {
		return
	}
	for g.noveltyCredit > 0 && len(g.pendingNovelties) > 0 {
		g.noveltyCredit--
		g.sendNovelty(g.pendingNovelties[0])
		g.pendingNovelties = g.pendingNovelties[1:]
	}
	g.noveltyCredit = NoveltyPerRound

	full := g.claim(0, len(g.keys)-1)
	if full.Xor != g.digest {
		g.logger.Debug("digest changed",
			zap.String("group", g.Key()),
			zap.Stringer("digest", full.Xor),
			zap.Int("keys", len(g.keys)),
		)
		g.digest = full.Xor
		g.router.ArmGroupTags(g)
	}
	g.sendClaim(full)

	slices.SortStableFunc(g.pendingClaims, bySize)
	g.pendingClaims, _ = g.reconcile(g.pendingClaims, roundBudget())
}

// reconcile works through pending claims with the budget of one round and
// returns the claims to retain and what is left of the budget.
func (g *Group) reconcile(pending []Claim, b budget) ([]Claim, budget) {
	var retain []Claim
	for _, c := range pending {
		if c.Size == 0 {
			continue
		}
		lo, hi := g.Index(c.Lo), g.Index(c.Hi)
		if lo < 0 || hi < 0 || lo > hi {
			continue
		}
		local := g.claim(lo, hi)
		if local.Xor == c.Xor {
			continue
		}
		if local.Size <= c.Size {
			var ok bool
			if b, ok = b.spendAsk(); ok {
				g.sendClaim(local)
			}
			if local.Size < c.Size {
				retain = append(retain, c)
				continue
			}
		}
		var ok bool
		if b, ok = b.spendHelp(); ok {
			g.help(lo+1, hi-1)
			continue
		}
		retain = append(retain, c)
	}
	if limit := MaxPending - 5; len(retain) > limit {
		retain = retain[:limit]
	}
	return retain, b
}

// help broadcasts what we know about the inner range lo..hi of a claim.
func (g *Group) help(lo, hi int) {
	switch {
	case hi < lo:
		// the claim covered at most two keys
		g.sendNovelty(g.keys[hi+1])
	case hi == lo:
		g.sendNovelty(g.keys[lo])
	case hi-lo <= 2:
		g.sendClaim(g.claim(lo, hi))
	default:
		sz := (hi + 1 - lo) / 2
		g.sendClaim(g.claim(lo, lo+sz-1))
		g.sendClaim(g.claim(lo+sz, hi))
	}
}
