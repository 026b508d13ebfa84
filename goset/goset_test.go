package goset

import (
	"crypto/rand"
	"math/bits"
	"slices"
	"strconv"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/jannickheisch/tinyISP/common/types"
	"github.com/jannickheisch/tinyISP/demux"
	"github.com/jannickheisch/tinyISP/log/logtest"
	"github.com/jannickheisch/tinyISP/repo"
)

type outbox struct {
	pkts [][]byte
}

func (o *outbox) Send(pkt []byte) {
	o.pkts = append(o.pkts, append([]byte(nil), pkt...))
}

func (o *outbox) take() [][]byte {
	pkts := o.pkts
	o.pkts = nil
	return pkts
}

type peer struct {
	name   string
	router *demux.Router
	store  *repo.Store
	out    *outbox
	mgr    *Manager
}

func newPeer(tb testing.TB, name string, opts ...Opt) *peer {
	tb.Helper()
	store, err := repo.New(afero.NewMemMapFs(), "/feeds", nil)
	require.NoError(tb, err)
	p := &peer{
		name:   name,
		router: demux.New(),
		store:  store,
		out:    &outbox{},
	}
	opts = append([]Opt{WithLogger(logtest.New(tb).Named(name))}, opts...)
	p.mgr = NewManager(p.router, store, p.out, opts...)
	return p
}

// deliver broadcasts everything from has sent to the other peers.
func deliver(from *peer, to ...*peer) {
	for _, pkt := range from.out.take() {
		for _, p := range to {
			p.router.Dispatch(pkt, from.name)
		}
	}
}

func randomKeys(tb testing.TB, n int) []types.FeedID {
	keys := make([]types.FeedID, n)
	for i := range keys {
		_, err := rand.Read(keys[i][:])
		require.NoError(tb, err)
	}
	return keys
}

func xorAll(keys []types.FeedID) types.Hash32 {
	var x types.Hash32
	for _, k := range keys {
		x.Xor(k[:])
	}
	return x
}

func TestGroupTag(t *testing.T) {
	require.Equal(t, GroupTag("name", 0), GroupTag("name", 0))
	require.NotEqual(t, GroupTag("name", 0), GroupTag("name", 1))
	require.Equal(t, GroupTag("name1", 0), GroupTag("name", 1))
}

func TestClaimWire(t *testing.T) {
	c := Claim{Lo: types.FeedID{1}, Hi: types.FeedID{2}, Xor: types.Hash32{3}, Size: 17}
	wire := c.Wire()
	require.Len(t, wire, ClaimSize)
	require.Equal(t, byte('c'), wire[0])
	parsed, ok := parseClaim(wire)
	require.True(t, ok)
	require.Equal(t, c, parsed)

	_, ok = parseClaim(wire[:ClaimSize-1])
	require.False(t, ok)
	key, ok := parseNovelty(noveltyWire(types.FeedID{9}))
	require.True(t, ok)
	require.Equal(t, types.FeedID{9}, key)
}

func TestDigestIsXorOfKeys(t *testing.T) {
	p := newPeer(t, "a")
	g := p.mgr.Add("test", 0)
	require.Equal(t, types.Hash32{}, g.Digest())

	keys := randomKeys(t, 10)
	for _, k := range keys {
		require.True(t, g.Insert(k))
	}
	g.AdjustState()
	require.Equal(t, xorAll(keys), g.Digest())
	require.True(t, slices.IsSortedFunc(g.Keys(), types.FeedID.Compare))

	want, blob, ok := p.router.GroupTags(g.Key())
	require.True(t, ok)
	g.AdjustState()
	require.Equal(t, xorAll(keys), g.Digest())
	want2, blob2, _ := p.router.GroupTags(g.Key())
	require.Equal(t, want, want2)
	require.Equal(t, blob, blob2)
	require.True(t, p.router.Armed(want))
}

func TestInsertIdempotent(t *testing.T) {
	p := newPeer(t, "a")
	g := p.mgr.Add("test", 0)
	key := randomKeys(t, 1)[0]

	require.True(t, g.Insert(key))
	g.AdjustState()
	digest := g.Digest()
	require.False(t, g.Insert(key))
	g.AdjustState()
	require.Equal(t, digest, g.Digest())
	require.Equal(t, 1, g.Len())
	require.Equal(t, []types.FeedID{key}, p.store.Feeds())

	require.False(t, g.Insert(types.FeedID{}))
}

func TestInsertRejectsBeyondMaxKeys(t *testing.T) {
	p := newPeer(t, "a")
	g := p.mgr.Add("test", 0)
	for _, k := range randomKeys(t, MaxKeys) {
		require.True(t, g.Insert(k))
	}
	require.False(t, g.Insert(randomKeys(t, 1)[0]))
	require.Equal(t, MaxKeys, g.Len())
}

func TestInsertCreatesFeedsOfGroupKind(t *testing.T) {
	p := newPeer(t, "a")
	var inserted []types.FeedID
	g := p.mgr.Add("data", 0, WithKind(types.FeedVirtual), WithOnInsert(func(k types.FeedID) {
		inserted = append(inserted, k)
	}))
	key := randomKeys(t, 1)[0]
	g.Insert(key)
	kind, ok := p.store.Kind(key)
	require.True(t, ok)
	require.Equal(t, types.FeedVirtual, kind)
	require.Equal(t, []types.FeedID{key}, inserted)
}

func TestNoveltyCredit(t *testing.T) {
	p := newPeer(t, "a")
	g := p.mgr.Add("test", 0)
	keys := randomKeys(t, 3)
	for _, k := range keys {
		g.Insert(k)
	}
	tag := g.Tag()
	sent := p.out.take()
	require.Len(t, sent, 1, "one novelty per round")
	require.Equal(t, append(tag[:], noveltyWire(keys[0])...), sent[0])

	// the credit of this round was spent by the insert
	g.Tick()
	sent = p.out.take()
	require.Len(t, sent, 1)
	require.Len(t, sent[0], types.TagSize+ClaimSize)

	g.Tick()
	sent = p.out.take()
	require.Len(t, sent, 2)
	require.Equal(t, noveltyWire(keys[1]), sent[0][types.TagSize:])
	require.Len(t, sent[1], types.TagSize+ClaimSize)
}

func TestTickBroadcastsFullClaim(t *testing.T) {
	p := newPeer(t, "a")
	g := p.mgr.Add("test", 0)
	g.Tick()
	require.Empty(t, p.out.take(), "empty group is silent")

	keys := randomKeys(t, 5)
	for _, k := range keys {
		g.Insert(k)
	}
	p.out.take()
	oldWant, _, _ := p.router.GroupTags(g.Key())
	g.Tick()
	sent := p.out.take()
	last := sent[len(sent)-1]
	c, ok := parseClaim(last[types.TagSize:])
	require.True(t, ok)
	require.Equal(t, 5, c.Size)
	require.Equal(t, xorAll(keys), c.Xor)
	require.Equal(t, xorAll(keys), g.Digest())

	newWant, _, _ := p.router.GroupTags(g.Key())
	require.NotEqual(t, oldWant, newWant)
	require.False(t, p.router.Armed(oldWant))
}

func TestReceiveIgnoresMalformed(t *testing.T) {
	p := newPeer(t, "a")
	g := p.mgr.Add("test", 0)
	tag := g.Tag()
	g.Receive(tag[:], nil, "")
	g.Receive(append(tag[:], 'x', 1, 2), nil, "")
	g.Receive(append(tag[:], make([]byte, ClaimSize)...), nil, "")
	require.Zero(t, g.Len())
	require.Zero(t, g.PendingClaims())
}

func TestReceiveSyncedClaim(t *testing.T) {
	p := newPeer(t, "a")
	g := p.mgr.Add("test", 0)
	keys := randomKeys(t, 4)
	for _, k := range keys {
		g.Insert(k)
	}
	g.AdjustState()
	full := g.claim(0, 3)
	tag := g.Tag()
	g.Receive(append(tag[:], full.Wire()...), nil, "b")
	require.Zero(t, g.PendingClaims())

	other := full
	other.Xor = types.Hash32{1}
	g.Receive(append(tag[:], other.Wire()...), nil, "b")
	require.Equal(t, 1, g.PendingClaims())
	g.Receive(append(tag[:], other.Wire()...), nil, "b")
	require.Equal(t, 1, g.PendingClaims(), "duplicates are not queued")
}

func TestPendingClaimsBounded(t *testing.T) {
	p := newPeer(t, "a")
	g := p.mgr.Add("test", 0)
	for i := range MaxPending + 5 {
		g.addPendingClaim(Claim{Size: i + 1, Xor: types.Hash32{byte(i)}})
	}
	require.Equal(t, MaxPending, g.PendingClaims())
	for _, c := range g.pendingClaims {
		require.LessOrEqual(t, c.Size, MaxPending, "largest spans are dropped first")
	}
}

func TestReconcileBudget(t *testing.T) {
	p := newPeer(t, "a")
	g := p.mgr.Add("test", 0)
	keys := randomKeys(t, 40)
	for _, k := range keys {
		g.Insert(k)
	}
	g.AdjustState()
	p.out.take()

	// three claims that are smaller than our span over the same boundaries
	var pending []Claim
	for i := range 3 {
		lo, hi := i*10, i*10+9
		pending = append(pending, Claim{Lo: g.keys[lo], Hi: g.keys[hi], Xor: types.Hash32{byte(i + 1)}, Size: 5})
	}
	retained, left := g.reconcile(pending, roundBudget())
	require.Len(t, retained, 1, "help budget covers two claims")
	require.Equal(t, budget{ask: AskPerRound}, left)
	// the first claim is helped with a bisection, the second as well
	require.Len(t, p.out.take(), 4)
}

func TestHelpSplitsSpan(t *testing.T) {
	p := newPeer(t, "a")
	g := p.mgr.Add("test", 0)
	for _, k := range randomKeys(t, 10) {
		g.Insert(k)
	}
	p.out.take()

	g.help(1, 8)
	sent := p.out.take()
	require.Len(t, sent, 2)
	first, _ := parseClaim(sent[0][types.TagSize:])
	second, _ := parseClaim(sent[1][types.TagSize:])
	require.Equal(t, 4, first.Size)
	require.Equal(t, 4, second.Size)
	require.Equal(t, g.keys[1], first.Lo)
	require.Equal(t, g.keys[8], second.Hi)

	g.help(3, 5)
	sent = p.out.take()
	require.Len(t, sent, 1)
	c, _ := parseClaim(sent[0][types.TagSize:])
	require.Equal(t, 3, c.Size)

	g.help(4, 4)
	sent = p.out.take()
	key, ok := parseNovelty(sent[0][types.TagSize:])
	require.True(t, ok)
	require.Equal(t, g.keys[4], key)

	g.help(9, 8)
	sent = p.out.take()
	key, ok = parseNovelty(sent[0][types.TagSize:])
	require.True(t, ok)
	require.Equal(t, g.keys[9], key)
}

func TestConvergenceOneMissingKey(t *testing.T) {
	for _, n := range []int{2, 8, 33, 64, 100} {
		t.Run(strconv.Itoa(n), func(t *testing.T) {
			a := newPeer(t, "a")
			b := newPeer(t, "b")
			ga := a.mgr.Add("test", 0)
			gb := b.mgr.Add("test", 0)

			keys := randomKeys(t, n)
			for _, k := range keys {
				ga.Insert(k)
			}
			for _, k := range keys[:n-1] {
				gb.Insert(k)
			}
			ga.AdjustState()
			gb.AdjustState()
			a.out.take()
			b.out.take()
			require.NotEqual(t, ga.Digest(), gb.Digest())

			limit := 2*bits.Len(uint(n)) + 4
			rounds := 0
			for ; rounds < limit && xorAll(gb.Keys()) != xorAll(ga.Keys()); rounds++ {
				ga.Tick()
				gb.Tick()
				for range 3 {
					deliver(a, b)
					deliver(b, a)
				}
			}
			require.Equal(t, ga.Keys(), gb.Keys(), "not converged after %d rounds", rounds)
			ga.Tick()
			gb.Tick()
			require.Equal(t, ga.Digest(), gb.Digest())
		})
	}
}

func TestConvergenceDisjointSets(t *testing.T) {
	a := newPeer(t, "a")
	b := newPeer(t, "b")
	ga := a.mgr.Add("test", 0)
	gb := b.mgr.Add("test", 0)
	keys := randomKeys(t, 30)
	for _, k := range keys[:15] {
		ga.Insert(k)
	}
	for _, k := range keys[15:] {
		gb.Insert(k)
	}
	for range 60 {
		ga.Tick()
		gb.Tick()
		deliver(a, b)
		deliver(b, a)
		if xorAll(ga.Keys()) == xorAll(gb.Keys()) && ga.Len() == 30 {
			break
		}
	}
	require.Equal(t, ga.Keys(), gb.Keys())
	require.Equal(t, 30, ga.Len())
}

func TestRemoveBumpsEpoch(t *testing.T) {
	p := newPeer(t, "a")
	g := p.mgr.Add("data", 0)
	keys := randomKeys(t, 2)
	g.Insert(keys[0])
	g.Insert(keys[1])
	g.AdjustState()
	oldTag := g.Tag()

	require.True(t, g.Remove(keys[0]))
	require.False(t, g.Remove(keys[0]))
	require.Equal(t, 1, g.Epoch())
	require.Equal(t, GroupTag("data", 1), g.Tag())
	require.False(t, p.router.Armed(oldTag))
	require.True(t, p.router.Armed(g.Tag()))
	require.Equal(t, []types.FeedID{keys[1]}, g.Keys())
	require.Equal(t, xorAll(keys[1:]), g.Digest())
}

func TestManagerAdd(t *testing.T) {
	p := newPeer(t, "a")
	g := p.mgr.Add("x", 0)
	require.Same(t, g, p.mgr.Add("x", 0))
	other := p.mgr.Add("x", 1)
	require.NotSame(t, g, other)
	require.Len(t, p.mgr.Groups(), 2)
	require.True(t, p.router.Armed(g.Tag()))

	require.True(t, p.mgr.Remove(g))
	require.False(t, p.mgr.Remove(g))
	require.False(t, p.router.Armed(g.Tag()))
	require.Len(t, p.mgr.Groups(), 1)
}
