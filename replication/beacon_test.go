package replication

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/jannickheisch/tinyISP/bipf"
	"github.com/jannickheisch/tinyISP/common/types"
	"github.com/jannickheisch/tinyISP/demux"
	"github.com/jannickheisch/tinyISP/goset"
	"github.com/jannickheisch/tinyISP/log/logtest"
	"github.com/jannickheisch/tinyISP/repo"
	"github.com/jannickheisch/tinyISP/signing"
	"github.com/jannickheisch/tinyISP/transport"
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
	name     string
	keys     *signing.KeyStore
	store    *repo.Store
	router   *demux.Router
	out      *outbox
	groups   *goset.Manager
	root     *goset.Group
	progress *Progress
	beacon   *Beacon
}

func newPeer(tb testing.TB, name string) *peer {
	tb.Helper()
	keys, err := signing.InMemoryKeyStore()
	require.NoError(tb, err)
	tb.Cleanup(func() { keys.Close() })
	logger := logtest.New(tb).Named(name)
	store, err := repo.New(afero.NewMemMapFs(), "/feeds", keys, repo.WithLogger(logger))
	require.NoError(tb, err)

	p := &peer{
		name:     name,
		keys:     keys,
		store:    store,
		router:   demux.New(demux.WithLogger(logger)),
		out:      &outbox{},
		progress: NewProgress(WithProgressLogger(logger)),
	}
	p.groups = goset.NewManager(p.router, store, p.out, goset.WithLogger(logger), goset.WithProgress(p.progress))
	p.root = p.groups.Add(goset.RootName, 0)
	p.beacon = New(p.router, store, p.groups, p.out,
		WithLogger(logger),
		WithProgress(p.progress),
		WithIdentity(keys.CurrentIdentity()),
	)
	return p
}

// exchange delivers packets between the peers until nobody has anything left to send.
func exchange(tb testing.TB, peers ...*peer) {
	tb.Helper()
	for range 100 {
		idle := true
		for _, from := range peers {
			for _, pkt := range from.out.take() {
				idle = false
				for _, to := range peers {
					if to != from {
						to.router.Dispatch(pkt, from.name)
					}
				}
			}
		}
		if idle {
			return
		}
	}
	require.FailNow(tb, "peers kept talking")
}

func TestBeaconReplicatesEntriesAndSidechains(t *testing.T) {
	a, b := newPeer(t, "a"), newPeer(t, "b")
	feed := a.keys.CurrentIdentity()
	require.NoError(t, a.store.Create(feed, types.FeedRoot))
	require.True(t, a.root.Insert(feed))
	a.root.AdjustState()

	long := bytes.Repeat([]byte("0123456789"), 25)
	for i := range 4 {
		_, err := a.beacon.Publish([]byte{byte('a' + i)})
		require.NoError(t, err)
	}
	_, err := a.beacon.Publish(long)
	require.NoError(t, err)

	require.True(t, b.root.Insert(feed))
	b.root.AdjustState()
	require.Equal(t, a.root.Digest(), b.root.Digest())

	for range 10 {
		b.beacon.Tick()
		exchange(t, a, b)
		if b.store.Len(feed) == 5 && len(b.store.OpenSidechains(feed)) == 0 {
			break
		}
	}
	require.Equal(t, 5, b.store.Len(feed))
	require.Empty(t, b.store.OpenSidechains(feed))
	entry, err := b.store.ReadContent(feed, 5)
	require.NoError(t, err)
	require.Equal(t, long, entry.Body)
	for i := range 4 {
		entry, err := b.store.ReadContent(feed, uint32(i+1))
		require.NoError(t, err)
		require.Equal(t, []byte{byte('a' + i)}, entry.Body)
	}
	require.Equal(t, 1, a.progress.Peers(), "a tracks b's want vector")
}

func TestBeaconHuntsChunksAfterRestart(t *testing.T) {
	a, b := newPeer(t, "a"), newPeer(t, "b")
	feed := a.keys.CurrentIdentity()
	require.NoError(t, a.store.Create(feed, types.FeedRoot))
	a.root.Insert(feed)
	a.root.AdjustState()
	long := bytes.Repeat([]byte("x"), 500)
	_, err := a.beacon.Publish(long)
	require.NoError(t, err)

	b.root.Insert(feed)
	b.root.AdjustState()

	// the entry arrives without any chunk, as if the node restarted in between
	_, err = b.store.Append(feed, a.store.ReadEntry(feed, 1))
	require.NoError(t, err)
	require.Equal(t, []uint32{1}, b.store.OpenSidechains(feed))

	b.beacon.Tick()
	var chunkReq []byte
	for _, pkt := range b.out.take() {
		_, blob, _ := b.router.GroupTags(b.root.Key())
		if bytes.HasPrefix(pkt, blob[:]) {
			chunkReq = pkt
		}
	}
	require.NotNil(t, chunkReq)
	lst, err := bipf.DecodeList(chunkReq[types.TagSize:])
	require.NoError(t, err)
	require.Len(t, lst, 1)
	triple, ok := lst[0].AsList()
	require.True(t, ok)
	got := make([]int, 0, 3)
	for _, v := range triple {
		n, _ := v.AsInt()
		got = append(got, n)
	}
	require.Equal(t, []int{0, 1, 0}, got)

	a.router.Dispatch(chunkReq, "b")
	for range 5 {
		exchange(t, a, b)
		b.beacon.Tick()
	}
	exchange(t, a, b)
	require.Empty(t, b.store.OpenSidechains(feed))
	entry, err := b.store.ReadContent(feed, 1)
	require.NoError(t, err)
	require.Equal(t, long, entry.Body)
}

func TestBeaconWantVectorRoundRobin(t *testing.T) {
	ctrl := gomock.NewController(t)
	sender := transport.NewMockSender(ctrl)
	router := demux.New()
	store, err := repo.New(afero.NewMemMapFs(), "/feeds", nil)
	require.NoError(t, err)
	progress := NewProgress()
	groups := goset.NewManager(router, store, &outbox{})
	g := groups.Add(goset.RootName, 0)
	for range 60 {
		var key types.FeedID
		rand.Read(key[:])
		require.True(t, g.Insert(key))
	}
	g.AdjustState()
	want, _, ok := router.GroupTags(g.Key())
	require.True(t, ok)
	b := New(router, store, groups, sender, WithProgress(progress))

	var sent [][]byte
	sender.EXPECT().Send(gomock.Any()).Do(func(pkt []byte) { sent = append(sent, pkt) }).Times(2)
	b.Tick()
	b.Tick()
	require.Len(t, sent, 2)

	offsets := make([]int, 0, 2)
	keys := g.Keys()
	for _, pkt := range sent {
		require.Equal(t, want[:], pkt[:types.TagSize])
		lst, err := bipf.DecodeList(pkt[types.TagSize:])
		require.NoError(t, err)
		// every sequence number encodes in 2 bytes, the budget of 100 is
		// exceeded after 51 of them
		require.Len(t, lst, 1+51)
		offs, ok := lst[0].AsInt()
		require.True(t, ok)
		offsets = append(offsets, offs)
		for i := range 51 {
			key := keys[(offs+i)%len(keys)]
			require.True(t, router.Armed(repo.EntryTag(key, 1, repo.InitialPrevHash(key))))
		}
	}
	require.Equal(t, []int{1, 53}, offsets)
	require.Equal(t, 1, progress.Peers())
}

func TestBeaconSkipsEmptyGroups(t *testing.T) {
	ctrl := gomock.NewController(t)
	sender := transport.NewMockSender(ctrl)
	router := demux.New()
	store, err := repo.New(afero.NewMemMapFs(), "/feeds", nil)
	require.NoError(t, err)
	groups := goset.NewManager(router, store, sender)
	groups.Add(goset.RootName, 0)
	New(router, store, groups, sender).Tick()
}

func TestOnIncomingEntryRejectsWrongPacket(t *testing.T) {
	a, b := newPeer(t, "a"), newPeer(t, "b")
	feed := a.keys.CurrentIdentity()
	require.NoError(t, a.store.Create(feed, types.FeedRoot))
	_, err := a.beacon.Publish([]byte("one"))
	require.NoError(t, err)
	_, err = a.beacon.Publish([]byte("two"))
	require.NoError(t, err)
	require.NoError(t, b.store.Create(feed, types.FeedRoot))

	b.beacon.OnIncomingEntry(a.store.ReadEntry(feed, 1)[:100], feed)
	b.beacon.OnIncomingEntry(a.store.ReadEntry(feed, 2), feed)
	require.Equal(t, 0, b.store.Len(feed))

	b.beacon.OnIncomingEntry(a.store.ReadEntry(feed, 1), feed)
	require.Equal(t, 1, b.store.Len(feed))
	next, prev, _ := b.store.Head(feed)
	require.True(t, b.router.Armed(repo.EntryTag(feed, next, prev)), "route for the following entry")
}

func TestPublishWithoutIdentity(t *testing.T) {
	store, err := repo.New(afero.NewMemMapFs(), "/feeds", nil)
	require.NoError(t, err)
	b := New(demux.New(), store, goset.NewManager(demux.New(), store, &outbox{}), &outbox{})
	_, err = b.Publish([]byte("x"))
	require.ErrorIs(t, err, ErrNoIdentity)
}
