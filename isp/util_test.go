package isp

import (
	"slices"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"github.com/jannickheisch/tinyISP/common/types"
	"github.com/jannickheisch/tinyISP/demux"
	"github.com/jannickheisch/tinyISP/events"
	"github.com/jannickheisch/tinyISP/feedpub"
	"github.com/jannickheisch/tinyISP/goset"
	"github.com/jannickheisch/tinyISP/log/logtest"
	"github.com/jannickheisch/tinyISP/replication"
	"github.com/jannickheisch/tinyISP/repo"
	"github.com/jannickheisch/tinyISP/signing"
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
	tb     testing.TB
	name   string
	logger *zap.Logger
	cfg    Config
	clock  *clockwork.FakeClock
	fs     afero.Fs
	dir    string

	keys   *signing.KeyStore
	feeds  *feedpub.FeedPub
	store  *repo.Store
	router *demux.Router
	out    *outbox
	groups *goset.Manager
	root   *goset.Group
	beacon *replication.Beacon
	svc    *Service
	events []events.Event
}

func newPeer(tb testing.TB, name string, cfg Config) *peer {
	tb.Helper()
	keys, err := signing.InMemoryKeyStore()
	require.NoError(tb, err)
	tb.Cleanup(func() { keys.Close() })
	p := &peer{
		tb:     tb,
		name:   name,
		logger: logtest.New(tb).Named(name),
		cfg:    cfg,
		clock:  clockwork.NewFakeClock(),
		fs:     afero.NewMemMapFs(),
		dir:    tb.TempDir(),
		keys:   keys,
	}
	p.start()
	require.NoError(tb, p.store.Create(p.id(), types.FeedRoot))
	p.root.Insert(p.id())
	p.root.AdjustState()
	return p
}

// start wires a fresh runtime on top of the peer's keys, feed storage and
// contract records, as a node does on start.
func (p *peer) start() {
	p.tb.Helper()
	ctrl := gomock.NewController(p.tb)
	notifier := events.NewMockNotifier(ctrl)
	notifier.EXPECT().Notify(gomock.Any()).Do(func(ev events.Event) {
		p.events = append(p.events, ev)
	}).AnyTimes()

	p.feeds = feedpub.New()
	store, err := repo.New(p.fs, "/feeds", p.keys, repo.WithLogger(p.logger), repo.WithListener(p.feeds))
	require.NoError(p.tb, err)
	p.store = store
	p.router = demux.New(demux.WithLogger(p.logger))
	p.out = &outbox{}
	p.groups = goset.NewManager(p.router, store, p.out, goset.WithLogger(p.logger))
	p.root = p.groups.Add(goset.RootName, 0)
	for _, feed := range store.Feeds() {
		if kind, _ := store.Kind(feed); kind == types.FeedRoot {
			p.root.Insert(feed)
		}
	}
	p.root.AdjustState()
	p.beacon = replication.New(p.router, store, p.groups, p.out,
		replication.WithLogger(p.logger),
		replication.WithIdentity(p.keys.CurrentIdentity()),
	)
	p.svc, err = New(p.dir, p.keys, store, p.feeds, p.router, p.groups, p.root, p.beacon,
		WithLogger(p.logger),
		WithConfig(p.cfg),
		WithClock(p.clock),
		WithNotifier(notifier),
	)
	require.NoError(p.tb, err)
}

func (p *peer) id() types.FeedID {
	return p.keys.CurrentIdentity()
}

func (p *peer) contract(id types.ContractID) *Contract {
	p.tb.Helper()
	c, ok := p.svc.contracts[id]
	require.True(p.tb, ok, "%s has no contract %s", p.name, id.ShortString())
	return c
}

// only returns the single contract of the peer.
func (p *peer) only() *Contract {
	p.tb.Helper()
	require.Len(p.tb, p.svc.contracts, 1)
	for _, c := range p.svc.contracts {
		return c
	}
	return nil
}

func (p *peer) state(id types.ContractID) State {
	info, ok := p.svc.Contract(id)
	if !ok {
		return Terminated + 1
	}
	return info.State
}

// seen returns the events of type T notified so far.
func seen[T events.Event](p *peer) []T {
	var out []T
	for _, ev := range p.events {
		if v, ok := ev.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// introduce makes the root feeds of all peers known to each other.
func introduce(peers ...*peer) {
	for _, p := range peers {
		for _, q := range peers {
			p.root.Insert(q.id())
		}
		p.root.AdjustState()
	}
}

// exchange delivers packets between the peers until everybody is quiet.
func exchange(peers ...*peer) {
	for range 200 {
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
}

// settle runs rounds of the periodic loops until cond holds.
func settle(tb testing.TB, cond func() bool, peers ...*peer) {
	tb.Helper()
	for range 60 {
		if cond() {
			return
		}
		for _, p := range peers {
			p.groups.Tick()
			p.beacon.Tick()
			p.svc.Tick()
		}
		exchange(peers...)
	}
	require.True(tb, cond(), "peers did not settle")
}

// onboard runs the onboarding of client with provider to completion.
func onboard(tb testing.TB, client, provider *peer, others ...*peer) types.ContractID {
	tb.Helper()
	id, err := client.svc.Onboard(provider.id())
	require.NoError(tb, err)
	all := append([]*peer{client, provider}, others...)
	settle(tb, func() bool {
		return client.state(id) == Established && provider.state(id) == Established
	}, all...)
	return id
}

func payloads(evs []events.ContractData) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, string(ev.Entry.Body))
	}
	return out
}

func testConfig(provider bool) Config {
	cfg := DefaultConfig()
	cfg.Provider = provider
	return cfg
}

func hasFeed(g *goset.Group, feeds ...types.FeedID) bool {
	keys := g.Keys()
	for _, f := range feeds {
		if !slices.Contains(keys, f) {
			return false
		}
	}
	return true
}
