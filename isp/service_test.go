package isp

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jannickheisch/tinyISP/common/types"
	"github.com/jannickheisch/tinyISP/events"
)

func TestOnboarding(t *testing.T) {
	client, provider := newPeer(t, "client", testConfig(false)), newPeer(t, "provider", testConfig(true))
	introduce(client, provider)

	id, err := client.svc.Onboard(provider.id())
	require.NoError(t, err)
	require.Equal(t, Requested, client.state(id))
	_, err = client.svc.Onboard(provider.id())
	require.ErrorIs(t, err, ErrContractExists)

	settle(t, func() bool {
		return client.state(id) == Established && provider.state(id) == Established
	}, client, provider)

	cc, pc := client.contract(id), provider.contract(id)
	ci, _ := client.svc.Contract(id)
	pi, _ := provider.svc.Contract(id)
	require.Equal(t, ci.ClientControlFeed(), pi.ClientControlFeed())
	require.Equal(t, ci.ProviderControlFeed(), pi.ProviderControlFeed())
	require.Equal(t, ci.ProviderDataFeed(), pi.ProviderDataFeed())
	require.Equal(t, []types.FeedID{pi.Remote}, ci.Chain)

	require.Equal(t, cc.ctrl.Tag(), pc.ctrl.Tag())
	require.True(t, hasFeed(cc.ctrl, ci.LocalCtrl, ci.RemoteCtrl))
	require.Equal(t, cc.ctrl.Digest(), pc.ctrl.Digest())
	require.True(t, hasFeed(cc.data, ci.Chain[0], ci.Remote))
	require.Equal(t, cc.data.Digest(), pc.data.Digest())

	states := seen[events.ContractStateChanged](client)
	require.NotEmpty(t, states)
	require.Equal(t, Established.String(), states[len(states)-1].State)

	for _, feed := range []types.FeedID{ci.Chain[0], ci.Remote} {
		first, err := client.store.ReadContent(feed, 1)
		require.NoError(t, err)
		msg, ok := Decode(first.Body)
		require.True(t, ok)
		require.Equal(t, MsgHopPrev, msg.Type)
		prev, ok := msg.OptFeed(0)
		require.True(t, ok)
		require.True(t, prev.IsZero())
	}
}

func TestOnboardingRejected(t *testing.T) {
	cfg := testConfig(true)
	cfg.Whitelist = []types.FeedID{{1}}
	client, provider := newPeer(t, "client", testConfig(false)), newPeer(t, "provider", cfg)
	introduce(client, provider)

	id, err := client.svc.Onboard(provider.id())
	require.NoError(t, err)
	settle(t, func() bool { return len(seen[events.ContractTerminated](client)) > 0 }, client, provider)

	_, ok := client.svc.Contract(id)
	require.False(t, ok)
	require.Empty(t, provider.svc.Contracts())
	_, err = os.Stat(recordPath(client.dir, id))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestOnboardingIgnoredByClients(t *testing.T) {
	a, b := newPeer(t, "a", testConfig(false)), newPeer(t, "b", testConfig(false))
	introduce(a, b)
	_, err := a.svc.Onboard(b.id())
	require.NoError(t, err)
	for range 5 {
		for _, p := range []*peer{a, b} {
			p.groups.Tick()
			p.beacon.Tick()
		}
		exchange(a, b)
	}
	require.Empty(t, b.svc.Contracts())
}

func TestAnnouncement(t *testing.T) {
	client, provider := newPeer(t, "client", testConfig(false)), newPeer(t, "provider", testConfig(true))
	introduce(client, provider)
	require.NoError(t, provider.svc.Announce())
	settle(t, func() bool { return len(seen[events.ProviderAnnounced](client)) > 0 }, client, provider)
	require.Equal(t, provider.id(), seen[events.ProviderAnnounced](client)[0].Provider)
	require.Empty(t, seen[events.ProviderAnnounced](provider))
}

func TestDataFeedHopping(t *testing.T) {
	client, provider := newPeer(t, "client", testConfig(false)), newPeer(t, "provider", testConfig(true))
	introduce(client, provider)
	id := onboard(t, client, provider)
	cc := client.contract(id)
	d0 := cc.current()

	// N=4: two payloads per feed, the second hop waits for the first fin
	for _, msg := range []string{"m1", "m2", "m3", "m4", "m5"} {
		require.NoError(t, client.svc.Send(id, []byte(msg)))
	}
	require.True(t, cc.rec.Suspended)
	require.Len(t, cc.rec.Chain, 2)
	require.Len(t, cc.rec.Backlog, 1)
	require.Equal(t, 4, client.store.Len(d0))

	// until the provider confirms the hop both feeds stay replicated
	d1 := cc.current()
	require.NotEqual(t, d0, d1)
	require.Equal(t, []types.FeedID{d0, d1}, cc.rec.Chain)
	require.True(t, cc.data.Contains(d0))
	require.True(t, cc.data.Contains(d1))
	require.True(t, client.store.Exists(d0))
	require.True(t, provider.store.Exists(d0))
	require.Equal(t, d0, provider.contract(id).rec.Remote)
	require.True(t, provider.contract(id).data.Contains(d0))

	want := []string{"m1", "m2", "m3", "m4", "m5"}
	settle(t, func() bool {
		return len(seen[events.ContractData](provider)) == len(want) && len(cc.rec.Chain) == 1
	}, client, provider)
	require.Equal(t, want, payloads(seen[events.ContractData](provider)))

	pc := provider.contract(id)
	require.False(t, cc.rec.Suspended)
	require.Empty(t, cc.rec.Backlog)
	require.False(t, client.store.Exists(d0))
	require.False(t, provider.store.Exists(d0))
	require.False(t, client.keys.Has(d0))
	require.Equal(t, cc.current(), pc.rec.Remote)
	require.Equal(t, 2, cc.data.Epoch())
	require.Equal(t, cc.data.Epoch(), pc.data.Epoch())
	require.Equal(t, cc.data.Digest(), pc.data.Digest())
	require.False(t, cc.data.Contains(d0))
}

func TestBacklogLimit(t *testing.T) {
	cfg := testConfig(false)
	cfg.BacklogLimit = 1
	client, provider := newPeer(t, "client", cfg), newPeer(t, "provider", testConfig(true))
	introduce(client, provider)
	id := onboard(t, client, provider)

	for _, msg := range []string{"m1", "m2", "m3", "m4", "m5"} {
		require.NoError(t, client.svc.Send(id, []byte(msg)))
	}
	require.ErrorIs(t, client.svc.Send(id, []byte("m6")), ErrBacklogFull)
}

func TestSendRequiresEstablished(t *testing.T) {
	client, provider := newPeer(t, "client", testConfig(false)), newPeer(t, "provider", testConfig(true))
	introduce(client, provider)
	id, err := client.svc.Onboard(provider.id())
	require.NoError(t, err)
	require.ErrorIs(t, client.svc.Send(id, []byte("early")), ErrNotEstablished)
	require.ErrorIs(t, client.svc.Send(types.ContractID{1}, nil), ErrUnknownContract)
}

func TestFaultOnMisplacedNext(t *testing.T) {
	client, provider := newPeer(t, "client", testConfig(false)), newPeer(t, "provider", testConfig(true))
	introduce(client, provider)
	id := onboard(t, client, provider)

	pc := provider.contract(id)
	_, err := provider.store.AppendContent(pc.current(), HopNext(types.FeedID{7}).Encode())
	require.NoError(t, err)
	settle(t, func() bool { return len(seen[events.ContractFault](client)) > 0 }, client, provider)

	info, _ := client.svc.Contract(id)
	require.Contains(t, info.Fault, "next pointer")
	require.ErrorIs(t, client.svc.Send(id, []byte("x")), ErrFaulted)

	loaded, failed, err := readRecords(client.dir)
	require.NoError(t, err)
	require.Empty(t, failed)
	require.Len(t, loaded, 1)
	require.Equal(t, info.Fault, loaded[0].Fault)
}

func TestFaultOnForgedFin(t *testing.T) {
	client, provider := newPeer(t, "client", testConfig(false)), newPeer(t, "provider", testConfig(true))
	introduce(client, provider)
	id := onboard(t, client, provider)

	pc := provider.contract(id)
	_, err := pc.sendCtrl(HopFin(client.contract(id).current()))
	require.NoError(t, err)
	settle(t, func() bool { return len(seen[events.ContractFault](client)) > 0 }, client, provider)
	require.Len(t, client.contract(id).rec.Chain, 1)
}

func TestLoadRestoresContracts(t *testing.T) {
	client, provider := newPeer(t, "client", testConfig(false)), newPeer(t, "provider", testConfig(true))
	introduce(client, provider)
	id := onboard(t, client, provider)
	for _, msg := range []string{"m1", "m2", "m3"} {
		require.NoError(t, client.svc.Send(id, []byte(msg)))
	}
	settle(t, func() bool { return len(client.contract(id).rec.Chain) == 1 }, client, provider)
	before := client.contract(id)
	tag, digest, epoch := before.data.Tag(), before.data.Digest(), before.data.Epoch()

	client.start()
	require.Empty(t, client.svc.Contracts())
	require.NoError(t, client.svc.Load())
	after := client.contract(id)
	require.Equal(t, Established, after.rec.State)
	require.Equal(t, epoch, after.data.Epoch())
	require.Equal(t, tag, after.data.Tag())
	require.Equal(t, digest, after.data.Digest())
	require.Equal(t, before.ctrl.Digest(), after.ctrl.Digest())

	require.NoError(t, client.svc.Send(id, []byte("m4")))
	settle(t, func() bool { return len(seen[events.ContractData](provider)) == 4 }, client, provider)
	require.Equal(t, []string{"m1", "m2", "m3", "m4"}, payloads(seen[events.ContractData](provider)))
}

func TestDelete(t *testing.T) {
	client, provider := newPeer(t, "client", testConfig(false)), newPeer(t, "provider", testConfig(true))
	introduce(client, provider)
	id := onboard(t, client, provider)
	info, _ := client.svc.Contract(id)

	require.NoError(t, client.svc.Delete(id))
	require.ErrorIs(t, client.svc.Delete(id), ErrUnknownContract)
	require.Empty(t, client.svc.Contracts())
	require.False(t, client.store.Exists(info.LocalCtrl))
	require.False(t, client.store.Exists(info.Remote))
	require.False(t, client.keys.Has(info.Chain[0]))
	require.Len(t, client.groups.Groups(), 1, "only the root group is left")
	require.Len(t, seen[events.ContractTerminated](client), 1)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	p := newPeer(t, "p", testConfig(false))
	cfg := DefaultConfig()
	cfg.TunnelBuffer = 0
	_, err := New(t.TempDir(), p.keys, p.store, p.feeds, p.router, p.groups, p.root, p.beacon, WithConfig(cfg))
	require.Error(t, err)
	cfg = DefaultConfig()
	cfg.MaxDataFeedEntries = 2
	_, err = New(t.TempDir(), p.keys, p.store, p.feeds, p.router, p.groups, p.root, p.beacon, WithConfig(cfg))
	require.Error(t, err)
}
