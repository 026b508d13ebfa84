package isp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jannickheisch/tinyISP/common/types"
	"github.com/jannickheisch/tinyISP/demux"
)

func stream(tag byte, packets int) []byte {
	return bytes.Repeat([]byte{tag}, packets*types.PacketSize)
}

func establishedContract(tb testing.TB, p *peer) *Contract {
	tb.Helper()
	ctrl, err := p.svc.newFeed()
	require.NoError(tb, err)
	c := p.svc.initialize(&record{
		Role:      Client,
		ID:        types.ContractID{5},
		Client:    p.id(),
		Peer:      types.FeedID{6},
		State:     Established,
		LocalCtrl: ctrl,
	})
	require.NoError(tb, c.save())
	return c
}

func TestTunnelBuffersUntilArmed(t *testing.T) {
	p := newPeer(t, "client", testConfig(false))
	c := establishedContract(t, p)

	pkts := stream(0xaa, 2)
	c.onPayload(types.Entry{Body: pkts})
	require.Equal(t, 1, c.tunnel.Len())

	var got [][]byte
	var senders []string
	p.router.Arm(types.BytesToTag(pkts), demux.HandlerFunc(func(buf, _ []byte, sender string) {
		got = append(got, buf)
		senders = append(senders, sender)
	}), nil)
	require.Len(t, got, 2, "every packet of the stream is dispatched")
	require.Equal(t, pkts[:types.PacketSize], got[0])
	require.Equal(t, []string{tunnelSender, tunnelSender}, senders)
	require.Zero(t, c.tunnel.Len())

	// armed routes take streams directly
	c.onPayload(types.Entry{Body: stream(0xaa, 1)})
	require.Len(t, got, 3)
	require.Zero(t, c.tunnel.Len())
}

func TestTunnelEvictsOldest(t *testing.T) {
	cfg := testConfig(false)
	cfg.TunnelBuffer = 2
	p := newPeer(t, "client", cfg)
	c := establishedContract(t, p)

	for _, tag := range []byte{1, 2, 3} {
		c.onPayload(types.Entry{Body: stream(tag, 1)})
	}
	require.Equal(t, 2, c.tunnel.Len())
	require.False(t, c.tunnel.Contains(types.BytesToTag(stream(1, 1))))
	require.True(t, c.tunnel.Contains(types.BytesToTag(stream(3, 1))))

	require.NoError(t, c.save())
	p.start()
	require.NoError(t, p.svc.Load())
	loaded := p.contract(c.ID())
	require.Equal(t, 2, loaded.tunnel.Len())
	require.Equal(t,
		[]types.Tag{types.BytesToTag(stream(2, 1)), types.BytesToTag(stream(3, 1))},
		loaded.tunnel.Keys(),
	)
}

func TestNonTunnelPayloadIsNotified(t *testing.T) {
	p := newPeer(t, "client", testConfig(false))
	c := establishedContract(t, p)
	c.onPayload(types.Entry{Body: []byte("not a packet stream")})
	require.Zero(t, c.tunnel.Len())
	require.Len(t, p.events, 1)
}
