package gossip

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jannickheisch/tinyISP/log/logtest"
)

func TestParseBootstrap(t *testing.T) {
	infos, err := ParseBootstrap([]string{
		"/ip4/127.0.0.1/tcp/7558/p2p/12D3KooWEyoppNCUx8Yx66oV9fJnriXwCcXwDDUA2kj6vnc6iDEp",
	})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Len(t, infos[0].Addrs, 1)

	_, err = ParseBootstrap([]string{"/ip4/127.0.0.1/tcp/7558"})
	require.Error(t, err)
	_, err = ParseBootstrap([]string{"garbage"})
	require.Error(t, err)
}

func TestFacesExchangePackets(t *testing.T) {
	if testing.Short() {
		t.Skip("opens sockets")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := DefaultConfig()
	cfg.Listen = []string{"/ip4/127.0.0.1/tcp/0"}
	a, err := New(ctx, cfg, WithLogger(logtest.New(t).Named("a")))
	require.NoError(t, err)

	cfg.Bootstrap = []string{a.Addrs()[0].String()}
	b, err := New(ctx, cfg, WithLogger(logtest.New(t).Named("b")))
	require.NoError(t, err)

	got := make(chan []byte, 16)
	go a.Run(ctx, func(pkt []byte, _ string) { got <- pkt })
	go b.Run(ctx, func([]byte, string) {})

	// identical payloads share a message id, so every attempt differs
	attempt := 0
	require.Eventually(t, func() bool {
		attempt++
		pkt := fmt.Sprintf("tinyssb packet %d", attempt)
		require.NoError(t, b.Send(ctx, []byte(pkt)))
		select {
		case rx := <-got:
			return strings.HasPrefix(string(rx), "tinyssb packet ")
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}, 20*time.Second, 100*time.Millisecond)
}

func TestNewRejectsUnknownLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Listen = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.LogLevel = "loud"
	_, err := New(context.Background(), cfg, WithLogger(logtest.New(t)))
	require.ErrorContains(t, err, "log level")
}

func TestDiscoveryTracksPeers(t *testing.T) {
	if testing.Short() {
		t.Skip("opens sockets")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := filepath.Join(t.TempDir(), "dht")
	cfg := DefaultConfig()
	cfg.Listen = []string{"/ip4/127.0.0.1/tcp/0"}
	a, err := New(ctx, cfg, WithLogger(logtest.New(t).Named("a")), WithDHTDir(dir))
	require.NoError(t, err)
	require.NotNil(t, a.DHT())

	cfg.Bootstrap = []string{a.Addrs()[0].String()}
	b, err := New(ctx, cfg, WithLogger(logtest.New(t).Named("b")))
	require.NoError(t, err)
	defer b.Close()

	go a.Run(ctx, func([]byte, string) {})
	go b.Run(ctx, func([]byte, string) {})
	require.Eventually(t, func() bool {
		return a.DHT().RoutingTable().Find(b.ID()) != "" &&
			b.DHT().RoutingTable().Find(a.ID()) != ""
	}, 20*time.Second, 50*time.Millisecond)

	require.NoError(t, a.Close())
	_, err = os.Stat(filepath.Join(dir, "CURRENT"))
	require.NoError(t, err, "dht records are kept in leveldb")
}

func TestDiscoveryDisabled(t *testing.T) {
	if testing.Short() {
		t.Skip("opens sockets")
	}
	cfg := DefaultConfig()
	cfg.Listen = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.Discovery = false
	f, err := New(context.Background(), cfg, WithLogger(logtest.New(t)))
	require.NoError(t, err)
	defer f.Close()
	require.Nil(t, f.DHT())
}
