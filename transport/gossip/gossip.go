// Package gossip carries packets over a libp2p gossipsub topic, for peers that
// do not share a broadcast medium.
package gossip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	levelds "github.com/ipfs/go-ds-leveldb"
	lp2plog "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	record "github.com/libp2p/go-libp2p-record"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	yamuxcfg "github.com/libp2p/go-yamux/v4"
	ma "github.com/multiformats/go-multiaddr"
	ldbopts "github.com/syndtr/goleveldb/leveldb/opt"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jannickheisch/tinyISP/hash"
	"github.com/jannickheisch/tinyISP/transport"
)

const (
	DefaultTopic      = "tinyssb"
	DefaultListen     = "/ip4/0.0.0.0/tcp/7558"
	DefaultListenQUIC = "/ip4/0.0.0.0/udp/7558/quic-v1"

	protocolPrefix = "/tinyisp"

	lowPeers          = 10
	highPeers         = 40
	gracePeriod       = 30 * time.Second
	reconnectInterval = 30 * time.Second
	maxMessageSize    = transport.MaxPacketSize
	maxStreams        = 64
)

// Config for the gossip face.
type Config struct {
	Listen    []string `mapstructure:"listen"`
	Bootstrap []string `mapstructure:"bootstrap"`
	Topic     string   `mapstructure:"topic"`
	// Discovery runs a kademlia DHT and finds topic peers through it, so that
	// peers beyond the bootstrap list join the mesh.
	Discovery bool `mapstructure:"discovery"`
	// LogLevel routes libp2p's own logs into the face logger at this level.
	// Empty leaves libp2p logging untouched.
	LogLevel string `mapstructure:"log-level"`
}

func DefaultConfig() Config {
	return Config{
		Listen:    []string{DefaultListen, DefaultListenQUIC},
		Topic:     DefaultTopic,
		Discovery: true,
	}
}

// Opt configures a Face.
type Opt func(*Face)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(f *Face) {
		f.logger = logger
	}
}

// WithDHTDir persists DHT records in a leveldb at path. Without it records are
// kept in memory.
func WithDHTDir(path string) Opt {
	return func(f *Face) {
		f.dhtDir = path
	}
}

// Face publishes every packet on one gossipsub topic.
type Face struct {
	logger    *zap.Logger
	dhtDir    string
	host      host.Host
	dht       *dht.IpfsDHT
	datastore *levelds.Datastore
	ps        *pubsub.PubSub
	topic     *pubsub.Topic
	bootstrap []peer.AddrInfo

	closeOnce sync.Once
}

var _ transport.Face = (*Face)(nil)

// msgID identifies messages by content, so that the same packet relayed by
// different peers is delivered once.
func msgID(msg *pb.Message) string {
	h := hash.Sum20(msg.Data)
	return string(h[:])
}

// ParseBootstrap parses multiaddrs that end with a /p2p/<peer id> component.
func ParseBootstrap(addrs []string) ([]peer.AddrInfo, error) {
	infos := make([]peer.AddrInfo, 0, len(addrs))
	for _, s := range addrs {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("parse bootstrap address %s: %w", s, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			return nil, fmt.Errorf("bootstrap address %s: %w", s, err)
		}
		infos = append(infos, *info)
	}
	return infos, nil
}

func muxer() *yamux.Transport {
	cfg := yamuxcfg.DefaultConfig()
	cfg.MaxIncomingStreams = maxStreams
	cfg.LogOutput = io.Discard
	return (*yamux.Transport)(cfg)
}

func (f *Face) startDHT(ctx context.Context, h host.Host) error {
	ds, err := levelds.NewDatastore(f.dhtDir, &levelds.Options{
		Compression: ldbopts.NoCompression,
		Strict:      ldbopts.StrictAll,
	})
	if err != nil {
		return fmt.Errorf("open dht datastore at %q: %w", f.dhtDir, err)
	}
	opts := []dht.Option{
		dht.Validator(record.PublicKeyValidator{}),
		dht.Datastore(ds),
		dht.ProtocolPrefix(protocolPrefix),
		dht.Mode(dht.ModeServer),
	}
	if len(f.bootstrap) > 0 {
		opts = append(opts, dht.BootstrapPeers(f.bootstrap...))
	}
	kad, err := dht.New(ctx, h, opts...)
	if err != nil {
		if err := ds.Close(); err != nil {
			f.logger.Error("failed to close dht datastore", zap.Error(err))
		}
		return fmt.Errorf("start dht: %w", err)
	}
	f.dht = kad
	f.datastore = ds
	return nil
}

// New starts a libp2p host listening on cfg.Listen and joins cfg.Topic.
func New(ctx context.Context, cfg Config, opts ...Opt) (*Face, error) {
	f := &Face{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(f)
	}
	for _, l := range cfg.Listen {
		if _, err := ma.NewMultiaddr(l); err != nil {
			return nil, fmt.Errorf("parse listen address %s: %w", l, err)
		}
	}
	bootstrap, err := ParseBootstrap(cfg.Bootstrap)
	if err != nil {
		return nil, err
	}
	f.bootstrap = bootstrap
	if cfg.LogLevel != "" {
		level, err := lp2plog.LevelFromString(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("libp2p log level: %w", err)
		}
		lp2plog.SetPrimaryCore(f.logger.Core())
		lp2plog.SetAllLoggers(level)
	}

	key, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	cm, err := connmgr.NewConnManager(lowPeers, highPeers, connmgr.WithGracePeriod(gracePeriod))
	if err != nil {
		return nil, fmt.Errorf("create conn manager: %w", err)
	}
	h, err := libp2p.New(
		libp2p.Identity(key),
		libp2p.ListenAddrStrings(cfg.Listen...),
		libp2p.UserAgent("tinyisp"),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(libp2pquic.NewTransport),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Muxer(yamux.ID, muxer()),
		libp2p.ConnectionManager(cm),
	)
	if err != nil {
		return nil, fmt.Errorf("initialize libp2p host: %w", err)
	}
	f.host = h
	psOpts := []pubsub.Option{
		pubsub.WithFloodPublish(true),
		pubsub.WithMessageIdFn(msgID),
		pubsub.WithNoAuthor(),
		pubsub.WithMessageSignaturePolicy(pubsub.StrictNoSign),
		pubsub.WithMaxMessageSize(maxMessageSize + 1024),
		pubsub.WithPeerOutboundQueueSize(1024),
		pubsub.WithValidateQueueSize(1024),
	}
	if cfg.Discovery {
		if err := f.startDHT(ctx, h); err != nil {
			h.Close()
			return nil, err
		}
		psOpts = append(psOpts, pubsub.WithDiscovery(routing.NewRoutingDiscovery(f.dht)))
	}
	ps, err := pubsub.NewGossipSub(ctx, h, psOpts...)
	if err != nil {
		f.shutdown()
		return nil, fmt.Errorf("initialize gossipsub: %w", err)
	}
	topic, err := ps.Join(cfg.Topic)
	if err != nil {
		f.shutdown()
		return nil, fmt.Errorf("join topic %s: %w", cfg.Topic, err)
	}
	f.ps = ps
	f.topic = topic
	f.logger.Info("gossip face started",
		zap.Stringer("identity", h.ID()),
		zap.Any("addresses", h.Addrs()),
		zap.String("topic", cfg.Topic),
		zap.Bool("discovery", cfg.Discovery),
	)
	return f, nil
}

// DHT returns the routing table backing discovery, nil when it is disabled.
func (f *Face) DHT() *dht.IpfsDHT {
	return f.dht
}

// ID returns the libp2p peer id of the host.
func (f *Face) ID() peer.ID {
	return f.host.ID()
}

// Addrs returns the listen addresses including the /p2p component.
func (f *Face) Addrs() []ma.Multiaddr {
	info := peer.AddrInfo{ID: f.host.ID(), Addrs: f.host.Addrs()}
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	return addrs
}

func (f *Face) Name() string {
	return "gossip"
}

func (f *Face) Send(ctx context.Context, pkt []byte) error {
	if err := f.topic.Publish(ctx, pkt); err != nil {
		return fmt.Errorf("gossip publish: %w", err)
	}
	return nil
}

func (f *Face) connectBootstrap(ctx context.Context) {
	for _, info := range f.bootstrap {
		if len(f.host.Network().ConnsToPeer(info.ID)) > 0 {
			continue
		}
		if err := f.host.Connect(ctx, info); err != nil {
			f.logger.Debug("failed to connect to bootstrap peer", zap.Stringer("peer", info.ID), zap.Error(err))
		}
	}
}

func (f *Face) Run(ctx context.Context, deliver transport.DeliverFunc) error {
	defer f.Close()
	sub, err := f.topic.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Cancel()

	var eg errgroup.Group
	eg.Go(func() error {
		ticker := time.NewTicker(reconnectInterval)
		defer ticker.Stop()
		for {
			f.connectBootstrap(ctx)
			if f.dht != nil {
				if err := f.dht.Bootstrap(ctx); err != nil {
					f.logger.Debug("dht bootstrap failed", zap.Error(err))
				}
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	defer eg.Wait()

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				return nil
			}
			return fmt.Errorf("gossip receive: %w", err)
		}
		if msg.ReceivedFrom == f.host.ID() {
			continue
		}
		deliver(msg.Data, msg.ReceivedFrom.String())
	}
}

// Close leaves the topic and stops the host.
func (f *Face) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.topic.Close()
		err = f.shutdown()
	})
	return err
}

func (f *Face) shutdown() error {
	if f.dht != nil {
		if err := f.dht.Close(); err != nil {
			f.logger.Error("error closing dht", zap.Error(err))
		}
	}
	err := f.host.Close()
	if f.datastore != nil {
		if err := f.datastore.Close(); err != nil {
			f.logger.Error("error closing dht datastore", zap.Error(err))
		}
	}
	return err
}
