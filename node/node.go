// Package node wires the feed store, the router, the replication machinery
// and the overlay service into a runnable node.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jannickheisch/tinyISP/common/types"
	"github.com/jannickheisch/tinyISP/config"
	"github.com/jannickheisch/tinyISP/demux"
	"github.com/jannickheisch/tinyISP/events"
	"github.com/jannickheisch/tinyISP/feedpub"
	"github.com/jannickheisch/tinyISP/goset"
	"github.com/jannickheisch/tinyISP/isp"
	"github.com/jannickheisch/tinyISP/log"
	"github.com/jannickheisch/tinyISP/metrics"
	"github.com/jannickheisch/tinyISP/replication"
	"github.com/jannickheisch/tinyISP/repo"
	"github.com/jannickheisch/tinyISP/signing"
	"github.com/jannickheisch/tinyISP/transport"
	"github.com/jannickheisch/tinyISP/transport/gossip"
	"github.com/jannickheisch/tinyISP/transport/multicast"
)

const (
	lockFile  = "LOCK"
	keysDir   = "keys"
	feedsDir  = "feeds"
	recordDir = "isp"
	dhtDir    = "dht"
)

// ErrAlreadyRunning is returned when another process holds the data directory.
var ErrAlreadyRunning = errors.New("node: data directory is in use")

type Opt func(*Node)

// WithLogger sets the root logger. Module loggers are derived from it with
// the levels of the logging config.
func WithLogger(logger *zap.Logger) Opt {
	return func(n *Node) {
		n.logger = logger
	}
}

// WithClock sets the clock of the tick loops and the overlay service.
func WithClock(clock clockwork.Clock) Opt {
	return func(n *Node) {
		n.clock = clock
	}
}

// WithFaces adds faces next to the configured multicast and gossip faces.
func WithFaces(faces ...transport.Face) Opt {
	return func(n *Node) {
		n.extra = append(n.extra, faces...)
	}
}

// Node owns every component of a running instance. All protocol state is
// guarded by one mutex: tick loops, inbound packets and API calls take it
// for their whole duration.
type Node struct {
	cfg    config.Config
	logger *zap.Logger
	clock  clockwork.Clock
	extra  []transport.Face

	lock *flock.Flock

	mu       sync.Mutex
	keys     *signing.KeyStore
	reporter *events.Reporter
	feeds    *feedpub.FeedPub
	store    *repo.Store
	router   *demux.Router
	queue    *transport.Queue
	progress *replication.Progress
	groups   *goset.Manager
	root     *goset.Group
	beacon   *replication.Beacon
	isp      *isp.Service

	faces  []transport.Face
	cancel context.CancelFunc
	eg     *errgroup.Group
}

// New opens the data directory and restores the persisted state. Nothing is
// sent or received before Start.
func New(cfg config.Config, opts ...Opt) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := &Node{
		cfg:    cfg,
		logger: zap.NewNop(),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(n)
	}
	if err := n.acquire(); err != nil {
		return nil, err
	}
	if err := n.open(); err != nil {
		n.release()
		return nil, err
	}
	return n, nil
}

func (n *Node) acquire() error {
	if err := os.MkdirAll(n.cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir %s: %w", n.cfg.DataDir, err)
	}
	fl := flock.New(filepath.Join(n.cfg.DataDir, lockFile))
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("flock %s: %w", fl.Path(), err)
	}
	if !locked {
		return fmt.Errorf("%w (locking file %s)", ErrAlreadyRunning, fl.Path())
	}
	n.lock = fl
	return nil
}

func (n *Node) release() {
	if n.keys != nil {
		if err := n.keys.Close(); err != nil {
			n.logger.Warn("failed to close key store", zap.Error(err))
		}
	}
	if n.lock == nil {
		return
	}
	if err := n.lock.Unlock(); err != nil {
		n.logger.Warn("failed to unlock data dir", zap.String("path", n.lock.Path()), zap.Error(err))
	}
}

func (n *Node) named(module, level string) *zap.Logger {
	return config.Named(n.logger, module, level)
}

func (n *Node) open() error {
	lc := n.cfg.LOGGING
	var err error
	n.keys, err = signing.OpenKeyStore(
		filepath.Join(n.cfg.DataDir, keysDir),
		signing.WithKeyStoreLogger(n.named("keys", lc.AppLoggerLevel)),
	)
	if err != nil {
		return err
	}
	n.reporter = events.NewReporter(events.WithLogger(n.named("events", lc.AppLoggerLevel)))
	n.feeds = feedpub.New()
	n.store, err = repo.New(afero.NewOsFs(), filepath.Join(n.cfg.DataDir, feedsDir), n.keys,
		repo.WithLogger(n.named("store", lc.StoreLoggerLevel)),
		repo.WithListener(n.feeds),
	)
	if err != nil {
		return err
	}
	n.router = demux.New(demux.WithLogger(n.named("demux", lc.TransportLoggerLevel)))
	n.queue = transport.NewQueue(
		transport.WithLogger(n.named("transport", lc.TransportLoggerLevel)),
		transport.WithQueueSize(n.cfg.Transport.QueueSize),
		transport.WithRate(n.cfg.Transport.SendRate, n.cfg.Transport.SendBurst),
	)
	n.progress = replication.NewProgress(
		replication.WithProgressLogger(n.named("progress", lc.ReplicationLoggerLevel)),
		replication.WithClock(n.clock),
		replication.WithNotifier(n.reporter),
	)
	n.groups = goset.NewManager(n.router, n.store, n.queue,
		goset.WithLogger(n.named("goset", lc.GoSetLoggerLevel)),
		goset.WithProgress(n.progress),
	)
	n.root = n.groups.Add(goset.RootName, 0)

	self := n.keys.CurrentIdentity()
	if !n.store.Exists(self) {
		if err := n.store.Create(self, types.FeedRoot); err != nil {
			return fmt.Errorf("create identity feed: %w", err)
		}
	}
	for _, feed := range n.store.Feeds() {
		if kind, _ := n.store.Kind(feed); kind == types.FeedRoot {
			n.root.Insert(feed)
		}
	}
	n.root.AdjustState()

	n.beacon = replication.New(n.router, n.store, n.groups, n.queue,
		replication.WithLogger(n.named("replication", lc.ReplicationLoggerLevel)),
		replication.WithProgress(n.progress),
		replication.WithWantBudget(n.cfg.Beacon.WantBudget),
		replication.WithIdentity(self),
	)
	n.feeds.SubscribeAll(n.onEntry)

	n.isp, err = isp.New(filepath.Join(n.cfg.DataDir, recordDir),
		n.keys, n.store, n.feeds, n.router, n.groups, n.root, n.beacon,
		isp.WithLogger(n.named("isp", lc.ISPLoggerLevel)),
		isp.WithNotifier(n.reporter),
		isp.WithClock(n.clock),
		isp.WithConfig(n.cfg.ISP),
	)
	if err != nil {
		return err
	}
	if err := n.isp.Load(); err != nil {
		return err
	}
	n.logger.Info("node opened",
		zap.String("data-dir", n.cfg.DataDir),
		log.ZFeed(self),
		zap.Bool("provider", n.cfg.ISP.Provider),
		zap.Int("feeds", len(n.store.Feeds())),
		zap.Int("contracts", len(n.isp.Contracts())),
	)
	return nil
}

// onEntry reports entries of identity feeds. It runs under the node mutex,
// from whichever call appended the entry.
func (n *Node) onEntry(e types.Entry) {
	if kind, _ := n.store.Kind(e.Feed); kind == types.FeedRoot {
		n.reporter.Notify(events.NewEntry{Entry: e})
	}
}

func (n *Node) faceSet(ctx context.Context) ([]transport.Face, error) {
	lc := n.cfg.LOGGING
	faces := append([]transport.Face(nil), n.extra...)
	tc := n.cfg.Transport
	if tc.Multicast.Enabled {
		f, err := multicast.New(tc.Multicast.Group,
			multicast.WithLogger(n.named("multicast", lc.TransportLoggerLevel)))
		if err != nil {
			return nil, err
		}
		faces = append(faces, f)
	}
	if tc.Gossip.Enabled {
		f, err := gossip.New(ctx, tc.Gossip.Config,
			gossip.WithLogger(n.named("gossip", lc.TransportLoggerLevel)),
			gossip.WithDHTDir(filepath.Join(n.cfg.DataDir, dhtDir)))
		if err != nil {
			closeFaces(n.logger, faces)
			return nil, err
		}
		faces = append(faces, f)
	}
	return faces, nil
}

func closeFaces(logger *zap.Logger, faces []transport.Face) {
	for _, f := range faces {
		if c, ok := f.(io.Closer); ok {
			if err := c.Close(); err != nil {
				logger.Debug("failed to close face", zap.String("face", f.Name()), zap.Error(err))
			}
		}
	}
}

// Start brings up the faces and runs the loops until Stop or until one of
// them fails.
func (n *Node) Start(ctx context.Context) error {
	if n.eg != nil {
		return errors.New("node: already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	faces, err := n.faceSet(ctx)
	if err != nil {
		cancel()
		return err
	}
	if len(faces) == 0 {
		n.logger.Warn("no faces configured, the node is offline")
	}
	for _, f := range faces {
		n.queue.AddFace(f)
	}
	n.faces = faces
	n.cancel = cancel

	if n.cfg.ISP.Provider {
		if err := n.locked(n.isp.Announce); err != nil {
			cancel()
			closeFaces(n.logger, faces)
			return err
		}
	}

	eg, ctx := errgroup.WithContext(ctx)
	n.eg = eg
	eg.Go(func() error { return n.queue.Run(ctx) })
	eg.Go(func() error { return n.queue.Serve(ctx, n.deliver) })
	eg.Go(func() error {
		n.loop(ctx, n.cfg.Beacon.Interval, func() {
			n.beacon.Tick()
			n.isp.Tick()
		})
		return nil
	})
	eg.Go(func() error {
		n.loop(ctx, n.cfg.GoSet.Interval, n.groups.Tick)
		return nil
	})
	mc := n.cfg.Metrics
	if mc.Enabled {
		eg.Go(func() error { return metrics.Serve(ctx, n.logger.Named("metrics"), mc.Listen, mc.AllowedOrigins) })
	}
	if mc.PushURL != "" {
		id := n.Identity().ShortString()
		eg.Go(func() error { return metrics.Push(ctx, n.logger.Named("metrics"), mc.PushURL, mc.PushPeriod, id) })
	}
	n.logger.Info("node started", zap.Int("faces", len(faces)))
	return nil
}

// loop runs fn under the node mutex right away and then every interval.
func (n *Node) loop(ctx context.Context, interval time.Duration, fn func()) {
	ticker := n.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		n.mu.Lock()
		fn()
		n.mu.Unlock()
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

func (n *Node) deliver(pkt []byte, sender string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.router.Dispatch(pkt, sender)
}

func (n *Node) locked(fn func() error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return fn()
}

// Stop cancels the loops, waits for them and releases the data directory.
// The node cannot be restarted.
func (n *Node) Stop() error {
	var err error
	if n.eg != nil {
		n.cancel()
		err = n.eg.Wait()
		closeFaces(n.logger, n.faces)
	}
	n.release()
	n.logger.Info("node stopped")
	return err
}

// Wait blocks until a loop fails or the node is stopped.
func (n *Node) Wait() error {
	if n.eg == nil {
		return nil
	}
	return n.eg.Wait()
}

// Identity returns the feed the node publishes under.
func (n *Node) Identity() types.FeedID {
	return n.keys.CurrentIdentity()
}

// Publish appends content to the identity feed.
func (n *Node) Publish(content []byte) (repo.Appended, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.beacon.Publish(content)
}

func (n *Node) Onboard(provider types.FeedID) (types.ContractID, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.isp.Onboard(provider)
}

func (n *Node) Subscribe(id types.ContractID, target types.FeedID) error {
	return n.locked(func() error { return n.isp.Subscribe(id, target) })
}

func (n *Node) Respond(id types.ContractID, from types.FeedID, accept bool) error {
	return n.locked(func() error { return n.isp.Respond(id, from, accept) })
}

func (n *Node) Send(id types.ContractID, content []byte) error {
	return n.locked(func() error { return n.isp.Send(id, content) })
}

func (n *Node) SendC2C(id types.ContractID, peer types.FeedID, content []byte) error {
	return n.locked(func() error { return n.isp.SendC2C(id, peer, content) })
}

func (n *Node) Farewell(id types.ContractID) error {
	return n.locked(func() error { return n.isp.Farewell(id) })
}

func (n *Node) DeleteContract(id types.ContractID) error {
	return n.locked(func() error { return n.isp.Delete(id) })
}

func (n *Node) Contract(id types.ContractID) (isp.Info, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.isp.Contract(id)
}

func (n *Node) Contracts() []isp.Info {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.isp.Contracts()
}

// Feeds returns the identity feeds known to the node.
func (n *Node) Feeds() []types.FeedID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.root.Keys()
}

// Events subscribes to the node's events. The subscription drops events
// when its buffer is full.
func (n *Node) Events(bufsize int) *events.Subscription {
	return n.reporter.Subscribe(bufsize)
}

// Recent returns the latest events, oldest first.
func (n *Node) Recent() []events.Event {
	return n.reporter.Recent()
}
