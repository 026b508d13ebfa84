// Package isp runs the subscription overlay: contracts between a constrained
// client and a providing peer, replicated over private control and data feeds.
package isp

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"

	"github.com/jannickheisch/tinyISP/common/types"
	"github.com/jannickheisch/tinyISP/demux"
	"github.com/jannickheisch/tinyISP/events"
	"github.com/jannickheisch/tinyISP/goset"
	"github.com/jannickheisch/tinyISP/log"
	"github.com/jannickheisch/tinyISP/repo"
)

var (
	ErrUnknownContract    = errors.New("isp: unknown contract")
	ErrContractExists     = errors.New("isp: contract with provider exists")
	ErrNotEstablished     = errors.New("isp: contract not established")
	ErrFaulted            = errors.New("isp: contract faulted")
	ErrBacklogFull        = errors.New("isp: backlog full")
	ErrUnknownPeer        = errors.New("isp: no subscription with peer")
	ErrSubscriptionExists = errors.New("isp: subscription exists")
	ErrUnknownRequest     = errors.New("isp: unknown subscription request")
	ErrNotClient          = errors.New("isp: operation requires the client role")
)

// tunnelSender is the sender hint of packets injected from a tunnel.
const tunnelSender = "tunnel"

// Opt configures a Service.
type Opt func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithNotifier sets the sink for user facing events.
func WithNotifier(n events.Notifier) Opt {
	return func(s *Service) {
		s.notifier = n
	}
}

// WithClock sets the clock used for the farewell linger.
func WithClock(clock clockwork.Clock) Opt {
	return func(s *Service) {
		s.clock = clock
	}
}

// WithConfig overrides DefaultConfig.
func WithConfig(cfg Config) Opt {
	return func(s *Service) {
		s.cfg = cfg
	}
}

// Service owns the contracts of the node. It is not safe for concurrent use:
// callers serialize it together with the router and the groups.
type Service struct {
	logger     *zap.Logger
	notifier   events.Notifier
	clock      clockwork.Clock
	cfg        Config
	dir        string
	keys       Identities
	store      Store
	feeds      Feeds
	router     *demux.Router
	groups     *goset.Manager
	root       *goset.Group
	replicator Replicator

	contracts map[types.ContractID]*Contract
	ready     []types.Tag
	draining  bool
}

// New creates the service keeping its records in dir. Existing records are
// not read until Load.
func New(
	dir string,
	keys Identities,
	store Store,
	feeds Feeds,
	router *demux.Router,
	groups *goset.Manager,
	root *goset.Group,
	replicator Replicator,
	opts ...Opt,
) (*Service, error) {
	s := &Service{
		logger:     zap.NewNop(),
		notifier:   events.Nop{},
		clock:      clockwork.NewRealClock(),
		cfg:        DefaultConfig(),
		dir:        dir,
		keys:       keys,
		store:      store,
		feeds:      feeds,
		router:     router,
		groups:     groups,
		root:       root,
		replicator: replicator,
		contracts:  make(map[types.ContractID]*Contract),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("isp")
	if err := s.cfg.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create contract dir %s: %w", dir, err)
	}
	router.OnArm(s.onArm)
	feeds.SubscribeAll(s.onEntry)
	return s, nil
}

// Load restores the contracts persisted in the service directory. Records
// that cannot be decoded are logged and left on disk.
func (s *Service) Load() error {
	records, failed, err := readRecords(s.dir)
	if err != nil {
		return err
	}
	for name, err := range failed {
		s.logger.Error("skipping unreadable contract", zap.String("file", name), zap.Error(err))
	}
	for _, rec := range records {
		c := s.initialize(rec)
		c.logger.Info("loaded contract", zap.Stringer("state", rec.State), zap.String("fault", rec.Fault))
	}
	s.updateGauge()
	return nil
}

// Announce publishes the provider announcement on the root feed.
func (s *Service) Announce() error {
	if !s.cfg.Provider {
		return nil
	}
	if _, err := s.publish(Announcement()); err != nil {
		return err
	}
	s.logger.Info("announced provider")
	return nil
}

func (s *Service) publish(msg Message) (repo.Appended, error) {
	self := s.keys.CurrentIdentity()
	res, err := s.store.AppendContent(self, msg.Encode())
	if err != nil {
		return repo.Appended{}, fmt.Errorf("publish %s: %w", msg.Type, err)
	}
	messagesSent.Inc()
	return res, nil
}

func (s *Service) newFeed() (types.FeedID, error) {
	feed, err := s.keys.NewFeedIdentity()
	if err != nil {
		return types.FeedID{}, fmt.Errorf("new feed: %w", err)
	}
	if err := s.store.Create(feed, types.FeedVirtual); err != nil {
		return types.FeedID{}, fmt.Errorf("new feed: %w", err)
	}
	return feed, nil
}

// dropFeed removes feed from storage and, for feeds written locally, its key.
func (s *Service) dropFeed(feed types.FeedID, local bool) {
	if feed.IsZero() {
		return
	}
	if err := s.store.Remove(feed); err != nil && !errors.Is(err, repo.ErrNotFound) {
		s.logger.Warn("failed to remove feed", log.ZFeed(feed), zap.Error(err))
	}
	if !local {
		return
	}
	if err := s.keys.Remove(feed); err != nil {
		s.logger.Warn("failed to remove feed key", log.ZFeed(feed), zap.Error(err))
	}
}

func (s *Service) notify(ev events.Event) {
	s.notifier.Notify(ev)
}

func (s *Service) updateGauge() {
	counts := make(map[State]int)
	for _, c := range s.contracts {
		counts[c.rec.State]++
	}
	for st := Requested; st <= Terminated; st++ {
		contractStates.WithLabelValues(st.String()).Set(float64(counts[st]))
	}
}

// sorted returns the contracts ordered by id.
func (s *Service) sorted() []*Contract {
	ids := maps.Keys(s.contracts)
	slices.SortFunc(ids, func(a, b types.ContractID) int { return bytes.Compare(a[:], b[:]) })
	out := make([]*Contract, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.contracts[id])
	}
	return out
}

// providerContract returns the live provider contract with client.
func (s *Service) providerContract(client types.FeedID) *Contract {
	for _, c := range s.sorted() {
		if c.rec.Role == Provider && c.rec.Peer == client && c.rec.State < Terminated && !c.faulted() {
			return c
		}
	}
	return nil
}

func (s *Service) clientContract(provider types.FeedID) *Contract {
	for _, c := range s.sorted() {
		if c.rec.Role == Client && c.rec.Peer == provider && c.rec.State < Terminated {
			return c
		}
	}
	return nil
}

func (s *Service) established(id types.ContractID, role Role) (*Contract, error) {
	c, ok := s.contracts[id]
	switch {
	case !ok:
		return nil, ErrUnknownContract
	case c.rec.Role != role:
		return nil, ErrNotClient
	case c.faulted():
		return nil, ErrFaulted
	case c.rec.State != Established:
		return nil, ErrNotEstablished
	}
	return c, nil
}

// armEntry arms the route of the next entry of feed, handing the packet to
// the replicator.
func (s *Service) armEntry(feed types.FeedID) {
	next, prev, ok := s.store.Head(feed)
	if !ok {
		return
	}
	s.router.ArmOnce(repo.EntryTag(feed, next, prev), demux.HandlerFunc(s.entryHandler), feed.Bytes())
}

func (s *Service) entryHandler(buf, aux []byte, _ string) {
	s.replicator.OnIncomingEntry(buf, types.BytesToFeedID(aux))
}

// inject feeds a tunneled stream packet by packet into the router, as if it
// had been received from a transport.
func (s *Service) inject(stream []byte) {
	for off := 0; off+types.PacketSize <= len(stream); off += types.PacketSize {
		s.router.Dispatch(stream[off:off+types.PacketSize], tunnelSender)
	}
	tunnelInjected.Inc()
}

func (s *Service) buffered(tag types.Tag) bool {
	for _, c := range s.contracts {
		if c.tunnel.Contains(tag) {
			return true
		}
	}
	return false
}

// onArm releases a buffered stream whose route was just armed. Injecting a
// stream arms further routes, so tags are queued and drained by the outermost
// call only.
func (s *Service) onArm(tag types.Tag) {
	if !s.buffered(tag) {
		return
	}
	s.ready = append(s.ready, tag)
	if s.draining {
		return
	}
	s.draining = true
	defer func() { s.draining = false }()
	for len(s.ready) > 0 {
		tag := s.ready[0]
		s.ready = s.ready[1:]
		for _, c := range s.sorted() {
			stream, ok := c.tunnel.Peek(tag)
			if !ok {
				continue
			}
			c.tunnel.Remove(tag)
			c.persist()
			c.logger.Debug("releasing buffered stream", zap.Stringer("tag", tag))
			s.inject(stream)
			break
		}
	}
}

// onEntry watches root feeds for announcements and onboarding traffic.
func (s *Service) onEntry(e types.Entry) {
	if kind, ok := s.store.Kind(e.Feed); !ok || kind != types.FeedRoot {
		return
	}
	msg, ok := Decode(e.Body)
	if !ok {
		return
	}
	self := s.keys.CurrentIdentity()
	switch msg.Type {
	case MsgAnnouncement:
		if e.Feed != self {
			s.logger.Info("provider announced", log.ZShortStringer("provider", e.Feed))
			s.notify(events.ProviderAnnounced{Provider: e.Feed})
		}
	case MsgOnboardRequest:
		target, ok := msg.Feed(0)
		if !ok || target != self || e.Feed == self || !s.cfg.Provider {
			return
		}
		ctrl, ok := msg.Feed(1)
		if !ok {
			return
		}
		messagesReceived.Inc()
		s.accept(e, ctrl)
	case MsgOnboardResponse:
		if e.Feed == self {
			return
		}
		messagesReceived.Inc()
		s.onOnboardResponse(e, msg)
	}
}

func (s *Service) whitelisted(client types.FeedID) bool {
	return len(s.cfg.Whitelist) == 0 || slices.Contains(s.cfg.Whitelist, client)
}

// accept opens a provider contract for an onboarding request.
func (s *Service) accept(e types.Entry, cctrl types.FeedID) {
	id := types.ContractID(e.MsgID)
	if _, ok := s.contracts[id]; ok {
		return
	}
	logger := s.logger.With(log.ZContract(id), log.ZShortStringer("client", e.Feed))
	if s.providerContract(e.Feed) != nil {
		logger.Info("ignoring onboarding request from client with a live contract")
		return
	}
	if !s.whitelisted(e.Feed) {
		logger.Info("rejecting onboarding request")
		if _, err := s.publish(OnboardResponse(e.MsgID, false, types.FeedID{}, "rejected")); err != nil {
			logger.Error("failed to reject onboarding request", zap.Error(err))
		}
		return
	}
	pctrl, err := s.newFeed()
	if err != nil {
		logger.Error("failed to create control feed", zap.Error(err))
		return
	}
	rec := &record{
		Role:       Provider,
		ID:         id,
		Client:     e.Feed,
		Peer:       e.Feed,
		State:      Acknowledged,
		LocalCtrl:  pctrl,
		RemoteCtrl: cctrl,
	}
	c := s.initialize(rec)
	if _, err := s.publish(OnboardResponse(e.MsgID, true, pctrl, "")); err != nil {
		logger.Error("failed to accept onboarding request", zap.Error(err))
		return
	}
	c.persist()
	s.updateGauge()
	logger.Info("accepted onboarding request")
	s.notify(events.ContractStateChanged{Contract: id, Peer: e.Feed, State: Acknowledged.String()})
}

// Onboard asks provider for a contract. It returns the id of the new contract,
// which stays Requested until the provider answers.
func (s *Service) Onboard(provider types.FeedID) (types.ContractID, error) {
	if s.clientContract(provider) != nil {
		return types.ContractID{}, ErrContractExists
	}
	ctrl, err := s.newFeed()
	if err != nil {
		return types.ContractID{}, err
	}
	res, err := s.publish(OnboardRequest(provider, ctrl))
	if err != nil {
		s.dropFeed(ctrl, true)
		return types.ContractID{}, err
	}
	if s.root != nil && s.root.Insert(provider) {
		s.root.AdjustState()
	}
	rec := &record{
		Role:      Client,
		ID:        types.ContractID(res.MsgID),
		Client:    s.keys.CurrentIdentity(),
		Peer:      provider,
		State:     Requested,
		LocalCtrl: ctrl,
	}
	c := s.initialize(rec)
	if err := c.save(); err != nil {
		return rec.ID, err
	}
	s.updateGauge()
	c.logger.Info("requested onboarding", log.ZShortStringer("provider", provider))
	s.notify(events.ContractStateChanged{Contract: rec.ID, Peer: provider, State: Requested.String()})
	return rec.ID, nil
}

func (s *Service) onOnboardResponse(e types.Entry, msg Message) {
	ref, accepted, pctrl, reason, ok := msg.response()
	if !ok {
		return
	}
	c, ok := s.contracts[types.ContractID(ref)]
	if !ok || c.rec.Role != Client || c.rec.Peer != e.Feed || c.rec.State != Requested {
		return
	}
	if !accepted {
		c.logger.Info("onboarding rejected", zap.String("reason", reason))
		s.remove(c)
		s.notify(events.ContractTerminated{Contract: c.rec.ID, Peer: c.rec.Peer})
		return
	}
	c.rec.RemoteCtrl = pctrl
	c.ctrl.Insert(pctrl)
	c.ctrl.AdjustState()
	if err := c.startChain(); err != nil {
		c.logger.Error("failed to create data feed", zap.Error(err))
		return
	}
	if _, err := c.sendCtrl(OnboardAck(c.current())); err != nil {
		c.logger.Error("failed to acknowledge onboarding", zap.Error(err))
		return
	}
	c.setState(Acknowledged)
	c.persist()
	c.followCtrl()
}

// Contract returns a snapshot of the contract id.
func (s *Service) Contract(id types.ContractID) (Info, bool) {
	c, ok := s.contracts[id]
	if !ok {
		return Info{}, false
	}
	return c.info(), true
}

// Contracts returns snapshots of all contracts ordered by id.
func (s *Service) Contracts() []Info {
	out := make([]Info, 0, len(s.contracts))
	for _, c := range s.sorted() {
		out = append(out, c.info())
	}
	return out
}

// Send appends content to the outbound data chain of contract id.
func (s *Service) Send(id types.ContractID, content []byte) error {
	c, ok := s.contracts[id]
	if !ok {
		return ErrUnknownContract
	}
	if err := c.sendData(content); err != nil {
		return err
	}
	return c.save()
}

// Delete tears the contract down locally, without telling the peer.
func (s *Service) Delete(id types.ContractID) error {
	c, ok := s.contracts[id]
	if !ok {
		return ErrUnknownContract
	}
	if err := s.remove(c); err != nil {
		return err
	}
	c.logger.Info("deleted contract")
	s.notify(events.ContractTerminated{Contract: id, Peer: c.rec.Peer})
	return nil
}

// Tick advances farewells and deletes terminated contracts whose linger
// period passed.
func (s *Service) Tick() {
	for _, c := range s.sorted() {
		if c.faulted() {
			continue
		}
		switch c.rec.State {
		case FarewellInitiated:
			c.tickFarewell()
		case Terminated:
			if s.clock.Since(time.Unix(0, c.rec.TerminatedAt)) < s.cfg.FarewellLinger {
				continue
			}
			if err := s.remove(c); err != nil {
				c.logger.Error("failed to delete terminated contract", zap.Error(err))
				continue
			}
			c.logger.Info("deleted terminated contract")
		}
	}
}

// remove drops the groups, feeds and record of c.
func (s *Service) remove(c *Contract) error {
	c.closed = true
	if c.cancelCtrl != nil {
		c.cancelCtrl()
	}
	if c.cancelData != nil {
		c.cancelData()
	}
	for _, cancel := range c.cancelC2C {
		cancel()
	}
	s.groups.Remove(c.ctrl)
	s.groups.Remove(c.data)

	s.dropFeed(c.rec.LocalCtrl, true)
	s.dropFeed(c.rec.RemoteCtrl, false)
	for _, feed := range c.rec.Chain {
		s.dropFeed(feed, true)
	}
	s.dropFeed(c.rec.Remote, false)
	if c.rec.Role == Client {
		for _, sub := range c.rec.Subscriptions {
			s.dropFeed(sub.Local, true)
			s.dropFeed(sub.Remote, false)
		}
	}
	delete(s.contracts, c.rec.ID)
	s.updateGauge()
	return removeRecord(s.dir, c.rec.ID)
}
