package isp

import (
	"bytes"
	"fmt"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/jannickheisch/tinyISP/common/types"
	"github.com/jannickheisch/tinyISP/events"
	"github.com/jannickheisch/tinyISP/goset"
	"github.com/jannickheisch/tinyISP/log"
	"github.com/jannickheisch/tinyISP/repo"
)

// Contract is the local side of one client-provider agreement. All methods
// run under the caller's serialization, like the groups they drive.
type Contract struct {
	svc    *Service
	logger *zap.Logger
	rec    *record

	ctrl   *goset.Group
	data   *goset.Group
	tunnel *lru.Cache[types.Tag, []byte]

	cancelCtrl func()
	cancelData func()
	cancelC2C  map[types.FeedID]func()
	closed     bool
}

func groupName(prefix string, client types.FeedID, id types.ContractID) string {
	return prefix + client.String() + id.String()
}

// initialize builds the in-memory contract from its record. Fresh contracts
// and contracts loaded from disk both go through here.
func (s *Service) initialize(rec *record) *Contract {
	c := &Contract{
		svc:       s,
		rec:       rec,
		logger:    s.logger.With(log.ZContract(rec.ID), zap.Stringer("role", rec.Role)),
		cancelC2C: make(map[types.FeedID]func()),
	}
	// the size was validated by New
	c.tunnel, _ = lru.New[types.Tag, []byte](s.cfg.TunnelBuffer)
	for _, st := range rec.Tunnel {
		c.tunnel.Add(st.Tag, st.Data)
	}

	c.ctrl = s.groups.Add(groupName("ctrl", rec.Client, rec.ID), int(rec.CtrlEpoch), goset.WithKind(types.FeedVirtual))
	c.data = s.groups.Add(groupName("data", rec.Client, rec.ID), int(rec.DataEpoch), goset.WithKind(types.FeedVirtual))
	c.ctrl.Insert(rec.LocalCtrl)
	c.ctrl.Insert(rec.RemoteCtrl)
	for _, feed := range rec.Chain {
		c.data.Insert(feed)
	}
	c.data.Insert(rec.Remote)
	c.ctrl.AdjustState()
	c.data.AdjustState()

	s.contracts[rec.ID] = c
	if !rec.RemoteCtrl.IsZero() {
		c.followCtrl()
	}
	if !rec.Remote.IsZero() {
		c.followData()
	}
	if rec.Role == Client {
		for _, sub := range rec.Subscriptions {
			if !sub.Remote.IsZero() {
				c.registerC2C(sub)
			}
		}
	}
	return c
}

// ID returns the contract id.
func (c *Contract) ID() types.ContractID { return c.rec.ID }

func (c *Contract) current() types.FeedID {
	if len(c.rec.Chain) == 0 {
		return types.FeedID{}
	}
	return c.rec.Chain[len(c.rec.Chain)-1]
}

func (c *Contract) faulted() bool { return c.rec.Fault != "" }

func (c *Contract) save() error {
	if c.closed {
		return nil
	}
	c.rec.Tunnel = c.rec.Tunnel[:0]
	for _, tag := range c.tunnel.Keys() {
		if data, ok := c.tunnel.Peek(tag); ok {
			c.rec.Tunnel = append(c.rec.Tunnel, tunnelStream{Tag: tag, Data: data})
		}
	}
	return writeRecord(c.svc.dir, c.rec)
}

// persist is save for callers that cannot return the error.
func (c *Contract) persist() {
	if err := c.save(); err != nil {
		c.logger.Error("failed to persist contract", zap.Error(err))
	}
}

func (c *Contract) setState(st State) {
	if st == c.rec.State {
		return
	}
	c.logger.Info("contract state changed",
		zap.Stringer("from", c.rec.State),
		zap.Stringer("to", st),
		log.ZShortStringer("peer", c.rec.Peer),
	)
	c.rec.State = st
	c.svc.notify(events.ContractStateChanged{Contract: c.rec.ID, Peer: c.rec.Peer, State: st.String()})
	c.svc.updateGauge()
}

func (c *Contract) fault(reason string) {
	c.rec.Fault = reason
	faults.Inc()
	c.logger.Error("contract faulted", zap.String("reason", reason))
	c.svc.notify(events.ContractFault{Contract: c.rec.ID, Reason: reason})
}

func (c *Contract) sendCtrl(msg Message) (repo.Appended, error) {
	res, err := c.svc.store.AppendContent(c.rec.LocalCtrl, msg.Encode())
	if err != nil {
		return repo.Appended{}, fmt.Errorf("send %s: %w", msg.Type, err)
	}
	messagesSent.Inc()
	c.logger.Debug("sent control message", zap.String("type", string(msg.Type)), zap.Uint32("seq", res.Seq))
	return res, nil
}

// startChain creates the first outbound data feed.
func (c *Contract) startChain() error {
	feed, err := c.svc.newFeed()
	if err != nil {
		return err
	}
	if _, err := c.svc.store.AppendContent(feed, HopPrev(types.FeedID{}).Encode()); err != nil {
		return fmt.Errorf("start data feed: %w", err)
	}
	c.rec.Chain = []types.FeedID{feed}
	c.data.Insert(feed)
	c.data.AdjustState()
	return nil
}

// sendData queues content on the outbound data chain. The caller persists.
func (c *Contract) sendData(content []byte) error {
	switch {
	case c.faulted():
		return ErrFaulted
	case c.rec.State != Established:
		return ErrNotEstablished
	case c.rec.Suspended:
		if len(c.rec.Backlog) >= c.svc.cfg.BacklogLimit {
			return ErrBacklogFull
		}
		c.rec.Backlog = append(c.rec.Backlog, blob{Data: bytes.Clone(content)})
		return nil
	}
	return c.appendData(content)
}

func (c *Contract) appendData(content []byte) error {
	feed := c.current()
	if _, err := c.svc.store.AppendContent(feed, content); err != nil {
		return fmt.Errorf("append data: %w", err)
	}
	if c.svc.store.Len(feed) >= c.svc.cfg.MaxDataFeedEntries-1 {
		return c.hop()
	}
	return nil
}

// hop continues the full current data feed in a fresh one. With a hop still
// unconfirmed the contract is suspended instead.
func (c *Contract) hop() error {
	if len(c.rec.Chain) >= 2 {
		c.rec.Suspended = true
		hopsSuspended.Inc()
		c.logger.Info("data feed full, suspended until the previous hop is confirmed",
			log.ZFeed(c.current()),
		)
		return nil
	}
	old := c.current()
	next, err := c.svc.newFeed()
	if err != nil {
		return err
	}
	if _, err := c.svc.store.AppendContent(old, HopNext(next).Encode()); err != nil {
		return fmt.Errorf("hop: %w", err)
	}
	if _, err := c.svc.store.AppendContent(next, HopPrev(old).Encode()); err != nil {
		return fmt.Errorf("hop: %w", err)
	}
	c.rec.Chain = append(c.rec.Chain, next)
	c.data.Insert(next)
	c.data.AdjustState()
	hopsDone.Inc()
	c.logger.Info("data feed hopped", log.ZShortStringer("old", old), log.ZShortStringer("new", next))
	return nil
}

func (c *Contract) flushBacklog() {
	for len(c.rec.Backlog) > 0 && !c.rec.Suspended {
		if err := c.appendData(c.rec.Backlog[0].Data); err != nil {
			c.logger.Error("failed to flush backlog", zap.Error(err))
			return
		}
		c.rec.Backlog = slices.Delete(c.rec.Backlog, 0, 1)
	}
}

// onFin drops the oldest outbound feed once the peer confirmed the hop away
// from it.
func (c *Contract) onFin(msg Message) {
	old, ok := msg.Feed(0)
	if !ok {
		return
	}
	if len(c.rec.Chain) < 2 || c.rec.Chain[0] != old {
		c.fault(fmt.Sprintf("fin for %s which is not an unconfirmed predecessor", old.ShortString()))
		return
	}
	c.rec.Chain = slices.Delete(c.rec.Chain, 0, 1)
	c.data.Remove(old)
	c.rec.DataEpoch = uint32(c.data.Epoch())
	c.svc.dropFeed(old, true)
	hopsConfirmed.Inc()
	c.logger.Info("hop confirmed", log.ZShortStringer("old", old), zap.Int("epoch", c.data.Epoch()))

	if c.rec.Suspended {
		c.rec.Suspended = false
		if err := c.hop(); err != nil {
			c.logger.Error("deferred hop failed", zap.Error(err))
			return
		}
		c.flushBacklog()
	}
}

func (c *Contract) followCtrl() {
	if c.cancelCtrl != nil {
		c.cancelCtrl()
	}
	c.cancelCtrl = c.svc.feeds.Subscribe(c.rec.RemoteCtrl, func(types.Entry) { c.pumpCtrl() })
	c.pumpCtrl()
}

func (c *Contract) followData() {
	if c.cancelData != nil {
		c.cancelData()
	}
	c.cancelData = c.svc.feeds.Subscribe(c.rec.Remote, func(types.Entry) { c.pumpData() })
	c.pumpData()
}

// pumpCtrl processes the entries of the remote control feed in order, starting
// after the last one processed.
func (c *Contract) pumpCtrl() {
	changed := false
	for !c.closed && !c.faulted() {
		feed := c.rec.RemoteCtrl
		seq := c.rec.CtrlSeen + 1
		if int(seq) > c.svc.store.Len(feed) {
			break
		}
		e, err := c.svc.store.ReadContent(feed, seq)
		if err != nil {
			// content still incomplete
			break
		}
		c.rec.CtrlSeen = seq
		changed = true
		c.onCtrlEntry(e)
	}
	if changed {
		c.persist()
	}
}

func (c *Contract) pumpData() {
	changed := false
	for !c.closed && !c.faulted() && !c.rec.Remote.IsZero() {
		feed := c.rec.Remote
		seq := c.rec.DataSeen + 1
		if int(seq) > c.svc.store.Len(feed) {
			break
		}
		e, err := c.svc.store.ReadContent(feed, seq)
		if err != nil {
			break
		}
		c.rec.DataSeen = seq
		changed = true
		c.onDataEntry(e)
	}
	if changed {
		c.persist()
	}
}

func (c *Contract) onCtrlEntry(e types.Entry) {
	msg, ok := Decode(e.Body)
	if !ok {
		c.logger.Debug("ignoring control entry without envelope", zap.Uint32("seq", e.Seq))
		return
	}
	messagesReceived.Inc()
	c.logger.Debug("received control message", zap.String("type", string(msg.Type)), zap.Uint32("seq", e.Seq))
	switch msg.Type {
	case MsgOnboardAck:
		c.onOnboardAck(msg)
	case MsgHopFin:
		c.onFin(msg)
	case MsgSubscriptionRequest:
		c.svc.broker(c, e, msg)
	case MsgSubscriptionResponse:
		c.svc.forwardResponse(c, msg)
	case MsgSubscriptionISPRequest:
		c.onSubscriptionRequest(msg)
	case MsgSubscriptionISPResponse:
		c.onSubscriptionResponse(msg)
	case MsgFarewellInitiate:
		c.onFarewellInitiate(msg)
	case MsgFarewellAck:
		c.onFarewellAck(msg)
	case MsgFarewellFin:
		c.onFarewellFin()
	}
}

// onOnboardAck learns the peer's first data feed. The provider answers with
// its own.
func (c *Contract) onOnboardAck(msg Message) {
	feed, ok := msg.Feed(0)
	if !ok || c.rec.State != Acknowledged {
		return
	}
	if c.rec.Role == Provider {
		if err := c.startChain(); err != nil {
			c.logger.Error("failed to create data feed", zap.Error(err))
			return
		}
		if _, err := c.sendCtrl(OnboardAck(c.current())); err != nil {
			c.logger.Error("failed to confirm onboarding", zap.Error(err))
			return
		}
	}
	c.rec.Remote = feed
	c.data.Insert(feed)
	c.data.AdjustState()
	c.setState(Established)
	c.followData()
}

func (c *Contract) onDataEntry(e types.Entry) {
	msg, ok := Decode(e.Body)
	if e.Seq == 1 && (!ok || msg.Type != MsgHopPrev) {
		c.fault(fmt.Sprintf("data feed %s does not start with a prev pointer", e.Feed.ShortString()))
		return
	}
	if !ok {
		c.onPayload(e)
		return
	}
	switch msg.Type {
	case MsgHopPrev:
		prev, ok := msg.OptFeed(0)
		if !ok || e.Seq != 1 || prev != c.rec.PrevRemote {
			c.fault(fmt.Sprintf("prev pointer at %s/%d does not name %s",
				e.Feed.ShortString(), e.Seq, c.rec.PrevRemote.ShortString()))
		}
	case MsgHopNext:
		next, ok := msg.Feed(0)
		if !ok {
			return
		}
		if e.Seq != uint32(c.svc.cfg.MaxDataFeedEntries) {
			c.fault(fmt.Sprintf("next pointer at %s/%d, expected at %d",
				e.Feed.ShortString(), e.Seq, c.svc.cfg.MaxDataFeedEntries))
			return
		}
		c.followHop(next)
	default:
		c.logger.Debug("ignoring control message on data feed", zap.String("type", string(msg.Type)))
	}
}

// followHop switches to the peer's next data feed and confirms the hop.
func (c *Contract) followHop(next types.FeedID) {
	old := c.rec.Remote
	if c.cancelData != nil {
		c.cancelData()
	}
	c.rec.PrevRemote = old
	c.rec.Remote = next
	c.rec.DataSeen = 0
	c.data.Insert(next)
	c.data.Remove(old)
	c.rec.DataEpoch = uint32(c.data.Epoch())
	if _, err := c.sendCtrl(HopFin(old)); err != nil {
		c.logger.Error("failed to confirm hop", zap.Error(err))
	}
	c.svc.dropFeed(old, false)
	c.cancelData = c.svc.feeds.Subscribe(next, func(types.Entry) { c.pumpData() })
	c.logger.Info("followed peer data feed hop",
		log.ZShortStringer("old", old),
		log.ZShortStringer("new", next),
		zap.Int("epoch", c.data.Epoch()),
	)
}

// onPayload handles data entries that are not control messages: tunneled
// packet streams, or application data.
func (c *Contract) onPayload(e types.Entry) {
	if len(e.Body) == 0 || len(e.Body)%types.PacketSize != 0 {
		c.svc.notify(events.ContractData{Contract: c.rec.ID, Peer: c.rec.Peer, Entry: e})
		return
	}
	if c.rec.Role == Provider {
		c.svc.forwardTunnel(c, e.Body)
		return
	}
	tag := types.BytesToTag(e.Body)
	if !c.svc.router.Armed(tag) {
		if c.tunnel.Add(tag, bytes.Clone(e.Body)) {
			tunnelEvicted.Inc()
		}
		tunnelBuffered.Inc()
		c.logger.Debug("buffered tunneled stream", zap.Stringer("tag", tag), zap.Int("size", len(e.Body)))
		return
	}
	c.svc.inject(e.Body)
}

// Info is a snapshot of a contract.
type Info struct {
	ID            types.ContractID
	Role          Role
	Peer          types.FeedID
	State         State
	Fault         string
	Suspended     bool
	Backlog       int
	LocalCtrl     types.FeedID
	RemoteCtrl    types.FeedID
	Chain         []types.FeedID
	Remote        types.FeedID
	PrevRemote    types.FeedID
	Subscriptions []Subscription
	Pending       []PendingRequest
	Received      []ReceivedRequest
	Tunneled      int
}

func (c *Contract) info() Info {
	return Info{
		ID:            c.rec.ID,
		Role:          c.rec.Role,
		Peer:          c.rec.Peer,
		State:         c.rec.State,
		Fault:         c.rec.Fault,
		Suspended:     c.rec.Suspended,
		Backlog:       len(c.rec.Backlog),
		LocalCtrl:     c.rec.LocalCtrl,
		RemoteCtrl:    c.rec.RemoteCtrl,
		Chain:         slices.Clone(c.rec.Chain),
		Remote:        c.rec.Remote,
		PrevRemote:    c.rec.PrevRemote,
		Subscriptions: slices.Clone(c.rec.Subscriptions),
		Pending:       slices.Clone(c.rec.Pending),
		Received:      slices.Clone(c.rec.Received),
		Tunneled:      c.tunnel.Len(),
	}
}

// ClientControlFeed is the control feed written by the client.
func (i Info) ClientControlFeed() types.FeedID {
	if i.Role == Client {
		return i.LocalCtrl
	}
	return i.RemoteCtrl
}

// ProviderControlFeed is the control feed written by the provider.
func (i Info) ProviderControlFeed() types.FeedID {
	if i.Role == Provider {
		return i.LocalCtrl
	}
	return i.RemoteCtrl
}

// ProviderDataFeed is the current data feed written by the provider.
func (i Info) ProviderDataFeed() types.FeedID {
	if i.Role == Client {
		return i.Remote
	}
	if len(i.Chain) == 0 {
		return types.FeedID{}
	}
	return i.Chain[len(i.Chain)-1]
}
