package isp

import (
	"slices"

	"go.uber.org/zap"

	"github.com/jannickheisch/tinyISP/common/types"
	"github.com/jannickheisch/tinyISP/events"
	"github.com/jannickheisch/tinyISP/log"
)

const reasonNotFound = "not found"

func (c *Contract) subscription(peer types.FeedID) (int, bool) {
	idx := slices.IndexFunc(c.rec.Subscriptions, func(s Subscription) bool { return s.Peer == peer })
	return idx, idx >= 0
}

func (c *Contract) putSubscription(sub Subscription) {
	if idx, ok := c.subscription(sub.Peer); ok {
		c.rec.Subscriptions[idx] = sub
		return
	}
	c.rec.Subscriptions = append(c.rec.Subscriptions, sub)
}

func (c *Contract) takePending(ref types.Hash20) (PendingRequest, bool) {
	idx := slices.IndexFunc(c.rec.Pending, func(p PendingRequest) bool { return p.Ref == ref })
	if idx < 0 {
		return PendingRequest{}, false
	}
	p := c.rec.Pending[idx]
	c.rec.Pending = slices.Delete(c.rec.Pending, idx, idx+1)
	return p, true
}

// broker forwards a client's subscription request to the contract of the
// target client.
func (s *Service) broker(from *Contract, e types.Entry, msg Message) {
	if from.rec.Role != Provider {
		return
	}
	target, ok := msg.Feed(0)
	if !ok {
		return
	}
	c2c, ok := msg.Feed(1)
	if !ok {
		return
	}
	ref := e.MsgID
	to := s.providerContract(target)
	if to == nil || to.rec.State != Established {
		from.logger.Info("subscription target unknown", log.ZShortStringer("target", target))
		if _, err := from.sendCtrl(SubscriptionISPResponse(ref, false, types.FeedID{}, reasonNotFound)); err != nil {
			from.logger.Error("failed to reject subscription", zap.Error(err))
		}
		return
	}
	if _, err := to.sendCtrl(SubscriptionISPRequest(ref, from.rec.Peer, c2c)); err != nil {
		from.logger.Error("failed to forward subscription request", zap.Error(err))
		return
	}
	from.putSubscription(Subscription{Peer: target, Local: c2c})
	from.rec.Pending = append(from.rec.Pending, PendingRequest{Ref: ref, Peer: target})
	to.persist()
	from.logger.Info("forwarded subscription request",
		log.ZShortStringer("from", from.rec.Peer),
		log.ZShortStringer("target", target),
	)
}

// forwardResponse relays the answer of the subscription target back to the
// requesting client, recording accepted pairs in both contracts.
func (s *Service) forwardResponse(to *Contract, msg Message) {
	if to.rec.Role != Provider {
		return
	}
	ref, accepted, c2c, reason, ok := msg.response()
	if !ok {
		return
	}
	var (
		from    *Contract
		pending PendingRequest
	)
	for _, c := range s.sorted() {
		if c.rec.Role != Provider {
			continue
		}
		if p, ok := c.takePending(ref); ok {
			from, pending = c, p
			break
		}
	}
	if from == nil {
		to.logger.Debug("response to unknown subscription request", zap.Stringer("ref", ref))
		return
	}
	if pending.Peer != to.rec.Peer {
		to.logger.Warn("subscription response from a client that was not asked")
		from.rec.Pending = append(from.rec.Pending, pending)
		return
	}
	idx, _ := from.subscription(pending.Peer)
	if accepted {
		from.rec.Subscriptions[idx].Remote = c2c
		to.putSubscription(Subscription{Peer: from.rec.Peer, Local: c2c, Remote: from.rec.Subscriptions[idx].Local})
	} else {
		from.rec.Subscriptions = slices.Delete(from.rec.Subscriptions, idx, idx+1)
	}
	if _, err := from.sendCtrl(SubscriptionISPResponse(ref, accepted, c2c, reason)); err != nil {
		from.logger.Error("failed to forward subscription response", zap.Error(err))
	}
	from.persist()
	from.logger.Info("forwarded subscription response",
		log.ZShortStringer("target", pending.Peer),
		zap.Bool("accepted", accepted),
	)
}

// forwardTunnel appends a stream tunneled by the client of from to the data
// chains of every client it has an accepted subscription with.
func (s *Service) forwardTunnel(from *Contract, stream []byte) {
	for _, sub := range from.rec.Subscriptions {
		if sub.Remote.IsZero() {
			continue
		}
		to := s.providerContract(sub.Peer)
		if to == nil {
			continue
		}
		if err := to.sendData(stream); err != nil {
			to.logger.Warn("failed to forward tunneled stream", zap.Error(err))
			continue
		}
		to.persist()
		tunnelForwarded.Inc()
	}
}

func (c *Contract) onSubscriptionRequest(msg Message) {
	if c.rec.Role != Client {
		return
	}
	ref, ok := msg.Ref(0)
	if !ok {
		return
	}
	from, ok := msg.Feed(1)
	if !ok {
		return
	}
	c2c, ok := msg.Feed(2)
	if !ok {
		return
	}
	c.rec.Received = slices.DeleteFunc(c.rec.Received, func(r ReceivedRequest) bool { return r.From == from })
	c.rec.Received = append(c.rec.Received, ReceivedRequest{Ref: ref, From: from, C2C: c2c})
	c.logger.Info("subscription requested", log.ZShortStringer("from", from))
	c.svc.notify(events.SubscriptionRequest{Contract: c.rec.ID, From: from, Ref: ref})
}

func (c *Contract) onSubscriptionResponse(msg Message) {
	if c.rec.Role != Client {
		return
	}
	ref, accepted, c2c, reason, ok := msg.response()
	if !ok {
		return
	}
	p, ok := c.takePending(ref)
	if !ok {
		return
	}
	idx, ok := c.subscription(p.Peer)
	if !ok {
		return
	}
	sub := c.rec.Subscriptions[idx]
	if accepted {
		sub.Remote = c2c
		c.rec.Subscriptions[idx] = sub
		c.registerC2C(sub)
	} else {
		c.rec.Subscriptions = slices.Delete(c.rec.Subscriptions, idx, idx+1)
		c.svc.dropFeed(sub.Local, true)
	}
	c.logger.Info("subscription answered",
		log.ZShortStringer("peer", p.Peer),
		zap.Bool("accepted", accepted),
		zap.String("reason", reason),
	)
	c.svc.notify(events.SubscriptionResponse{Contract: c.rec.ID, Peer: p.Peer, Accepted: accepted, Reason: reason})
}

// registerC2C makes sure both feeds of an accepted pair exist, mirrors local
// entries into the data chain and arms the route of the next remote entry.
func (c *Contract) registerC2C(sub Subscription) {
	for _, feed := range []types.FeedID{sub.Local, sub.Remote} {
		if c.svc.store.Exists(feed) {
			continue
		}
		if err := c.svc.store.Create(feed, types.FeedVirtual); err != nil {
			c.logger.Error("failed to create c2c feed", log.ZFeed(feed), zap.Error(err))
		}
	}
	if cancel, ok := c.cancelC2C[sub.Peer]; ok {
		cancel()
	}
	local := sub.Local
	cancelLocal := c.svc.feeds.Subscribe(local, func(e types.Entry) { c.mirror(local, e) })
	cancelRemote := c.svc.feeds.Subscribe(sub.Remote, func(e types.Entry) { c.onC2CEntry(sub.Peer, e) })
	c.cancelC2C[sub.Peer] = func() {
		cancelLocal()
		cancelRemote()
	}
	c.svc.armEntry(sub.Remote)
}

func (c *Contract) mirror(feed types.FeedID, e types.Entry) {
	if err := c.sendData(c.svc.store.ReadWire(feed, e.Seq)); err != nil {
		c.logger.Warn("failed to mirror c2c entry", log.ZFeed(feed), zap.Uint32("seq", e.Seq), zap.Error(err))
		return
	}
	c.persist()
}

func (c *Contract) onC2CEntry(peer types.FeedID, e types.Entry) {
	c.svc.notify(events.C2CEntry{Contract: c.rec.ID, Peer: peer, Entry: e})
	c.svc.armEntry(e.Feed)
}

// Subscribe asks the provider of contract id to connect the local client with
// target.
func (s *Service) Subscribe(id types.ContractID, target types.FeedID) error {
	c, err := s.established(id, Client)
	if err != nil {
		return err
	}
	if _, ok := c.subscription(target); ok || target == s.keys.CurrentIdentity() {
		return ErrSubscriptionExists
	}
	local, err := s.newFeed()
	if err != nil {
		return err
	}
	res, err := c.sendCtrl(SubscriptionRequest(target, local))
	if err != nil {
		return err
	}
	c.putSubscription(Subscription{Peer: target, Local: local})
	c.rec.Pending = append(c.rec.Pending, PendingRequest{Ref: res.MsgID, Peer: target})
	c.logger.Info("requested subscription", log.ZShortStringer("target", target))
	return c.save()
}

// Respond accepts or rejects the subscription request received from peer.
func (s *Service) Respond(id types.ContractID, from types.FeedID, accept bool) error {
	c, err := s.established(id, Client)
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(c.rec.Received, func(r ReceivedRequest) bool { return r.From == from })
	if idx < 0 {
		return ErrUnknownRequest
	}
	req := c.rec.Received[idx]
	if !accept {
		if _, err := c.sendCtrl(SubscriptionResponse(req.Ref, false, types.FeedID{}, "rejected")); err != nil {
			return err
		}
		c.rec.Received = slices.Delete(c.rec.Received, idx, idx+1)
		return c.save()
	}
	local, err := s.newFeed()
	if err != nil {
		return err
	}
	if _, err := c.sendCtrl(SubscriptionResponse(req.Ref, true, local, "")); err != nil {
		return err
	}
	c.rec.Received = slices.Delete(c.rec.Received, idx, idx+1)
	sub := Subscription{Peer: from, Local: local, Remote: req.C2C}
	c.putSubscription(sub)
	c.registerC2C(sub)
	c.logger.Info("accepted subscription", log.ZShortStringer("from", from))
	return c.save()
}

// SendC2C appends content to the client-to-client feed shared with peer.
func (s *Service) SendC2C(id types.ContractID, peer types.FeedID, content []byte) error {
	c, err := s.established(id, Client)
	if err != nil {
		return err
	}
	idx, ok := c.subscription(peer)
	if !ok || c.rec.Subscriptions[idx].Remote.IsZero() {
		return ErrUnknownPeer
	}
	if _, err := s.store.AppendContent(c.rec.Subscriptions[idx].Local, content); err != nil {
		return err
	}
	return nil
}
