package isp

import (
	"go.uber.org/zap"

	"github.com/jannickheisch/tinyISP/common/types"
	"github.com/jannickheisch/tinyISP/events"
	"github.com/jannickheisch/tinyISP/log"
)

// Farewell starts the graceful termination of contract id. The peer is told
// the last entry of the current outbound data feed; once both sides hold the
// final entry of the other, they exchange fin and the contract terminates.
func (s *Service) Farewell(id types.ContractID) error {
	c, ok := s.contracts[id]
	switch {
	case !ok:
		return ErrUnknownContract
	case c.faulted():
		return ErrFaulted
	case c.rec.State != Established:
		return ErrNotEstablished
	}
	feed := c.current()
	seq := uint32(s.store.Len(feed))
	if _, err := c.sendCtrl(FarewellInitiate(feed, seq)); err != nil {
		return err
	}
	c.setState(FarewellInitiated)
	return c.save()
}

func (c *Contract) onFarewellInitiate(msg Message) {
	feed, seq, ok := farewellArgs(msg)
	if !ok {
		return
	}
	switch c.rec.State {
	case Established:
	case FarewellInitiated:
		// both sides said farewell at once
		c.rec.FarewellFeed, c.rec.FarewellSeq = feed, seq
		return
	default:
		return
	}
	c.rec.FarewellFeed, c.rec.FarewellSeq = feed, seq
	own := c.current()
	if _, err := c.sendCtrl(FarewellAck(own, uint32(c.svc.store.Len(own)))); err != nil {
		c.logger.Error("failed to acknowledge farewell", zap.Error(err))
		return
	}
	c.setState(FarewellInitiated)
}

func (c *Contract) onFarewellAck(msg Message) {
	feed, seq, ok := farewellArgs(msg)
	if !ok || c.rec.State != FarewellInitiated {
		return
	}
	c.rec.FarewellFeed, c.rec.FarewellSeq = feed, seq
}

func (c *Contract) onFarewellFin() {
	if c.rec.State != FarewellInitiated {
		return
	}
	c.rec.FinReceived = true
	c.maybeTerminate()
}

// tickFarewell sends fin once the replica of the peer's announced feed is
// complete.
func (c *Contract) tickFarewell() {
	if c.rec.FinSent || c.rec.FarewellFeed.IsZero() {
		return
	}
	if c.svc.store.Len(c.rec.FarewellFeed) < int(c.rec.FarewellSeq) {
		return
	}
	if _, err := c.sendCtrl(FarewellFin()); err != nil {
		c.logger.Error("failed to send farewell fin", zap.Error(err))
		return
	}
	c.rec.FinSent = true
	c.maybeTerminate()
	c.persist()
}

func (c *Contract) maybeTerminate() {
	if !c.rec.FinSent || !c.rec.FinReceived || c.rec.State != FarewellInitiated {
		return
	}
	c.rec.TerminatedAt = c.svc.clock.Now().UnixNano()
	c.setState(Terminated)
	c.logger.Info("contract terminated", log.ZShortStringer("peer", c.rec.Peer))
	c.svc.notify(events.ContractTerminated{Contract: c.rec.ID, Peer: c.rec.Peer})
}

func farewellArgs(msg Message) (types.FeedID, uint32, bool) {
	feed, ok := msg.Feed(0)
	if !ok {
		return types.FeedID{}, 0, false
	}
	seq, ok := msg.Int(1)
	if !ok || seq < 0 {
		return types.FeedID{}, 0, false
	}
	return feed, uint32(seq), true
}
