package goset

import (
	"fmt"

	"github.com/jannickheisch/tinyISP/common/types"
)

const (
	claimMarker   = 'c'
	noveltyMarker = 'n'

	// ClaimSize is the wire size of a claim: marker, low key, high key, xor, span.
	ClaimSize = 1 + 3*types.FeedIDSize + 1
	// NoveltySize is the wire size of a novelty: marker and key.
	NoveltySize = 1 + types.FeedIDSize
)

// Claim asserts the xor and the number of keys between Lo and Hi inclusive.
type Claim struct {
	Lo   types.FeedID
	Hi   types.FeedID
	Xor  types.Hash32
	Size int
}

// Wire encodes the claim.
func (c Claim) Wire() []byte {
	buf := make([]byte, 0, ClaimSize)
	buf = append(buf, claimMarker)
	buf = append(buf, c.Lo[:]...)
	buf = append(buf, c.Hi[:]...)
	buf = append(buf, c.Xor[:]...)
	return append(buf, byte(c.Size))
}

func (c Claim) String() string {
	return fmt.Sprintf("claim %s..%s span=%d xor=%s", c.Lo.ShortString(), c.Hi.ShortString(), c.Size, c.Xor.ShortString())
}

func parseClaim(buf []byte) (Claim, bool) {
	if len(buf) != ClaimSize || buf[0] != claimMarker {
		return Claim{}, false
	}
	var c Claim
	off := 1
	c.Lo = types.BytesToFeedID(buf[off : off+types.FeedIDSize])
	off += types.FeedIDSize
	c.Hi = types.BytesToFeedID(buf[off : off+types.FeedIDSize])
	off += types.FeedIDSize
	copy(c.Xor[:], buf[off:off+types.Hash32Length])
	c.Size = int(buf[ClaimSize-1])
	return c, true
}

func noveltyWire(key types.FeedID) []byte {
	buf := make([]byte, 0, NoveltySize)
	buf = append(buf, noveltyMarker)
	return append(buf, key[:]...)
}

func parseNovelty(buf []byte) (types.FeedID, bool) {
	if len(buf) != NoveltySize || buf[0] != noveltyMarker {
		return types.FeedID{}, false
	}
	return types.BytesToFeedID(buf[1:]), true
}

// budget is what a reconciliation round may still spend. Spending returns a
// new value.
type budget struct {
	ask  int
	help int
}

func roundBudget() budget {
	return budget{ask: AskPerRound, help: HelpPerRound}
}

func (b budget) spendAsk() (budget, bool) {
	if b.ask <= 0 {
		return b, false
	}
	return budget{ask: b.ask - 1, help: b.help}, true
}

func (b budget) spendHelp() (budget, bool) {
	if b.help <= 0 {
		return b, false
	}
	return budget{ask: b.ask, help: b.help - 1}, true
}
