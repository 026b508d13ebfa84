package goset

import (
	"math"
	"slices"

	"go.uber.org/zap"

	"github.com/jannickheisch/tinyISP/bipf"
	"github.com/jannickheisch/tinyISP/common/types"
	"github.com/jannickheisch/tinyISP/log"
	"github.com/jannickheisch/tinyISP/repo"
)

const (
	// WantCredit bounds the entries served per want request.
	WantCredit = 3
	// BlobCredit bounds the chunks served per chunk request.
	BlobCredit = 3
)

// HandleWant serves a want request: an offset followed by the next expected
// sequence number of each key, starting at that offset in round-robin order.
// Consecutive entries are served per key until the credit is used up.
func (g *Group) HandleWant(buf, _ []byte, sender string) {
	if len(buf) <= types.TagSize || len(g.keys) == 0 {
		return
	}
	lst, err := bipf.DecodeList(buf[types.TagSize:])
	if err != nil || len(lst) < 1 {
		g.logger.Debug("dropping malformed want request",
			zap.String("sender", sender),
			log.ZHex("payload", buf[types.TagSize:], 32),
			zap.Error(err),
		)
		return
	}
	offs, ok := lst[0].AsInt()
	if !ok || offs < 0 {
		return
	}
	offs %= len(g.keys)
	credit := WantCredit
	vector := make(map[int]int, len(lst)-1)
	for i, v := range lst[1:] {
		seq, ok := v.AsInt()
		if !ok || seq < 1 || seq > math.MaxUint32 {
			continue
		}
		ndx := (offs + i%len(g.keys)) % len(g.keys)
		vector[ndx] = seq
		feed := g.keys[ndx]
		for ; credit > 0 && seq <= math.MaxUint32; seq++ {
			pkt := g.store.ReadEntry(feed, uint32(seq))
			if pkt == nil {
				break
			}
			g.sender.Send(pkt)
			servedEntries.Inc()
			credit--
		}
	}
	if credit == WantCredit {
		g.logger.Debug("nothing to serve", zap.String("group", g.Key()), zap.String("sender", sender))
	}
	if sender != "" && g.progress != nil {
		g.progress.Update(sortedValues(vector), sender)
	}
}

func sortedValues(m map[int]int) []int {
	idx := make([]int, 0, len(m))
	for k := range m {
		idx = append(idx, k)
	}
	slices.Sort(idx)
	out := make([]int, len(idx))
	for i, k := range idx {
		out[i] = m[k]
	}
	return out
}

// HandleBlob serves a chunk request: a list of (key index, seq, chunk index)
// triples.
func (g *Group) HandleBlob(buf, _ []byte, sender string) {
	if len(buf) <= types.TagSize {
		return
	}
	lst, err := bipf.DecodeList(buf[types.TagSize:])
	if err != nil {
		g.logger.Debug("dropping malformed chunk request",
			zap.String("sender", sender),
			log.ZHex("payload", buf[types.TagSize:], 32),
			zap.Error(err),
		)
		return
	}
	credit := BlobCredit
	for _, v := range lst {
		triple, ok := v.AsList()
		if !ok || len(triple) != 3 {
			continue
		}
		ndx, ok1 := triple[0].AsInt()
		seq, ok2 := triple[1].AsInt()
		cnr, ok3 := triple[2].AsInt()
		if !ok1 || !ok2 || !ok3 || ndx < 0 || ndx >= len(g.keys) || seq < 1 || seq > math.MaxUint32 || cnr < 0 {
			continue
		}
		feed := g.keys[ndx]
		pkt := g.store.ReadEntry(feed, uint32(seq))
		if pkt == nil {
			continue
		}
		size, prefixLen, ok := repo.ContentSize(pkt)
		if !ok {
			continue
		}
		maxChunks := repo.MaxChunks(size, prefixLen)
		if maxChunks == 0 || cnr > maxChunks {
			continue
		}
		for ; cnr <= maxChunks && credit > 0; cnr++ {
			chunk := g.store.ReadChunk(feed, uint32(seq), cnr)
			if chunk == nil {
				break
			}
			g.sender.Send(chunk)
			servedChunks.Inc()
			credit--
		}
		g.logger.Debug("served chunks", log.ZFeed(feed), zap.Int("seq", seq), zap.Int("next", cnr))
	}
}
