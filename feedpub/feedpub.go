// Package feedpub delivers completed feed entries to per-feed subscribers.
package feedpub

import (
	"sync"

	"github.com/jannickheisch/tinyISP/common/types"
)

// Callback receives an entry of a subscribed feed.
type Callback func(types.Entry)

type subscription struct {
	id int
	fn Callback
}

// FeedPub fans out entries to the callbacks subscribed to their feed. It also
// accepts catch-all subscribers that see every entry.
type FeedPub struct {
	mu     sync.Mutex
	nextID int
	subs   map[types.FeedID][]subscription
	all    []subscription
}

func New() *FeedPub {
	return &FeedPub{subs: make(map[types.FeedID][]subscription)}
}

// Subscribe registers fn for entries of feed. The returned function cancels
// this subscription only.
func (p *FeedPub) Subscribe(feed types.FeedID, fn Callback) (cancel func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.subs[feed] = append(p.subs[feed], subscription{id: id, fn: fn})
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		subs := p.subs[feed]
		for i, s := range subs {
			if s.id == id {
				p.subs[feed] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(p.subs[feed]) == 0 {
			delete(p.subs, feed)
		}
	}
}

// SubscribeAll registers fn for entries of every feed.
func (p *FeedPub) SubscribeAll(fn Callback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.all = append(p.all, subscription{id: p.nextID, fn: fn})
}

// Unsubscribe drops all subscriptions of feed.
func (p *FeedPub) Unsubscribe(feed types.FeedID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, feed)
}

// Subscribed reports whether feed has at least one subscriber.
func (p *FeedPub) Subscribed(feed types.FeedID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs[feed]) > 0
}

// OnEntry implements repo.EntryListener. Callbacks run synchronously in
// subscription order, without the internal lock held.
func (p *FeedPub) OnEntry(e types.Entry) {
	p.mu.Lock()
	targets := make([]Callback, 0, len(p.all)+len(p.subs[e.Feed]))
	for _, s := range p.all {
		targets = append(targets, s.fn)
	}
	for _, s := range p.subs[e.Feed] {
		targets = append(targets, s.fn)
	}
	p.mu.Unlock()
	for _, fn := range targets {
		fn(e)
	}
}
