package replication

import (
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/jannickheisch/tinyISP/events"
)

const (
	// Local is the key of the local peer's want vectors.
	Local = "me"
	// StaleAfter evicts the vectors of peers that stopped sending.
	StaleAfter = 30 * time.Second
)

// ProgressOpt configures a Progress.
type ProgressOpt func(*Progress)

// WithProgressLogger sets the logger.
func WithProgressLogger(logger *zap.Logger) ProgressOpt {
	return func(p *Progress) {
		p.logger = logger
	}
}

// WithClock sets the clock used for the staleness window.
func WithClock(clock clockwork.Clock) ProgressOpt {
	return func(p *Progress) {
		p.clock = clock
	}
}

// WithNotifier sets the sink of aggregate progress events.
func WithNotifier(n events.Notifier) ProgressOpt {
	return func(p *Progress) {
		p.notifier = n
	}
}

type peerWant struct {
	vector  []int
	updated time.Time
}

// Progress aggregates the want vectors of the local peer and its neighbors
// into element-wise minimum and maximum vectors. It is safe for concurrent use.
type Progress struct {
	logger   *zap.Logger
	clock    clockwork.Clock
	notifier events.Notifier

	mu         sync.Mutex
	wants      map[string]peerWant
	max, min   []int
	oldLocal   []int
	oldMin     []int
	oldMinFrom string
	last       events.Progress
}

func NewProgress(opts ...ProgressOpt) *Progress {
	p := &Progress{
		logger:   zap.NewNop(),
		clock:    clockwork.NewRealClock(),
		notifier: events.Nop{},
		wants:    make(map[string]peerWant),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Update records the want vector sent by from, Local for the local peer.
func (p *Progress) Update(vector []int, from string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	changed := false
	for peer, w := range p.wants {
		if peer != from && peer != Local && now.Sub(w.updated) > StaleAfter {
			delete(p.wants, peer)
			changed = true
		}
	}
	if prev, ok := p.wants[from]; !ok || !slices.Equal(prev.vector, vector) {
		changed = true
	}
	p.wants[from] = peerWant{vector: slices.Clone(vector), updated: now}
	if !changed {
		return
	}

	newMax, newMin := p.bounds()
	updated := false
	if !slices.Equal(p.max, newMax) || p.max == nil {
		p.oldLocal = p.wants[Local].vector
		p.max = newMax
		updated = true
	}
	if !slices.Equal(p.min, newMin) || p.min == nil {
		_, minFromKnown := p.wants[p.oldMinFrom]
		regressed := sum(newMin) < sum(p.oldMin) || p.min == nil || !minFromKnown
		if regressed && from != Local {
			p.oldMin = newMin
			p.oldMinFrom = from
		}
		p.min = newMin
		updated = true
	}
	if !updated && from != Local {
		return
	}
	p.last = events.Progress{
		Min:      sum(p.min),
		OldMin:   sum(p.oldMin),
		OldLocal: sum(p.oldLocal),
		Local:    sum(p.wants[Local].vector),
		Max:      sum(p.max),
	}
	progressNotified.Inc()
	p.logger.Debug("progress", zap.Stringer("progress", p.last), zap.String("from", from))
	p.notifier.Notify(p.last)
}

// bounds computes the element-wise maximum and minimum over all vectors. The
// longest vector is the template, so positions only some peers reported are
// bounded by those peers alone.
func (p *Progress) bounds() (maxv, minv []int) {
	var longest []int
	for _, w := range p.wants {
		if len(w.vector) > len(longest) {
			longest = w.vector
		}
	}
	maxv = slices.Clone(longest)
	minv = slices.Clone(longest)
	for _, w := range p.wants {
		for i, v := range w.vector {
			maxv[i] = max(maxv[i], v)
			minv[i] = min(minv[i], v)
		}
	}
	return maxv, minv
}

// Last returns the most recent aggregate.
func (p *Progress) Last() events.Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Peers returns the number of peers whose vectors are currently tracked,
// the local peer included.
func (p *Progress) Peers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.wants)
}

func sum(v []int) int {
	s := 0
	for _, x := range v {
		s += x
	}
	return s
}
