// Package events carries user facing events out of the node core. The core
// only ever calls Notify; consumers subscribe to a Reporter.
package events

import (
	"sync"

	"go.uber.org/zap"
)

const historySize = 64

// Subscription is a buffered stream of events.
type Subscription struct {
	ch       chan Event
	reporter *Reporter
	once     sync.Once
}

// Out returns the channel events are delivered on.
func (s *Subscription) Out() <-chan Event {
	return s.ch
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.reporter.mu.Lock()
		delete(s.reporter.subs, s)
		s.reporter.mu.Unlock()
		close(s.ch)
	})
}

// Reporter fans events out to subscribers without ever blocking the sender.
// A subscriber whose buffer is full loses the event.
type Reporter struct {
	logger *zap.Logger

	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	history *ring[Event]
}

// ReporterOpt configures a Reporter.
type ReporterOpt func(*Reporter)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ReporterOpt {
	return func(r *Reporter) {
		r.logger = logger
	}
}

func NewReporter(opts ...ReporterOpt) *Reporter {
	r := &Reporter{
		logger:  zap.NewNop(),
		subs:    make(map[*Subscription]struct{}),
		history: newRing[Event](historySize),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe returns a subscription with a buffer of bufsize events.
func (r *Reporter) Subscribe(bufsize int) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &Subscription{ch: make(chan Event, bufsize), reporter: r}
	r.subs[s] = struct{}{}
	return s
}

// Notify implements Notifier.
func (r *Reporter) Notify(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history.insert(ev)
	for sub := range r.subs {
		select {
		case sub.ch <- ev:
		default:
			droppedEvents.WithLabelValues(ev.Name()).Inc()
			r.logger.Debug("subscriber would block, dropping event", zap.String("event", ev.Name()))
		}
	}
}

// Recent returns up to the last 64 events, oldest first.
func (r *Reporter) Recent() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, r.history.count)
	r.history.iterate(func(ev Event) bool {
		out = append(out, ev)
		return true
	})
	return out
}

// Nop discards all events.
type Nop struct{}

func (Nop) Notify(Event) {}
