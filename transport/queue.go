// Package transport moves raw packets between the node and its broadcast media.
package transport

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/jannickheisch/tinyISP/common/types"
)

const (
	// MaxPacketSize is the largest packet accepted from a face.
	MaxPacketSize = 256

	DefaultQueueSize = 256
	DefaultSendRate  = 50
	DefaultSendBurst = 10

	sendTimeout = 2 * time.Second
)

// Acceptable reports whether an inbound buffer has a plausible size.
func Acceptable(pkt []byte) bool {
	return len(pkt) >= types.TagSize && len(pkt) <= MaxPacketSize
}

// QueueOpt configures a Queue.
type QueueOpt func(*Queue)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) QueueOpt {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithQueueSize bounds the number of packets waiting to be sent.
func WithQueueSize(n int) QueueOpt {
	return func(q *Queue) {
		if n > 0 {
			q.size = n
		}
	}
}

// WithRate paces the queue to perSecond packets with the given burst.
func WithRate(perSecond float64, burst int) QueueOpt {
	return func(q *Queue) {
		q.limit = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// Queue is the outbound path: a bounded buffer drained by one goroutine that
// writes every packet to every face.
type Queue struct {
	logger *zap.Logger
	size   int
	limit  *rate.Limiter

	once  sync.Once
	queue chan []byte

	mu    sync.RWMutex
	faces []Face
}

var _ Sender = (*Queue)(nil)

// NewQueue creates an empty queue without faces.
func NewQueue(opts ...QueueOpt) *Queue {
	q := &Queue{
		logger: zap.NewNop(),
		size:   DefaultQueueSize,
		limit:  rate.NewLimiter(DefaultSendRate, DefaultSendBurst),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.queue = make(chan []byte, q.size)
	return q
}

// AddFace registers a face for outbound packets.
func (q *Queue) AddFace(f Face) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.faces = append(q.faces, f)
}

// Faces returns the registered faces.
func (q *Queue) Faces() []Face {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return append([]Face(nil), q.faces...)
}

// Send enqueues a copy of pkt. A full queue drops it.
func (q *Queue) Send(pkt []byte) {
	buf := append([]byte(nil), pkt...)
	select {
	case q.queue <- buf:
		queuedOk.Inc()
	default:
		queuedDropped.Inc()
		q.logger.Debug("outbound queue full, dropping packet", zap.Int("size", len(pkt)))
	}
}

// Len returns the number of packets waiting.
func (q *Queue) Len() int {
	return len(q.queue)
}

// Run drains the queue until ctx is canceled.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt := <-q.queue:
			if err := q.limit.Wait(ctx); err != nil {
				return nil
			}
			q.broadcast(ctx, pkt)
		}
	}
}

func (q *Queue) broadcast(ctx context.Context, pkt []byte) {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	var eg errgroup.Group
	for _, f := range q.Faces() {
		eg.Go(func() error {
			start := time.Now()
			err := f.Send(ctx, pkt)
			sendDuration.WithLabelValues(f.Name()).Observe(time.Since(start).Seconds())
			if err != nil {
				faceErrors.WithLabelValues(f.Name()).Inc()
				q.logger.Debug("face send failed", zap.String("face", f.Name()), zap.Error(err))
			}
			return nil
		})
	}
	eg.Wait()
}

// Serve runs every registered face, delivering acceptable packets to deliver,
// and returns when ctx is canceled or a face fails.
func (q *Queue) Serve(ctx context.Context, deliver DeliverFunc) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, f := range q.Faces() {
		name := f.Name()
		eg.Go(func() error {
			return f.Run(ctx, func(pkt []byte, sender string) {
				if !Acceptable(pkt) {
					received.WithLabelValues(name, "dropped").Inc()
					return
				}
				received.WithLabelValues(name, "ok").Inc()
				deliver(pkt, sender)
			})
		})
	}
	return eg.Wait()
}
