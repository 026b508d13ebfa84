package transport

import "context"

//go:generate mockgen -typed -package=transport -destination=./mocks.go -source=./interfaces.go

// Sender enqueues a packet for broadcast. It never blocks.
type Sender interface {
	Send(pkt []byte)
}

// DeliverFunc receives an inbound packet and a hint naming where it came from.
type DeliverFunc func(pkt []byte, sender string)

// Face is one broadcast medium.
type Face interface {
	Name() string
	Send(ctx context.Context, pkt []byte) error
	// Run receives packets until ctx is canceled.
	Run(ctx context.Context, deliver DeliverFunc) error
}
