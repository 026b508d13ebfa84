package transport

import (
	"context"
	"fmt"
	"sync"
)

// Hub is an in-memory broadcast medium. Every packet sent by one of its faces
// is delivered to all other running faces.
type Hub struct {
	mu    sync.RWMutex
	faces map[*HubFace]DeliverFunc
}

func NewHub() *Hub {
	return &Hub{faces: make(map[*HubFace]DeliverFunc)}
}

// Face creates a new face attached to the hub.
func (h *Hub) Face(name string) *HubFace {
	return &HubFace{hub: h, name: name}
}

func (h *Hub) broadcast(from *HubFace, pkt []byte) {
	h.mu.RLock()
	targets := make([]DeliverFunc, 0, len(h.faces))
	for f, deliver := range h.faces {
		if f != from {
			targets = append(targets, deliver)
		}
	}
	h.mu.RUnlock()
	for _, deliver := range targets {
		deliver(append([]byte(nil), pkt...), from.name)
	}
}

// HubFace is a Face attached to a Hub.
type HubFace struct {
	hub  *Hub
	name string
}

var _ Face = (*HubFace)(nil)

func (f *HubFace) Name() string {
	return fmt.Sprintf("hub/%s", f.name)
}

func (f *HubFace) Send(ctx context.Context, pkt []byte) error {
	f.hub.broadcast(f, pkt)
	return ctx.Err()
}

func (f *HubFace) Run(ctx context.Context, deliver DeliverFunc) error {
	f.hub.mu.Lock()
	f.hub.faces[f] = deliver
	f.hub.mu.Unlock()
	<-ctx.Done()
	f.hub.mu.Lock()
	delete(f.hub.faces, f)
	f.hub.mu.Unlock()
	return nil
}
