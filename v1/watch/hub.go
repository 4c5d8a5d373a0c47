package watch

import (
	"context"
	"sync"
)

// Hub is an in-memory Bus for single-process managers and tests.
type Hub struct {
	mu   sync.Mutex
	subs map[string][]chan Event
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string][]chan Event)}
}

// Publish implements Bus.Publish.
func (h *Hub) Publish(ctx context.Context, ev Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	h.mu.Lock()
	chans := append([]chan Event(nil), h.subs[ev.MachineID]...)
	h.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// Watch implements Bus.Watch. The watcher is removed when ctx ends.
func (h *Hub) Watch(ctx context.Context, machineID string) (chan Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	ch := make(chan Event, 1)
	h.mu.Lock()
	h.subs[machineID] = append(h.subs[machineID], ch)
	h.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = h.Unwatch(context.Background(), machineID, ch)
	}()
	return ch, nil
}

// Unwatch implements Bus.Unwatch.
func (h *Hub) Unwatch(ctx context.Context, machineID string, ch chan Event) error {
	h.mu.Lock()
	subs := h.subs[machineID]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			h.subs[machineID] = subs
			close(c)
			break
		}
	}
	if len(h.subs[machineID]) == 0 {
		delete(h.subs, machineID)
	}
	h.mu.Unlock()
	return nil
}
