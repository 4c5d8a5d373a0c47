package watch

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const streamMaxLen = 1024

func streamKey(machineID string) string {
	return "vmlock:events:" + machineID
}

// RedisBus implements Bus on Redis Streams, so watchers in other processes
// see transitions too. Streams are trimmed to a bounded length, so watchers
// only ever see recent history.
type RedisBus struct {
	client  *redis.Client
	mu      sync.Mutex
	cancels map[string]map[chan Event]context.CancelFunc
}

// NewRedisBus creates a new RedisBus using the provided client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		client:  client,
		cancels: make(map[string]map[chan Event]context.CancelFunc),
	}
}

// Publish implements Bus.Publish by appending the event to the machine's
// stream.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(ev.MachineID),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"data": data},
	}).Err()
}

// Watch implements Bus.Watch by tailing the machine's stream. The stream
// head is resolved before the tail starts, so events published right after
// Watch returns are never skipped.
func (b *RedisBus) Watch(ctx context.Context, machineID string) (chan Event, error) {
	lastID := "0-0"
	if msgs, err := b.client.XRevRangeN(ctx, streamKey(machineID), "+", "-", 1).Result(); err == nil && len(msgs) > 0 {
		lastID = msgs[0].ID
	}

	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan Event, 1)

	b.mu.Lock()
	m := b.cancels[machineID]
	if m == nil {
		m = make(map[chan Event]context.CancelFunc)
		b.cancels[machineID] = m
	}
	m[ch] = cancel
	b.mu.Unlock()

	go func() {
		defer close(ch)
		for {
			res, err := b.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{streamKey(machineID), lastID},
				Block:   0,
				Count:   1,
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				time.Sleep(time.Second)
				continue
			}
			for _, s := range res {
				for _, msg := range s.Messages {
					lastID = msg.ID
					v, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					ev, err := DecodeEvent([]byte(v))
					if err != nil {
						continue
					}
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

// Unwatch implements Bus.Unwatch.
func (b *RedisBus) Unwatch(ctx context.Context, machineID string, ch chan Event) error {
	b.mu.Lock()
	m, ok := b.cancels[machineID]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	cancel, ok := m[ch]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.cancels, machineID)
	}
	b.mu.Unlock()
	cancel()
	return nil
}
