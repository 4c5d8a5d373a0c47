package sessionbus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by BreakerBus.Publish while the circuit is open.
var ErrCircuitOpen = errors.New("vmlock: circuit breaker is open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// BreakerBus decorates a Bus with a circuit breaker on the publish path.
//
// Wakeup publishes are advisory: blocked waiters re-check lock state on a
// poll interval anyway, so when the backing broker is down it is better to
// fail the publish immediately than to stall every Unlock on broker
// timeouts. Subscribe and Unsubscribe pass through untouched.
type BreakerBus struct {
	bus       Bus
	mu        sync.RWMutex
	state     breakerState
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewBreaker returns a BreakerBus that opens after threshold consecutive
// publish failures and allows a single probe once timeout has passed.
func NewBreaker(bus Bus, threshold int, timeout time.Duration) *BreakerBus {
	return &BreakerBus{
		bus:       bus,
		threshold: threshold,
		timeout:   timeout,
		state:     breakerClosed,
	}
}

// IsHealthy returns true if publishes are currently allowed through.
func (b *BreakerBus) IsHealthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.state == breakerOpen {
		return time.Since(b.lastFail) > b.timeout
	}
	return true
}

// allow checks if a publish should be attempted. It handles the transition
// from open to half-open once the timeout has passed.
func (b *BreakerBus) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(b.lastFail) > b.timeout {
			b.state = breakerHalfOpen
			return true
		}
		return false
	case breakerHalfOpen:
		// Only one probe in flight at a time.
		return false
	}
	return false
}

func (b *BreakerBus) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
}

func (b *BreakerBus) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFail = time.Now()
	b.failures++
	if b.state == breakerHalfOpen || (b.state == breakerClosed && b.failures >= b.threshold) {
		b.state = breakerOpen
	}
}

// Publish implements Bus.Publish with circuit breaker logic.
func (b *BreakerBus) Publish(ctx context.Context, key string) error {
	if !b.allow() {
		return ErrCircuitOpen
	}
	if err := b.bus.Publish(ctx, key); err != nil {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *BreakerBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	return b.bus.Subscribe(ctx, key)
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *BreakerBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	return b.bus.Unsubscribe(ctx, key, ch)
}
