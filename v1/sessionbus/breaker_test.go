package sessionbus

import (
	"context"
	"errors"
	"testing"
	"time"
)

type flakyBus struct {
	publishFunc func(ctx context.Context, key string) error
	*InMemoryBus
}

func (f *flakyBus) Publish(ctx context.Context, key string) error {
	if f.publishFunc != nil {
		return f.publishFunc(ctx, key)
	}
	return f.InMemoryBus.Publish(ctx, key)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	fb := &flakyBus{InMemoryBus: NewInMemoryBus()}
	timeout := 50 * time.Millisecond
	br := NewBreaker(fb, 2, timeout)

	ctx := context.Background()
	failErr := errors.New("broker down")

	if !br.IsHealthy() {
		t.Fatal("expected healthy initially")
	}

	fb.publishFunc = func(ctx context.Context, key string) error { return failErr }
	if err := br.Publish(ctx, "unlock:vm-1"); !errors.Is(err, failErr) {
		t.Fatalf("expected broker error, got %v", err)
	}
	if !br.IsHealthy() {
		t.Fatal("expected healthy after 1 failure (threshold 2)")
	}

	if err := br.Publish(ctx, "unlock:vm-1"); !errors.Is(err, failErr) {
		t.Fatalf("expected broker error, got %v", err)
	}
	if br.IsHealthy() {
		t.Fatal("expected open after threshold reached")
	}
	if err := br.Publish(ctx, "unlock:vm-1"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	time.Sleep(timeout + 10*time.Millisecond)

	if !br.IsHealthy() {
		t.Fatal("expected probe allowed once timeout passed")
	}

	fb.publishFunc = nil
	if err := br.Publish(ctx, "unlock:vm-1"); err != nil {
		t.Fatalf("unexpected error on probe: %v", err)
	}
	if !br.IsHealthy() {
		t.Fatal("expected closed after successful probe")
	}
	if br.failures != 0 {
		t.Fatalf("expected failures reset, got %d", br.failures)
	}
}

func TestBreakerReopensWhenProbeFails(t *testing.T) {
	fb := &flakyBus{InMemoryBus: NewInMemoryBus()}
	timeout := 50 * time.Millisecond
	br := NewBreaker(fb, 1, timeout)

	ctx := context.Background()
	failErr := errors.New("broker down")
	fb.publishFunc = func(ctx context.Context, key string) error { return failErr }

	if err := br.Publish(ctx, "unlock:vm-1"); !errors.Is(err, failErr) {
		t.Fatalf("expected broker error, got %v", err)
	}
	if br.IsHealthy() {
		t.Fatal("expected open")
	}

	time.Sleep(timeout + 10*time.Millisecond)
	if err := br.Publish(ctx, "unlock:vm-1"); !errors.Is(err, failErr) {
		t.Fatalf("expected probe to reach broker, got %v", err)
	}
	if br.IsHealthy() {
		t.Fatal("expected open again after failed probe")
	}
	if err := br.Publish(ctx, "unlock:vm-1"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreakerPassesPublishesThrough(t *testing.T) {
	fb := &flakyBus{InMemoryBus: NewInMemoryBus()}
	br := NewBreaker(fb, 5, time.Minute)

	ctx := context.Background()
	sub, err := fb.InMemoryBus.Subscribe(ctx, "unlock:vm-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := br.Publish(ctx, "unlock:vm-1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case <-sub:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for wakeup on underlying bus")
	}

	if ch, err := br.Subscribe(ctx, "unlock:vm-2"); err != nil || ch == nil {
		t.Fatalf("Subscribe through breaker: ch=%v err=%v", ch, err)
	}
}
