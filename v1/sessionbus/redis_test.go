package sessionbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	vmerrors "github.com/mirkobrombin/go-vmlock/v1/errors"
)

func newRedisBus(t *testing.T) (*RedisBus, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewRedisBus(client)
	t.Cleanup(func() {
		_ = bus.Close()
		_ = client.Close()
		mr.Close()
	})
	return bus, mr
}

func TestRedisBusPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus, _ := newRedisBus(t)
	ctx := context.Background()

	ch, err := bus.Subscribe(ctx, UnlockKey("vm-1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, UnlockKey("vm-1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish")
	}
	metrics := bus.Metrics()
	if metrics.Published != 1 {
		t.Fatalf("expected published 1 got %d", metrics.Published)
	}
	if metrics.Delivered != 1 {
		t.Fatalf("expected delivered 1 got %d", metrics.Delivered)
	}
}

func TestRedisBusContextBasedUnsubscribe(t *testing.T) {
	bus, _ := newRedisBus(t)
	subCtx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(subCtx, "unlock:vm-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unsubscribe")
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if _, ok := bus.subs["unlock:vm-1"]; ok {
		t.Fatal("subscription still present after context cancel")
	}
}

func TestRedisBusSeenCacheDropsDuplicatePayloads(t *testing.T) {
	bus, _ := newRedisBus(t)

	if bus.checkSeen("payload-1") {
		t.Fatal("expected first sighting to pass")
	}
	bus.seen.Wait()
	if !bus.checkSeen("payload-1") {
		t.Fatal("expected duplicate payload to be dropped")
	}
	if bus.checkSeen("payload-2") {
		t.Fatal("expected distinct payload to pass")
	}
}

func TestRedisBusPublishTimesOutWhenServerGone(t *testing.T) {
	bus, mr := newRedisBus(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := bus.Publish(ctx, "unlock:vm-1")
	if err == nil {
		t.Fatal("expected publish to fail")
	}
	if !errors.Is(err, vmerrors.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout error got %v", err)
	}
}
