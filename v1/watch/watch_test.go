package watch

import (
	"context"
	"testing"
	"time"

	"github.com/mirkobrombin/go-vmlock/v1/machine"
)

func TestHubPublishWatchFlow(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := hub.Watch(ctx, "vm-1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	ev := NewEvent("vm-1", machine.StateLocked, machine.LockWrite)
	if err := hub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-ch:
		if got.MachineID != "vm-1" || got.State != "locked" || got.Mode != "write" {
			t.Fatalf("unexpected event %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestHubDoesNotCrossMachines(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	ch, err := hub.Watch(ctx, "vm-1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	if err := hub.Publish(ctx, NewEvent("vm-2", machine.StateLocked, machine.LockShared)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event for other machine: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubContextBasedUnwatch(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := hub.Watch(ctx, "vm-1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unwatch")
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()
	if _, ok := hub.subs["vm-1"]; ok {
		t.Fatal("watcher still present after context cancel")
	}
}

func TestEventEncodeDecode(t *testing.T) {
	ev := NewEvent("vm-1", machine.StateUnlocked, machine.LockNone)
	if ev.Mode != "" {
		t.Fatalf("expected empty mode for unlock event, got %q", ev.Mode)
	}

	data, err := ev.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.MachineID != ev.MachineID || got.State != ev.State || got.Mode != "" {
		t.Fatalf("roundtrip mismatch: %+v vs %+v", got, ev)
	}
	if got.At.IsZero() {
		t.Fatal("expected timestamp to survive roundtrip")
	}
}
