package manager

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-vmlock/v1/machine"
	"github.com/mirkobrombin/go-vmlock/v1/sessionbus"
)

func newRedisManager(t *testing.T, opts ...Option) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return NewRedis(client, nil, opts...), mr
}

// attachRedisManager opens a second manager on the same server, the way a
// second process would.
func attachRedisManager(t *testing.T, mr *miniredis.Miniredis, opts ...Option) *Redis {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, nil, opts...)
}

func TestRedisRegisterFindUnregister(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newRedisManager(t)
	mustRegister(t, mgr, "vm-1", "alpha")
	mustRegister(t, mgr, "vm-2", "beta")

	if err := mgr.RegisterMachine(ctx, "vm-1", "again"); !errors.Is(err, machine.ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}

	m, err := mgr.FindMachine(ctx, "vm-1")
	if err != nil {
		t.Fatalf("find machine: %v", err)
	}
	if m.ID() != "vm-1" || m.Name() != "alpha" {
		t.Fatalf("unexpected machine %s/%s", m.ID(), m.Name())
	}

	infos, err := mgr.Machines(ctx)
	if err != nil {
		t.Fatalf("list machines: %v", err)
	}
	if len(infos) != 2 || infos[0].ID != "vm-1" || infos[1].ID != "vm-2" {
		t.Fatalf("unexpected listing %+v", infos)
	}

	if err := mgr.UnregisterMachine(ctx, "vm-1"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, err := mgr.FindMachine(ctx, "vm-1"); !machine.IsNotRegistered(err) {
		t.Fatalf("expected not registered, got %v", err)
	}
}

func TestRedisCrossManagerExclusion(t *testing.T) {
	ctx := context.Background()
	a, mr := newRedisManager(t)
	mustRegister(t, a, "vm-1", "alpha")

	sess := lockOne(t, a, "vm-1", machine.LockWrite)
	if !mr.Exists(writerKey("vm-1")) {
		t.Fatal("writer key missing after lock")
	}

	b := attachRedisManager(t, mr, WithNoWait())
	m, err := b.FindMachine(ctx, "vm-1")
	if err != nil {
		t.Fatalf("find machine via second manager: %v", err)
	}
	other, _ := b.NewSession(ctx)
	if err := m.Lock(ctx, other, machine.LockWrite); !errors.Is(err, machine.ErrAlreadyLocked) {
		t.Fatalf("expected ErrAlreadyLocked, got %v", err)
	}

	if err := sess.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if mr.Exists(writerKey("vm-1")) {
		t.Fatal("writer key left behind after unlock")
	}

	next := lockOne(t, b, "vm-1", machine.LockWrite)
	if err := next.Unlock(ctx); err != nil {
		t.Fatalf("unlock via second manager: %v", err)
	}
}

func TestRedisSharedLocksAcrossManagers(t *testing.T) {
	ctx := context.Background()
	a, mr := newRedisManager(t)
	mustRegister(t, a, "vm-1", "alpha")
	b := attachRedisManager(t, mr)
	c := attachRedisManager(t, mr, WithNoWait())

	first := lockOne(t, a, "vm-1", machine.LockShared)
	second := lockOne(t, b, "vm-1", machine.LockShared)

	m, _ := c.FindMachine(ctx, "vm-1")
	writer, _ := c.NewSession(ctx)
	if err := m.Lock(ctx, writer, machine.LockWrite); !errors.Is(err, machine.ErrAlreadyLocked) {
		t.Fatalf("expected ErrAlreadyLocked while readers hold, got %v", err)
	}

	if err := first.Unlock(ctx); err != nil {
		t.Fatalf("unlock first: %v", err)
	}
	if err := second.Unlock(ctx); err != nil {
		t.Fatalf("unlock second: %v", err)
	}

	got := lockOne(t, c, "vm-1", machine.LockWrite)
	if err := got.Unlock(ctx); err != nil {
		t.Fatalf("unlock writer: %v", err)
	}
}

func TestRedisLeaseExpiresWithoutRenewal(t *testing.T) {
	a, mr := newRedisManager(t, WithSessionTTL(time.Hour))
	mustRegister(t, a, "vm-1", "alpha")

	lockOne(t, a, "vm-1", machine.LockWrite)
	mr.FastForward(2 * time.Hour)

	st, err := a.sessionState(context.Background(), "vm-1")
	if err != nil {
		t.Fatalf("session state: %v", err)
	}
	if st != machine.StateUnlocked {
		t.Fatalf("expected unlocked after lease expiry, got %s", st)
	}

	b := attachRedisManager(t, mr)
	next := lockOne(t, b, "vm-1", machine.LockWrite)
	if err := next.Unlock(context.Background()); err != nil {
		t.Fatalf("unlock: %v", err)
	}
}

func TestRedisRenewalKeepsLeaseAlive(t *testing.T) {
	a, mr := newRedisManager(t, WithSessionTTL(100*time.Millisecond))
	mustRegister(t, a, "vm-1", "alpha")

	sess := lockOne(t, a, "vm-1", machine.LockWrite)
	defer sess.Unlock(context.Background())

	mr.FastForward(80 * time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if mr.TTL(writerKey("vm-1")) > 80*time.Millisecond {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("lease was never renewed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRedisStaleReaderIsPruned(t *testing.T) {
	a, mr := newRedisManager(t)
	mustRegister(t, a, "vm-1", "alpha")

	stale := strconv.FormatInt(time.Now().Add(-time.Second).UnixMilli(), 10)
	mr.HSet(readersKey("vm-1"), "dead-token", stale)

	sess := lockOne(t, a, "vm-1", machine.LockWrite)
	defer sess.Unlock(context.Background())

	if mr.HGet(readersKey("vm-1"), "dead-token") != "" {
		t.Fatal("stale reader survived write acquisition")
	}
}

func TestRedisNotRegistered(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newRedisManager(t)

	if _, err := mgr.FindMachine(ctx, "vm-404"); !machine.IsNotRegistered(err) {
		t.Fatalf("expected not registered, got %v", err)
	}

	mustRegister(t, mgr, "vm-1", "alpha")
	m, err := mgr.FindMachine(ctx, "vm-1")
	if err != nil {
		t.Fatalf("find machine: %v", err)
	}
	if err := mgr.UnregisterMachine(ctx, "vm-1"); err != nil {
		t.Fatalf("unregister: %v", err)
	}

	sess, _ := mgr.NewSession(ctx)
	if err := m.Lock(ctx, sess, machine.LockWrite); !machine.IsNotRegistered(err) {
		t.Fatalf("expected not registered on stale handle, got %v", err)
	}
	if sess.State() != machine.StateUnlocked {
		t.Fatalf("failed lock must leave session unlocked, got %s", sess.State())
	}
}

func TestRedisContentionTimesOut(t *testing.T) {
	a, mr := newRedisManager(t)
	mustRegister(t, a, "vm-1", "alpha")

	sess := lockOne(t, a, "vm-1", machine.LockWrite)
	defer sess.Unlock(context.Background())

	b := attachRedisManager(t, mr, WithPollInterval(30*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	m, err := b.FindMachine(ctx, "vm-1")
	if err != nil {
		t.Fatalf("find machine: %v", err)
	}
	waiter, _ := b.NewSession(ctx)
	if err := m.Lock(ctx, waiter, machine.LockWrite); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRedisPollFallbackSeesForeignRelease(t *testing.T) {
	a, mr := newRedisManager(t)
	mustRegister(t, a, "vm-1", "alpha")
	sess := lockOne(t, a, "vm-1", machine.LockWrite)

	// The waiter runs in its own manager with its own private bus, so only
	// the poll fallback can observe the release.
	b := attachRedisManager(t, mr, WithPollInterval(30*time.Millisecond))
	acquired := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		m, err := b.FindMachine(ctx, "vm-1")
		if err != nil {
			acquired <- err
			return
		}
		waiter, err := b.NewSession(ctx)
		if err != nil {
			acquired <- err
			return
		}
		acquired <- m.Lock(ctx, waiter, machine.LockWrite)
	}()

	time.Sleep(100 * time.Millisecond)
	if err := sess.Unlock(context.Background()); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("waiter did not acquire after foreign release: %v", err)
		}
	case <-time.After(4 * time.Second):
		t.Fatal("waiter never woke up")
	}
}

func TestRedisUnlockPublishesRelease(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newRedisManager(t)
	mustRegister(t, mgr, "vm-1", "alpha")

	sess := lockOne(t, mgr, "vm-1", machine.LockWrite)
	ch, err := mgr.bus.Subscribe(ctx, sessionbus.UnlockKey("vm-1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer mgr.bus.Unsubscribe(ctx, sessionbus.UnlockKey("vm-1"), ch)

	if err := sess.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no release event on the session bus")
	}
}

func TestRedisForceReleaseRevokesForeignHolder(t *testing.T) {
	ctx := context.Background()
	a, mr := newRedisManager(t)
	mustRegister(t, a, "vm-1", "alpha")

	lockOne(t, a, "vm-1", machine.LockWrite)

	b := attachRedisManager(t, mr)
	n, err := b.ForceRelease(ctx, "vm-1")
	if err != nil {
		t.Fatalf("force release: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 revoked session, got %d", n)
	}
	if mr.Exists(writerKey("vm-1")) {
		t.Fatal("writer key survived force release")
	}

	next := lockOne(t, b, "vm-1", machine.LockWrite)
	if err := next.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
}

func TestRedisUnregisterWhileLocked(t *testing.T) {
	ctx := context.Background()
	mgr, mr := newRedisManager(t)
	mustRegister(t, mgr, "vm-1", "alpha")

	sess := lockOne(t, mgr, "vm-1", machine.LockShared)
	if err := mgr.UnregisterMachine(ctx, "vm-1"); !errors.Is(err, machine.ErrMachineInUse) {
		t.Fatalf("expected ErrMachineInUse, got %v", err)
	}
	if err := sess.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	// Expired leftovers from dead holders do not block removal.
	stale := strconv.FormatInt(time.Now().Add(-time.Second).UnixMilli(), 10)
	mr.HSet(readersKey("vm-1"), "dead-token", stale)
	if err := mgr.UnregisterMachine(ctx, "vm-1"); err != nil {
		t.Fatalf("unregister with stale reader: %v", err)
	}
	if mr.Exists(readersKey("vm-1")) {
		t.Fatal("readers hash left behind after unregister")
	}
}
