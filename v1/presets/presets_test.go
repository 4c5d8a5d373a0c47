package presets

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/mirkobrombin/go-vmlock/v1/coordinator"
	"github.com/mirkobrombin/go-vmlock/v1/machine"
)

type registrar interface {
	machine.Manager
	RegisterMachine(ctx context.Context, id, name string) error
}

func runLockedOp(t *testing.T, mgr registrar) {
	t.Helper()
	ctx := context.Background()
	if err := mgr.RegisterMachine(ctx, "vm-1", "alpha"); err != nil {
		t.Fatalf("register: %v", err)
	}

	v, err := coordinator.LockAndApply(ctx, mgr, "vm-1", machine.LockWrite, coordinator.MachineOp[string]{
		Desc: "read name",
		Do: func(ctx context.Context, m machine.Machine) (string, error) {
			return m.Name(), nil
		},
	})
	if err != nil {
		t.Fatalf("lock and apply: %v", err)
	}
	if v != "alpha" {
		t.Fatalf("expected alpha, got %s", v)
	}

	m, err := mgr.FindMachine(ctx, "vm-1")
	if err != nil {
		t.Fatalf("find machine: %v", err)
	}
	if st, err := m.SessionState(ctx); err != nil || st != machine.StateUnlocked {
		t.Fatalf("expected unlocked after op, got %s err %v", st, err)
	}
}

func TestNewLocal(t *testing.T) {
	d := NewLocal()

	events, err := d.Watch.Watch(context.Background(), "vm-1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	runLockedOp(t, d.Manager)

	select {
	case ev := <-events:
		if ev.State != "locked" {
			t.Fatalf("unexpected first event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no watch event from preset wiring")
	}
}

func TestNewRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	d := NewRedis(RedisOptions{Addr: mr.Addr()})
	defer d.Close()

	runLockedOp(t, d.Manager)
}

func TestNewSQLite(t *testing.T) {
	d, err := NewSQLite(filepath.Join(t.TempDir(), "vmlock.db"))
	if err != nil {
		t.Fatalf("new sqlite deployment: %v", err)
	}
	defer d.Close()

	runLockedOp(t, d.Manager)
}
