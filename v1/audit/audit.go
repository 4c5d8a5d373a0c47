// Package audit cross-checks the sessions a manager holds against the lock
// state its backend reports.
package audit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-vmlock/v1/machine"
	"github.com/mirkobrombin/go-vmlock/v1/manager"
)

// Mode defines auditor behaviour when a mismatch is found.
type Mode int

const (
	// ModeNoop only counts mismatches.
	ModeNoop Mode = iota
	// ModeAlert counts and logs each mismatch.
	ModeAlert
	// ModeHeal counts, logs, and unlocks the stale session so the manager
	// drops its dead binding.
	ModeHeal
)

// Registry is the manager surface the auditor scans. The bundled manager
// backends all implement it.
type Registry interface {
	machine.Manager
	Machines(ctx context.Context) ([]manager.Info, error)
}

// Auditor periodically compares held sessions against backend lock state.
//
// A mismatch is a session this manager still considers live on a machine the
// backend reports unlocked. That happens when a lease expires between
// renewals or an operator force-releases the machine from another node.
// Healing drops the local binding only; locks owned by other managers are
// never touched.
type Auditor struct {
	reg        Registry
	mode       Mode
	interval   time.Duration
	mismatches atomic.Uint64
}

// New creates a new Auditor.
func New(reg Registry, mode Mode, interval time.Duration) *Auditor {
	return &Auditor{reg: reg, mode: mode, interval: interval}
}

// Run starts the audit loop and blocks until ctx ends.
func (a *Auditor) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Scan(ctx)
		}
	}
}

// Scan performs one audit pass and returns the number of mismatches found.
func (a *Auditor) Scan(ctx context.Context) int {
	infos, err := a.reg.Machines(ctx)
	if err != nil {
		return 0
	}
	found := 0
	for _, info := range infos {
		sess, ok := a.reg.Held(info.ID)
		if !ok || sess.State() != machine.StateLocked {
			continue
		}
		m, err := a.reg.FindMachine(ctx, info.ID)
		if err != nil {
			continue
		}
		state, err := m.SessionState(ctx)
		if err != nil || state != machine.StateUnlocked {
			// Locked could be us or a foreign holder; only a missing lock
			// under a held session is provably stale.
			continue
		}
		found++
		a.mismatches.Add(1)
		if a.mode == ModeNoop {
			continue
		}
		slog.Warn("vmlock: held session has no backend lock", "machine", info.ID)
		if a.mode == ModeHeal {
			_ = sess.Unlock(ctx)
		}
	}
	return found
}

// Mismatches returns the number of mismatches detected since creation.
func (a *Auditor) Mismatches() uint64 {
	return a.mismatches.Load()
}
