// Package coordinator runs operations against machines owned by a
// machine.Manager with guaranteed lock release.
//
// Every locking operation acquires a fresh session, applies the caller's
// function, and releases the session on all exit paths, including panics
// and canceled contexts. Failures come back as *LockError naming the
// operation, the machine, and the lock mode in play.
//
// The IfRegistered variants turn "machine is not registered" failures into
// an explicit absence result instead of an error, for callers racing
// against machines being unregistered behind their back.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-vmlock/v1/machine"
	"github.com/mirkobrombin/go-vmlock/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-vmlock/v1/coordinator")

// MachineOp is an operation applied to a machine view. Desc names the
// operation in errors and traces.
type MachineOp[T any] struct {
	Desc string
	Do   func(ctx context.Context, m machine.Machine) (T, error)
}

// SessionOp is an operation applied to the lock session itself, for work
// that needs the session rather than the machine view.
type SessionOp[T any] struct {
	Desc string
	Do   func(ctx context.Context, sess machine.Session) (T, error)
}

// LockError reports a failed coordinator operation. Mode is
// machine.LockNone for operations that did not take a lock.
type LockError struct {
	Op        string
	MachineID string
	Mode      machine.LockMode
	Err       error
}

func (e *LockError) Error() string {
	if e.Mode == machine.LockNone {
		return fmt.Sprintf("vmlock: error applying %q to machine %q: %v", e.Op, e.MachineID, e.Err)
	}
	return fmt.Sprintf("vmlock: error applying %q to machine %q with %s lock: %v", e.Op, e.MachineID, e.Mode, e.Err)
}

func (e *LockError) Unwrap() error { return e.Err }

// Apply looks the machine up and applies op without taking a lock. Lookup
// and op errors propagate as they are, untranslated.
func Apply[T any](ctx context.Context, mgr machine.Manager, machineID string, op MachineOp[T]) (T, error) {
	ctx, span := tracer.Start(ctx, "coordinator.Apply", trace.WithAttributes(
		attribute.String("vmlock.machine", machineID),
		attribute.String("vmlock.op", op.Desc)))
	defer span.End()

	var zero T
	m, err := mgr.FindMachine(ctx, machineID)
	if err != nil {
		return zero, err
	}
	return op.Do(ctx, m)
}

// LockAndApply locks the machine in the given mode, applies op to the
// locked machine view, and releases the lock whatever happens.
func LockAndApply[T any](ctx context.Context, mgr machine.Manager, machineID string, mode machine.LockMode, op MachineOp[T]) (T, error) {
	ctx, span := tracer.Start(ctx, "coordinator.LockAndApply", trace.WithAttributes(
		attribute.String("vmlock.machine", machineID),
		attribute.String("vmlock.mode", mode.String()),
		attribute.String("vmlock.op", op.Desc)))
	defer span.End()

	v, err := applySession(ctx, mgr, machineID, mode, SessionOp[T]{
		Desc: op.Desc,
		Do: func(ctx context.Context, sess machine.Session) (T, error) {
			return op.Do(ctx, sess.Machine())
		},
	})
	if err != nil {
		var zero T
		return zero, &LockError{Op: op.Desc, MachineID: machineID, Mode: mode, Err: err}
	}
	return v, nil
}

// LockSessionAndApply locks the machine in the given mode and applies op to
// the session holding the lock, releasing it afterwards on every path.
func LockSessionAndApply[T any](ctx context.Context, mgr machine.Manager, machineID string, mode machine.LockMode, op SessionOp[T]) (T, error) {
	ctx, span := tracer.Start(ctx, "coordinator.LockSessionAndApply", trace.WithAttributes(
		attribute.String("vmlock.machine", machineID),
		attribute.String("vmlock.mode", mode.String()),
		attribute.String("vmlock.op", op.Desc)))
	defer span.End()

	v, err := applySession(ctx, mgr, machineID, mode, op)
	if err != nil {
		var zero T
		return zero, &LockError{Op: op.Desc, MachineID: machineID, Mode: mode, Err: err}
	}
	return v, nil
}

// LockAndApplyIfRegistered behaves like LockAndApply but reports a machine
// that is not registered as absence instead of failure. The second result
// is false, with a nil error, when the machine is gone.
func LockAndApplyIfRegistered[T any](ctx context.Context, mgr machine.Manager, machineID string, mode machine.LockMode, op MachineOp[T]) (T, bool, error) {
	v, err := LockAndApply(ctx, mgr, machineID, mode, op)
	if err != nil {
		if machine.IsNotRegistered(err) {
			metrics.NotRegisteredCounter.Inc()
			var zero T
			return zero, false, nil
		}
		return v, false, err
	}
	return v, true, nil
}

// UnlockAndApply releases the machine's lock if this manager holds it, then
// applies op to the machine view. Locks held elsewhere are left alone.
func UnlockAndApply[T any](ctx context.Context, mgr machine.Manager, machineID string, op MachineOp[T]) (T, error) {
	ctx, span := tracer.Start(ctx, "coordinator.UnlockAndApply", trace.WithAttributes(
		attribute.String("vmlock.machine", machineID),
		attribute.String("vmlock.op", op.Desc)))
	defer span.End()

	var zero T
	v, err := unlockAndApply(ctx, mgr, machineID, op)
	if err != nil {
		return zero, &LockError{Op: op.Desc, MachineID: machineID, Err: err}
	}
	return v, nil
}

// UnlockAndApplyIfRegistered behaves like UnlockAndApply but reports a
// machine that is not registered as absence instead of failure.
func UnlockAndApplyIfRegistered[T any](ctx context.Context, mgr machine.Manager, machineID string, op MachineOp[T]) (T, bool, error) {
	v, err := UnlockAndApply(ctx, mgr, machineID, op)
	if err != nil {
		if machine.IsNotRegistered(err) {
			metrics.NotRegisteredCounter.Inc()
			var zero T
			return zero, false, nil
		}
		return v, false, err
	}
	return v, true, nil
}

func applySession[T any](ctx context.Context, mgr machine.Manager, machineID string, mode machine.LockMode, op SessionOp[T]) (T, error) {
	var zero T
	m, err := mgr.FindMachine(ctx, machineID)
	if err != nil {
		return zero, err
	}
	sess, err := mgr.NewSession(ctx)
	if err != nil {
		return zero, err
	}
	if err := m.Lock(ctx, sess, mode); err != nil {
		if errors.Is(err, machine.ErrAlreadyLocked) {
			metrics.ContentionCounter.Inc()
		}
		return zero, err
	}
	metrics.LockCounter.Inc()
	metrics.SessionGauge.Inc()
	return runLocked(ctx, sess, op)
}

// runLocked applies op and releases the session on every exit path. The
// release runs on a context immune to the operation's cancellation, since
// the lock must not leak when the operation is the thing that timed out.
func runLocked[T any](ctx context.Context, sess machine.Session, op SessionOp[T]) (out T, err error) {
	start := time.Now()
	defer func() {
		uerr := sess.Unlock(context.WithoutCancel(ctx))
		metrics.SessionGauge.Dec()
		metrics.UnlockCounter.Inc()
		metrics.HoldHistogram.Observe(time.Since(start).Seconds())
		if uerr != nil {
			err = errors.Join(err, uerr)
		}
	}()
	return op.Do(ctx, sess)
}

func unlockAndApply[T any](ctx context.Context, mgr machine.Manager, machineID string, op MachineOp[T]) (T, error) {
	var zero T
	m, err := mgr.FindMachine(ctx, machineID)
	if err != nil {
		return zero, err
	}
	st, err := m.SessionState(ctx)
	if err != nil {
		return zero, err
	}
	if st == machine.StateLocked {
		// Only a session this manager holds can be released. A lock held
		// elsewhere is left alone and op sees the machine as is.
		if sess, ok := mgr.Held(machineID); ok {
			if err := sess.Unlock(ctx); err != nil {
				return zero, err
			}
			metrics.UnlockCounter.Inc()
		}
	}
	return op.Do(ctx, m)
}
