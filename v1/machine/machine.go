// Package machine defines the contract between the lock coordinator and the
// manager that owns machine records and lock sessions.
//
// A Manager is the registry: it resolves machine identifiers into live
// handles and mints sessions. A Session is the unit of lock ownership and is
// single use: lock once, unlock once. Machine handles are only valid for the
// manager that produced them.
package machine

import "context"

// LockMode selects the kind of lock a session acquires on a machine.
type LockMode int

const (
	// LockNone is the zero mode. It is never a valid argument to Lock and
	// appears where no lock is involved, such as unlock-path errors.
	LockNone LockMode = iota
	// LockShared coexists with other shared holders but excludes writers.
	LockShared
	// LockWrite grants exclusive access and a mutable machine view.
	LockWrite
)

func (m LockMode) String() string {
	switch m {
	case LockNone:
		return "none"
	case LockShared:
		return "shared"
	case LockWrite:
		return "write"
	default:
		return "invalid"
	}
}

// SessionState describes the lock state of a session or a machine.
type SessionState int

const (
	// StateUnknown reports that the state could not be determined.
	StateUnknown SessionState = iota
	// StateUnlocked reports no live lock.
	StateUnlocked
	// StateLocked reports a live lock.
	StateLocked
	// StateUnlocking reports a release in progress.
	StateUnlocking
)

func (s SessionState) String() string {
	switch s {
	case StateUnlocked:
		return "unlocked"
	case StateLocked:
		return "locked"
	case StateUnlocking:
		return "unlocking"
	default:
		return "unknown"
	}
}

// Manager resolves machine identifiers and creates lock sessions.
type Manager interface {
	// FindMachine returns a handle for the machine registered under id. The
	// lookup is performed fresh on every call so registration changes between
	// calls are observed. It returns an error matching ErrNotRegistered when
	// no machine is registered under id.
	FindMachine(ctx context.Context, id string) (Machine, error)

	// NewSession returns a fresh, unlocked session.
	NewSession(ctx context.Context) (Session, error)

	// Held reports the live session this manager instance holds on the given
	// machine, if any. Locks held by other processes are not visible here.
	Held(machineID string) (Session, bool)
}

// Machine is a handle to a registered machine.
type Machine interface {
	// ID returns the machine identifier.
	ID() string

	// Name returns the display name recorded at registration.
	Name() string

	// SessionState reports the current lock state of the machine as recorded
	// by the manager, across all holders.
	SessionState(ctx context.Context) (SessionState, error)

	// Lock acquires a lock of the given mode on the machine for sess.
	// Depending on the manager it blocks until the lock is free or the
	// context ends, or fails fast with ErrAlreadyLocked.
	Lock(ctx context.Context, sess Session, mode LockMode) error

	// SetName renames the machine. It requires the mutable view obtained
	// from a write-locked session and fails with ErrNotMutable otherwise.
	SetName(ctx context.Context, name string) error
}

// Session owns at most one lock over its lifetime.
type Session interface {
	// Machine returns the locked machine view while the session holds a
	// lock, nil otherwise. The view from a write lock is mutable.
	Machine() Machine

	// State reports the session's own lifecycle state.
	State() SessionState

	// Unlock releases the held lock and closes the session. Unlocking a
	// session that holds no lock is a no-op. A closed session cannot lock
	// again.
	Unlock(ctx context.Context) error
}
