package machine

import (
	"errors"
	"strings"
)

// Sentinel errors returned by managers. Backends wrap these with machine
// identifiers, so match with errors.Is.
var (
	// ErrNotRegistered reports that no machine is registered under the
	// requested identifier.
	ErrNotRegistered = errors.New("vmlock: could not find a registered machine")

	// ErrAlreadyRegistered reports a registration under an identifier that
	// is already taken.
	ErrAlreadyRegistered = errors.New("vmlock: machine is already registered")

	// ErrMachineInUse reports an unregister attempt while a live session
	// still holds the machine.
	ErrMachineInUse = errors.New("vmlock: machine is in use by a live session")

	// ErrAlreadyLocked reports a fail-fast lock attempt on a machine that is
	// held by another session.
	ErrAlreadyLocked = errors.New("vmlock: machine is already locked by another session")

	// ErrSessionInUse reports a Lock call on a session that already holds a
	// lock.
	ErrSessionInUse = errors.New("vmlock: session already holds a lock")

	// ErrSessionClosed reports a Lock call on a session that was already
	// unlocked.
	ErrSessionClosed = errors.New("vmlock: session is closed")

	// ErrNotMutable reports a mutating call on a machine view that was not
	// obtained from a write-locked session.
	ErrNotMutable = errors.New("vmlock: machine is not mutable")

	// ErrInvalidLockMode reports a Lock call with a mode other than
	// LockShared or LockWrite.
	ErrInvalidLockMode = errors.New("vmlock: invalid lock mode")
)

// notRegisteredFragment is the message fragment remote managers emit for a
// missing machine. The comparison is case sensitive.
const notRegisteredFragment = "not find a registered"

// IsNotRegistered reports whether err indicates a machine that is not
// registered with the manager. It matches the ErrNotRegistered chain first
// and falls back to scanning the message text, since errors surfaced from
// remote managers are often flat strings that do not chain to the sentinel.
func IsNotRegistered(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotRegistered) {
		return true
	}
	return strings.Contains(err.Error(), notRegisteredFragment)
}
