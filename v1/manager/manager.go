package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/mirkobrombin/go-vmlock/v1/machine"
	"github.com/mirkobrombin/go-vmlock/v1/watch"
)

// Info describes a registered machine.
type Info struct {
	ID   string
	Name string
}

type config struct {
	ttl    time.Duration
	noWait bool
	poll   time.Duration
	watch  watch.Bus
}

func defaultConfig() config {
	return config{poll: 250 * time.Millisecond}
}

// Option configures a manager backend.
type Option func(*config)

// WithSessionTTL bounds the lifetime of held sessions. See the package
// documentation for how each backend interprets the TTL. Zero means
// sessions never expire.
func WithSessionTTL(ttl time.Duration) Option {
	return func(c *config) { c.ttl = ttl }
}

// WithNoWait makes Lock fail fast with machine.ErrAlreadyLocked instead of
// blocking while another session holds the machine.
func WithNoWait() Option {
	return func(c *config) { c.noWait = true }
}

// WithPollInterval sets how often blocked Lock calls re-check the lock
// state. The default is 250ms.
func WithPollInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.poll = d
		}
	}
}

// WithWatch publishes lock transitions to the given watch bus.
func WithWatch(bus watch.Bus) Option {
	return func(c *config) { c.watch = bus }
}

func (c config) publishWatch(ctx context.Context, machineID string, state machine.SessionState, mode machine.LockMode) {
	if c.watch == nil {
		return
	}
	_ = c.watch.Publish(ctx, watch.NewEvent(machineID, state, mode))
}

func notRegisteredErr(id string) error {
	return fmt.Errorf("%w with id %q", machine.ErrNotRegistered, id)
}

func alreadyRegisteredErr(id string) error {
	return fmt.Errorf("%w: %q", machine.ErrAlreadyRegistered, id)
}

func alreadyLockedErr(id string) error {
	return fmt.Errorf("%w: machine %q", machine.ErrAlreadyLocked, id)
}

func machineInUseErr(id string) error {
	return fmt.Errorf("%w: %q", machine.ErrMachineInUse, id)
}

func checkMode(mode machine.LockMode) error {
	if mode != machine.LockShared && mode != machine.LockWrite {
		return fmt.Errorf("%w: %s", machine.ErrInvalidLockMode, mode)
	}
	return nil
}
