// Package watch streams machine lock transitions to observers.
//
// Managers publish an Event on every lock and unlock, keyed by machine, so
// clients can follow a machine's lock state without polling the manager.
// Delivery is best effort: a slow watcher loses events rather than blocking
// the manager.
package watch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mirkobrombin/go-vmlock/v1/machine"
)

// Event describes one lock transition on a machine.
type Event struct {
	MachineID string    `json:"machine_id"`
	State     string    `json:"state"`
	Mode      string    `json:"mode,omitempty"`
	At        time.Time `json:"at"`
}

// NewEvent builds an Event for the given transition, stamped with the
// current time. The mode is omitted for transitions out of a lock.
func NewEvent(machineID string, state machine.SessionState, mode machine.LockMode) Event {
	ev := Event{MachineID: machineID, State: state.String(), At: time.Now().UTC()}
	if mode != machine.LockNone {
		ev.Mode = mode.String()
	}
	return ev
}

// Encode renders the event as JSON.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses an Event from its JSON encoding.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(data, &ev)
	return ev, err
}

// Bus streams lock transition events.
type Bus interface {
	// Publish sends the event to all watchers of its machine.
	Publish(ctx context.Context, ev Event) error
	// Watch subscribes to events for machineID. The returned channel
	// receives events until ctx ends or Unwatch is called.
	Watch(ctx context.Context, machineID string) (chan Event, error)
	// Unwatch stops delivering events for machineID to ch.
	Unwatch(ctx context.Context, machineID string, ch chan Event) error
}
