package manager

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/mirkobrombin/go-vmlock/v1/machine"
	"github.com/mirkobrombin/go-vmlock/v1/sessionbus"
)

var errForeignSession = errors.New("vmlock: session does not belong to this manager")

type memRecord struct {
	name    string
	writer  *memSession
	readers map[*memSession]struct{}
	notify  chan struct{}
}

func (r *memRecord) locked() bool {
	return r.writer != nil || len(r.readers) > 0
}

// InMemory implements machine.Manager with in-process state. Release events
// are still published on the session bus so external observers see them.
type InMemory struct {
	bus sessionbus.Bus
	cfg config

	mu       sync.Mutex
	machines map[string]*memRecord
	held     map[string]*memSession
}

// NewInMemory returns a new in-memory manager publishing release events on
// bus. A nil bus falls back to a private in-memory bus.
func NewInMemory(bus sessionbus.Bus, opts ...Option) *InMemory {
	if bus == nil {
		bus = sessionbus.NewInMemoryBus()
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &InMemory{
		bus:      bus,
		cfg:      cfg,
		machines: make(map[string]*memRecord),
		held:     make(map[string]*memSession),
	}
}

// RegisterMachine adds a machine to the registry.
func (m *InMemory) RegisterMachine(ctx context.Context, id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.machines[id]; ok {
		return alreadyRegisteredErr(id)
	}
	m.machines[id] = &memRecord{
		name:    name,
		readers: make(map[*memSession]struct{}),
		notify:  make(chan struct{}),
	}
	return nil
}

// UnregisterMachine removes a machine from the registry. It fails with
// machine.ErrMachineInUse while any session holds the machine.
func (m *InMemory) UnregisterMachine(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.machines[id]
	if !ok {
		return notRegisteredErr(id)
	}
	if rec.locked() {
		return machineInUseErr(id)
	}
	delete(m.machines, id)
	return nil
}

// Machines lists the registered machines sorted by id.
func (m *InMemory) Machines(ctx context.Context) ([]Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]Info, 0, len(m.machines))
	for id, rec := range m.machines {
		infos = append(infos, Info{ID: id, Name: rec.name})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

// FindMachine implements machine.Manager.FindMachine.
func (m *InMemory) FindMachine(ctx context.Context, id string) (machine.Machine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.machines[id]; !ok {
		return nil, notRegisteredErr(id)
	}
	return &memMachine{mgr: m, id: id}, nil
}

// NewSession implements machine.Manager.NewSession.
func (m *InMemory) NewSession(ctx context.Context) (machine.Session, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	return &memSession{mgr: m, id: id, state: machine.StateUnlocked}, nil
}

// Held implements machine.Manager.Held.
func (m *InMemory) Held(machineID string) (machine.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.held[machineID]
	if !ok {
		return nil, false
	}
	return sess, true
}

// ForceRelease revokes every session holding the machine regardless of
// owner and wakes all waiters. It returns how many sessions were revoked.
// Revoked sessions keep reporting their last known state; their own Unlock
// becomes a no-op.
func (m *InMemory) ForceRelease(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	rec, ok := m.machines[id]
	if !ok {
		m.mu.Unlock()
		return 0, notRegisteredErr(id)
	}
	n := len(rec.readers)
	if rec.writer != nil {
		n++
	}
	rec.writer = nil
	rec.readers = make(map[*memSession]struct{})
	close(rec.notify)
	rec.notify = make(chan struct{})
	delete(m.held, id)
	m.mu.Unlock()

	if n > 0 {
		_ = m.bus.Publish(ctx, sessionbus.UnlockKey(id))
		m.cfg.publishWatch(ctx, id, machine.StateUnlocked, machine.LockNone)
	}
	return n, nil
}

func (m *InMemory) lock(ctx context.Context, id string, sess machine.Session, mode machine.LockMode) error {
	ms, ok := sess.(*memSession)
	if !ok || ms.mgr != m {
		return errForeignSession
	}
	if err := checkMode(mode); err != nil {
		return err
	}
	if err := ms.claim(); err != nil {
		return err
	}

	for {
		m.mu.Lock()
		rec, ok := m.machines[id]
		if !ok {
			m.mu.Unlock()
			ms.unclaim()
			return notRegisteredErr(id)
		}
		busy := rec.writer != nil || (mode == machine.LockWrite && len(rec.readers) > 0)
		if !busy {
			if mode == machine.LockWrite {
				rec.writer = ms
			} else {
				rec.readers[ms] = struct{}{}
			}
			m.held[id] = ms
			m.mu.Unlock()

			ms.bind(id, mode, m.cfg.ttl)
			m.cfg.publishWatch(ctx, id, machine.StateLocked, mode)
			return nil
		}
		wait := rec.notify
		m.mu.Unlock()

		if m.cfg.noWait {
			ms.unclaim()
			return alreadyLockedErr(id)
		}
		select {
		case <-wait:
		case <-ctx.Done():
			ms.unclaim()
			return ctx.Err()
		}
	}
}

func (m *InMemory) release(ctx context.Context, id string, ms *memSession) {
	m.mu.Lock()
	rec, ok := m.machines[id]
	stillLocked := false
	if ok {
		if rec.writer == ms {
			rec.writer = nil
		}
		delete(rec.readers, ms)
		close(rec.notify)
		rec.notify = make(chan struct{})
		stillLocked = rec.locked()
	}
	if m.held[id] == ms {
		delete(m.held, id)
	}
	m.mu.Unlock()

	_ = m.bus.Publish(ctx, sessionbus.UnlockKey(id))
	if !stillLocked {
		m.cfg.publishWatch(ctx, id, machine.StateUnlocked, machine.LockNone)
	}
}

type memMachine struct {
	mgr     *InMemory
	id      string
	mutable bool
}

func (mm *memMachine) ID() string { return mm.id }

func (mm *memMachine) Name() string {
	mm.mgr.mu.Lock()
	defer mm.mgr.mu.Unlock()
	if rec, ok := mm.mgr.machines[mm.id]; ok {
		return rec.name
	}
	return ""
}

func (mm *memMachine) SessionState(ctx context.Context) (machine.SessionState, error) {
	mm.mgr.mu.Lock()
	defer mm.mgr.mu.Unlock()
	rec, ok := mm.mgr.machines[mm.id]
	if !ok {
		return machine.StateUnknown, notRegisteredErr(mm.id)
	}
	if rec.locked() {
		return machine.StateLocked, nil
	}
	return machine.StateUnlocked, nil
}

func (mm *memMachine) Lock(ctx context.Context, sess machine.Session, mode machine.LockMode) error {
	return mm.mgr.lock(ctx, mm.id, sess, mode)
}

func (mm *memMachine) SetName(ctx context.Context, name string) error {
	if !mm.mutable {
		return machine.ErrNotMutable
	}
	mm.mgr.mu.Lock()
	defer mm.mgr.mu.Unlock()
	rec, ok := mm.mgr.machines[mm.id]
	if !ok {
		return notRegisteredErr(mm.id)
	}
	rec.name = name
	return nil
}

type memSession struct {
	mgr *InMemory
	id  string

	mu      sync.Mutex
	state   machine.SessionState
	mid     string
	mode    machine.LockMode
	claimed bool
	closed  bool
	expire  *time.Timer
}

// claim reserves the session for one lock attempt so a session is never
// used twice.
func (s *memSession) claim() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return machine.ErrSessionClosed
	}
	if s.claimed {
		return machine.ErrSessionInUse
	}
	s.claimed = true
	return nil
}

func (s *memSession) unclaim() {
	s.mu.Lock()
	s.claimed = false
	s.mu.Unlock()
}

func (s *memSession) bind(machineID string, mode machine.LockMode, ttl time.Duration) {
	s.mu.Lock()
	s.state = machine.StateLocked
	s.mid = machineID
	s.mode = mode
	if ttl > 0 {
		s.expire = time.AfterFunc(ttl, func() {
			_ = s.Unlock(context.Background())
		})
	}
	s.mu.Unlock()
}

func (s *memSession) Machine() machine.Machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != machine.StateLocked {
		return nil
	}
	return &memMachine{mgr: s.mgr, id: s.mid, mutable: s.mode == machine.LockWrite}
}

func (s *memSession) State() machine.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *memSession) Unlock(ctx context.Context) error {
	s.mu.Lock()
	if s.state != machine.StateLocked {
		s.closed = true
		s.mu.Unlock()
		return nil
	}
	s.state = machine.StateUnlocking
	if s.expire != nil {
		s.expire.Stop()
		s.expire = nil
	}
	mid := s.mid
	s.mu.Unlock()

	s.mgr.release(ctx, mid, s)

	s.mu.Lock()
	s.state = machine.StateUnlocked
	s.closed = true
	s.mu.Unlock()
	return nil
}
