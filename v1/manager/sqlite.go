package manager

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/mirkobrombin/go-vmlock/v1/machine"
	"github.com/mirkobrombin/go-vmlock/v1/sessionbus"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS machines (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
    token      TEXT PRIMARY KEY,
    machine_id TEXT NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
    mode       TEXT NOT NULL,
    expires_at INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_machine ON sessions(machine_id);
`

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// SQLite implements machine.Manager on a SQLite file, so managers in several
// processes can share it through the filesystem. Cross-process releases are
// only observed on the poll interval unless the processes also share a
// session bus.
type SQLite struct {
	db  *sql.DB
	bus sessionbus.Bus
	cfg config

	mu   sync.Mutex
	held map[string]*sqliteSession
}

// OpenSQLite opens or creates the coordination database at path.
// A nil bus falls back to a private in-memory bus.
func OpenSQLite(path string, bus sessionbus.Bus, opts ...Option) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if bus == nil {
		bus = sessionbus.NewInMemoryBus()
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &SQLite{db: db, bus: bus, cfg: cfg, held: make(map[string]*sqliteSession)}, nil
}

// Close closes the database handle. Sessions held by this manager are not
// released; their leases lapse on their own.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RegisterMachine adds a machine to the registry.
func (s *SQLite) RegisterMachine(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO machines (id, name, created_at) VALUES (?, ?, ?)`,
		id, name, toMillis(time.Now()))
	if isUniqueViolation(err) {
		return alreadyRegisteredErr(id)
	}
	return err
}

// UnregisterMachine removes a machine from the registry. It fails with
// machine.ErrMachineInUse while any live session holds the machine; expired
// leftovers are removed along with the machine.
func (s *SQLite) UnregisterMachine(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var live int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE machine_id = ? AND (expires_at = 0 OR expires_at > ?)`,
		id, toMillis(time.Now())).Scan(&live)
	if err != nil {
		return err
	}
	if live > 0 {
		return machineInUseErr(id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE machine_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM machines WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notRegisteredErr(id)
	}
	return tx.Commit()
}

// Machines lists the registered machines sorted by id.
func (s *SQLite) Machines(ctx context.Context) ([]Info, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM machines ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []Info
	for rows.Next() {
		var info Info
		if err := rows.Scan(&info.ID, &info.Name); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// FindMachine implements machine.Manager.FindMachine.
func (s *SQLite) FindMachine(ctx context.Context, id string) (machine.Machine, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT name FROM machines WHERE id = ?`, id).Scan(&name)
	if err == sql.ErrNoRows {
		return nil, notRegisteredErr(id)
	}
	if err != nil {
		return nil, err
	}
	return &sqliteMachine{mgr: s, id: id, name: name}, nil
}

// NewSession implements machine.Manager.NewSession.
func (s *SQLite) NewSession(ctx context.Context) (machine.Session, error) {
	token, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	return &sqliteSession{mgr: s, token: token, state: machine.StateUnlocked}, nil
}

// Held implements machine.Manager.Held.
func (s *SQLite) Held(machineID string) (machine.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.held[machineID]
	if !ok {
		return nil, false
	}
	return sess, true
}

// ReapExpired removes sessions whose leases have lapsed, publishes release
// events for the machines they held, and returns how many sessions were
// removed. Run it periodically when holders may die without unlocking.
func (s *SQLite) ReapExpired(ctx context.Context) (int64, error) {
	now := toMillis(time.Now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT DISTINCT machine_id FROM sessions WHERE expires_at > 0 AND expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at > 0 AND expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	reaped, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		_ = s.bus.Publish(ctx, sessionbus.UnlockKey(id))
		if st, err := s.sessionState(ctx, id); err == nil && st == machine.StateUnlocked {
			s.cfg.publishWatch(ctx, id, machine.StateUnlocked, machine.LockNone)
		}
	}
	return reaped, nil
}

// ForceRelease deletes every session row for the machine regardless of
// owner and wakes all waiters. It returns how many sessions were revoked.
func (s *SQLite) ForceRelease(ctx context.Context, id string) (int, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM machines WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return 0, notRegisteredErr(id)
	}
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE machine_id = ?`, id)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	delete(s.held, id)
	s.mu.Unlock()

	if n > 0 {
		_ = s.bus.Publish(ctx, sessionbus.UnlockKey(id))
		s.cfg.publishWatch(ctx, id, machine.StateUnlocked, machine.LockNone)
	}
	return int(n), nil
}

func (s *SQLite) lock(ctx context.Context, id string, sess machine.Session, mode machine.LockMode) error {
	ss, ok := sess.(*sqliteSession)
	if !ok || ss.mgr != s {
		return errForeignSession
	}
	if err := checkMode(mode); err != nil {
		return err
	}
	if err := ss.claim(); err != nil {
		return err
	}

	for {
		granted, err := s.tryLock(ctx, id, ss.token, mode)
		if err != nil {
			ss.unclaim()
			return err
		}
		if granted {
			s.mu.Lock()
			s.held[id] = ss
			s.mu.Unlock()
			ss.bind(id, mode)
			if s.cfg.ttl > 0 {
				go ss.renewLoop(id, s.cfg.ttl)
			}
			s.cfg.publishWatch(ctx, id, machine.StateLocked, mode)
			return nil
		}

		if s.cfg.noWait {
			ss.unclaim()
			return alreadyLockedErr(id)
		}
		ch, err := s.bus.Subscribe(ctx, sessionbus.UnlockKey(id))
		if err != nil {
			ss.unclaim()
			return err
		}
		select {
		case <-ch:
		case <-time.After(s.cfg.poll):
		case <-ctx.Done():
			_ = s.bus.Unsubscribe(context.Background(), sessionbus.UnlockKey(id), ch)
			ss.unclaim()
			return ctx.Err()
		}
		_ = s.bus.Unsubscribe(context.Background(), sessionbus.UnlockKey(id), ch)
	}
}

// tryLock makes one acquisition attempt in a transaction. Expired leases are
// pruned first so a dead holder cannot block the machine forever.
func (s *SQLite) tryLock(ctx context.Context, id, token string, mode machine.LockMode) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at > 0 AND expires_at <= ?`, toMillis(now)); err != nil {
		return false, err
	}

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM machines WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, notRegisteredErr(id)
	}
	if err != nil {
		return false, err
	}

	var busy int
	if mode == machine.LockWrite {
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sessions WHERE machine_id = ?`, id).Scan(&busy)
	} else {
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sessions WHERE machine_id = ? AND mode = ?`,
			id, machine.LockWrite.String()).Scan(&busy)
	}
	if err != nil {
		return false, err
	}
	if busy > 0 {
		return false, nil
	}

	expires := int64(0)
	if s.cfg.ttl > 0 {
		expires = toMillis(now.Add(s.cfg.ttl))
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (token, machine_id, mode, expires_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		token, id, mode.String(), expires, toMillis(now)); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *SQLite) sessionState(ctx context.Context, id string) (machine.SessionState, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM machines WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return machine.StateUnknown, notRegisteredErr(id)
	}
	if err != nil {
		return machine.StateUnknown, err
	}
	var live int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE machine_id = ? AND (expires_at = 0 OR expires_at > ?)`,
		id, toMillis(time.Now())).Scan(&live)
	if err != nil {
		return machine.StateUnknown, err
	}
	if live > 0 {
		return machine.StateLocked, nil
	}
	return machine.StateUnlocked, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

type sqliteMachine struct {
	mgr     *SQLite
	id      string
	name    string
	mutable bool
}

func (sm *sqliteMachine) ID() string   { return sm.id }
func (sm *sqliteMachine) Name() string { return sm.name }

func (sm *sqliteMachine) SessionState(ctx context.Context) (machine.SessionState, error) {
	return sm.mgr.sessionState(ctx, sm.id)
}

func (sm *sqliteMachine) Lock(ctx context.Context, sess machine.Session, mode machine.LockMode) error {
	return sm.mgr.lock(ctx, sm.id, sess, mode)
}

func (sm *sqliteMachine) SetName(ctx context.Context, name string) error {
	if !sm.mutable {
		return machine.ErrNotMutable
	}
	res, err := sm.mgr.db.ExecContext(ctx, `UPDATE machines SET name = ? WHERE id = ?`, name, sm.id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notRegisteredErr(sm.id)
	}
	sm.name = name
	return nil
}

type sqliteSession struct {
	mgr   *SQLite
	token string

	mu        sync.Mutex
	state     machine.SessionState
	mid       string
	mode      machine.LockMode
	claimed   bool
	closed    bool
	stopRenew chan struct{}
}

func (s *sqliteSession) claim() error {
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

func (s *sqliteSession) unclaim() {
	s.mu.Lock()
	s.claimed = false
	s.mu.Unlock()
}

func (s *sqliteSession) bind(machineID string, mode machine.LockMode) {
	s.mu.Lock()
	s.state = machine.StateLocked
	s.mid = machineID
	s.mode = mode
	s.stopRenew = make(chan struct{})
	s.mu.Unlock()
}

// renewLoop extends the session lease at half the TTL until the session
// unlocks or the lease is lost.
func (s *sqliteSession) renewLoop(machineID string, ttl time.Duration) {
	interval := ttl / 2
	if interval <= 0 {
		interval = ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.mu.Lock()
	stop := s.stopRenew
	s.mu.Unlock()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), renewTimeout)
			res, err := s.mgr.db.ExecContext(ctx,
				`UPDATE sessions SET expires_at = ? WHERE token = ?`,
				toMillis(time.Now().Add(ttl)), s.token)
			cancel()
			if err != nil {
				slog.Warn("vmlock: session renewal failed", "machine", machineID, "error", err)
				continue
			}
			if n, err := res.RowsAffected(); err == nil && n == 0 {
				slog.Warn("vmlock: session lease lost", "machine", machineID)
				return
			}
		case <-stop:
			return
		}
	}
}

func (s *sqliteSession) Machine() machine.Machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != machine.StateLocked {
		return nil
	}
	name := ""
	if m, err := s.mgr.FindMachine(context.Background(), s.mid); err == nil {
		name = m.Name()
	}
	return &sqliteMachine{mgr: s.mgr, id: s.mid, name: name, mutable: s.mode == machine.LockWrite}
}

func (s *sqliteSession) State() machine.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *sqliteSession) Unlock(ctx context.Context) error {
	s.mu.Lock()
	if s.state != machine.StateLocked {
		s.closed = true
		s.mu.Unlock()
		return nil
	}
	s.state = machine.StateUnlocking
	id := s.mid
	if s.stopRenew != nil {
		close(s.stopRenew)
		s.stopRenew = nil
	}
	s.mu.Unlock()

	if _, err := s.mgr.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, s.token); err != nil {
		s.mu.Lock()
		s.state = machine.StateLocked
		s.mu.Unlock()
		return err
	}

	s.mgr.mu.Lock()
	if s.mgr.held[id] == s {
		delete(s.mgr.held, id)
	}
	s.mgr.mu.Unlock()

	_ = s.mgr.bus.Publish(ctx, sessionbus.UnlockKey(id))
	if st, err := s.mgr.sessionState(ctx, id); err == nil && st == machine.StateUnlocked {
		s.mgr.cfg.publishWatch(ctx, id, machine.StateUnlocked, machine.LockNone)
	}

	s.mu.Lock()
	s.state = machine.StateUnlocked
	s.closed = true
	s.mu.Unlock()
	return nil
}
