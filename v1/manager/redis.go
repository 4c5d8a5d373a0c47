package manager

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-vmlock/v1/machine"
	"github.com/mirkobrombin/go-vmlock/v1/sessionbus"
)

const renewTimeout = 2 * time.Second

func machineKey(id string) string { return "vmlock:machine:" + id }
func writerKey(id string) string  { return "vmlock:writer:" + id }
func readersKey(id string) string { return "vmlock:readers:" + id }

// Reader hash fields map session token to expiry in unix milliseconds, zero
// meaning no expiry. Stale fields from dead holders are pruned lazily by the
// write lock script.
var writeLockScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[3]) == 0 then
    return -1
end
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
local readers = redis.call("HGETALL", KEYS[2])
for i = 1, #readers, 2 do
    local exp = tonumber(readers[i + 1])
    if exp ~= 0 and exp <= tonumber(ARGV[3]) then
        redis.call("HDEL", KEYS[2], readers[i])
    end
end
if redis.call("HLEN", KEYS[2]) > 0 then
    return 0
end
if ARGV[2] == "0" then
    redis.call("SET", KEYS[1], ARGV[1])
else
    redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
end
return 1
`)

var sharedLockScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[3]) == 0 then
    return -1
end
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
return 1
`)

var writeUnlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var sharedUnlockScript = redis.NewScript(`
return redis.call("HDEL", KEYS[1], ARGV[1])
`)

var renewWriteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

var renewSharedScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1 then
    redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
    return 1
end
return 0
`)

var unregisterScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return 0
end
if redis.call("EXISTS", KEYS[2]) == 1 then
    return -1
end
local readers = redis.call("HGETALL", KEYS[3])
for i = 1, #readers, 2 do
    local exp = tonumber(readers[i + 1])
    if exp == 0 or exp > tonumber(ARGV[1]) then
        return -1
    end
end
redis.call("DEL", KEYS[1], KEYS[3])
return 1
`)

// Redis implements machine.Manager on a shared Redis, so managers in many
// processes contend for the same machines. Blocked waiters sleep on the
// session bus and re-check on a poll interval in case a release signal raced
// the subscription.
type Redis struct {
	client *redis.Client
	bus    sessionbus.Bus
	cfg    config

	mu   sync.Mutex
	held map[string]*redisSession
}

// NewRedis returns a new Redis manager using the provided client. A nil bus
// falls back to a private in-memory bus, which only wakes waiters in this
// process.
func NewRedis(client *redis.Client, bus sessionbus.Bus, opts ...Option) *Redis {
	if bus == nil {
		bus = sessionbus.NewInMemoryBus()
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Redis{client: client, bus: bus, cfg: cfg, held: make(map[string]*redisSession)}
}

// RegisterMachine adds a machine to the registry.
func (r *Redis) RegisterMachine(ctx context.Context, id, name string) error {
	ok, err := r.client.HSetNX(ctx, machineKey(id), "name", name).Result()
	if err != nil {
		return err
	}
	if !ok {
		return alreadyRegisteredErr(id)
	}
	return r.client.HSet(ctx, machineKey(id), "created_at", time.Now().UnixMilli()).Err()
}

// UnregisterMachine removes a machine from the registry. It fails with
// machine.ErrMachineInUse while any live session holds the machine.
func (r *Redis) UnregisterMachine(ctx context.Context, id string) error {
	res, err := unregisterScript.Run(ctx, r.client,
		[]string{machineKey(id), writerKey(id), readersKey(id)},
		time.Now().UnixMilli()).Result()
	if err != nil {
		return err
	}
	switch res.(int64) {
	case 1:
		return nil
	case -1:
		return machineInUseErr(id)
	default:
		return notRegisteredErr(id)
	}
}

// Machines lists the registered machines sorted by id.
func (r *Redis) Machines(ctx context.Context) ([]Info, error) {
	var infos []Info
	iter := r.client.Scan(ctx, 0, machineKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		id := strings.TrimPrefix(key, machineKey(""))
		name, err := r.client.HGet(ctx, key, "name").Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		infos = append(infos, Info{ID: id, Name: name})
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

// FindMachine implements machine.Manager.FindMachine.
func (r *Redis) FindMachine(ctx context.Context, id string) (machine.Machine, error) {
	name, err := r.client.HGet(ctx, machineKey(id), "name").Result()
	if err == redis.Nil {
		return nil, notRegisteredErr(id)
	}
	if err != nil {
		return nil, err
	}
	return &redisMachine{mgr: r, id: id, name: name}, nil
}

// NewSession implements machine.Manager.NewSession.
func (r *Redis) NewSession(ctx context.Context) (machine.Session, error) {
	token, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	return &redisSession{mgr: r, token: token, state: machine.StateUnlocked}, nil
}

// Held implements machine.Manager.Held.
func (r *Redis) Held(machineID string) (machine.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.held[machineID]
	if !ok {
		return nil, false
	}
	return sess, true
}

// ForceRelease drops the writer key and the whole readers hash for the
// machine regardless of owner, and wakes all waiters. It returns how many
// sessions were revoked.
func (r *Redis) ForceRelease(ctx context.Context, id string) (int, error) {
	exists, err := r.client.Exists(ctx, machineKey(id)).Result()
	if err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, notRegisteredErr(id)
	}

	n := 0
	if has, err := r.client.Exists(ctx, writerKey(id)).Result(); err == nil && has > 0 {
		n++
	}
	if hlen, err := r.client.HLen(ctx, readersKey(id)).Result(); err == nil {
		n += int(hlen)
	}
	if err := r.client.Del(ctx, writerKey(id), readersKey(id)).Err(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	delete(r.held, id)
	r.mu.Unlock()

	if n > 0 {
		_ = r.bus.Publish(ctx, sessionbus.UnlockKey(id))
		r.cfg.publishWatch(ctx, id, machine.StateUnlocked, machine.LockNone)
	}
	return n, nil
}

func (r *Redis) lock(ctx context.Context, id string, sess machine.Session, mode machine.LockMode) error {
	rs, ok := sess.(*redisSession)
	if !ok || rs.mgr != r {
		return errForeignSession
	}
	if err := checkMode(mode); err != nil {
		return err
	}
	if err := rs.claim(); err != nil {
		return err
	}

	ttlMillis := int64(0)
	if r.cfg.ttl > 0 {
		ttlMillis = r.cfg.ttl.Milliseconds()
	}

	for {
		var (
			res interface{}
			err error
		)
		keys := []string{writerKey(id), readersKey(id), machineKey(id)}
		if mode == machine.LockWrite {
			res, err = writeLockScript.Run(ctx, r.client, keys,
				rs.token, ttlMillis, time.Now().UnixMilli()).Result()
		} else {
			res, err = sharedLockScript.Run(ctx, r.client, keys,
				rs.token, sharedExpiry(ttlMillis)).Result()
		}
		if err != nil {
			rs.unclaim()
			return err
		}
		switch res.(int64) {
		case 1:
			r.mu.Lock()
			r.held[id] = rs
			r.mu.Unlock()
			rs.bind(id, mode)
			if ttlMillis > 0 {
				go rs.renewLoop(id, mode, r.cfg.ttl, ttlMillis)
			}
			r.cfg.publishWatch(ctx, id, machine.StateLocked, mode)
			return nil
		case -1:
			rs.unclaim()
			return notRegisteredErr(id)
		}

		if r.cfg.noWait {
			rs.unclaim()
			return alreadyLockedErr(id)
		}
		ch, err := r.bus.Subscribe(ctx, sessionbus.UnlockKey(id))
		if err != nil {
			rs.unclaim()
			return err
		}
		select {
		case <-ch:
		case <-time.After(r.cfg.poll):
		case <-ctx.Done():
			_ = r.bus.Unsubscribe(context.Background(), sessionbus.UnlockKey(id), ch)
			rs.unclaim()
			return ctx.Err()
		}
		_ = r.bus.Unsubscribe(context.Background(), sessionbus.UnlockKey(id), ch)
	}
}

func sharedExpiry(ttlMillis int64) int64 {
	if ttlMillis == 0 {
		return 0
	}
	return time.Now().UnixMilli() + ttlMillis
}

func (r *Redis) sessionState(ctx context.Context, id string) (machine.SessionState, error) {
	exists, err := r.client.Exists(ctx, machineKey(id)).Result()
	if err != nil {
		return machine.StateUnknown, err
	}
	if exists == 0 {
		return machine.StateUnknown, notRegisteredErr(id)
	}
	held, err := r.client.Exists(ctx, writerKey(id)).Result()
	if err != nil {
		return machine.StateUnknown, err
	}
	if held > 0 {
		return machine.StateLocked, nil
	}
	readers, err := r.client.HGetAll(ctx, readersKey(id)).Result()
	if err != nil {
		return machine.StateUnknown, err
	}
	now := time.Now().UnixMilli()
	for _, v := range readers {
		exp, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		if exp == 0 || exp > now {
			return machine.StateLocked, nil
		}
	}
	return machine.StateUnlocked, nil
}

type redisMachine struct {
	mgr     *Redis
	id      string
	name    string
	mutable bool
}

func (rm *redisMachine) ID() string   { return rm.id }
func (rm *redisMachine) Name() string { return rm.name }

func (rm *redisMachine) SessionState(ctx context.Context) (machine.SessionState, error) {
	return rm.mgr.sessionState(ctx, rm.id)
}

func (rm *redisMachine) Lock(ctx context.Context, sess machine.Session, mode machine.LockMode) error {
	return rm.mgr.lock(ctx, rm.id, sess, mode)
}

func (rm *redisMachine) SetName(ctx context.Context, name string) error {
	if !rm.mutable {
		return machine.ErrNotMutable
	}
	if err := rm.mgr.client.HSet(ctx, machineKey(rm.id), "name", name).Err(); err != nil {
		return err
	}
	rm.name = name
	return nil
}

type redisSession struct {
	mgr   *Redis
	token string

	mu        sync.Mutex
	state     machine.SessionState
	mid       string
	mode      machine.LockMode
	claimed   bool
	closed    bool
	stopRenew chan struct{}
}

func (s *redisSession) claim() error {
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

func (s *redisSession) unclaim() {
	s.mu.Lock()
	s.claimed = false
	s.mu.Unlock()
}

func (s *redisSession) bind(machineID string, mode machine.LockMode) {
	s.mu.Lock()
	s.state = machine.StateLocked
	s.mid = machineID
	s.mode = mode
	s.stopRenew = make(chan struct{})
	s.mu.Unlock()
}

// renewLoop extends the session lease at half the TTL until the session
// unlocks or the lease is lost.
func (s *redisSession) renewLoop(machineID string, mode machine.LockMode, ttl time.Duration, ttlMillis int64) {
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
			var (
				res interface{}
				err error
			)
			if mode == machine.LockWrite {
				res, err = renewWriteScript.Run(ctx, s.mgr.client,
					[]string{writerKey(machineID)}, s.token, ttlMillis).Result()
			} else {
				res, err = renewSharedScript.Run(ctx, s.mgr.client,
					[]string{readersKey(machineID)}, s.token, sharedExpiry(ttlMillis)).Result()
			}
			cancel()
			if err != nil {
				slog.Warn("vmlock: session renewal failed", "machine", machineID, "error", err)
				continue
			}
			if n, ok := res.(int64); ok && n == 0 {
				slog.Warn("vmlock: session lease lost", "machine", machineID)
				return
			}
		case <-stop:
			return
		}
	}
}

func (s *redisSession) Machine() machine.Machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != machine.StateLocked {
		return nil
	}
	name := ""
	if m, err := s.mgr.FindMachine(context.Background(), s.mid); err == nil {
		name = m.Name()
	}
	return &redisMachine{mgr: s.mgr, id: s.mid, name: name, mutable: s.mode == machine.LockWrite}
}

func (s *redisSession) State() machine.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *redisSession) Unlock(ctx context.Context) error {
	s.mu.Lock()
	if s.state != machine.StateLocked {
		s.closed = true
		s.mu.Unlock()
		return nil
	}
	s.state = machine.StateUnlocking
	id, mode := s.mid, s.mode
	if s.stopRenew != nil {
		close(s.stopRenew)
		s.stopRenew = nil
	}
	s.mu.Unlock()

	var err error
	if mode == machine.LockWrite {
		_, err = writeUnlockScript.Run(ctx, s.mgr.client, []string{writerKey(id)}, s.token).Result()
	} else {
		_, err = sharedUnlockScript.Run(ctx, s.mgr.client, []string{readersKey(id)}, s.token).Result()
	}
	if err == redis.Nil {
		err = nil
	}
	if err != nil {
		// The release did not reach Redis; the session stays locked so a
		// retry can run the script again. Renewal is not restarted, so the
		// lease lapses on its own if retries keep failing.
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
