// Package presets wires complete coordinator deployments so callers do not
// have to assemble the registry, the session bus, and the watch stream by
// hand.
package presets

import (
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-vmlock/v1/manager"
	"github.com/mirkobrombin/go-vmlock/v1/sessionbus"
	"github.com/mirkobrombin/go-vmlock/v1/watch"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Redis is a deployment where the registry, the session bus, and the watch
// stream all live on one Redis, so managers in different processes contend
// for the same machines and observe each other's releases.
type Redis struct {
	Client  *redis.Client
	Manager *manager.Redis
	Bus     *sessionbus.RedisBus
	Watch   *watch.RedisBus
}

// NewRedis builds a Redis deployment sharing a single client across all
// layers.
func NewRedis(opts RedisOptions, mopts ...manager.Option) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	// Bus: Redis Pub/Sub wakeups for blocked waiters
	bus := sessionbus.NewRedisBus(client)

	// Watch: Redis Streams with a bounded tail per machine
	wb := watch.NewRedisBus(client)

	// Registry and lock state share the same client
	mopts = append(mopts, manager.WithWatch(wb))
	mgr := manager.NewRedis(client, bus, mopts...)

	return &Redis{Client: client, Manager: mgr, Bus: bus, Watch: wb}
}

// Close shuts down the bus subscriptions and the shared client.
func (r *Redis) Close() error {
	r.Bus.Close()
	return r.Client.Close()
}

// Local is a deployment that runs entirely in-process with no external
// dependencies. Useful for tests and single-process tooling.
type Local struct {
	Manager *manager.InMemory
	Bus     *sessionbus.InMemoryBus
	Watch   *watch.Hub
}

// NewLocal builds an in-process deployment.
func NewLocal(mopts ...manager.Option) *Local {
	bus := sessionbus.NewInMemoryBus()
	hub := watch.NewHub()
	mopts = append(mopts, manager.WithWatch(hub))
	return &Local{
		Manager: manager.NewInMemory(bus, mopts...),
		Bus:     bus,
		Watch:   hub,
	}
}

// SQLite is a deployment where lock state lives in a SQLite file shared
// between processes. Wakeups and watch events stay in-process; foreign
// releases are observed on the poll interval.
type SQLite struct {
	Manager *manager.SQLite
	Bus     *sessionbus.InMemoryBus
	Watch   *watch.Hub
}

// NewSQLite builds a file-backed deployment at path.
func NewSQLite(path string, mopts ...manager.Option) (*SQLite, error) {
	bus := sessionbus.NewInMemoryBus()
	hub := watch.NewHub()
	mopts = append(mopts, manager.WithWatch(hub))
	mgr, err := manager.OpenSQLite(path, bus, mopts...)
	if err != nil {
		return nil, err
	}
	return &SQLite{Manager: mgr, Bus: bus, Watch: hub}, nil
}

// Close closes the database handle.
func (s *SQLite) Close() error {
	return s.Manager.Close()
}
