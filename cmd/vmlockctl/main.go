// Package main implements vmlockctl, the operator CLI for the machine lock
// coordinator.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-vmlock/v1/machine"
	"github.com/mirkobrombin/go-vmlock/v1/manager"
	"github.com/mirkobrombin/go-vmlock/v1/presets"
	"github.com/mirkobrombin/go-vmlock/v1/watch"
)

// Config selects the coordination backend. Flags override the environment.
type Config struct {
	RedisAddr     string        `env:"VMLOCK_REDIS_ADDR"`
	RedisPassword string        `env:"VMLOCK_REDIS_PASSWORD"`
	RedisDB       int           `env:"VMLOCK_REDIS_DB"`
	SQLitePath    string        `env:"VMLOCK_SQLITE_PATH"`
	SessionTTL    time.Duration `env:"VMLOCK_SESSION_TTL"`
	PollInterval  time.Duration `env:"VMLOCK_POLL_INTERVAL" envDefault:"250ms"`
	NoWait        bool          `env:"VMLOCK_NO_WAIT"`
}

var cfg Config

var (
	flagRedisAddr  string
	flagSQLitePath string
	flagTTL        time.Duration
	flagNoWait     bool
)

var rootCmd = &cobra.Command{
	Use:   "vmlockctl",
	Short: "Coordinate machine locks across processes",
	Long: `vmlockctl manages a machine registry and its lock sessions.

Machines live in a shared backend, Redis or a SQLite file, so every
invocation sees the same registry. Locks taken by "run" are released when
the wrapped command exits, on any path.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := env.Parse(&cfg); err != nil {
			return fmt.Errorf("parse env: %w", err)
		}
		// Flags win over the environment.
		if flagRedisAddr != "" {
			cfg.RedisAddr = flagRedisAddr
		}
		if flagSQLitePath != "" {
			cfg.SQLitePath = flagSQLitePath
		}
		if flagTTL > 0 {
			cfg.SessionTTL = flagTTL
		}
		if flagNoWait {
			cfg.NoWait = true
		}
		return nil
	},
}

// backend is the registry surface shared by every manager implementation.
type backend interface {
	machine.Manager
	RegisterMachine(ctx context.Context, id, name string) error
	UnregisterMachine(ctx context.Context, id string) error
	Machines(ctx context.Context) ([]manager.Info, error)
	ForceRelease(ctx context.Context, machineID string) (int, error)
}

type deployment struct {
	backend backend
	watch   watch.Bus
	sqlite  *manager.SQLite
	closer  func() error
}

func (d *deployment) Close() error { return d.closer() }

func openDeployment() (*deployment, error) {
	var opts []manager.Option
	if cfg.SessionTTL > 0 {
		opts = append(opts, manager.WithSessionTTL(cfg.SessionTTL))
	}
	if cfg.PollInterval > 0 {
		opts = append(opts, manager.WithPollInterval(cfg.PollInterval))
	}
	if cfg.NoWait {
		opts = append(opts, manager.WithNoWait())
	}

	if cfg.RedisAddr != "" {
		d := presets.NewRedis(presets.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, opts...)
		return &deployment{backend: d.Manager, watch: d.Watch, closer: d.Close}, nil
	}

	path := cfg.SQLitePath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		path = filepath.Join(home, ".vmlock", "vmlock.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	d, err := presets.NewSQLite(path, opts...)
	if err != nil {
		return nil, err
	}
	return &deployment{backend: d.Manager, watch: d.Watch, sqlite: d.Manager, closer: d.Close}, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRedisAddr, "redis", "", "Redis address, overrides VMLOCK_REDIS_ADDR")
	rootCmd.PersistentFlags().StringVar(&flagSQLitePath, "db", "", "SQLite database path, overrides VMLOCK_SQLITE_PATH")
	rootCmd.PersistentFlags().DurationVar(&flagTTL, "ttl", 0, "session TTL, overrides VMLOCK_SESSION_TTL")
	rootCmd.PersistentFlags().BoolVar(&flagNoWait, "no-wait", false, "fail fast instead of waiting for busy machines")

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(unregisterCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(forceUnlockCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(reapCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
