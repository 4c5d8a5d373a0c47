package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-vmlock/v1/coordinator"
	"github.com/mirkobrombin/go-vmlock/v1/machine"
	"github.com/mirkobrombin/go-vmlock/v1/presets"
)

var (
	workers   = flag.Int("c", 16, "Number of concurrent workers")
	total     = flag.Int("n", 5000, "Total number of lock acquisitions")
	machines  = flag.Int("m", 4, "Number of machines to contend over")
	mode      = flag.String("mode", "write", "Lock mode: write or shared")
	holdTime  = flag.Duration("hold", 0, "How long each worker holds the lock")
	redisAddr = flag.String("redis", "", "Benchmark against Redis at this address instead of in-memory")
)

type registry interface {
	machine.Manager
	RegisterMachine(ctx context.Context, id, name string) error
}

func main() {
	flag.Parse()

	var lockMode machine.LockMode
	switch *mode {
	case "write":
		lockMode = machine.LockWrite
	case "shared":
		lockMode = machine.LockShared
	default:
		log.Fatalf("unknown lock mode %q", *mode)
	}

	log.Printf("Starting benchmark: %d acquisitions, %d workers, %d machines, %s locks", *total, *workers, *machines, lockMode)

	var mgr registry
	if *redisAddr != "" {
		log.Printf("Backend: Redis at %s", *redisAddr)
		d := presets.NewRedis(presets.RedisOptions{Addr: *redisAddr})
		defer d.Close()
		mgr = d.Manager
	} else {
		log.Println("Backend: InMemory")
		mgr = presets.NewLocal().Manager
	}

	ctx := context.Background()
	for i := 0; i < *machines; i++ {
		if err := mgr.RegisterMachine(ctx, fmt.Sprintf("bench-%d", i), fmt.Sprintf("bench machine %d", i)); err != nil {
			log.Fatalf("Setup failed: %v", err)
		}
	}

	// One gauge per machine; write locks must never see a second holder.
	holders := make([]atomic.Int64, *machines)
	var ops atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	per := *total / *workers
	start := time.Now()

	for w := 0; w < *workers; w++ {
		g.Go(func() error {
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(w)))
			for i := 0; i < per; i++ {
				idx := r.Intn(*machines)
				id := fmt.Sprintf("bench-%d", idx)
				_, err := coordinator.LockAndApply(gctx, mgr, id, lockMode, coordinator.MachineOp[struct{}]{
					Desc: "bench hold",
					Do: func(ctx context.Context, m machine.Machine) (struct{}, error) {
						cur := holders[idx].Add(1)
						defer holders[idx].Add(-1)
						if lockMode == machine.LockWrite && cur > 1 {
							return struct{}{}, fmt.Errorf("exclusion violated: %d concurrent holders on %s", cur, id)
						}
						if *holdTime > 0 {
							time.Sleep(*holdTime)
						}
						ops.Add(1)
						return struct{}{}, nil
					},
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Fatalf("Benchmark failed: %v", err)
	}
	elapsed := time.Since(start)

	log.Printf("Finished in %v", elapsed)
	log.Printf("Completed ops: %d", ops.Load())
	log.Printf("Throughput: %.2f locks/sec", float64(ops.Load())/elapsed.Seconds())
	log.Printf("Avg latency: %.3f ms", elapsed.Seconds()/float64(ops.Load())*1000)
}
