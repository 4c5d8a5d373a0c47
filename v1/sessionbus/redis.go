package sessionbus

import (
	"context"
	stdErrors "errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	vmerrors "github.com/mirkobrombin/go-vmlock/v1/errors"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-vmlock/v1/sessionbus")

const (
	redisBusTimeout = 5 * time.Second
	seenTTL         = time.Minute
)

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan struct{}
}

// RedisBus implements Bus on Redis pub/sub, for managers whose lock waiters
// span processes. Payload IDs are tracked in a TTL cache so a publish echoed
// back to its own process does not wake waiters twice.
type RedisBus struct {
	mu     sync.Mutex
	client *redis.Client
	subs   map[string]*redisSubscription
	seen   *ristretto.Cache

	published atomic.Uint64
	delivered atomic.Uint64
}

// NewRedisBus returns a new RedisBus using the provided client. The client
// remains owned by the caller.
func NewRedisBus(client *redis.Client) *RedisBus {
	seen, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,     // number of payload IDs to track frequency of (10k).
		MaxCost:     1 << 12, // at cost 1 per ID, caps live entries at 4096.
		BufferItems: 64,
	})
	if err != nil {
		panic(err)
	}
	return &RedisBus{
		client: client,
		subs:   make(map[string]*redisSubscription),
		seen:   seen,
	}
}

// Publish implements Bus.Publish. It retries with backoff until ctx ends,
// reconnecting when the client looks dead.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "RedisBus.Publish", trace.WithAttributes(attribute.String("vmlock.bus.key", key)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return vmerrors.ErrTimeout
		}
		return err
	}

	id := uuid.NewString()
	backoff := 100 * time.Millisecond
	for {
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		err := b.client.Publish(cctx, key, id).Err()
		cancel()
		if err == nil {
			b.published.Add(1)
			return nil
		}
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return vmerrors.ErrTimeout
		}
		_ = b.reconnect()
		select {
		case <-ctx.Done():
			if stdErrors.Is(ctx.Err(), context.DeadlineExceeded) {
				return vmerrors.ErrTimeout
			}
			return ctx.Err()
		default:
		}
		jitter := time.Duration(rand.Int63n(int64(backoff)))
		time.Sleep(backoff + jitter)
		if backoff < time.Second {
			backoff *= 2
			if backoff > time.Second {
				backoff = time.Second
			}
		}
	}
}

// Subscribe implements Bus.Subscribe. The subscription is removed when ctx
// ends.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, vmerrors.ErrTimeout
		}
		return nil, err
	}

	ch := make(chan struct{}, 1)
	b.mu.Lock()
	if sub, ok := b.subs[key]; ok {
		sub.chans = append(sub.chans, ch)
		b.mu.Unlock()
	} else {
		b.mu.Unlock()
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		ps := b.client.Subscribe(cctx, key)
		_, err := ps.Receive(cctx)
		cancel()
		if err != nil {
			_ = ps.Close()
			if stdErrors.Is(err, context.DeadlineExceeded) {
				return nil, vmerrors.ErrTimeout
			}
			return nil, err
		}
		b.mu.Lock()
		if sub, ok := b.subs[key]; ok {
			// Lost the race with a concurrent first subscriber.
			sub.chans = append(sub.chans, ch)
			b.mu.Unlock()
			_ = ps.Close()
		} else {
			sub = &redisSubscription{pubsub: ps, chans: []chan struct{}{ch}}
			b.subs[key] = sub
			b.mu.Unlock()
			go b.dispatch(key, sub)
		}
	}

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

func (b *RedisBus) checkSeen(id string) bool {
	if _, ok := b.seen.Get(id); ok {
		return true
	}
	// Entries still in ristretto's buffers may slip through; a duplicate
	// wakeup only costs waiters one extra state check.
	b.seen.SetWithTTL(id, struct{}{}, 1, seenTTL)
	return false
}

func (b *RedisBus) dispatch(key string, sub *redisSubscription) {
	for msg := range sub.pubsub.Channel() {
		if b.checkSeen(msg.Payload) {
			continue
		}
		b.mu.Lock()
		chans := append([]chan struct{}(nil), sub.chans...)
		b.mu.Unlock()
		for _, ch := range chans {
			select {
			case ch <- struct{}{}:
				b.delivered.Add(1)
			default:
			}
		}
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 {
		delete(b.subs, key)
		b.mu.Unlock()
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		defer cancel()
		_ = sub.pubsub.Unsubscribe(cctx, key)
		if err := sub.pubsub.Close(); err != nil {
			if stdErrors.Is(err, redis.ErrClosed) {
				return vmerrors.ErrConnectionClosed
			}
			return err
		}
		return nil
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}

func (b *RedisBus) reconnect() error {
	if b.client != nil && b.client.Ping(context.Background()).Err() == nil {
		return nil
	}
	opts := b.client.Options()
	b.client = redis.NewClient(opts)
	b.mu.Lock()
	for key, sub := range b.subs {
		_ = sub.pubsub.Close()
		ps := b.client.Subscribe(context.Background(), key)
		_, _ = ps.Receive(context.Background())
		sub.pubsub = ps
		go b.dispatch(key, sub)
	}
	b.mu.Unlock()
	return nil
}

// Close closes all subscriptions and drops the dedup cache. The Redis client
// is left open for the caller.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		_ = sub.pubsub.Close()
		for _, ch := range sub.chans {
			close(ch)
		}
	}
	b.subs = make(map[string]*redisSubscription)
	b.seen.Close()
	return nil
}
