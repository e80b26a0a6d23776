package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisDialTimeout  = 3 * time.Second
	redisPingInterval = 5 * time.Second
	backoffFloor      = 250 * time.Millisecond
	backoffCeiling    = 30 * time.Second
)

// RedisTransport carries bus traffic over Redis pub/sub so multiple
// registry-adjacent processes see the same channels. A background probe
// watches connectivity and reports transitions on the status channel;
// go-redis re-establishes subscriptions itself once the server returns.
type RedisTransport struct {
	rdb    *redis.Client
	mu     sync.Mutex
	subs   []*redis.PubSub
	status chan TransportStatus
	stop   chan struct{}
	closed bool
}

// DialRedis probes a Redis server and returns a transport bound to it.
// The caller decides whether a failed probe means falling back to the
// in-memory transport.
func DialRedis(ctx context.Context, addr, password string, db int) (*RedisTransport, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  redisDialTimeout,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	t := &RedisTransport{
		rdb:    rdb,
		status: make(chan TransportStatus, 8),
		stop:   make(chan struct{}),
	}
	go t.watchConnectivity()

	slog.Info("[RedisTransport] Connected", "addr", addr, "db", db)
	return t, nil
}

// Publish sends the payload on a Redis channel. Fire-and-forget: a
// publish that reaches no subscriber is not an error.
func (t *RedisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	return t.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe registers a listener on a Redis pub/sub channel. The call
// blocks until the subscription is confirmed so that messages published
// after Subscribe returns are guaranteed to be observed.
func (t *RedisTransport) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := t.rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}

// Status returns the connectivity event channel.
func (t *RedisTransport) Status() <-chan TransportStatus {
	return t.status
}

// Close terminates every subscription and the client connection.
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.stop)
	for _, sub := range t.subs {
		sub.Close()
	}
	t.subs = nil
	return t.rdb.Close()
}

// watchConnectivity pings the server periodically. On failure it emits
// DISCONNECTED once, then retries with doubling backoff until the server
// answers again, emitting RECONNECTED.
func (t *RedisTransport) watchConnectivity() {
	ticker := time.NewTicker(redisPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if err := t.ping(); err == nil {
				continue
			}
			t.emit(TransportStatus{State: TransportDisconnected, Detail: "ping failed"})
			slog.Warn("[RedisTransport] Connection lost, retrying with backoff")

			backoff := backoffFloor
			for {
				select {
				case <-t.stop:
					return
				case <-time.After(backoff):
				}
				if err := t.ping(); err == nil {
					t.emit(TransportStatus{State: TransportReconnected})
					slog.Info("[RedisTransport] Reconnected")
					break
				}
				if backoff *= 2; backoff > backoffCeiling {
					backoff = backoffCeiling
				}
			}
		}
	}
}

func (t *RedisTransport) ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return t.rdb.Ping(ctx).Err()
}

func (t *RedisTransport) emit(s TransportStatus) {
	select {
	case t.status <- s:
	default:
		// Status channel is advisory; never block the probe on a slow reader.
	}
}
