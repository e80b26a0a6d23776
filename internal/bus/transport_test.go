package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector gathers deliveries from a transport subscription.
type collector struct {
	mu   sync.Mutex
	msgs []string
}

func (c *collector) handle(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, string(payload))
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestMemoryTransportFIFO(t *testing.T) {
	tr := NewMemoryTransport()
	defer tr.Close()

	var got collector
	unsub, err := tr.Subscribe(context.Background(), "test:chan", got.handle)
	require.NoError(t, err)
	defer unsub()

	for i := 0; i < 20; i++ {
		require.NoError(t, tr.Publish(context.Background(), "test:chan", []byte(fmt.Sprintf("m%d", i))))
	}

	require.Eventually(t, func() bool {
		return len(got.snapshot()) == 20
	}, 2*time.Second, 10*time.Millisecond)

	msgs := got.snapshot()
	for i, m := range msgs {
		assert.Equal(t, fmt.Sprintf("m%d", i), m)
	}
}

func TestMemoryTransportNoReplayForLateSubscriber(t *testing.T) {
	tr := NewMemoryTransport()
	defer tr.Close()

	require.NoError(t, tr.Publish(context.Background(), "test:chan", []byte("early")))

	var got collector
	unsub, err := tr.Subscribe(context.Background(), "test:chan", got.handle)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, tr.Publish(context.Background(), "test:chan", []byte("late")))

	require.Eventually(t, func() bool {
		return len(got.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"late"}, got.snapshot())
}

func TestMemoryTransportUnsubscribe(t *testing.T) {
	tr := NewMemoryTransport()
	defer tr.Close()

	var got collector
	unsub, err := tr.Subscribe(context.Background(), "test:chan", got.handle)
	require.NoError(t, err)
	unsub()

	require.NoError(t, tr.Publish(context.Background(), "test:chan", []byte("after")))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, got.snapshot())
}

func TestMemoryTransportClosedPublish(t *testing.T) {
	tr := NewMemoryTransport()
	require.NoError(t, tr.Close())
	err := tr.Publish(context.Background(), "test:chan", []byte("x"))
	require.Error(t, err)
}

func TestRedisTransportRoundTrip(t *testing.T) {
	srv := miniredis.RunT(t)

	tr, err := DialRedis(context.Background(), srv.Addr(), "", 0)
	require.NoError(t, err)
	defer tr.Close()

	var got collector
	unsub, err := tr.Subscribe(context.Background(), "test:chan", got.handle)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, tr.Publish(context.Background(), "test:chan", []byte("over-redis")))

	require.Eventually(t, func() bool {
		return len(got.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"over-redis"}, got.snapshot())
}

func TestDialRedisUnreachable(t *testing.T) {
	_, err := DialRedis(context.Background(), "127.0.0.1:1", "", 0)
	require.Error(t, err)
}
