package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/simplify-ai/campaign-mailer/pkg/queue"
)

func TestConnectDelay(t *testing.T) {
	cases := map[int]time.Duration{
		1:  100 * time.Millisecond,
		2:  200 * time.Millisecond,
		10: time.Second,
		30: 3 * time.Second,
		45: 3 * time.Second,
	}
	for attempt, want := range cases {
		assert.Equal(t, want, ConnectDelay(attempt), "attempt %d", attempt)
	}
}

func TestNewClientConnects(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	c, err := NewClient(ctx, "redis://"+mr.Addr()+"/0", zaptest.NewLogger(t), WithReconnectDelay(time.Hour))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Redis().Set(ctx, "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
	assert.False(t, c.Reconnecting())
}

func TestNewClientGivesUpAfterMaxAttempts(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	var delays []time.Duration
	fakeSleep := func(c *Client) {
		c.sleep = func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		}
	}

	_, err = NewClient(context.Background(), "redis://"+addr, zaptest.NewLogger(t), WithReconnectDelay(time.Hour), fakeSleep)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectionDown))
	require.Len(t, delays, MaxConnectAttempts-1)
	for i, d := range delays {
		assert.Equal(t, ConnectDelay(i+1), d)
	}
}

func TestDuplicateIsIndependent(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	c, err := NewClient(ctx, "redis://"+mr.Addr(), zaptest.NewLogger(t), WithReconnectDelay(time.Hour))
	require.NoError(t, err)
	defer c.Close()

	dup := c.Duplicate("events")
	assert.NotSame(t, c.Redis(), dup.Redis())
	require.NoError(t, dup.Redis().Ping(ctx).Err())
}

func TestReconnectSwapsEveryHandle(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	c, err := NewClient(ctx, "redis://"+mr.Addr(), zaptest.NewLogger(t), WithReconnectDelay(time.Hour))
	require.NoError(t, err)
	defer c.Close()

	dup := c.Duplicate("queue")
	oldMain, oldDup := c.Redis(), dup.Redis()

	c.reconnect()

	assert.NotSame(t, oldMain, c.Redis())
	assert.NotSame(t, oldDup, dup.Redis())
	assert.ErrorIs(t, oldMain.Ping(ctx).Err(), redis.ErrClosed)
	require.NoError(t, c.Redis().Ping(ctx).Err())
	require.NoError(t, dup.Redis().Ping(ctx).Err())
}

func TestReconnectKeepsEventSubscription(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	c, err := NewClient(ctx, "redis://"+mr.Addr(), zaptest.NewLogger(t), WithReconnectDelay(time.Hour))
	require.NoError(t, err)
	defer c.Close()

	bus := queue.NewEventBus(c.Duplicate("subscriber"), queue.EventsChannel, zaptest.NewLogger(t),
		queue.WithResubscribeDelay(10*time.Millisecond))
	received := make(chan queue.Event, 16)
	stop, err := bus.Subscribe(ctx, func(e queue.Event) { received <- e })
	require.NoError(t, err)
	defer stop()

	c.reconnect()

	publisher := queue.NewEventBus(c, queue.EventsChannel, zaptest.NewLogger(t))
	require.Eventually(t, func() bool {
		publisher.Emit(ctx, queue.Event{Type: queue.EventCompleted, JobID: "hello"})
		select {
		case e := <-received:
			return e.JobID == "hello"
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 30*time.Millisecond)
}

func TestIsConnError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{redis.Nil, false},
		{redis.ErrClosed, false},
		{context.Canceled, false},
		{errors.New("WRONGTYPE Operation against a key holding the wrong kind of value"), false},
		{io.EOF, true},
		{fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{&net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, isConnError(tc.err), "%v", tc.err)
	}
}
