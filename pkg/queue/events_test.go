package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestEventBusLocalHandlers(t *testing.T) {
	bus := NewEventBus(nil, EventsChannel, zaptest.NewLogger(t))
	var got []EventType
	bus.On(EventFailed, func(e Event) { got = append(got, e.Type) })
	bus.On(EventFailed, func(e Event) { got = append(got, e.Type) })
	bus.On(EventStalled, func(e Event) { got = append(got, e.Type) })

	bus.Emit(context.Background(), Event{Type: EventFailed, JobID: "j1"})
	bus.Emit(context.Background(), Event{Type: EventCompleted, JobID: "j1"})

	assert.Equal(t, []EventType{EventFailed, EventFailed}, got)
}

func TestEventBusPublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	pub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = pub.Close()
		_ = sub.Close()
	})

	publisher := NewEventBus(staticConn{pub}, EventsChannel, zaptest.NewLogger(t))
	observer := NewEventBus(staticConn{sub}, EventsChannel, zaptest.NewLogger(t))

	received := make(chan Event, 1)
	cancel, err := observer.Subscribe(context.Background(), func(e Event) { received <- e })
	require.NoError(t, err)
	defer cancel()

	publisher.Emit(context.Background(), Event{Type: EventCompleted, JobID: "job-42", Result: []byte(`{"success":true}`), Job: &Job{ID: "job-42"}})

	select {
	case e := <-received:
		assert.Equal(t, EventCompleted, e.Type)
		assert.Equal(t, "job-42", e.JobID)
		assert.JSONEq(t, `{"success":true}`, string(e.Result))
		assert.Nil(t, e.Job, "job envelope is not published")
		assert.NotZero(t, e.At)
	case <-time.After(2 * time.Second):
		t.Fatal("event not received")
	}
}

func TestSubscribeWithoutConnection(t *testing.T) {
	bus := NewEventBus(nil, EventsChannel, nil)
	_, err := bus.Subscribe(context.Background(), func(Event) {})
	assert.Error(t, err)
}

// swapConn mimics a reconnecting handle: swap installs a fresh client and closes the old one.
type swapConn struct {
	mu   sync.Mutex
	addr string
	rdb  *redis.Client
}

func (s *swapConn) Redis() *redis.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rdb
}

func (s *swapConn) swap() {
	s.mu.Lock()
	old := s.rdb
	s.rdb = redis.NewClient(&redis.Options{Addr: s.addr})
	s.mu.Unlock()
	_ = old.Close()
}

func TestSubscribeSurvivesConnectionSwap(t *testing.T) {
	mr := miniredis.RunT(t)
	pub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	conn := &swapConn{addr: mr.Addr(), rdb: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
	t.Cleanup(func() {
		_ = pub.Close()
		_ = conn.Redis().Close()
	})

	observer := NewEventBus(conn, EventsChannel, zaptest.NewLogger(t), WithResubscribeDelay(10*time.Millisecond))
	received := make(chan Event, 16)
	cancel, err := observer.Subscribe(context.Background(), func(e Event) { received <- e })
	require.NoError(t, err)
	defer cancel()

	conn.swap()

	publisher := NewEventBus(staticConn{pub}, EventsChannel, zaptest.NewLogger(t))
	require.Eventually(t, func() bool {
		publisher.Emit(context.Background(), Event{Type: EventStalled, JobID: "after-swap"})
		select {
		case e := <-received:
			return e.JobID == "after-swap"
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 30*time.Millisecond)
}
