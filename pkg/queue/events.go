package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventsChannel is the Redis pub/sub channel lifecycle events are published on.
const EventsChannel = KeyPrefix + QueueCampaigns + ":events"

const publishTimeout = 5 * time.Second

// EventType names a job lifecycle event.
type EventType string

const (
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventStalled   EventType = "stalled"
	EventError     EventType = "error"
)

// Event describes one lifecycle transition. Job is only set for in-process handlers.
type Event struct {
	Type    EventType       `json:"type"`
	Queue   string          `json:"queue,omitempty"`
	JobID   string          `json:"job_id,omitempty"`
	Attempt int             `json:"attempt,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	At      int64           `json:"at"`
	Job     *Job            `json:"-"`
}

// Handler receives lifecycle events.
type Handler func(Event)

// EventBus fans lifecycle events out to in-process handlers and, when a
// connection is set, to Redis pub/sub for other processes.
type EventBus struct {
	conn    Conn
	channel string
	logger  *zap.Logger

	resubscribeDelay time.Duration

	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// EventBusOption customizes an EventBus.
type EventBusOption func(*EventBus)

// WithResubscribeDelay overrides the pause before resubscribing after a dropped subscription.
func WithResubscribeDelay(d time.Duration) EventBusOption {
	return func(b *EventBus) {
		if d > 0 {
			b.resubscribeDelay = d
		}
	}
}

// NewEventBus creates an event bus. conn may be nil for in-process only delivery.
func NewEventBus(conn Conn, channel string, logger *zap.Logger, opts ...EventBusOption) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &EventBus{
		conn:             conn,
		channel:          channel,
		logger:           logger,
		resubscribeDelay: RetryBackoff,
		handlers:         make(map[EventType][]Handler),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// On registers a handler for one event type.
func (b *EventBus) On(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Emit runs local handlers synchronously, then publishes the event.
func (b *EventBus) Emit(ctx context.Context, e Event) {
	if e.At == 0 {
		e.At = time.Now().Unix()
	}
	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[e.Type]...)
	b.mu.RUnlock()
	for _, h := range hs {
		h(e)
	}

	if b.conn == nil {
		return
	}
	body, err := json.Marshal(e)
	if err != nil {
		b.logger.Warn("marshal event", zap.Error(err))
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := b.conn.Redis().Publish(pctx, b.channel, body).Err(); err != nil {
		b.logger.Warn("publish event failed", zap.String("event", string(e.Type)), zap.Error(err))
	}
}

// Subscribe listens on the events channel and calls handler for each event.
// If the subscription drops (the connection was swapped by a reconnect), it
// resubscribes on the current client until ctx is done.
// Returns a cancel function to stop the subscription.
func (b *EventBus) Subscribe(ctx context.Context, handler Handler) (cancel func(), err error) {
	if b.conn == nil {
		return nil, fmt.Errorf("subscribe: event bus has no connection")
	}
	ctx, cancelCtx := context.WithCancel(ctx)
	pubsub, err := b.subscribe(ctx)
	if err != nil {
		cancelCtx()
		return nil, err
	}
	go func() {
		for {
			b.consume(ctx, pubsub, handler)
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("event subscription lost, resubscribing", zap.String("channel", b.channel))
			for {
				if err := sleepCtx(ctx, b.resubscribeDelay); err != nil {
					return
				}
				next, serr := b.subscribe(ctx)
				if serr == nil {
					pubsub = next
					break
				}
				b.logger.Warn("resubscribe failed", zap.String("channel", b.channel), zap.Error(serr))
			}
			b.logger.Info("event subscription restored", zap.String("channel", b.channel))
		}
	}()
	return func() { cancelCtx() }, nil
}

func (b *EventBus) subscribe(ctx context.Context) (*redis.PubSub, error) {
	pubsub := b.conn.Redis().Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return pubsub, nil
}

// consume delivers messages until ctx is done or the channel closes.
func (b *EventBus) consume(ctx context.Context, pubsub *redis.PubSub, handler Handler) {
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				b.logger.Debug("invalid event payload", zap.String("raw", msg.Payload))
				continue
			}
			handler(e)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
