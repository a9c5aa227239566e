package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// MaxConnectAttempts bounds the initial connect loop; after that the connection is considered down.
	MaxConnectAttempts = 10
	// ReconnectDelay is the wait between a connection error and the reconnect sequence.
	ReconnectDelay = 5 * time.Second

	connectStep     = 100 * time.Millisecond
	connectMaxDelay = 3 * time.Second
)

// ErrConnectionDown is returned when MaxConnectAttempts pings all failed.
var ErrConnectionDown = errors.New("redis connection down")

// ConnectDelay is the wait before connect attempt n+1 after attempt n failed.
func ConnectDelay(attempt int) time.Duration {
	d := time.Duration(attempt) * connectStep
	if d > connectMaxDelay {
		return connectMaxDelay
	}
	return d
}

// Handle is a swappable connection. Consumers call Redis() per operation so they
// always see the client installed by the latest reconnect.
type Handle struct {
	name string
	mu   sync.RWMutex
	rdb  *redis.Client
}

// Static wraps an existing go-redis client in a Handle that is never reconnected.
func Static(rdb *redis.Client) *Handle {
	return &Handle{name: "static", rdb: rdb}
}

// Redis returns the live go-redis client.
func (h *Handle) Redis() *redis.Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rdb
}

func (h *Handle) swap(rdb *redis.Client) *redis.Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.rdb
	h.rdb = rdb
	return old
}

// Client owns the primary handle and its duplicates and keeps them alive across
// backend failures.
type Client struct {
	opts    *redis.Options
	logger  *zap.Logger
	main    *Handle
	sleep   func(context.Context, time.Duration) error
	reconn  *Reconnector
	mu      sync.Mutex
	handles []*Handle
	closed  bool
}

// Option customizes a Client.
type Option func(*Client)

// WithReconnectDelay overrides ReconnectDelay.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) { c.reconn.delay = d }
}

// NewClient parses a redis:// URL, connects with bounded retries and verifies connectivity.
func NewClient(ctx context.Context, url string, logger *zap.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	c := &Client{opts: ropts, logger: logger, sleep: sleepCtx}
	c.reconn = NewReconnector(ReconnectDelay, c.reconnect, logger)
	for _, o := range opts {
		o(c)
	}

	c.main = &Handle{name: "main"}
	c.main.rdb = c.open(c.main.name)
	c.handles = append(c.handles, c.main)

	if err := c.connect(ctx, c.main.rdb); err != nil {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.reconn.Stop()
		_ = c.main.rdb.Close()
		return nil, err
	}
	logger.Info("Redis client connected", zap.String("addr", ropts.Addr))
	return c, nil
}

// Redis returns the primary live client.
func (c *Client) Redis() *redis.Client {
	return c.main.Redis()
}

// Duplicate opens an independent connection that shares this client's reconnect sequence.
func (c *Client) Duplicate(name string) *Handle {
	h := &Handle{name: name, rdb: c.open(name)}
	c.mu.Lock()
	c.handles = append(c.handles, h)
	c.mu.Unlock()
	return h
}

// Reconnecting reports whether a reconnect sequence is scheduled or running.
func (c *Client) Reconnecting() bool {
	return c.reconn.State() == StateReconnecting
}

// Close stops pending reconnects and closes every handle.
func (c *Client) Close() error {
	c.reconn.Stop()
	c.mu.Lock()
	c.closed = true
	handles := append([]*Handle(nil), c.handles...)
	c.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := h.Redis().Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, fmt.Errorf("close %s: %w", h.name, err))
		}
	}
	c.logger.Info("Redis client closed")
	return errors.Join(errs...)
}

func (c *Client) open(name string) *redis.Client {
	o := *c.opts
	o.OnConnect = func(ctx context.Context, cn *redis.Conn) error {
		c.logger.Debug("Redis connection ready", zap.String("handle", name))
		return nil
	}
	rdb := redis.NewClient(&o)
	rdb.AddHook(&errorHook{name: name, logger: c.logger, onError: c.onError})
	return rdb
}

// connect pings until success or MaxConnectAttempts failures.
func (c *Client) connect(ctx context.Context, rdb *redis.Client) error {
	var err error
	for attempt := 1; attempt <= MaxConnectAttempts; attempt++ {
		if err = rdb.Ping(ctx).Err(); err == nil {
			return nil
		}
		c.logger.Warn("redis ping failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt == MaxConnectAttempts {
			break
		}
		if serr := c.sleep(ctx, ConnectDelay(attempt)); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrConnectionDown, MaxConnectAttempts, err)
}

func (c *Client) onError(err error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	if c.reconn.Trigger() {
		c.logger.Warn("redis connection error, reconnect scheduled", zap.Error(err), zap.Duration("delay", c.reconn.delay))
	}
}

// reconnect swaps every handle for a fresh client and closes the stale ones.
func (c *Client) reconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	handles := append([]*Handle(nil), c.handles...)
	c.mu.Unlock()

	for _, h := range handles {
		old := h.swap(c.open(h.name))
		if old != nil {
			_ = old.Close()
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectMaxDelay*MaxConnectAttempts)
	defer cancel()
	if err := c.connect(ctx, c.main.Redis()); err != nil {
		c.logger.Error("redis reconnect failed", zap.Error(err))
		return
	}
	c.logger.Info("Redis client reconnected", zap.String("addr", c.opts.Addr), zap.Int("handles", len(handles)))
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
