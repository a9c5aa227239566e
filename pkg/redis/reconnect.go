package redis

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReconnectState is the state of a Reconnector.
type ReconnectState int

const (
	StateIdle ReconnectState = iota
	StateReconnecting
)

func (s ReconnectState) String() string {
	if s == StateReconnecting {
		return "reconnecting"
	}
	return "idle"
}

// Reconnector runs fn once, delay after a trigger. Triggers received while a
// sequence is pending or running are dropped: idle -> reconnecting -> idle.
type Reconnector struct {
	delay  time.Duration
	fn     func()
	logger *zap.Logger

	mu      sync.Mutex
	state   ReconnectState
	timer   *time.Timer
	stopped bool

	// afterFunc is time.AfterFunc outside tests.
	afterFunc func(time.Duration, func()) *time.Timer
}

// NewReconnector creates an idle Reconnector.
func NewReconnector(delay time.Duration, fn func(), logger *zap.Logger) *Reconnector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconnector{delay: delay, fn: fn, logger: logger, afterFunc: time.AfterFunc}
}

// Trigger schedules a reconnect. It returns false if one is already in progress
// or the Reconnector was stopped.
func (r *Reconnector) Trigger() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.state == StateReconnecting {
		return false
	}
	r.state = StateReconnecting
	r.timer = r.afterFunc(r.delay, r.run)
	return true
}

func (r *Reconnector) run() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.logger.Info("redis reconnecting")
	r.fn()

	r.mu.Lock()
	r.state = StateIdle
	r.timer = nil
	r.mu.Unlock()
}

// State returns the current state.
func (r *Reconnector) State() ReconnectState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Stop cancels a pending reconnect and disables further triggers.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.state = StateIdle
}
