package dashsync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ConnState is the externally visible connection lifecycle state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateFailed       ConnState = "failed"
)

// ReconnectorOptions configures the reconnection controller.
type ReconnectorOptions struct {
	// MaxAttempts bounds automatic retries before giving up. BaseDelay
	// doubles per attempt: base, 2x, 4x, ...
	MaxAttempts int
	BaseDelay   time.Duration
	// Schedule defers fn by delay and returns a cancel func. Defaults to
	// time.AfterFunc; tests substitute a manual clock.
	Schedule      func(delay time.Duration, fn func()) func()
	OnStateChange func(ConnState)
	Logger        *slog.Logger
}

// Reconnector drives the push channel's connection lifecycle. It arms
// exponential backoff on unexpected closes, resets on a successful
// connect, and gives up after MaxAttempts with a terminal failed state
// that only an explicit Connect clears.
type Reconnector struct {
	channel       *Channel
	maxAttempts   int
	baseDelay     time.Duration
	schedule      func(delay time.Duration, fn func()) func()
	onStateChange func(ConnState)
	logger        *slog.Logger
	unsubscribe   func()

	mu          sync.Mutex
	state       ConnState
	attempt     int
	cancelTimer func()
	// notes buffers state changes made under mu; they are delivered to
	// OnStateChange after the lock is released so callbacks may call
	// back into the controller.
	notes []ConnState
}

func NewReconnector(channel *Channel, opts ReconnectorOptions) *Reconnector {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	schedule := opts.Schedule
	if schedule == nil {
		schedule = func(delay time.Duration, fn func()) func() {
			timer := time.AfterFunc(delay, fn)
			return func() { timer.Stop() }
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconnector{
		channel:       channel,
		maxAttempts:   maxAttempts,
		baseDelay:     baseDelay,
		schedule:      schedule,
		onStateChange: opts.OnStateChange,
		logger:        logger,
		state:         StateDisconnected,
	}
	r.unsubscribe = channel.On(r.handleEvent)
	return r
}

// State returns the current lifecycle state.
func (r *Reconnector) State() ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Connect starts the channel. It clears a failed state and resets the
// attempt counter; calls while connected or connecting are ignored.
func (r *Reconnector) Connect(ctx context.Context) {
	r.mu.Lock()
	if r.state == StateConnected || r.state == StateConnecting {
		r.mu.Unlock()
		return
	}
	r.cancelPendingLocked()
	r.attempt = 0
	r.setStateLocked(StateConnecting)
	r.unlockAndNotify()

	if err := r.channel.Connect(ctx); err != nil {
		r.logger.Warn("push connect failed", "error", err)
		r.mu.Lock()
		r.scheduleReconnectLocked()
		r.unlockAndNotify()
	}
}

// Disconnect closes the channel and cancels any pending retry. The
// resulting connection_lost event carries Unexpected=false, so no new
// backoff is armed.
func (r *Reconnector) Disconnect() {
	r.mu.Lock()
	r.cancelPendingLocked()
	r.setStateLocked(StateDisconnected)
	r.unlockAndNotify()
	r.channel.Disconnect()
}

// Close detaches the controller from the channel.
func (r *Reconnector) Close() {
	r.Disconnect()
	r.unsubscribe()
}

func (r *Reconnector) handleEvent(ev Event) {
	switch ev.Type {
	case EventConnectionEstablished:
		r.mu.Lock()
		r.cancelPendingLocked()
		r.attempt = 0
		r.setStateLocked(StateConnected)
		r.unlockAndNotify()
	case EventConnectionLost:
		if !ev.Unexpected {
			return
		}
		r.mu.Lock()
		r.scheduleReconnectLocked()
		r.unlockAndNotify()
	}
}

// scheduleReconnectLocked arms at most one backoff timer. Once the
// attempt budget is spent the state goes terminal failed; automatic
// retries stop and only a manual Connect resumes.
func (r *Reconnector) scheduleReconnectLocked() {
	if r.cancelTimer != nil {
		return
	}
	if r.attempt >= r.maxAttempts {
		r.setStateLocked(StateFailed)
		return
	}
	delay := r.baseDelay << r.attempt
	r.attempt++
	r.setStateLocked(StateReconnecting)
	r.logger.Info("scheduling push reconnect", "attempt", r.attempt, "delay", delay)
	r.cancelTimer = r.schedule(delay, r.retry)
}

func (r *Reconnector) retry() {
	r.mu.Lock()
	r.cancelTimer = nil
	if r.state != StateReconnecting {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := r.channel.Connect(ctx); err != nil {
		r.logger.Warn("push reconnect failed", "error", err)
		r.mu.Lock()
		r.scheduleReconnectLocked()
		r.unlockAndNotify()
	}
}

func (r *Reconnector) cancelPendingLocked() {
	if r.cancelTimer != nil {
		r.cancelTimer()
		r.cancelTimer = nil
	}
}

func (r *Reconnector) setStateLocked(state ConnState) {
	if r.state == state {
		return
	}
	r.state = state
	r.notes = append(r.notes, state)
}

func (r *Reconnector) unlockAndNotify() {
	notes := r.notes
	r.notes = nil
	r.mu.Unlock()
	if r.onStateChange == nil {
		return
	}
	for _, state := range notes {
		r.onStateChange(state)
	}
}
