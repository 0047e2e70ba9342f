package ingest

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/neuroclass/ncc/internal/config"
)

// State is a reconnect state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateBackoff    State = "backoff"
	StateFailed     State = "failed"
)

var (
	// ErrGaveUp is returned once MaxAttempts consecutive attempts failed.
	ErrGaveUp = errors.New("reconnect attempts exhausted")
	// ErrInvalidTransition reports a call that does not apply to the current state.
	ErrInvalidTransition = errors.New("invalid reconnect transition")
)

// TransitionFunc observes state changes.
type TransitionFunc func(from, to State, attempt int)

// Reconnector is the producer-side reconnect policy:
//
//	idle -> connecting -> connected -> backoff -> connecting ...
//	                   \-> backoff   \-> failed (attempts exhausted)
//
// A successful connection resets the attempt count and the delay. Reset
// returns any state to idle.
type Reconnector struct {
	mu       sync.Mutex
	config   config.ReconnectConfig
	state    State
	attempts int
	delay    time.Duration
	observer TransitionFunc
}

// NewReconnector creates a reconnector in the idle state.
func NewReconnector(reconnectConfig config.ReconnectConfig) *Reconnector {
	return &Reconnector{
		config: reconnectConfig,
		state:  StateIdle,
		delay:  reconnectConfig.InitialBackoff,
	}
}

// OnTransition registers fn to be called on every state change. fn runs with
// the reconnector locked and must not call back into it.
func (r *Reconnector) OnTransition(fn TransitionFunc) {
	r.mu.Lock()
	r.observer = fn
	r.mu.Unlock()
}

// State returns the current state.
func (r *Reconnector) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Attempts returns the number of consecutive failed attempts.
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

func (r *Reconnector) setLocked(to State) {
	from := r.state
	r.state = to
	if r.observer != nil && from != to {
		r.observer(from, to, r.attempts)
	}
}

// Connecting marks the start of an attempt. Valid from idle and backoff.
func (r *Reconnector) Connecting() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateIdle, StateBackoff:
		r.setLocked(StateConnecting)
		return nil
	case StateFailed:
		return ErrGaveUp
	default:
		return fmt.Errorf("%w: connecting from %s", ErrInvalidTransition, r.state)
	}
}

// Connected marks a successful attempt and resets the retry budget.
func (r *Reconnector) Connected() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateConnecting {
		return fmt.Errorf("%w: connected from %s", ErrInvalidTransition, r.state)
	}
	r.attempts = 0
	r.delay = r.config.InitialBackoff
	r.setLocked(StateConnected)
	return nil
}

// Failed records a failed attempt or a dropped connection and returns how long
// to wait before the next attempt. It returns ErrGaveUp and moves to failed
// once MaxAttempts consecutive attempts have failed.
func (r *Reconnector) Failed() (time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateConnecting, StateConnected:
	case StateFailed:
		return 0, ErrGaveUp
	default:
		return 0, fmt.Errorf("%w: failed from %s", ErrInvalidTransition, r.state)
	}

	r.attempts++
	if r.config.MaxAttempts > 0 && r.attempts >= r.config.MaxAttempts {
		r.setLocked(StateFailed)
		return 0, fmt.Errorf("%w after %d attempts", ErrGaveUp, r.attempts)
	}

	wait := r.delay
	next := time.Duration(float64(r.delay) * r.config.Multiplier)
	if next > r.config.MaxBackoff {
		next = r.config.MaxBackoff
	}
	r.delay = next
	r.setLocked(StateBackoff)
	return wait, nil
}

// Reset returns to idle with a fresh retry budget.
func (r *Reconnector) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = 0
	r.delay = r.config.InitialBackoff
	r.setLocked(StateIdle)
}
