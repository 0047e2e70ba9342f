// Package pipeline carries device events to independent subscribers.
//
// Every subscriber gets its own queue and goroutine, so events from one producer
// reach each subscriber in emission order and a slow or panicking subscriber
// does not hold up the others.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/neuroclass/ncc/internal/eeg"
)

var (
	// ErrStarted is returned when subscribing after Start.
	ErrStarted = errors.New("bus already started")
	// ErrDuplicateSubscriber is returned when a name is subscribed twice.
	ErrDuplicateSubscriber = errors.New("subscriber already registered")
)

// Handler consumes events from the bus.
type Handler interface {
	Handle(eeg.Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(eeg.Event)

// Handle calls f(ev).
func (f HandlerFunc) Handle(ev eeg.Event) { f(ev) }

// Options tune a Bus. Zero values select defaults.
type Options struct {
	// QueueDepth is the per-subscriber channel capacity.
	QueueDepth int
	// EmitTimeout is how long Emit waits on a full subscriber queue before
	// dropping the event for that subscriber.
	EmitTimeout time.Duration
	Logger      zerolog.Logger
}

// SubscriberStats reports per-subscriber counters.
type SubscriberStats struct {
	Name    string `json:"name"`
	Handled uint64 `json:"handled"`
	Dropped uint64 `json:"dropped"`
	Panics  uint64 `json:"panics"`
	Queued  int    `json:"queued"`
}

type subscriber struct {
	name    string
	handler Handler
	events  chan eeg.Event

	handled atomic.Uint64
	dropped atomic.Uint64
	panics  atomic.Uint64
}

// Bus fans events out to subscribers. It implements eeg.Emitter.
type Bus struct {
	depth       int
	emitTimeout time.Duration
	log         zerolog.Logger

	mu      sync.RWMutex
	subs    []*subscriber
	started bool
	stopped bool

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates a Bus.
func New(opts Options) *Bus {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 1024
	}
	if opts.EmitTimeout <= 0 {
		opts.EmitTimeout = 100 * time.Millisecond
	}
	return &Bus{
		depth:       opts.QueueDepth,
		emitTimeout: opts.EmitTimeout,
		log:         opts.Logger.With().Str("component", "bus").Logger(),
		done:        make(chan struct{}),
	}
}

// Subscribe registers h under name. It must be called before Start.
func (b *Bus) Subscribe(name string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return ErrStarted
	}
	for _, s := range b.subs {
		if s.name == name {
			return fmt.Errorf("%w: %s", ErrDuplicateSubscriber, name)
		}
	}
	b.subs = append(b.subs, &subscriber{
		name:    name,
		handler: h,
		events:  make(chan eeg.Event, b.depth),
	})
	return nil
}

// Start launches one delivery goroutine per subscriber. The bus stops when ctx
// is cancelled or Stop is called.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	subs := b.subs
	b.mu.Unlock()

	for _, s := range subs {
		b.wg.Add(1)
		go b.run(s)
	}

	go func() {
		select {
		case <-ctx.Done():
			b.Stop()
		case <-b.done:
		}
	}()
}

func (b *Bus) run(s *subscriber) {
	defer b.wg.Done()
	for ev := range s.events {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s *subscriber, ev eeg.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			b.log.Error().
				Str("subscriber", s.name).
				Str("session", ev.SessionID).
				Str("producer", ev.ProducerID).
				Interface("panic", r).
				Msg("subscriber panicked")
		}
	}()
	s.handler.Handle(ev)
	s.handled.Add(1)
}

// Emit queues ev for every subscriber. Events emitted after Stop are dropped.
func (b *Bus) Emit(ev eeg.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.stopped {
		return
	}
	for _, s := range b.subs {
		select {
		case s.events <- ev:
			continue
		default:
		}

		timer := time.NewTimer(b.emitTimeout)
		select {
		case s.events <- ev:
			timer.Stop()
		case <-timer.C:
			s.dropped.Add(1)
			b.log.Warn().
				Str("subscriber", s.name).
				Str("kind", string(ev.Kind)).
				Str("session", ev.SessionID).
				Msg("subscriber queue full, event dropped")
		}
	}
}

// Stop closes subscriber queues and waits for queued events to be handled.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopped = true
		close(b.done)
		for _, s := range b.subs {
			close(s.events)
		}
		b.mu.Unlock()
		b.wg.Wait()
	})
}

// Stats returns counters for each subscriber in registration order.
func (b *Bus) Stats() []SubscriberStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]SubscriberStats, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, SubscriberStats{
			Name:    s.name,
			Handled: s.handled.Load(),
			Dropped: s.dropped.Load(),
			Panics:  s.panics.Load(),
			Queued:  len(s.events),
		})
	}
	return out
}
