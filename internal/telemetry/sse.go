package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SSEConsumer streams notifications to one HTTP client as Server-Sent Events.
// Only the goroutine running Hub.Subscribe writes to the ResponseWriter. Send
// hands each notification to that goroutine and waits for the write.
type SSEConsumer struct {
	id string
	w  http.ResponseWriter

	outbox    chan outgoing
	closed    chan struct{}
	closeOnce sync.Once

	once    sync.Once
	evicted chan struct{}
	err     error
}

type outgoing struct {
	n    Notification
	done chan error
}

// errStreamClosed is returned by Send once Subscribe has returned.
var errStreamClosed = errors.New("event stream closed")

func newSSEConsumer(w http.ResponseWriter) *SSEConsumer {
	return &SSEConsumer{
		id:      uuid.NewString(),
		w:       w,
		outbox:  make(chan outgoing),
		closed:  make(chan struct{}),
		evicted: make(chan struct{}),
	}
}

// ID implements Consumer.
func (c *SSEConsumer) ID() string { return c.id }

// Send implements Consumer. It blocks until the stream has written n or has
// ended.
func (c *SSEConsumer) Send(n Notification) error {
	out := outgoing{n: n, done: make(chan error, 1)}
	select {
	case c.outbox <- out:
	case <-c.closed:
		return errStreamClosed
	}
	return <-out.done
}

// Evicted implements Consumer.
func (c *SSEConsumer) Evicted(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.evicted)
	})
}

// Done is closed once the hub has evicted the consumer.
func (c *SSEConsumer) Done() <-chan struct{} { return c.evicted }

func (c *SSEConsumer) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Err returns the eviction cause after Done is closed.
func (c *SSEConsumer) Err() error {
	select {
	case <-c.evicted:
		return c.err
	default:
		return nil
	}
}

// writeEvent writes one SSE frame and flushes it.
func (c *SSEConsumer) writeEvent(id int64, event string, data any) error {
	if id > 0 {
		if _, err := fmt.Fprintf(c.w, "id: %d\n", id); err != nil {
			return fmt.Errorf("failed to write event ID: %w", err)
		}
	}
	if _, err := fmt.Fprintf(c.w, "event: %s\n", event); err != nil {
		return fmt.Errorf("failed to write event type: %w", err)
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	if _, err := fmt.Fprintf(c.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("failed to write event data: %w", err)
	}

	if flusher, ok := c.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

// readyEvent is the first event on every stream.
type readyEvent struct {
	SessionID  string          `json:"sessionId"`
	ConsumerID string          `json:"consumerId"`
	Producers  []ProducerState `json:"producers"`
}

// Subscribe streams a session's notifications to w until ctx is done, the
// consumer is evicted or the hub stops. The stream opens with a "ready" event
// carrying the current producer snapshot and emits "heartbeat" events every
// HeartbeatInterval.
func (h *Hub) Subscribe(ctx context.Context, w http.ResponseWriter, sessionID string) error {
	if h.stopped.Load() {
		return ErrHubStopped
	}
	if sessionID == "" {
		return ErrInvalidSession
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Cache-Control")

	consumer := newSSEConsumer(w)
	defer consumer.close()

	// Join before the snapshot so no transition falls between the two.
	if err := h.Join(sessionID, RoleConsumer, consumer); err != nil {
		return err
	}
	leave := func() {
		if err := h.Leave(sessionID, consumer.ID()); err != nil && !errors.Is(err, ErrUnknownHandle) &&
			!errors.Is(err, ErrUnknownSession) {
			h.log.Debug().Err(err).Str("consumer", consumer.ID()).Msg("leave after disconnect")
		}
	}

	producers, err := h.Snapshot(sessionID)
	if err != nil && !errors.Is(err, ErrUnknownSession) {
		leave()
		return err
	}
	if producers == nil {
		producers = []ProducerState{}
	}
	ready := readyEvent{SessionID: sessionID, ConsumerID: consumer.ID(), Producers: producers}
	if err := consumer.writeEvent(0, "ready", ready); err != nil {
		leave()
		return fmt.Errorf("failed to send ready event: %w", err)
	}

	interval := h.config.HeartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			leave()
			return nil
		case <-consumer.Done():
			return consumer.Err()
		case out := <-consumer.outbox:
			err := consumer.writeEvent(out.n.ID, string(out.n.Kind), out.n)
			out.done <- err
			if err != nil {
				// The delivery goroutine evicts the consumer on this error.
				return err
			}
		case now := <-heartbeat.C:
			hb := map[string]string{"ts": now.UTC().Format(time.RFC3339)}
			if err := consumer.writeEvent(0, "heartbeat", hb); err != nil {
				leave()
				return err
			}
		}
	}
}
