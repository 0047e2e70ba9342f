package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/neuroclass/ncc/internal/clock"
	"github.com/neuroclass/ncc/internal/config"
	"github.com/neuroclass/ncc/internal/eeg"
)

var (
	ErrInvalidSession  = errors.New("invalid session id")
	ErrInvalidRole     = errors.New("invalid role")
	ErrDuplicateHandle = errors.New("handle already joined")
	ErrUnknownSession  = errors.New("unknown session")
	ErrUnknownHandle   = errors.New("unknown handle")
	ErrHubStopped      = errors.New("hub stopped")

	// ErrQueueFull is passed to Consumer.Evicted when a consumer falls behind.
	ErrQueueFull = errors.New("consumer queue full")
	// ErrConsumerDegraded wraps a Send failure passed to Consumer.Evicted.
	ErrConsumerDegraded = errors.New("consumer degraded")
)

// Role is the part a participant plays in a session.
type Role string

const (
	RoleProducer Role = "producer"
	RoleConsumer Role = "consumer"
)

// Handle identifies a participant.
type Handle interface {
	ID() string
}

// Consumer receives notifications for one session. Send is called from a
// dedicated goroutine, one notification at a time, in order. Evicted is called
// at most once when the hub drops the consumer on its own initiative.
type Consumer interface {
	Handle
	Send(Notification) error
	Evicted(err error)
}

type producerHandle string

func (p producerHandle) ID() string { return string(p) }

// Producer returns the Handle for a producer id.
func Producer(id string) Handle { return producerHandle(id) }

// Status is the liveness state of a producer.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusStale        Status = "stale"
	StatusDisconnected Status = "disconnected"
)

// ProducerState is the hub's view of one producer.
type ProducerState struct {
	ProducerID string      `json:"producerId"`
	SessionID  string      `json:"sessionId"`
	Connected  bool        `json:"connected"`
	Status     Status      `json:"status"`
	JoinedAt   time.Time   `json:"joinedAt"`
	LastSeenAt time.Time   `json:"lastSeenAt,omitempty"`
	LastRecord *eeg.Record `json:"lastRecord,omitempty"`
	Records    uint64      `json:"records"`
}

// NotificationKind names what a notification carries.
type NotificationKind string

const (
	KindRecord          NotificationKind = "record"
	KindProducerOnline  NotificationKind = "producer_online"
	KindProducerOffline NotificationKind = "producer_offline"
)

// Offline reasons.
const (
	ReasonStale = "stale"
	ReasonLeft  = "left"
)

// Notification is pushed to every consumer of a session.
type Notification struct {
	ID         int64            `json:"id"`
	Kind       NotificationKind `json:"kind"`
	SessionID  string           `json:"sessionId"`
	ProducerID string           `json:"producerId"`
	At         time.Time        `json:"at"`
	Record     *eeg.Record      `json:"record,omitempty"`
	State      *ProducerState   `json:"state,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

// Stats are hub-wide counters.
type Stats struct {
	Sessions  int    `json:"sessions"`
	Consumers int    `json:"consumers"`
	Producers int    `json:"producers"`
	Published uint64 `json:"published"`
	Delivered uint64 `json:"delivered"`
	Evictions uint64 `json:"evictions"`
	Offline   uint64 `json:"offlineTransitions"`
}

// EvictionHook observes consumers dropped by the hub.
type EvictionHook func(sessionID, consumerID string, err error)

// Hub routes records from producers to the consumers of their session and
// tracks producer liveness.
//
// LOCK ORDERING:
// 1. h.mu protects the sessions map and is never held while acquiring a
// session lock.
// 2. session.mu serializes all membership and producer mutation for one
// session. h.mu may be taken while holding it (to unlink a destroyed session).
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*session

	config  *config.HubConfig
	clock   clock.Clock
	log     zerolog.Logger
	onEvict atomic.Pointer[EvictionHook]

	stopped atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup

	published atomic.Uint64
	delivered atomic.Uint64
	evictions atomic.Uint64
	offline   atomic.Uint64
}

type session struct {
	id string

	mu        sync.Mutex
	consumers map[string]*subscriber
	producers map[string]*ProducerState
	nextID    int64
	destroyed bool
}

// subscriber is a joined consumer and its delivery queue.
type subscriber struct {
	consumer Consumer
	queue    chan Notification
	quit     chan struct{}
	once     sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.quit) })
}

// NewHub creates a hub. A nil clock uses wall time.
func NewHub(hubConfig *config.HubConfig, clk clock.Clock, log zerolog.Logger) *Hub {
	if clk == nil {
		clk = clock.Real()
	}
	return &Hub{
		sessions: make(map[string]*session),
		config:   hubConfig,
		clock:    clk,
		log:      log.With().Str("component", "hub").Logger(),
		done:     make(chan struct{}),
	}
}

// OnEvict registers a hook called for every consumer the hub evicts.
func (h *Hub) OnEvict(hook EvictionHook) {
	h.onEvict.Store(&hook)
}

// lockSession returns the session locked. With create set a missing session
// is created, otherwise ErrUnknownSession is returned.
func (h *Hub) lockSession(id string, create bool) (*session, error) {
	for {
		h.mu.RLock()
		s, ok := h.sessions[id]
		h.mu.RUnlock()

		if !ok {
			if !create {
				return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
			}
			h.mu.Lock()
			if s, ok = h.sessions[id]; !ok {
				s = &session{
					id:        id,
					consumers: make(map[string]*subscriber),
					producers: make(map[string]*ProducerState),
				}
				h.sessions[id] = s
			}
			h.mu.Unlock()
		}

		s.mu.Lock()
		if !s.destroyed {
			return s, nil
		}
		// Lost a race with the last participant leaving.
		s.mu.Unlock()
	}
}

// destroyIfEmptyLocked unlinks s once it has no participants. Caller holds s.mu.
func (h *Hub) destroyIfEmptyLocked(s *session) {
	if s.destroyed || len(s.consumers) > 0 || len(s.producers) > 0 {
		return
	}
	s.destroyed = true

	h.mu.Lock()
	if h.sessions[s.id] == s {
		delete(h.sessions, s.id)
	}
	h.mu.Unlock()

	h.log.Debug().Str("session", s.id).Msg("session destroyed")
}

// Join adds a participant to a session, creating the session if needed.
// Consumer handles must implement Consumer.
func (h *Hub) Join(sessionID string, role Role, handle Handle) error {
	if h.stopped.Load() {
		return ErrHubStopped
	}
	if sessionID == "" {
		return ErrInvalidSession
	}
	if handle == nil || handle.ID() == "" {
		return fmt.Errorf("%w: empty handle id", ErrUnknownHandle)
	}

	switch role {
	case RoleConsumer:
		c, ok := handle.(Consumer)
		if !ok {
			return fmt.Errorf("%w: handle cannot receive notifications", ErrInvalidRole)
		}
		return h.joinConsumer(sessionID, c)
	case RoleProducer:
		return h.joinProducer(sessionID, handle.ID())
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
}

func (h *Hub) joinConsumer(sessionID string, c Consumer) error {
	s, err := h.lockSession(sessionID, true)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	if _, exists := s.consumers[c.ID()]; exists {
		return fmt.Errorf("%w: consumer %s", ErrDuplicateHandle, c.ID())
	}

	sub := &subscriber{
		consumer: c,
		queue:    make(chan Notification, h.config.ConsumerQueue),
		quit:     make(chan struct{}),
	}
	s.consumers[c.ID()] = sub

	h.wg.Add(1)
	go h.deliver(sessionID, sub)

	h.log.Debug().Str("session", sessionID).Str("consumer", c.ID()).Msg("consumer joined")
	return nil
}

func (h *Hub) joinProducer(sessionID, producerID string) error {
	s, err := h.lockSession(sessionID, true)
	if err != nil {
		return err
	}

	state, exists := s.producers[producerID]
	if exists && state.Status == StatusConnected {
		s.mu.Unlock()
		return fmt.Errorf("%w: producer %s", ErrDuplicateHandle, producerID)
	}

	now := h.clock.Now()
	if !exists {
		state = &ProducerState{ProducerID: producerID, SessionID: sessionID, JoinedAt: now}
		s.producers[producerID] = state
	}
	state.Connected = true
	state.Status = StatusConnected
	state.LastSeenAt = now
	evicted := h.notifyLocked(s, h.stateNotification(KindProducerOnline, state, now, ""))
	s.mu.Unlock()

	h.finishEvictions(sessionID, evicted, ErrQueueFull)
	h.log.Debug().Str("session", sessionID).Str("producer", producerID).Msg("producer joined")
	return nil
}

// Leave removes a consumer or producer from a session. A departing producer is
// announced to consumers as offline with reason "left".
func (h *Hub) Leave(sessionID, handleID string) error {
	if sessionID == "" {
		return ErrInvalidSession
	}
	s, err := h.lockSession(sessionID, false)
	if err != nil {
		return err
	}

	if sub, ok := s.consumers[handleID]; ok {
		delete(s.consumers, handleID)
		h.destroyIfEmptyLocked(s)
		s.mu.Unlock()

		sub.stop()
		h.log.Debug().Str("session", sessionID).Str("consumer", handleID).Msg("consumer left")
		return nil
	}

	state, ok := s.producers[handleID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownHandle, handleID)
	}

	delete(s.producers, handleID)
	now := h.clock.Now()
	state.Connected = false
	state.Status = StatusDisconnected
	evicted := h.notifyLocked(s, h.stateNotification(KindProducerOffline, state, now, ReasonLeft))
	h.destroyIfEmptyLocked(s)
	s.mu.Unlock()

	h.offline.Add(1)
	h.finishEvictions(sessionID, evicted, ErrQueueFull)
	h.log.Debug().Str("session", sessionID).Str("producer", handleID).Msg("producer left")
	return nil
}

// Publish records rec as the producer's latest state and queues it for every
// consumer of the record's session. A producer that was stale or unknown is
// announced online first.
func (h *Hub) Publish(rec eeg.Record) error {
	if h.stopped.Load() {
		return ErrHubStopped
	}
	if rec.SessionID == "" {
		return ErrInvalidSession
	}
	if rec.ProducerID == "" {
		return fmt.Errorf("%w: record without producer id", ErrUnknownHandle)
	}

	s, err := h.lockSession(rec.SessionID, true)
	if err != nil {
		return err
	}

	now := h.clock.Now()
	var evicted []*subscriber

	state, exists := s.producers[rec.ProducerID]
	if !exists {
		state = &ProducerState{ProducerID: rec.ProducerID, SessionID: rec.SessionID, JoinedAt: now}
		s.producers[rec.ProducerID] = state
	}
	if state.Status != StatusConnected {
		state.Connected = true
		state.Status = StatusConnected
		state.LastSeenAt = now
		evicted = append(evicted, h.notifyLocked(s, h.stateNotification(KindProducerOnline, state, now, ""))...)
	}

	record := rec
	state.LastSeenAt = now
	state.LastRecord = &record
	state.Records++
	evicted = append(evicted, h.notifyLocked(s, Notification{
		Kind:       KindRecord,
		SessionID:  rec.SessionID,
		ProducerID: rec.ProducerID,
		At:         now,
		Record:     &record,
	})...)
	s.mu.Unlock()

	h.published.Add(1)
	h.finishEvictions(rec.SessionID, evicted, ErrQueueFull)
	return nil
}

// Snapshot returns the state of every known producer in the session, ordered by
// producer id.
func (h *Hub) Snapshot(sessionID string) ([]ProducerState, error) {
	if sessionID == "" {
		return nil, ErrInvalidSession
	}
	s, err := h.lockSession(sessionID, false)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	out := make([]ProducerState, 0, len(s.producers))
	for _, state := range s.producers {
		out = append(out, *state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProducerID < out[j].ProducerID })
	return out, nil
}

// Sweep marks producers silent for longer than the liveness window as stale and
// announces each transition once. It returns the number of transitions.
func (h *Hub) Sweep() int {
	now := h.clock.Now()

	h.mu.RLock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	transitions := 0
	for _, s := range sessions {
		s.mu.Lock()
		if s.destroyed {
			s.mu.Unlock()
			continue
		}

		ids := make([]string, 0, len(s.producers))
		for id := range s.producers {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		var evicted []*subscriber
		for _, id := range ids {
			state := s.producers[id]
			if state.Status != StatusConnected || now.Sub(state.LastSeenAt) <= h.config.LivenessWindow {
				continue
			}
			state.Connected = false
			state.Status = StatusStale
			evicted = append(evicted, h.notifyLocked(s, h.stateNotification(KindProducerOffline, state, now, ReasonStale))...)
			transitions++

			h.log.Info().
				Str("session", s.id).
				Str("producer", id).
				Time("lastSeenAt", state.LastSeenAt).
				Msg("producer stale")
		}
		s.mu.Unlock()

		h.finishEvictions(s.id, evicted, ErrQueueFull)
	}

	h.offline.Add(uint64(transitions))
	return transitions
}

func (h *Hub) stateNotification(kind NotificationKind, state *ProducerState, at time.Time, reason string) Notification {
	snapshot := *state
	return Notification{
		Kind:       kind,
		SessionID:  state.SessionID,
		ProducerID: state.ProducerID,
		At:         at,
		State:      &snapshot,
		Reason:     reason,
	}
}

// notifyLocked numbers n and queues it for every consumer of s. Consumers whose
// queue is full are removed and returned; the caller must pass them to
// finishEvictions after releasing s.mu.
func (h *Hub) notifyLocked(s *session, n Notification) []*subscriber {
	s.nextID++
	n.ID = s.nextID

	var evicted []*subscriber
	for id, sub := range s.consumers {
		select {
		case sub.queue <- n:
		default:
			delete(s.consumers, id)
			evicted = append(evicted, sub)
		}
	}
	if len(evicted) > 0 {
		h.destroyIfEmptyLocked(s)
	}
	return evicted
}

// deliver drains one consumer's queue until it leaves or is evicted.
func (h *Hub) deliver(sessionID string, sub *subscriber) {
	defer h.wg.Done()

	for {
		select {
		case <-sub.quit:
			return
		case n := <-sub.queue:
			// Leave and eviction take priority over queued notifications.
			select {
			case <-sub.quit:
				return
			default:
			}

			if err := sub.consumer.Send(n); err != nil {
				h.evict(sessionID, sub, fmt.Errorf("%w: %v", ErrConsumerDegraded, err))
				return
			}
			h.delivered.Add(1)
		}
	}
}

// evict removes sub after a failed Send. Nothing happens if it already left.
func (h *Hub) evict(sessionID string, sub *subscriber, err error) {
	s, lookupErr := h.lockSession(sessionID, false)
	if lookupErr != nil {
		return
	}
	current, ok := s.consumers[sub.consumer.ID()]
	if !ok || current != sub {
		s.mu.Unlock()
		return
	}
	delete(s.consumers, sub.consumer.ID())
	h.destroyIfEmptyLocked(s)
	s.mu.Unlock()

	h.finishEvictions(sessionID, []*subscriber{sub}, err)
}

// finishEvictions stops delivery for subs and tells each consumer why.
func (h *Hub) finishEvictions(sessionID string, subs []*subscriber, err error) {
	if len(subs) == 0 {
		return
	}
	hook := h.onEvict.Load()
	for _, sub := range subs {
		sub.stop()
		h.evictions.Add(1)
		h.log.Warn().
			Err(err).
			Str("session", sessionID).
			Str("consumer", sub.consumer.ID()).
			Msg("consumer evicted")
		sub.consumer.Evicted(err)
		if hook != nil {
			(*hook)(sessionID, sub.consumer.ID(), err)
		}
	}
}

// Start runs the liveness sweep every SweepInterval until ctx is done or the
// hub is stopped.
func (h *Hub) Start(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		ticker := time.NewTicker(h.config.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-h.done:
				return
			case <-ticker.C:
				h.Sweep()
			}
		}
	}()
}

// Stop evicts every consumer with ErrHubStopped, drops all sessions and waits
// for delivery goroutines to exit.
func (h *Hub) Stop() {
	if !h.stopped.CompareAndSwap(false, true) {
		return
	}
	close(h.done)

	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*session)
	h.mu.Unlock()

	type pending struct {
		sessionID string
		subs      []*subscriber
	}
	var all []pending
	for _, s := range sessions {
		s.mu.Lock()
		subs := make([]*subscriber, 0, len(s.consumers))
		for _, sub := range s.consumers {
			subs = append(subs, sub)
		}
		s.consumers = make(map[string]*subscriber)
		s.producers = make(map[string]*ProducerState)
		s.destroyed = true
		s.mu.Unlock()
		all = append(all, pending{sessionID: s.id, subs: subs})
	}
	for _, p := range all {
		h.finishEvictions(p.sessionID, p.subs, ErrHubStopped)
	}

	// Delivery goroutines and the sweep get five seconds to exit.
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		h.log.Warn().Msg("hub stop timed out waiting for consumers")
	}
}

// Stats returns hub-wide counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	st := Stats{
		Published: h.published.Load(),
		Delivered: h.delivered.Load(),
		Evictions: h.evictions.Load(),
		Offline:   h.offline.Load(),
	}
	for _, s := range sessions {
		s.mu.Lock()
		if !s.destroyed {
			st.Sessions++
			st.Consumers += len(s.consumers)
			st.Producers += len(s.producers)
		}
		s.mu.Unlock()
	}
	return st
}

// Handle applies a device event: connect joins the producer, record publishes
// and disconnect leaves. It lets the hub subscribe to the event bus directly.
func (h *Hub) Handle(ev eeg.Event) {
	var err error
	switch ev.Kind {
	case eeg.KindConnect:
		err = h.Join(ev.SessionID, RoleProducer, Producer(ev.ProducerID))
	case eeg.KindRecord:
		err = h.Publish(ev.Record)
	case eeg.KindDisconnect:
		err = h.Leave(ev.SessionID, ev.ProducerID)
	default:
		err = fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	if err != nil && !errors.Is(err, ErrHubStopped) {
		h.log.Debug().
			Err(err).
			Str("kind", string(ev.Kind)).
			Str("session", ev.SessionID).
			Str("producer", ev.ProducerID).
			Msg("device event not applied")
	}
}
