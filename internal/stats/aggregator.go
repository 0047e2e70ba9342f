package stats

import (
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
	ErrInvalidSession    = errors.New("invalid session id")
	ErrUnknownSession    = errors.New("unknown session")
	ErrFinalized         = errors.New("session finalized")
	ErrInvalidThresholds = errors.New("invalid thresholds")
)

// ProducerStats is the aggregate for one producer, or for the whole session
// when ProducerID is empty.
type ProducerStats struct {
	ProducerID         string           `json:"producerId,omitempty"`
	Records            uint64           `json:"records"`
	FirstAt            time.Time        `json:"firstAt"`
	LastAt             time.Time        `json:"lastAt"`
	Attention          Aggregate        `json:"attention"`
	Relaxation         Aggregate        `json:"relaxation"`
	Buckets            Buckets          `json:"buckets"`
	AttentionTimeline  []TimelineBucket `json:"attentionTimeline"`
	RelaxationTimeline []TimelineBucket `json:"relaxationTimeline"`
}

// SessionStats is a read-only snapshot of a session's aggregates.
type SessionStats struct {
	SessionID      string          `json:"sessionId"`
	Thresholds     Thresholds      `json:"thresholds"`
	TimelineWindow time.Duration   `json:"timelineWindowNs"`
	CreatedAt      time.Time       `json:"createdAt"`
	Overall        ProducerStats   `json:"overall"`
	Producers      []ProducerStats `json:"producers"`
	Finalized      bool            `json:"finalized"`
	FinalizedAt    time.Time       `json:"finalizedAt,omitempty"`
	Rejected       uint64          `json:"rejected"`
}

// Producer returns the stats for one producer.
func (s *SessionStats) Producer(id string) (ProducerStats, bool) {
	i := sort.Search(len(s.Producers), func(i int) bool { return s.Producers[i].ProducerID >= id })
	if i < len(s.Producers) && s.Producers[i].ProducerID == id {
		return s.Producers[i], true
	}
	return ProducerStats{}, false
}

// TargetScore is the share of attention samples in the high bucket scaled to
// 0..1000. No minimum-duration gate is applied.
func (s *SessionStats) TargetScore() float64 {
	if s.Overall.Attention.Count == 0 {
		return 0
	}
	return float64(s.Overall.Buckets.High) / float64(s.Overall.Attention.Count) * 1000
}

type sessionState struct {
	mu         sync.Mutex
	id         string
	createdAt  time.Time
	thresholds Thresholds
	overall    *producer
	producers  map[string]*producer
	rejected   atomic.Uint64

	// frozen is set by Finalize and never changes afterwards.
	frozen *SessionStats
}

// Aggregator folds telemetry records into per-session statistics.
type Aggregator struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState

	config *config.StatsConfig
	clock  clock.Clock
	log    zerolog.Logger
}

// NewAggregator creates an aggregator. New sessions start with the thresholds
// and timeline window from statsConfig. A nil clock uses wall time.
func NewAggregator(statsConfig *config.StatsConfig, clk clock.Clock, log zerolog.Logger) *Aggregator {
	if clk == nil {
		clk = clock.Real()
	}
	return &Aggregator{
		sessions: make(map[string]*sessionState),
		config:   statsConfig,
		clock:    clk,
		log:      log.With().Str("component", "aggregator").Logger(),
	}
}

func (a *Aggregator) session(id string, create bool) (*sessionState, error) {
	if id == "" {
		return nil, ErrInvalidSession
	}

	a.mu.RLock()
	s, ok := a.sessions[id]
	a.mu.RUnlock()
	if ok {
		return s, nil
	}
	if !create {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok = a.sessions[id]; ok {
		return s, nil
	}
	s = &sessionState{
		id:        id,
		createdAt: a.clock.Now(),
		thresholds: Thresholds{
			Low:  a.config.LowThreshold,
			High: a.config.HighThreshold,
		},
		overall:   newProducer(""),
		producers: make(map[string]*producer),
	}
	a.sessions[id] = s
	return s, nil
}

// Observe folds rec into its session. Records for a finalized session are
// counted as rejected and ErrFinalized is returned.
func (a *Aggregator) Observe(rec eeg.Record) error {
	s, err := a.session(rec.SessionID, true)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen != nil {
		s.rejected.Add(1)
		return fmt.Errorf("%w: %s", ErrFinalized, s.id)
	}

	at := rec.Timestamp
	if at.IsZero() {
		at = a.clock.Now()
	}
	p, ok := s.producers[rec.ProducerID]
	if !ok {
		p = newProducer(rec.ProducerID)
		s.producers[rec.ProducerID] = p
	}
	window := a.config.TimelineWindow
	p.observe(at, rec.Attention, rec.Relaxation, window)
	s.overall.observe(at, rec.Attention, rec.Relaxation, window)
	return nil
}

// Handle folds record events. Connect events register the session so its
// stats are readable before the first record.
func (a *Aggregator) Handle(ev eeg.Event) {
	var err error
	switch ev.Kind {
	case eeg.KindRecord:
		err = a.Observe(ev.Record)
	case eeg.KindConnect:
		_, err = a.session(ev.SessionID, true)
	}
	if err != nil {
		a.log.Debug().
			Err(err).
			Str("kind", string(ev.Kind)).
			Str("session", ev.SessionID).
			Str("producer", ev.ProducerID).
			Msg("event not aggregated")
	}
}

// snapshotLocked deep-copies the session's aggregates. Caller holds s.mu.
func (a *Aggregator) snapshotLocked(s *sessionState) SessionStats {
	window := a.config.TimelineWindow

	ids := make([]string, 0, len(s.producers))
	for id := range s.producers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	producers := make([]ProducerStats, len(ids))
	for i, id := range ids {
		producers[i] = s.producers[id].snapshot(s.thresholds, window)
	}
	return SessionStats{
		SessionID:      s.id,
		Thresholds:     s.thresholds,
		TimelineWindow: window,
		CreatedAt:      s.createdAt,
		Overall:        s.overall.snapshot(s.thresholds, window),
		Producers:      producers,
	}
}

// copyStats deep-copies a frozen snapshot so callers cannot alias it.
func copyStats(in *SessionStats) SessionStats {
	out := *in
	out.Overall = copyProducer(in.Overall)
	out.Producers = make([]ProducerStats, len(in.Producers))
	for i, p := range in.Producers {
		out.Producers[i] = copyProducer(p)
	}
	return out
}

func copyProducer(in ProducerStats) ProducerStats {
	out := in
	out.AttentionTimeline = make([]TimelineBucket, len(in.AttentionTimeline))
	copy(out.AttentionTimeline, in.AttentionTimeline)
	out.RelaxationTimeline = make([]TimelineBucket, len(in.RelaxationTimeline))
	copy(out.RelaxationTimeline, in.RelaxationTimeline)
	return out
}

// GetStats returns a snapshot of a session's statistics.
func (a *Aggregator) GetStats(sessionID string) (SessionStats, error) {
	s, err := a.session(sessionID, false)
	if err != nil {
		return SessionStats{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out SessionStats
	if s.frozen != nil {
		out = copyStats(s.frozen)
	} else {
		out = a.snapshotLocked(s)
	}
	out.Rejected = s.rejected.Load()
	return out, nil
}

// Finalize freezes a session and returns its final statistics. Later calls
// return the same result; records arriving afterwards are rejected.
func (a *Aggregator) Finalize(sessionID string) (SessionStats, error) {
	s, err := a.session(sessionID, false)
	if err != nil {
		return SessionStats{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen == nil {
		frozen := a.snapshotLocked(s)
		frozen.Finalized = true
		frozen.FinalizedAt = a.clock.Now()
		s.frozen = &frozen

		a.log.Info().
			Str("session", s.id).
			Uint64("records", frozen.Overall.Records).
			Int("producers", len(frozen.Producers)).
			Msg("session finalized")
	}

	out := copyStats(s.frozen)
	out.Rejected = s.rejected.Load()
	return out, nil
}

// SetThresholds changes a session's attention thresholds, creating the session
// if it has not been seen yet. Bucket counts are reported against the current
// pair, including samples observed before the change.
func (a *Aggregator) SetThresholds(sessionID string, low, high int) error {
	if err := config.ValidateThresholds(low, high); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidThresholds, err)
	}
	s, err := a.session(sessionID, true)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen != nil {
		return fmt.Errorf("%w: %s", ErrFinalized, sessionID)
	}
	s.thresholds = Thresholds{Low: low, High: high}
	return nil
}

// Thresholds returns a session's current thresholds.
func (a *Aggregator) Thresholds(sessionID string) (Thresholds, error) {
	s, err := a.session(sessionID, false)
	if err != nil {
		return Thresholds{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thresholds, nil
}

// TargetScore returns the ungated score for a session. See SessionStats.TargetScore.
func (a *Aggregator) TargetScore(sessionID string) (float64, error) {
	st, err := a.GetStats(sessionID)
	if err != nil {
		return 0, err
	}
	return st.TargetScore(), nil
}

// Sessions lists known session ids in order.
func (a *Aggregator) Sessions() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ids := make([]string, 0, len(a.sessions))
	for id := range a.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
