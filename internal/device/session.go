// Package device owns the byte stream of one EEG headset connection.
//
// A Session buffers partial packets across reads, runs the ThinkGear decoder
// and emits one eeg.Event per valid frame. Each connection owns its Session;
// there is no shared state between sessions.
package device

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/neuroclass/ncc/internal/clock"
	"github.com/neuroclass/ncc/internal/eeg"
	"github.com/neuroclass/ncc/internal/thinkgear"
)

// DefaultMaxBuffer bounds the pending byte buffer.
const DefaultMaxBuffer = 4 * thinkgear.MaxFrameSize

var (
	// ErrClosed is returned when feeding a closed session.
	ErrClosed = errors.New("device session closed")
	// ErrInvalidIdentity is returned by Open when session or producer id is empty.
	ErrInvalidIdentity = errors.New("session and producer id are required")
)

// Options tune a Session. Zero values select defaults.
type Options struct {
	Clock     clock.Clock
	MaxBuffer int
	Logger    zerolog.Logger
}

// Stats describes what a Session has processed so far.
type Stats struct {
	Bytes     uint64          `json:"bytes"`
	Records   uint64          `json:"records"`
	Overflows uint64          `json:"overflows"`
	Buffered  int             `json:"buffered"`
	Decoder   thinkgear.Stats `json:"decoder"`
	Closed    bool            `json:"closed"`
}

// Session is the stream state for one producer.
type Session struct {
	sessionID  string
	producerID string
	emitter    eeg.Emitter
	clock      clock.Clock
	maxBuffer  int
	log        zerolog.Logger

	mu     sync.Mutex
	buf    []byte
	stats  Stats
	closed bool
}

// Open creates a Session and emits a connect event for the producer.
func Open(sessionID, producerID string, emitter eeg.Emitter, opts Options) (*Session, error) {
	if sessionID == "" || producerID == "" {
		return nil, ErrInvalidIdentity
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.MaxBuffer <= 0 {
		opts.MaxBuffer = DefaultMaxBuffer
	}

	s := &Session{
		sessionID:  sessionID,
		producerID: producerID,
		emitter:    emitter,
		clock:      opts.Clock,
		maxBuffer:  opts.MaxBuffer,
		log: opts.Logger.With().
			Str("session", sessionID).
			Str("producer", producerID).
			Logger(),
		buf: make([]byte, 0, opts.MaxBuffer),
	}

	emitter.Emit(eeg.Event{
		Kind:       eeg.KindConnect,
		SessionID:  sessionID,
		ProducerID: producerID,
		At:         s.clock.Now(),
	})
	return s, nil
}

// SessionID returns the classroom session this device belongs to.
func (s *Session) SessionID() string { return s.sessionID }

// ProducerID returns the producer identity.
func (s *Session) ProducerID() string { return s.producerID }

// Feed appends p to the stream and emits a record for every complete valid
// frame. It always accepts all of p unless the session is closed.
func (s *Session) Feed(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	s.stats.Bytes += uint64(len(p))

	rest := p
	for len(rest) > 0 {
		room := s.maxBuffer - len(s.buf)
		if room == 0 {
			// Decoder could not make progress on a full buffer.
			s.stats.Overflows++
			s.log.Warn().Int("dropped", len(s.buf)).Msg("device buffer overflow, resyncing")
			s.buf = s.buf[:0]
			room = s.maxBuffer
		}
		n := min(room, len(rest))
		s.buf = append(s.buf, rest[:n]...)
		rest = rest[n:]
		s.drain()
	}

	s.stats.Buffered = len(s.buf)
	return len(p), nil
}

// Write implements io.Writer so a Session can sit behind io.Copy.
func (s *Session) Write(p []byte) (int, error) {
	return s.Feed(p)
}

// drain decodes the buffer and emits records. Caller holds s.mu.
func (s *Session) drain() {
	frames, consumed, ds := thinkgear.Decode(s.buf)
	s.stats.Decoder.Add(ds)
	if ds.Corrupt() > 0 {
		s.log.Debug().
			Int("checksum", ds.ChecksumErrors).
			Int("length", ds.InvalidLength).
			Int("malformed", ds.Malformed).
			Msg("dropped corrupt frames")
	}

	if len(frames) > 0 {
		now := s.clock.Now()
		for _, f := range frames {
			s.emitter.Emit(eeg.RecordEvent(eeg.NewRecord(s.sessionID, s.producerID, now, f)))
			s.stats.Records++
		}
	}

	if consumed > 0 {
		n := copy(s.buf, s.buf[consumed:])
		s.buf = s.buf[:n]
	}
}

// Close discards buffered bytes and emits a disconnect event. Subsequent calls
// are no-ops.
func (s *Session) Close() error {
	return s.CloseWithReason("closed")
}

// CloseWithReason is Close with a reason recorded on the disconnect event.
func (s *Session) CloseWithReason(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.buf = nil
	s.stats.Buffered = 0
	s.stats.Closed = true

	s.emitter.Emit(eeg.Event{
		Kind:       eeg.KindDisconnect,
		SessionID:  s.sessionID,
		ProducerID: s.producerID,
		At:         s.clock.Now(),
		Reason:     reason,
	})
	s.log.Debug().Str("reason", reason).Uint64("records", s.stats.Records).Msg("device session closed")
	return nil
}

// Stats returns a copy of the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
