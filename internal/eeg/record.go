// Package eeg defines the telemetry record and the typed events that flow from
// device sessions to the hub and the aggregator.
package eeg

import (
	"time"

	"github.com/neuroclass/ncc/internal/thinkgear"
)

// Record is one decoded frame stamped with its producer identity and receive
// time. Records are values and are never modified after construction.
type Record struct {
	SessionID     string           `json:"sessionId"`
	ProducerID    string           `json:"producerId"`
	Timestamp     time.Time        `json:"ts"`
	Attention     *uint8           `json:"attention,omitempty"`
	Relaxation    *uint8           `json:"relaxation,omitempty"`
	SignalQuality *uint8           `json:"signalQuality,omitempty"`
	Bands         *thinkgear.Bands `json:"bands,omitempty"`
}

// NewRecord stamps frame with identity and time. The field pointers are copied
// so the record shares nothing with the decoder's output.
func NewRecord(sessionID, producerID string, at time.Time, frame thinkgear.Frame) Record {
	rec := Record{
		SessionID:  sessionID,
		ProducerID: producerID,
		Timestamp:  at,
	}
	rec.Attention = copyValue(frame.Attention)
	rec.Relaxation = copyValue(frame.Relaxation)
	rec.SignalQuality = copyValue(frame.SignalQuality)
	if frame.Bands != nil {
		b := *frame.Bands
		rec.Bands = &b
	}
	return rec
}

func copyValue(v *uint8) *uint8 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// EventKind distinguishes data from lifecycle events on the bus.
type EventKind string

const (
	KindRecord     EventKind = "record"
	KindConnect    EventKind = "connect"
	KindDisconnect EventKind = "disconnect"
)

// Event is what a device session emits. Record is set only for KindRecord.
type Event struct {
	Kind       EventKind
	SessionID  string
	ProducerID string
	At         time.Time
	Record     Record
	Reason     string
}

// RecordEvent wraps rec in an event.
func RecordEvent(rec Record) Event {
	return Event{
		Kind:       KindRecord,
		SessionID:  rec.SessionID,
		ProducerID: rec.ProducerID,
		At:         rec.Timestamp,
		Record:     rec,
	}
}

// Emitter accepts events from a device session. Implementations must preserve
// the order of events from a single caller.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

// Emit calls f(ev).
func (f EmitterFunc) Emit(ev Event) { f(ev) }
