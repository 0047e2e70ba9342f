package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/neuroclass/ncc/internal/eeg"
)

type collector struct {
	mu     sync.Mutex
	events []eeg.Event
}

func (c *collector) Handle(ev eeg.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) snapshot() []eeg.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]eeg.Event(nil), c.events...)
}

func recordEvent(producer string, seq int) eeg.Event {
	att := uint8(seq % 101)
	return eeg.RecordEvent(eeg.Record{
		SessionID:  "s1",
		ProducerID: producer,
		Timestamp:  time.Unix(int64(seq), 0),
		Attention:  &att,
	})
}

func TestBusDeliversToEverySubscriberInOrder(t *testing.T) {
	bus := New(Options{Logger: zerolog.Nop()})
	a, b := &collector{}, &collector{}
	if err := bus.Subscribe("hub", a); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := bus.Subscribe("stats", b); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	bus.Start(context.Background())

	for i := 0; i < 200; i++ {
		bus.Emit(recordEvent("p1", i))
	}
	bus.Stop()

	for name, c := range map[string]*collector{"hub": a, "stats": b} {
		got := c.snapshot()
		if len(got) != 200 {
			t.Fatalf("%s got %d events, want 200", name, len(got))
		}
		for i, ev := range got {
			if ev.At.Unix() != int64(i) {
				t.Fatalf("%s event %d out of order: ts %d", name, i, ev.At.Unix())
			}
		}
	}
}

func TestBusPanickingSubscriberIsIsolated(t *testing.T) {
	bus := New(Options{Logger: zerolog.Nop()})
	healthy := &collector{}
	bus.Subscribe("broken", HandlerFunc(func(ev eeg.Event) {
		if ev.At.Unix()%2 == 0 {
			panic("boom")
		}
	}))
	bus.Subscribe("healthy", healthy)
	bus.Start(context.Background())

	for i := 0; i < 10; i++ {
		bus.Emit(recordEvent("p1", i))
	}
	bus.Stop()

	if n := len(healthy.snapshot()); n != 10 {
		t.Errorf("healthy subscriber got %d events, want 10", n)
	}
	stats := bus.Stats()
	if stats[0].Name != "broken" || stats[0].Panics != 5 || stats[0].Handled != 5 {
		t.Errorf("broken stats = %+v, want 5 panics 5 handled", stats[0])
	}
	if stats[1].Handled != 10 || stats[1].Panics != 0 {
		t.Errorf("healthy stats = %+v", stats[1])
	}
}

func TestBusDropsForStuckSubscriber(t *testing.T) {
	bus := New(Options{QueueDepth: 1, EmitTimeout: 5 * time.Millisecond, Logger: zerolog.Nop()})
	release := make(chan struct{})
	fast := &collector{}
	bus.Subscribe("stuck", HandlerFunc(func(eeg.Event) { <-release }))
	bus.Subscribe("fast", fast)
	bus.Start(context.Background())

	for i := 0; i < 5; i++ {
		bus.Emit(recordEvent("p1", i))
	}
	close(release)
	bus.Stop()

	if n := len(fast.snapshot()); n != 5 {
		t.Errorf("fast subscriber got %d events, want 5", n)
	}
	if d := bus.Stats()[0].Dropped; d == 0 {
		t.Error("stuck subscriber dropped nothing")
	}
}

func TestBusSubscribeRules(t *testing.T) {
	bus := New(Options{Logger: zerolog.Nop()})
	if err := bus.Subscribe("hub", &collector{}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := bus.Subscribe("hub", &collector{}); !errors.Is(err, ErrDuplicateSubscriber) {
		t.Errorf("duplicate Subscribe error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	if err := bus.Subscribe("late", &collector{}); !errors.Is(err, ErrStarted) {
		t.Errorf("Subscribe after Start error = %v", err)
	}
}

func TestBusStopsOnContextCancel(t *testing.T) {
	bus := New(Options{Logger: zerolog.Nop()})
	c := &collector{}
	bus.Subscribe("c", c)

	ctx, cancel := context.WithCancel(context.Background())
	bus.Start(ctx)
	bus.Emit(recordEvent("p1", 1))
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for {
		bus.mu.RLock()
		stopped := bus.stopped
		bus.mu.RUnlock()
		if stopped {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("bus did not stop after context cancel")
		}
		time.Sleep(time.Millisecond)
	}

	bus.Emit(recordEvent("p1", 2))
	bus.Stop()
	if n := len(c.snapshot()); n != 1 {
		t.Errorf("got %d events, want 1 (emit after stop must be dropped)", n)
	}
}

func BenchmarkBusEmit(b *testing.B) {
	bus := New(Options{Logger: zerolog.Nop()})
	bus.Subscribe("a", HandlerFunc(func(eeg.Event) {}))
	bus.Subscribe("b", HandlerFunc(func(eeg.Event) {}))
	bus.Start(context.Background())
	defer bus.Stop()

	ev := recordEvent("p", 1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Emit(ev)
	}
}
