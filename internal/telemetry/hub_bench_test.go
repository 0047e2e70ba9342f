//go:build !slowbench

// Package telemetry provides performance benchmarks for the telemetry hub.
package telemetry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/neuroclass/ncc/internal/clock"
	"github.com/neuroclass/ncc/internal/config"
)

// discardConsumer accepts every notification.
type discardConsumer string

func (d discardConsumer) ID() string { return string(d) }
func (discardConsumer) Send(Notification) error { return nil }
func (discardConsumer) Evicted(error) {}

func newBenchHub(b *testing.B) *Hub {
	b.Helper()
	cfg := config.Defaults().Hub
	cfg.ConsumerQueue = 1 << 16
	return NewHub(&cfg, clock.Real(), zerolog.Nop())
}

func BenchmarkPublishWithConsumers(b *testing.B) {
	// Test with different numbers of consumers (reduced for fast execution)
	consumerCounts := []int{1, 5, 10, 30}

	for _, count := range consumerCounts {
		b.Run(fmt.Sprintf("Consumers_%d", count), func(b *testing.B) {
			hub := newBenchHub(b)
			defer hub.Stop()

			for i := 0; i < count; i++ {
				if err := hub.Join("room-1", RoleConsumer, discardConsumer(fmt.Sprintf("c%d", i))); err != nil {
					b.Fatalf("Join failed: %v", err)
				}
			}

			rec := record("room-1", "student-a", 42)
			b.ReportAllocs()
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				if err := hub.Publish(rec); err != nil {
					b.Fatalf("Publish failed: %v", err)
				}
			}
		})
	}
}

func BenchmarkPublishWithoutConsumers(b *testing.B) {
	hub := newBenchHub(b)
	defer hub.Stop()

	rec := record("room-1", "student-a", 42)
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := hub.Publish(rec); err != nil {
			b.Fatalf("Publish failed: %v", err)
		}
	}
}

func BenchmarkPublishParallelSessions(b *testing.B) {
	hub := newBenchHub(b)
	defer hub.Stop()

	const sessions = 8
	for i := 0; i < sessions; i++ {
		hub.Join(fmt.Sprintf("room-%d", i), RoleConsumer, discardConsumer("teacher"))
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			sessionID := fmt.Sprintf("room-%d", i%sessions)
			if err := hub.Publish(record(sessionID, "student-a", i)); err != nil {
				b.Errorf("Publish failed: %v", err)
				return
			}
			i++
		}
	})
}

func BenchmarkSweep(b *testing.B) {
	hub := newBenchHub(b)
	defer hub.Stop()

	for s := 0; s < 10; s++ {
		for p := 0; p < 30; p++ {
			hub.Publish(record(fmt.Sprintf("room-%d", s), fmt.Sprintf("student-%d", p), p))
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hub.Sweep()
	}
}

func BenchmarkJoinLeave(b *testing.B) {
	hub := newBenchHub(b)
	defer hub.Stop()

	// Keep the session alive so every iteration reuses it.
	hub.Join("room-1", RoleProducer, Producer("anchor"))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c := discardConsumer("teacher")
		if err := hub.Join("room-1", RoleConsumer, c); err != nil {
			b.Fatalf("Join failed: %v", err)
		}
		if err := hub.Leave("room-1", c.ID()); err != nil {
			b.Fatalf("Leave failed: %v", err)
		}
	}
}

func BenchmarkSubscribeSSE(b *testing.B) {
	hub := newBenchHub(b)
	defer hub.Stop()
	hub.Join("room-1", RoleProducer, Producer("student-a"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := newThreadSafeResponseWriter()
	go hub.Subscribe(ctx, w, "room-1")

	deadline := time.Now().Add(time.Second)
	for hub.Stats().Consumers == 0 {
		if time.Now().After(deadline) {
			b.Fatal("subscriber never joined")
		}
		time.Sleep(time.Millisecond)
	}

	rec := record("room-1", "student-a", 1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := hub.Publish(rec); err != nil {
			b.Fatalf("Publish failed: %v", err)
		}
	}
}
