// Package telemetry implements the session-scoped live telemetry hub.
//
// Producers (student headsets) and consumers (teacher and observer dashboards)
// join a classroom session. Every record a producer publishes is queued for each
// consumer of that session; each consumer has its own bounded queue and delivery
// goroutine, so a slow or failing consumer is evicted without affecting the
// others. A periodic sweep marks silent producers stale and announces the
// transition once per silence episode.
//
// SSEConsumer adapts the Consumer interface to Server-Sent Events.
package telemetry
