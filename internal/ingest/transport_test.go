package ingest_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/neuroclass/ncc/internal/api"
	"github.com/neuroclass/ncc/internal/clock"
	"github.com/neuroclass/ncc/internal/config"
	"github.com/neuroclass/ncc/internal/device"
	"github.com/neuroclass/ncc/internal/eeg"
	"github.com/neuroclass/ncc/internal/ingest"
	"github.com/neuroclass/ncc/internal/report"
	"github.com/neuroclass/ncc/internal/stats"
	"github.com/neuroclass/ncc/internal/telemetry"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// A producer streams over TCP or HTTP, never both at once.
func TestOneStreamPerProducerAcrossTransports(t *testing.T) {
	cfg := config.Defaults()
	clk := clock.Fake(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	log := zerolog.Nop()

	hub := telemetry.NewHub(&cfg.Hub, clk, log)
	defer hub.Stop()
	agg := stats.NewAggregator(&cfg.Stats, clk, log)
	emitter := eeg.EmitterFunc(func(ev eeg.Event) {
		hub.Handle(ev)
		agg.Handle(ev)
	})
	streams := device.NewRegistry()

	apiServer := api.NewServer(api.Deps{
		Hub:     hub,
		Stats:   agg,
		Reports: report.NewMemory(),
		Ingest:  emitter,
		Streams: streams,
		Clock:   clk,
	}, cfg.Server, cfg.Device, log)
	ts := httptest.NewServer(apiServer.Handler())
	defer ts.Close()
	streamURL := ts.URL + "/api/v1/sessions/room-1/devices/p1/stream"

	ingestCfg := cfg.Ingest
	ingestCfg.AllowedCIDRs = nil
	srv, err := ingest.NewServer(ingestCfg, cfg.Device, emitter, nil, clk, log)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv.SetRegistry(streams)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()

	client := ingest.NewClient(ln.Addr().String(),
		ingest.Handshake{SessionID: "room-1", ProducerID: "p1"}, cfg.Reconnect, log)

	// TCP first, then HTTP.
	conn, err := client.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	resp, err := http.Post(streamURL, "application/octet-stream", bytes.NewReader(attentionPacket(40)))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("HTTP status while TCP streams = %d, want 409", resp.StatusCode)
	}
	if producers, err := hub.Snapshot("room-1"); err != nil || len(producers) != 1 {
		t.Fatalf("snapshot = %+v, %v", producers, err)
	}

	_ = conn.Close()
	waitFor(t, "TCP stream release", func() bool { return !streams.Active("room-1", "p1") })

	// HTTP first, then TCP.
	pr, pw := io.Pipe()
	done := make(chan int, 1)
	go func() {
		resp, err := http.Post(streamURL, "application/octet-stream", pr)
		if err != nil {
			done <- 0
			return
		}
		_ = resp.Body.Close()
		done <- resp.StatusCode
	}()
	if _, err := pw.Write(attentionPacket(60)); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "HTTP stream claim", func() bool { return streams.Active("room-1", "p1") })

	_, err = client.Dial(context.Background())
	var reject *ingest.RejectError
	if !errors.As(err, &reject) || reject.Code() != ingest.CodeConflict {
		t.Fatalf("Dial while HTTP streams = %v, want CONFLICT", err)
	}

	_ = pw.Close()
	select {
	case code := <-done:
		if code != http.StatusOK {
			t.Fatalf("HTTP stream status = %d, want 200", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("HTTP stream did not finish")
	}
	if streams.Len() != 0 {
		t.Fatalf("live streams = %d, want 0", streams.Len())
	}
}
