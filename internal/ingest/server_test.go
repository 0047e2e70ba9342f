package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/neuroclass/ncc/internal/audit"
	"github.com/neuroclass/ncc/internal/auth"
	"github.com/neuroclass/ncc/internal/clock"
	"github.com/neuroclass/ncc/internal/config"
	"github.com/neuroclass/ncc/internal/eeg"
)

// attentionFrame carries signal quality 0 and attention 90.
var attentionFrame = []byte{0xAA, 0xAA, 0x04, 0x02, 0x00, 0x04, 0x5A, 0x9F}

var t0 = time.Date(2026, 5, 4, 8, 30, 0, 0, time.UTC)

type eventSink struct {
	events chan eeg.Event
}

func newEventSink() *eventSink {
	return &eventSink{events: make(chan eeg.Event, 256)}
}

func (s *eventSink) Emit(ev eeg.Event) { s.events <- ev }

func (s *eventSink) next(t *testing.T, kind eeg.EventKind) eeg.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-s.events:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testIngestConfig() config.IngestConfig {
	return config.IngestConfig{
		Enabled:          true,
		Addr:             "127.0.0.1:0",
		HandshakeTimeout: 2 * time.Second,
		MaxConnections:   8,
		ReadBufferSize:   64,
	}
}

func startServer(t *testing.T, cfg config.IngestConfig, mw *auth.Middleware) (*Server, *eventSink) {
	t.Helper()
	sink := newEventSink()
	srv, err := NewServer(cfg, config.DeviceConfig{MaxBuffer: 1024}, sink, mw, clock.Fake(t0), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()
	t.Cleanup(func() {
		_ = srv.Close()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return srv, sink
}

// handshake dials srv, sends hs and returns the connection and the reply.
func handshake(t *testing.T, addr string, hs any) (net.Conn, Reply) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))

	switch v := hs.(type) {
	case string:
		_, err = io.WriteString(conn, v)
	default:
		err = writeLine(conn, v)
	}
	if err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	var reply Reply
	if err := json.Unmarshal(line, &reply); err != nil {
		t.Fatalf("decode reply %q: %v", line, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, reply
}

func TestNewServerValidation(t *testing.T) {
	cfg := testIngestConfig()
	if _, err := NewServer(cfg, config.DeviceConfig{}, nil, nil, nil, zerolog.Nop()); err == nil {
		t.Fatal("expected error for nil emitter")
	}
	cfg.AllowedCIDRs = []string{"10.0.0.0/33"}
	if _, err := NewServer(cfg, config.DeviceConfig{}, newEventSink(), nil, nil, zerolog.Nop()); err == nil {
		t.Fatal("expected error for invalid CIDR")
	}
}

func TestIsAllowed(t *testing.T) {
	cfg := testIngestConfig()
	cfg.AllowedCIDRs = []string{"127.0.0.0/8", "10.0.0.0/8", "::1/128"}
	srv, err := NewServer(cfg, config.DeviceConfig{}, newEventSink(), nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	tests := []struct {
		addr    string
		allowed bool
	}{
		{"127.0.0.1:1234", true},
		{"10.1.2.3:80", true},
		{"[::1]:9000", true},
		{"192.168.1.10:5000", false},
		{"not-an-address", false},
	}
	for _, tt := range tests {
		if got := srv.isAllowed(fakeAddr(tt.addr)); got != tt.allowed {
			t.Errorf("isAllowed(%s) = %v, want %v", tt.addr, got, tt.allowed)
		}
	}

	open, _ := NewServer(testIngestConfig(), config.DeviceConfig{}, newEventSink(), nil, nil, zerolog.Nop())
	if !open.isAllowed(&net.TCPAddr{IP: net.ParseIP("203.0.113.9"), Port: 1}) {
		t.Error("empty CIDR list should admit every address")
	}
}

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

func TestServerStreamsRecords(t *testing.T) {
	srv, sink := startServer(t, testIngestConfig(), nil)
	auditBuf := &syncBuffer{}
	srv.SetAuditLogger(audit.NewWriterLogger(auditBuf, clock.Fake(t0)))

	conn, reply := handshake(t, srv.Addr().String(), Handshake{SessionID: "room-1", ProducerID: "p1"})
	if reply.Status != statusOK {
		t.Fatalf("reply = %+v", reply)
	}

	connect := sink.next(t, eeg.KindConnect)
	if connect.SessionID != "room-1" || connect.ProducerID != "p1" {
		t.Fatalf("connect = %+v", connect)
	}

	// Split the frame across writes to exercise buffering in the session.
	if _, err := conn.Write(attentionFrame[:3]); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := conn.Write(attentionFrame[3:]); err != nil {
		t.Fatalf("write: %v", err)
	}

	rec := sink.next(t, eeg.KindRecord).Record
	if rec.Attention == nil || *rec.Attention != 90 {
		t.Fatalf("attention = %v, want 90", rec.Attention)
	}
	if rec.SignalQuality == nil || *rec.SignalQuality != 0 {
		t.Fatalf("signal quality = %v, want 0", rec.SignalQuality)
	}
	if !rec.Timestamp.Equal(t0) {
		t.Fatalf("timestamp = %v, want %v", rec.Timestamp, t0)
	}

	_ = conn.Close()
	disconnect := sink.next(t, eeg.KindDisconnect)
	if disconnect.Reason != "eof" {
		t.Fatalf("disconnect reason = %q, want eof", disconnect.Reason)
	}

	_ = srv.Close()
	st := srv.Stats()
	if st.Accepted != 1 || st.Records != 1 || st.Active != 0 {
		t.Fatalf("stats = %+v", st)
	}
	trail := auditBuf.String()
	if !strings.Contains(trail, `"action":"device_connect"`) || !strings.Contains(trail, `"action":"device_disconnect"`) {
		t.Fatalf("audit trail missing device actions:\n%s", trail)
	}
}

func TestServerRejectsBadHandshakes(t *testing.T) {
	srv, _ := startServer(t, testIngestConfig(), nil)

	tests := []struct {
		name string
		line string
	}{
		{"not json", "hello\n"},
		{"unknown field", `{"sessionId":"room-1","producerId":"p1","role":"producer"}` + "\n"},
		{"missing producer", `{"sessionId":"room-1"}` + "\n"},
		{"missing session", `{"producerId":"p1"}` + "\n"},
		{"blank line", "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, reply := handshake(t, srv.Addr().String(), tt.line)
			if reply.Status != statusError || reply.Code != CodeBadRequest {
				t.Fatalf("reply = %+v, want BAD_REQUEST", reply)
			}
		})
	}
	if got := srv.Stats().Rejected; got != uint64(len(tests)) {
		t.Fatalf("rejected = %d, want %d", got, len(tests))
	}
}

const ingestSecret = "ingest-test-secret"

func deviceToken(t *testing.T, scopes, sessions []string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":    "headset-1",
		"roles":  []string{auth.RoleDevice},
		"scopes": scopes,
		"exp":    time.Now().Add(time.Hour).Unix(),
	}
	if sessions != nil {
		claims["sessions"] = sessions
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(ingestSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestServerAuthorizesHandshake(t *testing.T) {
	v, err := auth.NewVerifier(config.AuthConfig{Algorithm: "HS256", SecretKey: ingestSecret})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	srv, sink := startServer(t, testIngestConfig(), auth.NewMiddleware(v))

	tests := []struct {
		name  string
		token string
		code  string
	}{
		{"missing token", "", CodeUnauthorized},
		{"garbage token", "not-a-jwt", CodeUnauthorized},
		{"wrong scope", deviceToken(t, []string{auth.ScopeSubscribe}, nil), CodeForbidden},
		{"other session", deviceToken(t, []string{auth.ScopePublish}, []string{"room-2"}), CodeForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, reply := handshake(t, srv.Addr().String(), Handshake{SessionID: "room-1", ProducerID: "p1", Token: tt.token})
			if reply.Status != statusError || reply.Code != tt.code {
				t.Fatalf("reply = %+v, want %s", reply, tt.code)
			}
		})
	}

	token := deviceToken(t, []string{auth.ScopePublish}, []string{"room-1"})
	_, reply := handshake(t, srv.Addr().String(), Handshake{SessionID: "room-1", ProducerID: "p1", Token: token})
	if reply.Status != statusOK {
		t.Fatalf("reply = %+v, want ok", reply)
	}
	sink.next(t, eeg.KindConnect)
}

func TestServerRejectsDuplicateProducer(t *testing.T) {
	srv, sink := startServer(t, testIngestConfig(), nil)
	addr := srv.Addr().String()

	first, reply := handshake(t, addr, Handshake{SessionID: "room-1", ProducerID: "p1"})
	if reply.Status != statusOK {
		t.Fatalf("first reply = %+v", reply)
	}
	sink.next(t, eeg.KindConnect)

	_, reply = handshake(t, addr, Handshake{SessionID: "room-1", ProducerID: "p1"})
	if reply.Code != CodeConflict {
		t.Fatalf("duplicate reply = %+v, want CONFLICT", reply)
	}

	// Same producer in another session is a different stream.
	_, reply = handshake(t, addr, Handshake{SessionID: "room-2", ProducerID: "p1"})
	if reply.Status != statusOK {
		t.Fatalf("other session reply = %+v", reply)
	}

	// The slot frees once the first stream ends.
	_ = first.Close()
	for {
		if ev := sink.next(t, eeg.KindDisconnect); ev.SessionID == "room-1" {
			break
		}
	}
	_, reply = handshake(t, addr, Handshake{SessionID: "room-1", ProducerID: "p1"})
	if reply.Status != statusOK {
		t.Fatalf("reconnect reply = %+v", reply)
	}
}

func TestServerMaxConnections(t *testing.T) {
	cfg := testIngestConfig()
	cfg.MaxConnections = 1
	srv, _ := startServer(t, cfg, nil)

	_, reply := handshake(t, srv.Addr().String(), Handshake{SessionID: "room-1", ProducerID: "p1"})
	if reply.Status != statusOK {
		t.Fatalf("first reply = %+v", reply)
	}

	// The server answers BUSY before reading a handshake.
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if err := json.Unmarshal(line, &reply); err != nil || reply.Code != CodeBusy {
		t.Fatalf("second reply = %s (%v), want BUSY", line, err)
	}
	if srv.Stats().Rejected != 1 {
		t.Fatalf("rejected = %d, want 1", srv.Stats().Rejected)
	}
}

func TestServerCIDRRejectsConnection(t *testing.T) {
	cfg := testIngestConfig()
	cfg.AllowedCIDRs = []string{"10.0.0.0/8"}
	srv, sink := startServer(t, cfg, nil)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected connection to be closed")
	}
	select {
	case ev := <-sink.events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestServerIdleTimeout(t *testing.T) {
	cfg := testIngestConfig()
	cfg.IdleTimeout = 50 * time.Millisecond
	srv, sink := startServer(t, cfg, nil)

	_, reply := handshake(t, srv.Addr().String(), Handshake{SessionID: "room-1", ProducerID: "p1"})
	if reply.Status != statusOK {
		t.Fatalf("reply = %+v", reply)
	}
	if ev := sink.next(t, eeg.KindDisconnect); ev.Reason != "idle timeout" {
		t.Fatalf("reason = %q, want idle timeout", ev.Reason)
	}
}

func TestServerCloseDisconnectsDevices(t *testing.T) {
	srv, sink := startServer(t, testIngestConfig(), nil)

	conn, reply := handshake(t, srv.Addr().String(), Handshake{SessionID: "room-1", ProducerID: "p1"})
	if reply.Status != statusOK {
		t.Fatalf("reply = %+v", reply)
	}
	sink.next(t, eeg.KindConnect)

	if err := srv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if ev := sink.next(t, eeg.KindDisconnect); ev.Reason != "server shutdown" {
		t.Fatalf("reason = %q, want server shutdown", ev.Reason)
	}

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected device connection closed")
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestClientRunStreams(t *testing.T) {
	srv, sink := startServer(t, testIngestConfig(), nil)

	c := NewClient(srv.Addr().String(), Handshake{SessionID: "room-1", ProducerID: "p1"}, testReconnectConfig(3), zerolog.Nop())
	err := c.Run(context.Background(), func(ctx context.Context, w io.Writer) error {
		_, err := w.Write(attentionFrame)
		return err
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if rec := sink.next(t, eeg.KindRecord).Record; *rec.Attention != 90 {
		t.Fatalf("attention = %d", *rec.Attention)
	}
	if c.Reconnector().State() != StateIdle {
		t.Fatalf("state = %s, want idle", c.Reconnector().State())
	}
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	srv, sink := startServer(t, testIngestConfig(), nil)

	c := NewClient(srv.Addr().String(), Handshake{SessionID: "room-1", ProducerID: "p1"}, testReconnectConfig(0), zerolog.Nop())
	var sleeps int
	c.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		time.Sleep(5 * time.Millisecond)
		return nil
	}

	calls := 0
	err := c.Run(context.Background(), func(ctx context.Context, w io.Writer) error {
		calls++
		if calls == 1 {
			return errors.New("headset unplugged")
		}
		_, err := w.Write(attentionFrame)
		return err
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 2 {
		t.Fatalf("stream calls = %d, want 2", calls)
	}
	if sleeps < 1 {
		t.Fatalf("sleeps = %d, want at least 1", sleeps)
	}
	sink.next(t, eeg.KindRecord)
}

func TestClientGivesUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	c := NewClient(addr, Handshake{SessionID: "room-1", ProducerID: "p1"}, testReconnectConfig(3), zerolog.Nop())
	var waits []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	err = c.Run(context.Background(), func(ctx context.Context, w io.Writer) error {
		t.Fatal("stream must not run without a connection")
		return nil
	})
	if !errors.Is(err, ErrGaveUp) {
		t.Fatalf("Run error = %v, want ErrGaveUp", err)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(waits) != len(want) || waits[0] != want[0] || waits[1] != want[1] {
		t.Fatalf("waits = %v, want %v", waits, want)
	}
	if c.Reconnector().State() != StateFailed {
		t.Fatalf("state = %s, want failed", c.Reconnector().State())
	}
}

func TestClientStopsOnPermanentReject(t *testing.T) {
	v, err := auth.NewVerifier(config.AuthConfig{Algorithm: "HS256", SecretKey: ingestSecret})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	srv, _ := startServer(t, testIngestConfig(), auth.NewMiddleware(v))

	c := NewClient(srv.Addr().String(), Handshake{SessionID: "room-1", ProducerID: "p1"}, testReconnectConfig(0), zerolog.Nop())
	c.sleep = func(ctx context.Context, d time.Duration) error {
		t.Fatal("permanent rejection must not back off")
		return nil
	}

	err = c.Run(context.Background(), func(ctx context.Context, w io.Writer) error { return nil })
	var reject *RejectError
	if !errors.As(err, &reject) || reject.Code() != CodeUnauthorized {
		t.Fatalf("Run error = %v, want UNAUTHORIZED rejection", err)
	}
}

func TestClientRunHonorsContext(t *testing.T) {
	srv, _ := startServer(t, testIngestConfig(), nil)

	c := NewClient(srv.Addr().String(), Handshake{SessionID: "room-1", ProducerID: "p1"}, testReconnectConfig(0), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	err := c.Run(ctx, func(ctx context.Context, w io.Writer) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
}
