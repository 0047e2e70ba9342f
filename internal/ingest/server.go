package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/neuroclass/ncc/internal/audit"
	"github.com/neuroclass/ncc/internal/auth"
	"github.com/neuroclass/ncc/internal/clock"
	"github.com/neuroclass/ncc/internal/config"
	"github.com/neuroclass/ncc/internal/device"
	"github.com/neuroclass/ncc/internal/eeg"
)

// AuditPort records device connects and disconnects.
type AuditPort interface {
	LogAction(ctx context.Context, action audit.Action, sessionID, subject string, params map[string]any, err error)
}

// Stats are listener counters.
type Stats struct {
	Active   int    `json:"active"`
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
	Records  uint64 `json:"records"`
}

// Server accepts raw device connections. Each connection sends a JSON
// handshake line and then streams ThinkGear bytes into a device session.
type Server struct {
	config   config.IngestConfig
	device   config.DeviceConfig
	emitter  eeg.Emitter
	auth     *auth.Middleware
	clock    clock.Clock
	log      zerolog.Logger
	networks []*net.IPNet
	registry *device.Registry

	auditLogger atomic.Pointer[AuditPort]

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup

	accepted atomic.Uint64
	rejected atomic.Uint64
	records  atomic.Uint64
}

// NewServer creates an ingest server that feeds decoded events to emitter.
// A nil authMiddleware accepts every handshake as auth.DevClaims. An empty
// AllowedCIDRs list admits every address.
func NewServer(ingestConfig config.IngestConfig, deviceConfig config.DeviceConfig, emitter eeg.Emitter,
	authMiddleware *auth.Middleware, clk clock.Clock, log zerolog.Logger) (*Server, error) {
	if emitter == nil {
		return nil, fmt.Errorf("ingest: emitter is required")
	}
	if authMiddleware == nil {
		authMiddleware = auth.NewMiddleware(nil)
	}
	if clk == nil {
		clk = clock.Real()
	}

	networks := make([]*net.IPNet, 0, len(ingestConfig.AllowedCIDRs))
	for _, cidr := range ingestConfig.AllowedCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("ingest: invalid CIDR %q: %w", cidr, err)
		}
		networks = append(networks, network)
	}

	return &Server{
		config:   ingestConfig,
		device:   deviceConfig,
		emitter:  emitter,
		auth:     authMiddleware,
		clock:    clk,
		log:      log.With().Str("component", "ingest").Logger(),
		networks: networks,
		registry: device.NewRegistry(),
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// SetAuditLogger sets the audit trail for device connections.
func (s *Server) SetAuditLogger(a AuditPort) {
	s.auditLogger.Store(&a)
}

// SetRegistry shares the live-stream registry with other transports so a
// producer streams over at most one of them. Call it before Serve.
func (s *Server) SetRegistry(r *device.Registry) {
	if r != nil {
		s.registry = r
	}
}

// ListenAndServe listens on the configured address and serves until Close.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("device ingest listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn().Err(err).Msg("failed to accept connection")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if !s.isAllowed(conn.RemoteAddr()) {
			s.rejected.Add(1)
			s.log.Warn().Str("remote", conn.RemoteAddr().String()).Msg("rejected connection (not in allowed CIDRs)")
			_ = conn.Close()
			continue
		}

		if !s.track(conn) {
			s.rejected.Add(1)
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = writeLine(conn, Reply{Status: statusError, Code: CodeBusy, Message: "too many connections"})
			_ = conn.Close()
			continue
		}

		s.accepted.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConnection(conn)
		}()
	}
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// track registers conn unless the server is closed or full. On success the
// caller owns one wg slot.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.config.MaxConnections > 0 && len(s.conns) >= s.config.MaxConnections {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Server) isAllowed(addr net.Addr) bool {
	if len(s.networks) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, network := range s.networks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func (s *Server) handshakeDeadline() time.Time {
	if s.config.HandshakeTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(s.config.HandshakeTimeout)
}

func (s *Server) reject(conn net.Conn, code, message string) {
	s.rejected.Add(1)
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = writeLine(conn, Reply{Status: statusError, Code: code, Message: message})
}

func replyCode(err error) string {
	switch {
	case errors.Is(err, auth.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken):
		return CodeUnauthorized
	default:
		return CodeBadRequest
	}
}

// handleConnection runs one device connection to completion.
func (s *Server) handleConnection(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	log := s.log.With().Str("remote", remote).Logger()

	_ = conn.SetReadDeadline(s.handshakeDeadline())
	reader := bufio.NewReaderSize(conn, max(s.config.ReadBufferSize, 512))

	line, err := readLine(reader)
	if err != nil {
		log.Debug().Err(err).Msg("handshake read failed")
		s.reject(conn, CodeBadRequest, "handshake not received")
		return
	}
	var hs Handshake
	if err := decodeStrict(line, &hs); err != nil {
		s.reject(conn, CodeBadRequest, "malformed handshake")
		return
	}
	if hs.SessionID == "" || hs.ProducerID == "" {
		s.reject(conn, CodeBadRequest, "sessionId and producerId are required")
		return
	}

	claims, err := s.auth.Authenticate(hs.Token)
	if err == nil {
		err = auth.Authorize(claims, auth.ScopePublish, hs.SessionID)
	}
	if err != nil {
		log.Warn().Err(err).Str("session", hs.SessionID).Str("producer", hs.ProducerID).Msg("handshake refused")
		s.reject(conn, replyCode(err), "not authorized")
		return
	}

	release, err := s.registry.Claim(hs.SessionID, hs.ProducerID)
	if err != nil {
		s.reject(conn, CodeConflict, err.Error())
		return
	}
	defer release()

	sess, err := device.Open(hs.SessionID, hs.ProducerID, s.emitter, device.Options{
		Clock:     s.clock,
		MaxBuffer: s.device.MaxBuffer,
		Logger:    s.log,
	})
	if err != nil {
		s.reject(conn, CodeBadRequest, err.Error())
		return
	}

	ctx := audit.WithActor(context.Background(), claims.Subject)
	s.recordAction(ctx, audit.ActionConnect, hs.SessionID, hs.ProducerID,
		map[string]any{"transport": "tcp", "remote": remote}, nil)

	_ = conn.SetWriteDeadline(s.handshakeDeadline())
	if err := writeLine(conn, Reply{Status: statusOK}); err != nil {
		_ = sess.CloseWithReason("handshake reply failed")
		return
	}
	_ = conn.SetWriteDeadline(time.Time{})

	log.Info().Str("session", hs.SessionID).Str("producer", hs.ProducerID).Msg("device connected")

	reason := s.stream(reader, conn, sess)
	_ = sess.CloseWithReason(reason)

	st := sess.Stats()
	s.records.Add(st.Records)
	s.recordAction(ctx, audit.ActionDisconnect, hs.SessionID, hs.ProducerID,
		map[string]any{"reason": reason, "records": st.Records, "bytes": st.Bytes}, nil)
	log.Info().
		Str("session", hs.SessionID).
		Str("producer", hs.ProducerID).
		Str("reason", reason).
		Uint64("records", st.Records).
		Msg("device disconnected")
}

// stream copies device bytes into sess until the connection ends and returns
// the disconnect reason.
func (s *Server) stream(r io.Reader, conn net.Conn, sess *device.Session) string {
	buf := make([]byte, max(s.config.ReadBufferSize, 64))
	_ = conn.SetReadDeadline(time.Time{})
	for {
		if s.config.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		}
		n, err := r.Read(buf)
		if n > 0 {
			if _, ferr := sess.Feed(buf[:n]); ferr != nil {
				return "session closed"
			}
		}
		if err == nil {
			continue
		}

		var netErr net.Error
		switch {
		case errors.Is(err, io.EOF):
			return "eof"
		case s.isClosed():
			return "server shutdown"
		case errors.As(err, &netErr) && netErr.Timeout():
			return "idle timeout"
		default:
			return err.Error()
		}
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) recordAction(ctx context.Context, action audit.Action, sessionID, subject string, params map[string]any, err error) {
	if a := s.auditLogger.Load(); a != nil && *a != nil {
		(*a).LogAction(ctx, action, sessionID, subject, params, err)
	}
}

// Stats returns listener counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	active := len(s.conns)
	s.mu.Unlock()
	return Stats{
		Active:   active,
		Accepted: s.accepted.Load(),
		Rejected: s.rejected.Load(),
		Records:  s.records.Load(),
	}
}

// Close stops accepting, closes open connections and waits for their device
// sessions to emit disconnect events.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	return err
}
