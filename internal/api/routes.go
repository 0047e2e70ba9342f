package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/neuroclass/ncc/internal/audit"
	"github.com/neuroclass/ncc/internal/auth"
	"github.com/neuroclass/ncc/internal/device"
	"github.com/neuroclass/ncc/internal/report"
	"github.com/neuroclass/ncc/internal/stats"
	"github.com/neuroclass/ncc/internal/telemetry"
)

const (
	apiV1          = "/api/v1"
	sessionsPrefix = apiV1 + "/sessions/"
)

// RegisterRoutes registers all v1 endpoints.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	m := s.authMiddleware

	// Health endpoint (no auth required)
	mux.HandleFunc(apiV1+"/health", s.handleHealth)

	mux.HandleFunc(apiV1+"/sessions", m.RequireAuth(m.RequireScope(auth.ScopeReports)(s.handleSessions)))
	mux.HandleFunc(apiV1+"/reports", m.RequireAuth(m.RequireScope(auth.ScopeReports)(s.handleReports)))

	// Session-specific endpoints pick their scope per action.
	mux.HandleFunc(sessionsPrefix, m.RequireAuth(s.handleSessionEndpoints))
}

// sessionRoute is a parsed /api/v1/sessions/{id}/... path.
type sessionRoute struct {
	sessionID  string
	action     string
	producerID string
}

// parseSessionPath splits a session path. Recognized forms:
//
//	/api/v1/sessions/{id}/{action}
//	/api/v1/sessions/{id}/devices/{producerId}/stream
func parseSessionPath(path string) (sessionRoute, bool) {
	if !strings.HasPrefix(path, sessionsPrefix) {
		return sessionRoute{}, false
	}
	parts := strings.Split(strings.TrimSuffix(path[len(sessionsPrefix):], "/"), "/")
	for _, p := range parts {
		if p == "" {
			return sessionRoute{}, false
		}
	}

	switch {
	case len(parts) == 2:
		return sessionRoute{sessionID: parts[0], action: parts[1]}, true
	case len(parts) == 4 && parts[1] == "devices" && parts[3] == "stream":
		return sessionRoute{sessionID: parts[0], action: "stream", producerID: parts[2]}, true
	default:
		return sessionRoute{}, false
	}
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, route sessionRoute)

type endpoint struct {
	method  string
	scope   string
	handler sessionHandler
}

func (s *Server) endpoints(action string) []endpoint {
	switch action {
	case "telemetry":
		return []endpoint{{http.MethodGet, auth.ScopeSubscribe, s.handleTelemetry}}
	case "snapshot":
		return []endpoint{{http.MethodGet, auth.ScopeSubscribe, s.handleSnapshot}}
	case "stats":
		return []endpoint{{http.MethodGet, auth.ScopeReports, s.handleStats}}
	case "report":
		return []endpoint{{http.MethodGet, auth.ScopeReports, s.handleReport}}
	case "finalize":
		return []endpoint{{http.MethodPost, auth.ScopeManage, s.handleFinalize}}
	case "thresholds":
		return []endpoint{
			{http.MethodGet, auth.ScopeReports, s.handleGetThresholds},
			{http.MethodPut, auth.ScopeManage, s.handleSetThresholds},
		}
	case "stream":
		return []endpoint{{http.MethodPost, auth.ScopePublish, s.handleDeviceStream}}
	default:
		return nil
	}
}

// handleSessionEndpoints routes /api/v1/sessions/{id}/... and enforces the
// scope and session restriction of the matched endpoint.
func (s *Server) handleSessionEndpoints(w http.ResponseWriter, r *http.Request) {
	route, ok := parseSessionPath(r.URL.Path)
	if !ok {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
		return
	}

	candidates := s.endpoints(route.action)
	if len(candidates) == 0 {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
		return
	}

	var allowed []string
	for _, ep := range candidates {
		if ep.method != r.Method {
			allowed = append(allowed, ep.method)
			continue
		}
		if err := auth.Authorize(auth.GetClaimsFromRequest(r), ep.scope, route.sessionID); err != nil {
			WriteAPIError(w, err)
			return
		}
		ep.handler(w, r, route)
		return
	}

	w.Header().Set("Allow", strings.Join(allowed, ", "))
	WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
		"Only "+strings.Join(allowed, ", ")+" allowed", nil)
}

// sessionSummary is one entry of GET /sessions.
type sessionSummary struct {
	SessionID   string           `json:"sessionId"`
	Records     uint64           `json:"records"`
	Producers   int              `json:"producers"`
	Connected   int              `json:"connected"`
	Thresholds  stats.Thresholds `json:"thresholds"`
	Finalized   bool             `json:"finalized"`
	TargetScore float64          `json:"targetScore"`
}

// handleSessions handles GET /sessions
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
			"Only GET method is allowed", nil)
		return
	}

	claims := auth.GetClaimsFromRequest(r)
	out := make([]sessionSummary, 0)
	for _, id := range s.stats.Sessions() {
		if !claims.CanAccessSession(id) {
			continue
		}
		st, err := s.stats.GetStats(id)
		if err != nil {
			continue
		}
		summary := sessionSummary{
			SessionID:   id,
			Records:     st.Overall.Records,
			Producers:   len(st.Producers),
			Thresholds:  st.Thresholds,
			Finalized:   st.Finalized,
			TargetScore: st.TargetScore(),
		}
		if producers, err := s.hub.Snapshot(id); err == nil {
			for _, p := range producers {
				if p.Status == telemetry.StatusConnected {
					summary.Connected++
				}
			}
		}
		out = append(out, summary)
	}

	WriteSuccess(w, map[string]interface{}{"sessions": out})
}

// handleReports handles GET /reports
func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
			"Only GET method is allowed", nil)
		return
	}

	summaries, err := s.reports.List(r.Context())
	if err != nil {
		WriteAPIError(w, err)
		return
	}

	claims := auth.GetClaimsFromRequest(r)
	visible := make([]report.Summary, 0, len(summaries))
	for _, sum := range summaries {
		if claims.CanAccessSession(sum.SessionID) {
			visible = append(visible, sum)
		}
	}
	WriteSuccess(w, map[string]interface{}{"reports": visible})
}

// handleTelemetry handles GET /sessions/{id}/telemetry (SSE)
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request, route sessionRoute) {
	// Streams outlive the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	ctx := audit.WithActor(r.Context(), actor(r))
	start := s.clock.Now()
	s.recordAction(ctx, audit.ActionJoin, route.sessionID, "", nil, nil)

	err := s.hub.Subscribe(r.Context(), w, route.sessionID)
	s.recordAction(ctx, audit.ActionLeave, route.sessionID, "", map[string]any{
		"durationMs": s.clock.Now().Sub(start).Milliseconds(),
	}, err)

	switch {
	case err != nil && !strings.HasPrefix(w.Header().Get("Content-Type"), "text/event-stream"):
		// Refused before the stream opened.
		WriteAPIError(w, err)
	case err != nil:
		s.log.Info().Err(err).Str("session", route.sessionID).Msg("telemetry stream ended")
	}
}

// handleSnapshot handles GET /sessions/{id}/snapshot
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request, route sessionRoute) {
	producers, err := s.hub.Snapshot(route.sessionID)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, map[string]interface{}{
		"sessionId": route.sessionID,
		"producers": producers,
	})
}

// handleStats handles GET /sessions/{id}/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, route sessionRoute) {
	st, err := s.stats.GetStats(route.sessionID)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteNegotiated(w, r, st)
}

// handleFinalize handles POST /sessions/{id}/finalize
func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request, route sessionRoute) {
	ctx := audit.WithActor(r.Context(), actor(r))

	st, err := s.stats.Finalize(route.sessionID)
	if err == nil {
		err = s.reports.Save(r.Context(), st)
	}
	params := map[string]any{}
	if err == nil {
		params["records"] = st.Overall.Records
		params["targetScore"] = st.TargetScore()
	}
	s.recordAction(ctx, audit.ActionFinalize, route.sessionID, "", params, err)
	if err != nil {
		WriteAPIError(w, err)
		return
	}

	WriteNegotiated(w, r, st)
}

// handleReport handles GET /sessions/{id}/report
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request, route sessionRoute) {
	st, err := s.reports.Load(r.Context(), route.sessionID)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteNegotiated(w, r, st)
}

// handleGetThresholds handles GET /sessions/{id}/thresholds
func (s *Server) handleGetThresholds(w http.ResponseWriter, r *http.Request, route sessionRoute) {
	t, err := s.stats.Thresholds(route.sessionID)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, t)
}

// handleSetThresholds handles PUT /sessions/{id}/thresholds
func (s *Server) handleSetThresholds(w http.ResponseWriter, r *http.Request, route sessionRoute) {
	// Parse request (strict JSON)
	var req struct {
		Low  *int `json:"low"`
		High *int `json:"high"`
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "Malformed JSON or unknown fields", nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "Trailing data after JSON object", nil)
		return
	}
	if req.Low == nil || req.High == nil {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "Both low and high are required", nil)
		return
	}

	ctx := audit.WithActor(r.Context(), actor(r))
	err := s.stats.SetThresholds(route.sessionID, *req.Low, *req.High)
	s.recordAction(ctx, audit.ActionThresholds, route.sessionID, "",
		map[string]any{"low": *req.Low, "high": *req.High}, err)
	if err != nil {
		WriteAPIError(w, err)
		return
	}

	WriteSuccess(w, stats.Thresholds{Low: *req.Low, High: *req.High})
}

// handleDeviceStream handles POST /sessions/{id}/devices/{producerId}/stream.
// The request body is raw ThinkGear bytes; the response reports what was
// decoded once the body ends.
func (s *Server) handleDeviceStream(w http.ResponseWriter, r *http.Request, route sessionRoute) {
	if s.ingest == nil {
		WriteAPIError(w, ErrUnavailable)
		return
	}
	// Device uploads run as long as the headset is on.
	_ = http.NewResponseController(w).SetReadDeadline(time.Time{})

	release, err := s.streams.Claim(route.sessionID, route.producerID)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	defer release()

	ctx := audit.WithActor(r.Context(), actor(r))
	sess, err := device.Open(route.sessionID, route.producerID, s.ingest, device.Options{
		Clock:     s.clock,
		MaxBuffer: s.deviceConfig.MaxBuffer,
		Logger:    s.log,
	})
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	s.recordAction(ctx, audit.ActionConnect, route.sessionID, route.producerID,
		map[string]any{"transport": "http"}, nil)

	_, copyErr := io.Copy(sess, r.Body)
	reason := "eof"
	if copyErr != nil {
		reason = copyErr.Error()
	}
	_ = sess.CloseWithReason(reason)
	release()
	st := sess.Stats()
	s.recordAction(ctx, audit.ActionDisconnect, route.sessionID, route.producerID,
		map[string]any{"reason": reason, "records": st.Records}, nil)

	if copyErr != nil && r.Context().Err() != nil {
		// Client is gone; nobody reads the response.
		return
	}
	WriteSuccess(w, st)
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
			"Only GET method is allowed", nil)
		return
	}

	subsystems := map[string]bool{
		"telemetry": s.hub != nil,
		"stats":     s.stats != nil,
		"reports":   s.reports != nil,
		"ingest":    s.ingest != nil,
	}

	health := map[string]interface{}{
		"status":      "ok",
		"uptimeSec":   s.clock.Now().Sub(s.startTime).Seconds(),
		"authEnabled": s.authMiddleware.Enabled(),
		"subsystems":  subsystems,
	}
	if s.hub != nil {
		health["hub"] = s.hub.Stats()
	}

	if !subsystems["telemetry"] || !subsystems["stats"] || !subsystems["reports"] {
		health["status"] = "degraded"
		WriteError(w, http.StatusServiceUnavailable, "SERVICE_DEGRADED",
			"One or more subsystems are unavailable", health)
		return
	}
	WriteSuccess(w, health)
}

func (s *Server) recordAction(ctx context.Context, action audit.Action, sessionID, subject string, params map[string]any, err error) {
	if s.audit == nil {
		return
	}
	s.audit.LogAction(ctx, action, sessionID, subject, params, err)
}

func actor(r *http.Request) string {
	if claims := auth.GetClaimsFromRequest(r); claims != nil {
		return claims.Subject
	}
	return ""
}
