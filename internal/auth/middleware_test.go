package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func newTestMiddleware(t *testing.T) *Middleware {
	t.Helper()
	v, err := NewVerifier(hsConfig())
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return NewMiddleware(v)
}

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		header  string
		want    string
		wantErr bool
	}{
		{"bearer header", "/x", "Bearer abc", "abc", false},
		{"query parameter", "/x?access_token=qq", "", "qq", false},
		{"header wins over query", "/x?access_token=qq", "Bearer hh", "hh", false},
		{"missing", "/x", "", "", true},
		{"basic scheme", "/x", "Basic dXNlcjpwYXNz", "", true},
		{"empty bearer", "/x", "Bearer ", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, err := extractToken(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("extractToken() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("extractToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequireAuth(t *testing.T) {
	m := newTestMiddleware(t)
	valid := signHS256(t, teacherClaims())

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"health skips auth", "/api/v1/health", "", http.StatusOK},
		{"valid token", "/api/v1/sessions", "Bearer " + valid, http.StatusOK},
		{"missing token", "/api/v1/sessions", "", http.StatusUnauthorized},
		{"invalid token", "/api/v1/sessions", "Bearer nope", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			m.RequireAuth(okHandler)(w, req)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestRequireAuthErrorEnvelope(t *testing.T) {
	m := newTestMiddleware(t)
	w := httptest.NewRecorder()
	m.RequireAuth(okHandler)(w, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q", ct)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["result"] != "error" || body["code"] != "UNAUTHORIZED" {
		t.Fatalf("body = %v", body)
	}
	if id, _ := body["correlationId"].(string); len(id) != 36 {
		t.Fatalf("correlationId = %v", body["correlationId"])
	}
}

func TestRequireScope(t *testing.T) {
	m := newTestMiddleware(t)

	observer := jwt.MapClaims{
		"sub":    "observer-1",
		"roles":  []string{RoleObserver},
		"scopes": []string{ScopeSubscribe},
	}

	tests := []struct {
		name   string
		claims jwt.MapClaims
		scopes []string
		want   int
	}{
		{"has scope", teacherClaims(), []string{ScopeManage}, http.StatusOK},
		{"has all scopes", teacherClaims(), []string{ScopeReports, ScopeSubscribe}, http.StatusOK},
		{"missing scope", observer, []string{ScopeManage}, http.StatusForbidden},
		{"one of two missing", observer, []string{ScopeSubscribe, ScopeReports}, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
			req.Header.Set("Authorization", "Bearer "+signHS256(t, tt.claims))
			w := httptest.NewRecorder()
			m.RequireAuth(m.RequireScope(tt.scopes...)(okHandler))(w, req)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestRequireScopeWithoutAuth(t *testing.T) {
	m := newTestMiddleware(t)
	w := httptest.NewRecorder()
	m.RequireScope(ScopeManage)(okHandler)(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestDisabledMiddlewareUsesDevClaims(t *testing.T) {
	m := NewMiddleware(nil)
	if m.Enabled() {
		t.Fatal("Enabled() = true with nil verifier")
	}

	var got *Claims
	h := m.RequireAuth(m.RequireScope(ScopeManage, ScopePublish)(func(w http.ResponseWriter, r *http.Request) {
		got = GetClaimsFromRequest(r)
	}))
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodPost, "/api/v1/sessions/a/finalize", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got == nil || got.Subject != DevClaims.Subject {
		t.Fatalf("claims = %+v", got)
	}

	got.Scopes[0] = "x"
	if DevClaims.Scopes[0] == "x" {
		t.Fatal("request claims alias DevClaims")
	}
}

func TestAuthenticate(t *testing.T) {
	m := newTestMiddleware(t)

	if _, err := m.Authenticate(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("empty token: err = %v", err)
	}
	if _, err := m.Authenticate("junk"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("junk token: err = %v", err)
	}
	c, err := m.Authenticate(signHS256(t, teacherClaims()))
	if err != nil || c.Subject != "teacher-1" {
		t.Fatalf("Authenticate = %+v, %v", c, err)
	}
}

func TestAuthorize(t *testing.T) {
	limited := &Claims{
		Subject:  "device-7",
		Roles:    []string{RoleDevice},
		Scopes:   []string{ScopePublish},
		Sessions: []string{"room-1"},
	}

	tests := []struct {
		name    string
		claims  *Claims
		scope   string
		session string
		wantErr error
	}{
		{"allowed", limited, ScopePublish, "room-1", nil},
		{"no session check", limited, ScopePublish, "", nil},
		{"other session", limited, ScopePublish, "room-2", ErrForbidden},
		{"missing scope", limited, ScopeSubscribe, "room-1", ErrForbidden},
		{"unrestricted sessions", &DevClaims, ScopeManage, "anything", nil},
		{"nil claims", nil, ScopePublish, "room-1", ErrMissingToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Authorize(tt.claims, tt.scope, tt.session)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Authorize() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetClaimsFromRequest(t *testing.T) {
	if c := GetClaimsFromRequest(httptest.NewRequest(http.MethodGet, "/", nil)); c != nil {
		t.Fatalf("claims on bare request = %+v", c)
	}
}
