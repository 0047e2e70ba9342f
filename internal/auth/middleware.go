package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// Claims represents the parsed token claims.
type Claims struct {
	Subject string   `json:"sub"`
	Roles   []string `json:"roles"`
	Scopes  []string `json:"scopes"`

	// Sessions limits the token to these session ids. Empty means any.
	Sessions []string `json:"sessions,omitempty"`
}

// HasScope reports whether the claims carry scope.
func (c *Claims) HasScope(scope string) bool {
	return c != nil && slices.Contains(c.Scopes, scope)
}

// HasRole reports whether the claims carry role.
func (c *Claims) HasRole(role string) bool {
	return c != nil && slices.Contains(c.Roles, role)
}

// CanAccessSession reports whether the token may touch sessionID.
func (c *Claims) CanAccessSession(sessionID string) bool {
	if c == nil {
		return false
	}
	return len(c.Sessions) == 0 || slices.Contains(c.Sessions, sessionID)
}

// ContextKey is used for storing claims in request context.
type ContextKey string

const (
	ClaimsKey ContextKey = "claims"
)

const (
	RoleDevice   = "device"
	RoleTeacher  = "teacher"
	RoleObserver = "observer"
)

const (
	ScopePublish   = "telemetry:publish"
	ScopeSubscribe = "telemetry:subscribe"
	ScopeReports   = "reports:read"
	ScopeManage    = "sessions:manage"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrForbidden    = errors.New("insufficient permissions")
)

// DevClaims is the identity used when no verifier is configured.
var DevClaims = Claims{
	Subject: "dev",
	Roles:   []string{RoleTeacher},
	Scopes:  []string{ScopePublish, ScopeSubscribe, ScopeReports, ScopeManage},
}

// Middleware handles authentication and authorization.
type Middleware struct {
	verifier *Verifier
}

// NewMiddleware creates auth middleware. A nil verifier disables
// authentication and every request runs as DevClaims.
func NewMiddleware(verifier *Verifier) *Middleware {
	return &Middleware{verifier: verifier}
}

// Enabled reports whether tokens are verified.
func (m *Middleware) Enabled() bool {
	return m.verifier != nil
}

// Authenticate verifies a raw token. It is shared by HTTP and the TCP ingest
// handshake.
func (m *Middleware) Authenticate(token string) (*Claims, error) {
	if m.verifier == nil {
		dev := DevClaims
		dev.Roles = slices.Clone(DevClaims.Roles)
		dev.Scopes = slices.Clone(DevClaims.Scopes)
		return &dev, nil
	}
	if token == "" {
		return nil, ErrMissingToken
	}
	return m.verifier.VerifyToken(token)
}

// RequireAuth creates middleware that requires authentication.
func (m *Middleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/health" {
			next(w, r)
			return
		}

		token := ""
		if m.verifier != nil {
			var err error
			token, err = extractToken(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED",
					"Authentication required", nil)
				return
			}
		}

		claims, err := m.Authenticate(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED",
				"Invalid token", nil)
			return
		}

		ctx := context.WithValue(r.Context(), ClaimsKey, claims)
		next(w, r.WithContext(ctx))
	}
}

// RequireScope creates middleware that requires all of the given scopes.
func (m *Middleware) RequireScope(requiredScopes ...string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			claims := GetClaimsFromRequest(r)
			if claims == nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED",
					"Authentication required", nil)
				return
			}

			for _, scope := range requiredScopes {
				if !claims.HasScope(scope) {
					writeError(w, http.StatusForbidden, "FORBIDDEN",
						"Insufficient permissions", map[string]string{"scope": scope})
					return
				}
			}

			next(w, r)
		}
	}
}

// Authorize checks a claim set against a scope and session. It returns
// ErrForbidden wrapped with the reason.
func Authorize(claims *Claims, scope, sessionID string) error {
	if claims == nil {
		return ErrMissingToken
	}
	if !claims.HasScope(scope) {
		return fmt.Errorf("%w: missing scope %s", ErrForbidden, scope)
	}
	if sessionID != "" && !claims.CanAccessSession(sessionID) {
		return fmt.Errorf("%w: session %s not permitted", ErrForbidden, sessionID)
	}
	return nil
}

// extractToken reads a Bearer token, falling back to the access_token query
// parameter since browsers cannot set headers on EventSource.
func extractToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if token := r.URL.Query().Get("access_token"); token != "" {
			return token, nil
		}
		return "", ErrMissingToken
	}

	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", fmt.Errorf("invalid Authorization header format")
	}

	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// GetClaimsFromRequest extracts claims from the request context.
func GetClaimsFromRequest(r *http.Request) *Claims {
	claims, ok := r.Context().Value(ClaimsKey).(*Claims)
	if !ok {
		return nil
	}
	return claims
}

// writeError writes an error response in the API format.
func writeError(w http.ResponseWriter, status int, code, message string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	response := map[string]interface{}{
		"result":        "error",
		"code":          code,
		"message":       message,
		"correlationId": uuid.NewString(),
	}

	if details != nil {
		response["details"] = details
	}

	_ = json.NewEncoder(w).Encode(response)
}
