package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/neuroclass/ncc/internal/codec"
)

// Response is the envelope around every API reply. Result is "ok" or "error".
type Response struct {
	Result        string      `json:"result"`
	Data          interface{} `json:"data,omitempty"`
	Code          string      `json:"code,omitempty"`
	Message       string      `json:"message,omitempty"`
	Details       interface{} `json:"details,omitempty"`
	CorrelationID string      `json:"correlationId"`
}

func okEnvelope(data interface{}) *Response {
	return &Response{Result: "ok", Data: data, CorrelationID: generateCorrelationID()}
}

func errorEnvelope(code, message string, details interface{}) *Response {
	return &Response{
		Result:        "error",
		Code:          code,
		Message:       message,
		Details:       details,
		CorrelationID: generateCorrelationID(),
	}
}

// WriteSuccess writes data in an "ok" envelope as JSON.
func WriteSuccess(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, okEnvelope(data))
}

// WriteNegotiated is WriteSuccess, except that clients listing
// application/cbor in Accept get the envelope as CBOR.
func WriteNegotiated(w http.ResponseWriter, r *http.Request, data interface{}) {
	if !acceptsCBOR(r) {
		WriteSuccess(w, data)
		return
	}
	body, err := codec.Marshal(okEnvelope(data))
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "Failed to encode response", nil)
		return
	}
	writeBody(w, http.StatusOK, codec.ContentType, body)
}

// WriteError writes an "error" envelope with the given status.
func WriteError(w http.ResponseWriter, statusCode int, code, message string, details interface{}) {
	writeJSON(w, statusCode, errorEnvelope(code, message, details))
}

// WriteAPIError maps err with ToAPIError and writes the result.
func WriteAPIError(w http.ResponseWriter, err error) {
	status, body := ToAPIError(err)
	writeBody(w, status, "application/json; charset=utf-8", body)
}

func writeJSON(w http.ResponseWriter, statusCode int, env *Response) {
	body, err := json.Marshal(env)
	if err != nil {
		http.Error(w, "envelope encoding failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeBody(w, statusCode, "application/json; charset=utf-8", append(body, '\n'))
}

func writeBody(w http.ResponseWriter, statusCode int, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(statusCode)
	_, _ = w.Write(body)
}

func acceptsCBOR(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mediaType, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(strings.TrimSpace(mediaType), codec.ContentType) {
			return true
		}
	}
	return false
}

func generateCorrelationID() string {
	return uuid.NewString()
}
