package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// maxHandshakeLine bounds the handshake so a client cannot make the server
// buffer an unbounded line.
const maxHandshakeLine = 8 << 10

// Handshake is the first line a device sends, terminated by '\n'. Raw
// ThinkGear bytes follow immediately after it.
type Handshake struct {
	SessionID  string `json:"sessionId"`
	ProducerID string `json:"producerId"`
	Token      string `json:"token,omitempty"`
}

// Reply is the server's answer to a handshake.
type Reply struct {
	Status  string `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

const (
	statusOK    = "ok"
	statusError = "error"
)

// Reply codes.
const (
	CodeBadRequest   = "BAD_REQUEST"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeConflict     = "CONFLICT"
	CodeBusy         = "BUSY"
	CodeUnavailable  = "UNAVAILABLE"
)

var errLineTooLong = errors.New("handshake line too long")

// RejectError is a handshake the server refused.
type RejectError struct {
	ReplyCode string
	Message   string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("handshake rejected: %s: %s", e.ReplyCode, e.Message)
}

// Code returns the reply code.
func (e *RejectError) Code() string { return e.ReplyCode }

// Retryable reports whether a later attempt with the same handshake can
// succeed.
func (e *RejectError) Retryable() bool {
	switch e.ReplyCode {
	case CodeBusy, CodeConflict, CodeUnavailable:
		return true
	default:
		return false
	}
}

// readLine reads one '\n'-terminated line of at most maxHandshakeLine bytes.
func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxHandshakeLine {
			return nil, errLineTooLong
		}
		switch {
		case err == nil:
			return bytes.TrimRight(line, "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0:
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

// decodeStrict decodes a single JSON object, rejecting unknown fields.
func decodeStrict(line []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after JSON object")
	}
	return nil
}

func writeLine(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}
