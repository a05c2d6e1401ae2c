// Package rpc is the wire boundary between the mapa engine and its backend:
// the uniform { success, data?, message? } envelope, its decoding into a
// tagged result, and an HTTP client implementing mapa.Backend.
package rpc

import (
	"bytes"
	"encoding/json"
	"net/http"

	"labmapa/internal/mapa"
)

// Envelope wraps every response body. Older endpoints report failures in an
// "error" field instead of "message"; both are accepted on decode.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Code    string          `json:"code,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Text returns the human readable failure of the envelope.
func (e Envelope) Text() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}

// OK builds a success envelope around data.
func OK(data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Success: true, Data: raw}, nil
}

// Fail builds a failure envelope.
func Fail(code, message string) Envelope {
	return Envelope{Success: false, Code: code, Message: message}
}

// Result is a decoded envelope: either a value or an error, never both.
type Result[T any] struct {
	value T
	err   error
}

// Ok wraps a value.
func Ok[T any](v T) Result[T] {
	return Result[T]{value: v}
}

// Err wraps an error.
func Err[T any](err error) Result[T] {
	return Result[T]{err: err}
}

// IsOk reports whether the result carries a value.
func (r Result[T]) IsOk() bool {
	return r.err == nil
}

// Unwrap returns the value or the error.
func (r Result[T]) Unwrap() (T, error) {
	return r.value, r.err
}

// Decode validates a response once at the boundary. Anything that does not
// honour the envelope contract becomes MalformedResponse; server failures
// without a parseable body are Transport.
func Decode[T any](status int, body []byte) Result[T] {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if status >= http.StatusInternalServerError {
			return Err[T](&mapa.Error{Kind: mapa.KindTransport, Message: http.StatusText(status), Err: err})
		}
		return Err[T](&mapa.Error{Kind: mapa.KindMalformedResponse, Message: "response is not an envelope", Err: err})
	}
	if status < 200 || status > 299 {
		msg := env.Text()
		if msg == "" {
			msg = http.StatusText(status)
		}
		return Err[T](&mapa.Error{Kind: KindForStatus(status), Message: msg})
	}
	if !env.Success {
		msg := env.Text()
		if msg == "" {
			msg = "backend reported failure"
		}
		return Err[T](&mapa.Error{Kind: mapa.KindValidationFailed, Message: msg})
	}
	trimmed := bytes.TrimSpace(env.Data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Err[T](&mapa.Error{Kind: mapa.KindMalformedResponse, Message: "success reported without data"})
	}
	var out T
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return Err[T](&mapa.Error{Kind: mapa.KindMalformedResponse, Message: "data does not match the contract", Err: err})
	}
	return Ok(out)
}

// KindForStatus maps an HTTP status to the error class it carries.
func KindForStatus(status int) mapa.Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return mapa.KindUnauthorized
	case status == http.StatusNotFound:
		return mapa.KindNotFound
	case status == http.StatusConflict:
		return mapa.KindPersistenceConflict
	case status == http.StatusUnprocessableEntity || status == http.StatusBadRequest:
		return mapa.KindValidationFailed
	case status == http.StatusLocked:
		return mapa.KindFrozen
	case status >= http.StatusInternalServerError:
		return mapa.KindTransport
	default:
		return mapa.KindMalformedResponse
	}
}

// StatusForKind is the inverse of KindForStatus, used by servers.
func StatusForKind(kind mapa.Kind) int {
	switch kind {
	case mapa.KindUnauthorized:
		return http.StatusForbidden
	case mapa.KindNotFound:
		return http.StatusNotFound
	case mapa.KindPersistenceConflict:
		return http.StatusConflict
	case mapa.KindValidationFailed:
		return http.StatusUnprocessableEntity
	case mapa.KindFrozen, mapa.KindInvalidState:
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}
