// Package errors maps failures onto the JSON error envelope the HTTP server
// writes. Envelopes are built with gofulmen/errors.
package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Error codes used in envelopes.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// HTTPErrorResponse is the body of every error response.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// StatusError is an error that knows its HTTP status and envelope code.
type StatusError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *StatusError) Error() string {
	return e.Code + ": " + e.Message
}

// NotFound returns a 404 StatusError.
func NotFound(msg string) *StatusError {
	return &StatusError{Status: http.StatusNotFound, Code: CodeNotFound, Message: msg}
}

// MethodNotAllowed returns a 405 StatusError.
func MethodNotAllowed(msg string) *StatusError {
	return &StatusError{Status: http.StatusMethodNotAllowed, Code: CodeMethodNotAllowed, Message: msg}
}

// ServiceUnavailable returns a 503 StatusError.
func ServiceUnavailable(msg string, details map[string]any) *StatusError {
	return &StatusError{Status: http.StatusServiceUnavailable, Code: CodeServiceUnavailable, Message: msg, Details: details}
}

// NewEnvelope builds an envelope correlated with the request id, if any.
func NewEnvelope(r *http.Request, code, msg string) *gferrors.ErrorEnvelope {
	env := gferrors.NewErrorEnvelope(code, msg)
	if r != nil {
		if reqID := chimw.GetReqID(r.Context()); reqID != "" {
			env = env.WithCorrelationID(reqID)
		}
	}
	return env
}

// RespondWithError writes err as an envelope. A *StatusError keeps its
// status and code; anything else is a 500.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := CodeInternal
	msg := "internal error"
	var details map[string]any

	var se *StatusError
	if errors.As(err, &se) {
		status, code, msg, details = se.Status, se.Code, se.Message, se.Details
	} else if err != nil {
		msg = err.Error()
	}

	env := NewEnvelope(r, code, msg)
	if len(details) > 0 {
		if withCtx, ctxErr := env.WithContext(details); ctxErr == nil {
			env = withCtx
		}
	}
	WriteEnvelope(w, env, status)
}

// WriteEnvelope renders an envelope with the given status.
func WriteEnvelope(w http.ResponseWriter, env *gferrors.ErrorEnvelope, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ResponseFromEnvelope(env))
}

// ResponseFromEnvelope converts an envelope to the wire response.
func ResponseFromEnvelope(env *gferrors.ErrorEnvelope) HTTPErrorResponse {
	if env == nil {
		return HTTPErrorResponse{Error: HTTPError{Code: CodeInternal, Message: "internal error"}}
	}
	return HTTPErrorResponse{Error: HTTPError{
		Code:      env.Code,
		Message:   env.Message,
		RequestID: env.CorrelationID,
		Details:   env.Context,
	}}
}
