package ratewarden

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
)

// APIError is the JSON body written for rejected requests.
type APIError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

type errorResponse struct {
	Error *APIError `json:"error"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// Is implements errors.Is for comparing error types.
func (e *APIError) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// With returns a copy of the error with a custom message.
func (e *APIError) With(message string) *APIError {
	if e == nil {
		return nil
	}
	dup := *e
	dup.Message = message
	return &dup
}

// Predefined rejection errors
var (
	ErrRateLimited        = &APIError{Type: "rate_limit_error", Code: "limit_exceeded", Message: "Rate limit exceeded", Status: http.StatusTooManyRequests}
	ErrBurstLimited       = &APIError{Type: "rate_limit_error", Code: "burst_exceeded", Message: "Burst limit exceeded", Status: http.StatusTooManyRequests}
	ErrPenalized          = &APIError{Type: "rate_limit_error", Code: "penalty", Message: "Rate limit exceeded after repeated violations", Status: http.StatusTooManyRequests}
	ErrBlocked            = &APIError{Type: "rate_limit_error", Code: "blocked", Message: "Temporarily blocked", Status: http.StatusTooManyRequests}
	ErrServiceUnavailable = &APIError{Type: "internal_error", Code: "service_unavailable", Message: "Rate limit check failed", Status: http.StatusServiceUnavailable}
)

// errorFor maps a denial reason to its rejection body.
func errorFor(reason Reason) *APIError {
	switch reason {
	case ReasonBurst:
		return ErrBurstLimited
	case ReasonPenalty:
		return ErrPenalized
	case ReasonBlocked, ReasonDDoS:
		return ErrBlocked.With(string(reason))
	default:
		return ErrRateLimited
	}
}

var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

func writeError(w http.ResponseWriter, apiErr *APIError) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(errorResponse{Error: apiErr}); err != nil {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal server error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	w.Write(buf.Bytes())
}
