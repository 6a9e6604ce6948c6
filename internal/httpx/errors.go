package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
)

// ErrorKind is the closed taxonomy of gateway failures. Each kind maps to
// exactly one HTTP status code.
type ErrorKind string

const (
	KindUnauthorized       ErrorKind = "unauthorized"
	KindForbidden          ErrorKind = "forbidden"
	KindBadRequest         ErrorKind = "bad_request"
	KindNotFound           ErrorKind = "not_found"
	KindTooManyRequests    ErrorKind = "too_many_requests"
	KindBadGateway         ErrorKind = "bad_gateway"
	KindGatewayTimeout     ErrorKind = "gateway_timeout"
	KindServiceUnavailable ErrorKind = "service_unavailable"
	KindInternal           ErrorKind = "internal_error"
)

func (k ErrorKind) Status() int {
	switch k {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindBadRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindTooManyRequests:
		return http.StatusTooManyRequests
	case KindBadGateway:
		return http.StatusBadGateway
	case KindGatewayTimeout:
		return http.StatusGatewayTimeout
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a gateway failure with a kind and a client-safe message.
// It never carries upstream URLs or stack traces.
type Error struct {
	Kind    ErrorKind
	Message string
	// Fields carries per-field validation issues for bad_request errors.
	Fields map[string]string
	cause  error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return string(e.Kind) + ": " + e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func WrapError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

// KindOf extracts the taxonomy kind from err, defaulting to internal_error.
func KindOf(err error) ErrorKind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

type traceKeyType struct{}

var traceKey traceKeyType

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey, id)
}

func TraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceKey).(string)
	return v
}

type errorBody struct {
	Error      string            `json:"error"`
	Message    string            `json:"message"`
	StatusCode int               `json:"statusCode"`
	TraceID    string            `json:"traceId,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// WriteError writes the canonical JSON failure body for err.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	kind := KindOf(err)
	msg := "internal server error"
	var fields map[string]string
	var ge *Error
	if errors.As(err, &ge) {
		if ge.Message != "" {
			msg = ge.Message
		} else {
			msg = string(ge.Kind)
		}
		fields = ge.Fields
	}
	status := kind.Status()
	WriteJSON(w, status, errorBody{
		Error:      string(kind),
		Message:    msg,
		StatusCode: status,
		TraceID:    TraceID(r.Context()),
		Fields:     fields,
	})
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
