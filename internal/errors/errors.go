// Package errors defines the HTTP error envelope and the application error
// type the server maps onto it.
//
// Responses are built from a gofulmen ErrorEnvelope and have the shape:
//
//	{"error": {"code": "...", "message": "...", "timestamp": "...", "request_id": "...", "details": {...}}}
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
)

// Error codes used in the envelope.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "CONFLICT"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// HTTPErrorResponse is the JSON body of every error response.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Timestamp string         `json:"timestamp,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// AppError carries an HTTP status and envelope code alongside the cause.
type AppError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails returns e with key set in its details map.
func (e *AppError) WithDetails(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func NewBadRequest(message string) *AppError {
	return &AppError{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: message}
}

func NewValidationError(message string, err error) *AppError {
	return &AppError{Status: http.StatusBadRequest, Code: CodeValidation, Message: message, Err: err}
}

func NewNotFound(message string) *AppError {
	return &AppError{Status: http.StatusNotFound, Code: CodeNotFound, Message: message}
}

func NewConflict(message string) *AppError {
	return &AppError{Status: http.StatusConflict, Code: CodeConflict, Message: message}
}

// NewExternalServiceError reports a failure of the prediction backend.
func NewExternalServiceError(message string) *AppError {
	return &AppError{Status: http.StatusBadGateway, Code: CodeExternalService, Message: message}
}

func NewServiceUnavailable(message string) *AppError {
	return &AppError{Status: http.StatusServiceUnavailable, Code: CodeServiceUnavailable, Message: message}
}

// WrapInternal hides err behind a generic 500 while keeping it for logs.
func WrapInternal(ctx context.Context, err error, message string) *AppError {
	e := &AppError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: message, Err: err}
	if id := RequestIDFromContext(ctx); id != "" {
		e.WithDetails("request_id", id)
	}
	return e
}

type requestIDKey struct{}

// WithRequestID stores the request ID for envelope rendering.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RespondWithError writes err as an envelope. Errors that are not an
// *AppError become a 500 without exposing their text.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		appErr = WrapInternal(r.Context(), err, "internal server error")
	}
	WriteError(w, r, appErr.Status, appErr.Code, appErr.Message, appErr.Details)
}

// NewEnvelope builds the envelope for an error response. The request ID
// becomes the correlation ID. Details go in as envelope context; when a
// value is not a scalar or string list they are kept as plain details.
func NewEnvelope(ctx context.Context, code, message string, details map[string]any) *gferrors.ErrorEnvelope {
	env := gferrors.NewErrorEnvelope(code, message)
	if id := RequestIDFromContext(ctx); id != "" {
		env = env.WithCorrelationID(id)
	}
	if len(details) > 0 {
		if _, err := env.WithContext(details); err != nil {
			env.Context = nil
			env = env.WithDetails(details)
		}
	}
	return env
}

// WriteError writes a JSON error envelope with the given status.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	ctx := context.Background()
	if r != nil {
		ctx = r.Context()
	}
	WriteEnvelope(w, status, NewEnvelope(ctx, code, message, details))
}

// WriteEnvelope renders env under the "error" key.
func WriteEnvelope(w http.ResponseWriter, status int, env *gferrors.ErrorEnvelope) {
	details := env.Context
	if len(details) == 0 {
		details = env.Details
	}
	WriteJSON(w, status, HTTPErrorResponse{Error: HTTPError{
		Code:      env.Code,
		Message:   env.Message,
		Timestamp: env.Timestamp,
		RequestID: env.CorrelationID,
		Details:   details,
	}})
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
