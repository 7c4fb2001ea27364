// Package apperrors maps access-layer errors to HTTP responses and error codes.
package apperrors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/3leaps/nimbusaccess/pkg/credential"
	"github.com/3leaps/nimbusaccess/pkg/objectstore"
	"github.com/3leaps/nimbusaccess/pkg/policy"
	"github.com/3leaps/nimbusaccess/pkg/provider"
)

// Error codes carried in HTTPErrorResponse.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeAccessDenied       = "ACCESS_DENIED"
	CodeInvalidArgument    = "INVALID_ARGUMENT"
	CodeConfiguration      = "CONFIGURATION_ERROR"
	CodeFederation         = "FEDERATION_ERROR"
	CodePolicyMalformed    = "POLICY_MALFORMED"
	CodeThrottled          = "THROTTLED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeRequestTooLarge    = "REQUEST_TOO_LARGE"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeInternal           = "INTERNAL_ERROR"
)

// RequestIDHeader carries the request id on requests and responses.
const RequestIDHeader = "X-Request-ID"

// HTTPErrorResponse is the JSON body of every error response.
type HTTPErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody describes one error.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// InvalidArgumentError reports a malformed request.
type InvalidArgumentError struct {
	Message string
}

func (e *InvalidArgumentError) Error() string {
	return e.Message
}

// InvalidArgument returns an InvalidArgumentError.
func InvalidArgument(msg string) error {
	return &InvalidArgumentError{Message: msg}
}

// ForbiddenError reports a request the server refuses to serve.
type ForbiddenError struct {
	Message string
}

func (e *ForbiddenError) Error() string {
	return e.Message
}

// Forbidden returns a ForbiddenError.
func Forbidden(msg string) error {
	return &ForbiddenError{Message: msg}
}

// Classify returns the HTTP status and error code for err.
func Classify(err error) (int, string) {
	var invalidArg *InvalidArgumentError
	var invalidPath *objectstore.InvalidPathError
	var maxBytes *http.MaxBytesError
	var forbidden *ForbiddenError

	switch {
	case errors.As(err, &invalidArg), errors.As(err, &invalidPath):
		return http.StatusBadRequest, CodeInvalidArgument
	case errors.As(err, &forbidden):
		return http.StatusForbidden, CodeAccessDenied
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge, CodeRequestTooLarge
	case credential.IsConfigurationError(err):
		return http.StatusConflict, CodeConfiguration
	case credential.IsFederationError(err):
		return http.StatusBadGateway, CodeFederation
	case errors.Is(err, policy.ErrMalformed):
		return http.StatusUnprocessableEntity, CodePolicyMalformed
	case provider.IsNotFound(err), provider.IsBucketNotFound(err):
		return http.StatusNotFound, CodeNotFound
	case provider.IsAccessDenied(err), provider.IsInvalidCredentials(err):
		return http.StatusForbidden, CodeAccessDenied
	case provider.IsThrottled(err):
		return http.StatusTooManyRequests, CodeThrottled
	case provider.IsProviderUnavailable(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, CodeServiceUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// RespondWithError writes err as a JSON error response.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Classify(err)
	WriteError(w, status, ErrorBody{
		Code:      code,
		Message:   err.Error(),
		RequestID: RequestID(w, r),
	})
}

// WriteError writes body with status.
func WriteError(w http.ResponseWriter, status int, body ErrorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: body})
}

// RequestID returns the request id assigned to the response, falling back to
// the one the client sent.
func RequestID(w http.ResponseWriter, r *http.Request) string {
	if id := w.Header().Get(RequestIDHeader); id != "" {
		return id
	}
	if r != nil {
		return r.Header.Get(RequestIDHeader)
	}
	return ""
}
