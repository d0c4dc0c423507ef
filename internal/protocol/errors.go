package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds surfaced in the error body of a failed request.
const (
	ErrKindInputInvalid        = "input_invalid"
	ErrKindUnauthorized        = "unauthorized"
	ErrKindForbidden           = "forbidden"
	ErrKindAuthUnavailable     = "auth_service_unavailable"
	ErrKindModelNotConfigured  = "model_not_configured"
	ErrKindUpstreamError       = "upstream_error"
	ErrKindUpstreamTimeout     = "upstream_timeout"
	ErrKindPluginError         = "plugin_error"
	ErrKindInternalError       = "internal_error"
)

// GatewayError is the internal error taxonomy. Kind selects the error
// body's "error" field; Status selects the HTTP status.
type GatewayError struct {
	Kind    string
	Status  int
	Message string
	Cause   error
}

func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.Cause }

// NewGatewayError builds a taxonomy error with an explicit status.
func NewGatewayError(kind string, status int, message string) *GatewayError {
	return &GatewayError{Kind: kind, Status: status, Message: message}
}

// UpstreamError reports a failed provider call. Status is the upstream
// HTTP status when known, zero for transport failures.
type UpstreamError struct {
	Status  int
	Message string
	Timeout bool
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("upstream returned %d: %s", e.Status, e.Message)
	}
	if e.Timeout {
		return fmt.Sprintf("upstream timeout: %s", e.Message)
	}
	return fmt.Sprintf("upstream transport failure: %s", e.Message)
}

// Retryable reports whether a retry may succeed: transport errors and
// upstream 5xx qualify, client errors never do.
func (e *UpstreamError) Retryable() bool {
	return e.Status == 0 || e.Status >= 500
}

// ClassifyError maps any error onto (kind, status, message) for the
// client-facing error body.
func ClassifyError(err error) (kind string, status int, message string) {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind, ge.Status, ge.Message
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		switch {
		case ue.Timeout:
			return ErrKindUpstreamTimeout, http.StatusGatewayTimeout, ue.Message
		case ue.Status >= 500:
			return ErrKindUpstreamError, http.StatusBadGateway, ue.Message
		case ue.Status >= 400:
			return ErrKindUpstreamError, ue.Status, ue.Message
		default:
			return ErrKindUpstreamError, http.StatusBadGateway, ue.Message
		}
	}
	return ErrKindInternalError, http.StatusInternalServerError, err.Error()
}
