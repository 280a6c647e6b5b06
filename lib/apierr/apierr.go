// Package apierr maps the taxonomy of spec error codes onto
// github.com/gravitational/trace errors, and renders them back out as
// structured JSON bodies at the HTTP edge.
package apierr

import (
	"encoding/json"
	"net/http"

	"github.com/gravitational/trace"
)

// Code is one of the E##### identifiers from the error taxonomy.
type Code string

const (
	ECodeConfig               Code = "E00001"
	ECodeNotFound             Code = "E00002"
	ECodeWorkerNotResponding  Code = "E10001"
	ECodeProtocolMismatch     Code = "E20002"
	ECodeEventNotDelivered    Code = "E20001"
	ECodeSetupTimeout         Code = "E20003"
	ECodeMissingCookie        Code = "E20004"
	ECodeInvalidCookie        Code = "E20005"
	ECodeMissingAuthToken     Code = "E20006"
	ECodeWrongAuthScheme      Code = "E20007"
	ECodeInvalidAuthToken     Code = "E20008"
	ECodeUnknownSubdomain     Code = "E20009"
	ECodeBackendDied          Code = "E20010"
	ECodeInferenceViaInteractive Code = "E20011"
	ECodeInteractiveViaInference Code = "E20012"
	ECodeWorkerRegistrationFailed Code = "E20013"
)

// httpStatus is the taxonomy's propagation policy (spec.md §7): admission
// errors are 4xx to the client, provisioning errors are 5xx but retryable,
// not-found is 4xx, runtime anomalies are 5xx.
var httpStatus = map[Code]int{
	ECodeConfig:                   http.StatusInternalServerError,
	ECodeNotFound:                 http.StatusNotFound,
	ECodeWorkerNotResponding:      http.StatusServiceUnavailable,
	ECodeProtocolMismatch:         http.StatusBadRequest,
	ECodeEventNotDelivered:        http.StatusServiceUnavailable,
	ECodeSetupTimeout:             http.StatusGatewayTimeout,
	ECodeMissingCookie:            http.StatusUnauthorized,
	ECodeInvalidCookie:            http.StatusUnauthorized,
	ECodeMissingAuthToken:         http.StatusUnauthorized,
	ECodeWrongAuthScheme:          http.StatusUnauthorized,
	ECodeInvalidAuthToken:         http.StatusUnauthorized,
	ECodeUnknownSubdomain:         http.StatusNotFound,
	ECodeBackendDied:              http.StatusBadGateway,
	ECodeInferenceViaInteractive:  http.StatusBadRequest,
	ECodeInteractiveViaInference:  http.StatusBadRequest,
	ECodeWorkerRegistrationFailed: http.StatusInternalServerError,
}

// Error is a coded application error that wraps an underlying
// trace.Error for logging while carrying a stable Code for callers.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes the trace-wrapped cause for errors.Is/As and for trace's
// own diagnostic helpers.
func (e *Error) Unwrap() error {
	return e.cause
}

// New builds a coded Error, wrapping cause with trace for stack capture.
func New(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: trace.Wrap(cause, append([]interface{}{format}, args...)...).Error(),
		cause:   cause,
	}
}

// NotFound is shorthand for the E00002 not-found case.
func NotFound(format string, args ...interface{}) *Error {
	return New(ECodeNotFound, trace.NotFound(format, args...), format, args...)
}

// Status returns the HTTP status code this error should be reported with.
func (e *Error) Status() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Body is the wire representation written by WriteJSON.
type Body struct {
	Error struct {
		Code    Code   `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// WriteJSON writes err (coded or not) as the structured admission/error
// body described in spec.md §7's propagation policy.
func WriteJSON(w http.ResponseWriter, err error) {
	var body Body
	status := http.StatusInternalServerError

	if ae, ok := err.(*Error); ok {
		body.Error.Code = ae.Code
		body.Error.Message = ae.Message
		status = ae.Status()
	} else {
		body.Error.Code = ECodeConfig
		body.Error.Message = trace.Wrap(err).Error()
		if trace.IsNotFound(err) {
			status = http.StatusNotFound
			body.Error.Code = ECodeNotFound
		} else if trace.IsBadParameter(err) || trace.IsAlreadyExists(err) {
			status = http.StatusBadRequest
		} else if trace.IsAccessDenied(err) {
			status = http.StatusForbidden
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
