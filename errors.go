package dracoon

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
)

// Configuration sentinels, returned by Builder.Build before any request
// is made.
var (
	ErrMissingClientID     = errors.New("dracoon: client id is required")
	ErrMissingClientSecret = errors.New("dracoon: client secret is required")
	ErrMissingBaseURL      = errors.New("dracoon: base URL is required")
	ErrMissingArgument     = errors.New("dracoon: missing required argument")
	ErrInvalidURL          = errors.New("dracoon: invalid base URL")
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, dracoon.ErrNotFound) to check.
var (
	ErrBadRequest         = errors.New("dracoon: bad request")
	ErrUnauthorized       = errors.New("dracoon: unauthorized")
	ErrPaymentRequired    = errors.New("dracoon: payment required")
	ErrForbidden          = errors.New("dracoon: forbidden")
	ErrNotFound           = errors.New("dracoon: not found")
	ErrConflict           = errors.New("dracoon: conflict")
	ErrPreconditionFailed = errors.New("dracoon: precondition failed")
	ErrTooManyRequests    = errors.New("dracoon: too many requests")
	ErrServerError        = errors.New("dracoon: server error")
)

// Crypto and session state sentinels.
var (
	// ErrMissingEncryptionSecret is returned when an operation needs the
	// unlocked key pair but no passphrase was supplied and nothing is
	// cached for the session.
	ErrMissingEncryptionSecret = errors.New("dracoon: encryption secret required to unlock key pair")

	// ErrUploadFailed is returned when the server reports an upload as
	// failed during completion polling.
	ErrUploadFailed = errors.New("dracoon: upload failed")
)

// AuthError is an OAuth2 token endpoint failure, parsed from the
// {error, error_description} body. Auth failures are never retried.
type AuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *AuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("dracoon: auth failed: %s: %s", e.Code, e.Description)
	}

	return fmt.Sprintf("dracoon: auth failed: %s", e.Code)
}

// apiErrorBody is the DRACOON API error response shape.
type apiErrorBody struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	DebugInfo string `json:"debugInfo"`
	ErrorCode int    `json:"errorCode"`
}

// APIError wraps a sentinel error with the parsed DRACOON error body,
// the HTTP status code, and the request correlation id.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
	DebugInfo  string
	ErrorCode  int
	RequestID  string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}

	if e.RequestID != "" {
		return fmt.Sprintf("dracoon: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, msg)
	}

	return fmt.Sprintf("dracoon: HTTP %d: %s", e.StatusCode, msg)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// storageErrorBody is the XML error document returned by the storage
// backend for presigned part uploads and ranged downloads.
type storageErrorBody struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Key       string   `xml:"Key"`
	RequestID string   `xml:"RequestId"`
}

// StorageError is an error from the storage backend (S3), parsed from
// its XML error document.
type StorageError struct {
	StatusCode int
	Code       string
	Message    string
	Key        string
	RequestID  string
	Err        error // sentinel, for errors.Is()
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("dracoon: storage error HTTP %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ConnectionError is a transport-level failure surfaced after retry
// exhaustion.
type ConnectionError struct {
	Kind string // "timeout", "refused" or "unknown"
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("dracoon: connection failed (%s): %v", e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// newConnectionError classifies a transport error.
func newConnectionError(err error) *ConnectionError {
	kind := "unknown"

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		kind = "timeout"
	} else if errors.Is(err, os.ErrDeadlineExceeded) {
		kind = "timeout"
	} else {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			kind = "refused"
		}
	}

	return &ConnectionError{Kind: kind, Err: err}
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusPaymentRequired:
		return ErrPaymentRequired
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusPreconditionFailed:
		return ErrPreconditionFailed
	case http.StatusTooManyRequests:
		return ErrTooManyRequests
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// parseAPIError builds an APIError from a non-2xx response body. Bodies
// that do not parse as the DRACOON error shape produce a synthetic error
// carrying the raw body as debug info.
func parseAPIError(statusCode int, requestID string, body []byte) *APIError {
	apiErr := &APIError{
		StatusCode: statusCode,
		RequestID:  requestID,
		Err:        classifyStatus(statusCode),
	}

	var parsed apiErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		apiErr.Code = parsed.Code
		apiErr.Message = parsed.Message
		apiErr.DebugInfo = parsed.DebugInfo
		apiErr.ErrorCode = parsed.ErrorCode

		return apiErr
	}

	apiErr.Message = http.StatusText(statusCode)
	apiErr.DebugInfo = string(body)

	return apiErr
}

// parseStorageError builds a StorageError from a storage backend
// response body, falling back to the API error shape when the body is
// not the expected XML document.
func parseStorageError(statusCode int, body []byte) error {
	var parsed storageErrorBody
	if err := xml.Unmarshal(body, &parsed); err == nil && parsed.Code != "" {
		return &StorageError{
			StatusCode: statusCode,
			Code:       parsed.Code,
			Message:    parsed.Message,
			Key:        parsed.Key,
			RequestID:  parsed.RequestID,
			Err:        classifyStatus(statusCode),
		}
	}

	return parseAPIError(statusCode, "", body)
}
