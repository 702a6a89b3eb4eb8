package registry

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Code classifies a registry error against the OCI Distribution Spec's
// fixed error-code vocabulary, so callers can branch on errors.Is against
// the sentinels below rather than string-matching response bodies.
type Code string

const (
	CodeBlobUnknown     Code = "BLOB_UNKNOWN"
	CodeManifestUnknown Code = "MANIFEST_UNKNOWN"
	CodeNameUnknown     Code = "NAME_UNKNOWN"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeDenied          Code = "DENIED"
	CodeDigestInvalid   Code = "DIGEST_INVALID"
	CodeUnsupported     Code = "UNSUPPORTED"
	CodeUnknown         Code = "UNKNOWN"
)

// Error is a structured registry error: an HTTP status plus the Distribution
// Spec error code and message, when the registry returned one. It implements
// Is(target error) so the sentinels below match via errors.Is, the same
// pattern the blob store's notFoundError used for go-containerregistry's
// unexported sentinel.
type Error struct {
	StatusCode int
	Code       Code
	Message    string
	URL        string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("registry: %s (%s): %s", e.URL, e.Code, e.Message)
	}
	return fmt.Sprintf("registry: %s: unexpected status %d", e.URL, e.StatusCode)
}

func (e *Error) Is(target error) bool {
	sentinel, ok := target.(*Error)
	if !ok {
		return false
	}
	if sentinel.Code != "" && e.Code == sentinel.Code {
		return true
	}
	return sentinel.StatusCode != 0 && e.StatusCode == sentinel.StatusCode
}

// Sentinels for errors.Is checks against the codes a build engine step cares
// about. The StatusCode-only sentinels (e.g. ErrUnauthorized) also match on
// the code when the registry provides one.
var (
	ErrBlobUnknown     = &Error{Code: CodeBlobUnknown}
	ErrManifestUnknown = &Error{Code: CodeManifestUnknown}
	ErrNameUnknown     = &Error{Code: CodeNameUnknown}
	ErrUnauthorized    = &Error{StatusCode: 401, Code: CodeUnauthorized}
	ErrDenied          = &Error{StatusCode: 403, Code: CodeDenied}
)

// errorResponse is the Distribution Spec's JSON error envelope.
type errorResponse struct {
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// parseErrorBody converts a non-2xx response body into an *Error, falling
// back to a bare status-code error when the body isn't the Distribution
// Spec's error envelope (some registries, and most non-compliant ones,
// return plain text).
func parseErrorBody(statusCode int, url string, body []byte) error {
	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err == nil && len(resp.Errors) > 0 {
		return &Error{
			StatusCode: statusCode,
			Code:       Code(resp.Errors[0].Code),
			Message:    resp.Errors[0].Message,
			URL:        url,
		}
	}
	return &Error{StatusCode: statusCode, URL: url, Message: string(body)}
}

// AsError is a convenience for build engine steps: it reports
// whether err is a *Error and returns it.
func AsError(err error) (*Error, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
