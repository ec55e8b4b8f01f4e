package authstate

import (
	"fmt"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeInvalidCredentials  = "invalid_credentials"
	TextCodeRateLimited         = "rate_limited"
	TextCodeEmailRegistered     = "email_already_registered"
	TextCodeInvalidRegistration = "invalid_registration_data"
	TextCodeMalformedResponse   = "malformed_server_response"
	TextCodeRequestFailed       = "session_request_failed"
	TextCodeInvalidTransition   = "invalid_auth_state_transition"
)

// ErrInvalidCredentials is returned when the server rejects a login
// with HTTP 401.
var ErrInvalidCredentials = goerrors.New("the credentials provided are invalid", goerrors.CategoryAuth).
	WithTextCode(TextCodeInvalidCredentials).
	WithCode(goerrors.CodeUnauthorized)

// ErrRateLimited is returned when the server throttles the caller with
// HTTP 429.
var ErrRateLimited = goerrors.New("too many attempts", goerrors.CategoryRateLimit).
	WithTextCode(TextCodeRateLimited)

// ErrEmailAlreadyRegistered is returned when registration conflicts
// with an existing account (HTTP 409).
var ErrEmailAlreadyRegistered = goerrors.New("email already registered", goerrors.CategoryConflict).
	WithTextCode(TextCodeEmailRegistered).
	WithCode(goerrors.CodeConflict)

// ErrInvalidRegistrationData is returned when the server rejects the
// registration payload (HTTP 400). The server message, when present,
// is attached as metadata.
var ErrInvalidRegistrationData = goerrors.New("invalid registration data", goerrors.CategoryValidation).
	WithTextCode(TextCodeInvalidRegistration).
	WithCode(goerrors.CodeBadRequest)

// ErrMalformedResponse is returned when a session endpoint answers 2xx
// but the body cannot be used, e.g. a login response with no access
// token.
var ErrMalformedResponse = goerrors.New("malformed server response", goerrors.CategoryOperation).
	WithTextCode(TextCodeMalformedResponse)

// ErrSessionRequestFailed is the catch-all for transport failures,
// timeouts, and unexpected HTTP statuses. Use errors.As with
// *RequestError to recover the operation and status.
var ErrSessionRequestFailed = goerrors.New("session request failed", goerrors.CategoryOperation).
	WithTextCode(TextCodeRequestFailed)

// ErrInvalidTransition guards the internal transition table; it never
// escapes the manager's public contract under normal operation.
var ErrInvalidTransition = goerrors.New("invalid auth state transition", goerrors.CategoryConflict).
	WithTextCode(TextCodeInvalidTransition).
	WithCode(goerrors.CodeConflict)

// RequestError captures a failed session round trip: which operation,
// the HTTP status when one was received, and the transport error when
// there was none.
type RequestError struct {
	Operation string
	Status    int
	Err       error
}

func (e *RequestError) Error() string {
	if e == nil {
		return "session request failed"
	}

	op := e.Operation
	if op == "" {
		op = "session request"
	}

	switch {
	case e.Status > 0 && e.Err != nil:
		return fmt.Sprintf("%s failed with status %d: %v", op, e.Status, e.Err)
	case e.Status > 0:
		return fmt.Sprintf("%s failed with status %d", op, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s failed: %v", op, e.Err)
	}

	return fmt.Sprintf("%s failed", op)
}

func (e *RequestError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is lets errors.Is match every RequestError against the
// ErrSessionRequestFailed sentinel.
func (e *RequestError) Is(target error) bool {
	return target == ErrSessionRequestFailed
}

func requestError(operation string, status int, err error) *RequestError {
	return &RequestError{
		Operation: operation,
		Status:    status,
		Err:       err,
	}
}

// detailed clones a sentinel before attaching per-call metadata, and
// chains the clone back to the sentinel through Source so errors.Is
// still matches the sentinel.
func detailed(sentinel *goerrors.Error, meta map[string]any) error {
	c := sentinel.Clone().WithMetadata(meta)
	c.Source = sentinel
	return c
}

func invalidRegistration(message string) error {
	if message == "" {
		return ErrInvalidRegistrationData
	}
	// clone so the shared sentinel never carries per-call metadata
	return detailed(ErrInvalidRegistrationData, map[string]any{
		"detail": message,
	})
}
