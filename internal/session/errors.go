package session

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies session failures.
type ErrorCode string

const (
	CodeRateLimited        ErrorCode = "RATE_LIMITED"
	CodeInvalidCredentials ErrorCode = "INVALID_CREDENTIALS"
	CodeInvalidMFACode     ErrorCode = "INVALID_MFA_CODE"
	CodeTokenInvalid       ErrorCode = "TOKEN_INVALID"
	CodeNoActiveSession    ErrorCode = "NO_ACTIVE_SESSION"
)

// Error is a session failure with a code. errors.Is matches any *Error with
// the same code, so callers can test against the sentinels below.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrRateLimited        = &Error{Code: CodeRateLimited, Message: "too many failed login attempts"}
	ErrInvalidCredentials = &Error{Code: CodeInvalidCredentials, Message: "invalid credentials"}
	ErrInvalidMFACode     = &Error{Code: CodeInvalidMFACode, Message: "invalid mfa code"}
	ErrTokenInvalid       = &Error{Code: CodeTokenInvalid, Message: "token invalid"}
	ErrNoActiveSession    = &Error{Code: CodeNoActiveSession, Message: "no active session"}
)

func newError(code ErrorCode, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// codedError is implemented by API errors that carry a server error code.
type codedError interface {
	error
	ErrorCode() string
}

// statusError is implemented by API errors that carry an HTTP status.
type statusError interface {
	error
	HTTPStatus() int
}

// serverCode extracts the server error code and HTTP status from err, if any.
func serverCode(err error) (string, int) {
	var code string
	var status int
	var ce codedError
	if errors.As(err, &ce) {
		code = ce.ErrorCode()
	}
	var se statusError
	if errors.As(err, &se) {
		status = se.HTTPStatus()
	}
	return code, status
}

// classify maps an API failure to a session error. Failures the server does
// not attribute to the caller are returned unchanged.
func classify(err error, unauthorized ErrorCode) error {
	code, status := serverCode(err)
	switch {
	case code != "" && isKnownCode(ErrorCode(code)):
		return newError(ErrorCode(code), "rejected by server", err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return newError(unauthorized, "rejected by server", err)
	case status == http.StatusTooManyRequests:
		return newError(CodeRateLimited, "rejected by server", err)
	}
	return err
}

func isKnownCode(c ErrorCode) bool {
	switch c {
	case CodeRateLimited, CodeInvalidCredentials, CodeInvalidMFACode, CodeTokenInvalid, CodeNoActiveSession:
		return true
	}
	return false
}
