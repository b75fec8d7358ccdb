package serviceerr

import (
	"errors"
	"net/http"
)

type Code string

const (
	CodeUnknown               Code = "unknown"
	CodeInvalidRequest        Code = "invalid_request"
	CodeAccessDenied          Code = "access_denied"
	CodeNotFound              Code = "not_found"
	CodeConflict              Code = "conflict"
	CodeInvalidOrExpiredToken Code = "invalid_or_expired_token"
	CodeReplayedRefreshToken  Code = "replayed_refresh_token"
	CodeCSRFMismatch          Code = "csrf_mismatch"
	CodeNetworkFailure        Code = "network_failure"
)

// Error is the error kind crossing component boundaries.
// Two errors are equal under errors.Is when their codes match.
type Error struct {
	Err         Code
	Description string
}

var (
	ErrUnknown               = &Error{Err: CodeUnknown, Description: "unknown error"}
	ErrInvalidRequest        = &Error{Err: CodeInvalidRequest}
	ErrAccessDenied          = &Error{Err: CodeAccessDenied, Description: "invalid credentials"}
	ErrNotFound              = &Error{Err: CodeNotFound, Description: "not found"}
	ErrConflict              = &Error{Err: CodeConflict, Description: "already exists"}
	ErrInvalidOrExpiredToken = &Error{Err: CodeInvalidOrExpiredToken, Description: "token is invalid or expired"}
	ErrReplayedRefreshToken  = &Error{Err: CodeReplayedRefreshToken, Description: "refresh token was already used"}
	ErrCSRFMismatch          = &Error{Err: CodeCSRFMismatch, Description: "csrf token is missing or invalid"}
	ErrNetworkFailure        = &Error{Err: CodeNetworkFailure, Description: "network failure"}
)

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Err)
	}
	return string(e.Err) + ": " + e.Description
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Err == t.Err
}

func (e *Error) HTTPStatus() int {
	return e.Err.HTTPStatus()
}

// Public returns the error as it may be shown to a client. A replayed refresh
// token is reported like any other invalid token so revocation details do not leak.
func (e *Error) Public() *Error {
	if e.Err == CodeReplayedRefreshToken {
		return ErrInvalidOrExpiredToken
	}
	return e
}

func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeAccessDenied, CodeInvalidOrExpiredToken, CodeReplayedRefreshToken:
		return http.StatusUnauthorized
	case CodeCSRFMismatch:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeNetworkFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// KindOf returns the code of the first *Error in the chain of err,
// or CodeUnknown when there is none.
func KindOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Err
	}
	return CodeUnknown
}

// ParseCode maps a wire value back to a known code.
func ParseCode(s string) Code {
	switch c := Code(s); c {
	case CodeInvalidRequest, CodeAccessDenied, CodeNotFound, CodeConflict,
		CodeInvalidOrExpiredToken, CodeReplayedRefreshToken, CodeCSRFMismatch, CodeNetworkFailure:
		return c
	default:
		return CodeUnknown
	}
}
