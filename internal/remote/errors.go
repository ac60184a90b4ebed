package remote

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed remote call. Callers branch on the kind, never
// on status codes or message text.
type ErrorKind string

const (
	KindUnauthorized ErrorKind = "unauthorized" // 401: credential invalid/expired, never retried
	KindForbidden    ErrorKind = "forbidden"    // 403: role not permitted for this test
	KindNotFound     ErrorKind = "not_found"    // 404: unknown test or attempt
	KindValidation   ErrorKind = "validation"   // other 4xx: malformed payload
	KindRateLimited  ErrorKind = "rate_limited" // 429: retryable on the next flush
	KindNetwork      ErrorKind = "network"      // transport failure, no response
)

type Error struct {
	Kind    ErrorKind
	Status  int // 0 when no response was received
	Message string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("remote: %s (%d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("remote: %s: %s", e.Kind, e.Message)
}

// KindOf maps any error onto its kind; errors that did not come from the
// remote layer count as network failures.
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindNetwork
}

func IsUnauthorized(err error) bool { return KindOf(err) == KindUnauthorized }
func IsForbidden(err error) bool    { return KindOf(err) == KindForbidden }
func IsNotFound(err error) bool     { return KindOf(err) == KindNotFound }
func IsValidation(err error) bool   { return KindOf(err) == KindValidation }

// Retryable reports whether a later flush may succeed without user action.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindRateLimited:
		return true
	}
	return false
}

// FromStatus builds an *Error from a non-2xx response.
func FromStatus(status int, message string) *Error {
	if message == "" {
		message = "request failed"
	}
	return &Error{Kind: statusKind(status), Status: status, Message: message}
}

func statusKind(status int) ErrorKind {
	switch {
	case status == 401:
		return KindUnauthorized
	case status == 403:
		return KindForbidden
	case status == 404:
		return KindNotFound
	case status == 429:
		return KindRateLimited
	case status >= 400 && status < 500:
		return KindValidation
	default:
		return KindNetwork
	}
}
