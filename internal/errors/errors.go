package errors

import (
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
)

// GenericMessage is shown to clients for failures that carry no hint.
const GenericMessage = "Der opstod en uventet fejl. Prøv venligst igen senere."

var (
	ErrUnauthenticated   = new(ErrCodeUnauthenticated, "missing credential")
	ErrInvalidCredential = new(ErrCodeInvalidCredential, "invalid credential")
	ErrForbidden         = new(ErrCodeForbidden, "forbidden")
	ErrInvalidArgument   = new(ErrCodeInvalidArgument, "invalid argument")
	ErrInvalidSignature  = new(ErrCodeInvalidSignature, "invalid webhook signature")
	ErrUpstream          = new(ErrCodeUpstream, "payment processor error")
	ErrNotFound          = new(ErrCodeNotFound, "resource not found")
	ErrNotEntitled       = new(ErrCodeNotEntitled, "subscription required")
	ErrRateLimited       = new(ErrCodeRateLimited, "too many requests")
	ErrSystem            = new(ErrCodeSystemError, "system error")

	statusCodeMap = map[error]int{
		ErrUnauthenticated:   http.StatusUnauthorized,
		ErrInvalidCredential: http.StatusUnauthorized,
		ErrForbidden:         http.StatusForbidden,
		ErrInvalidArgument:   http.StatusBadRequest,
		ErrInvalidSignature:  http.StatusBadRequest,
		ErrUpstream:          http.StatusInternalServerError,
		ErrNotFound:          http.StatusNotFound,
		ErrNotEntitled:       http.StatusPaymentRequired,
		ErrRateLimited:       http.StatusTooManyRequests,
		ErrSystem:            http.StatusInternalServerError,
	}
)

const (
	ErrCodeUnauthenticated   = "unauthenticated"
	ErrCodeInvalidCredential = "invalid_credential"
	ErrCodeForbidden         = "forbidden"
	ErrCodeInvalidArgument   = "invalid_argument"
	ErrCodeInvalidSignature  = "invalid_signature"
	ErrCodeUpstream          = "upstream_error"
	ErrCodeNotFound          = "not_found"
	ErrCodeNotEntitled       = "not_entitled"
	ErrCodeRateLimited       = "rate_limited"
	ErrCodeSystemError       = "system_error"
)

// InternalError is the sentinel type every error kind is built from.
type InternalError struct {
	Code    string
	Message string
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *InternalError) Is(target error) bool {
	t, ok := target.(*InternalError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func new(code string, message string) *InternalError {
	return &InternalError{Code: code, Message: message}
}

func Is(err, reference error) bool {
	return errors.Is(err, reference)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

func IsUnauthenticated(err error) bool {
	return errors.Is(err, ErrUnauthenticated) || errors.Is(err, ErrInvalidCredential)
}

func IsInvalidSignature(err error) bool {
	return errors.Is(err, ErrInvalidSignature)
}

func IsUpstream(err error) bool {
	return errors.Is(err, ErrUpstream)
}

// Kind returns the sentinel the error was marked with, or ErrSystem.
func Kind(err error) *InternalError {
	for ref := range statusCodeMap {
		if errors.Is(err, ref) {
			return ref.(*InternalError)
		}
	}
	return ErrSystem
}

func HTTPStatusFromErr(err error) int {
	return statusCodeMap[Kind(err)]
}

// PublicMessage is the text a client may see for err. Hints are set for that
// purpose; errors without one collapse to GenericMessage.
func PublicMessage(err error) string {
	hints := errors.GetAllHints(err)
	if len(hints) > 0 {
		return hints[0]
	}
	return GenericMessage
}
