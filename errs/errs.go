// Package errs defines the error kinds shared by every pillbox component.
//
// Components wrap one of the sentinel kinds so callers can classify a failure
// with errors.Is no matter how many "while ..." layers were added on the way
// up.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrValidation marks a missing or malformed field, a bad enum value, or
	// an unparseable timestamp.  Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrConflict marks a request that collides with existing state, such as
	// a duplicate automation.
	ErrConflict = errors.New("conflict")

	// ErrNotFound marks an explicitly addressed record that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInternal marks a store or other unexpected failure.
	ErrInternal = errors.New("internal error")
)

// Validationf returns a formatted error of kind ErrValidation.
func Validationf(format string, args ...any) error {
	return &kindError{kind: ErrValidation, msg: fmt.Sprintf(format, args...)}
}

// Conflictf returns a formatted error of kind ErrConflict.
func Conflictf(format string, args ...any) error {
	return &kindError{kind: ErrConflict, msg: fmt.Sprintf(format, args...)}
}

// NotFoundf returns a formatted error of kind ErrNotFound.
func NotFoundf(format string, args ...any) error {
	return &kindError{kind: ErrNotFound, msg: fmt.Sprintf(format, args...)}
}

type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string {
	return e.msg
}

func (e *kindError) Unwrap() error {
	return e.kind
}

// Message returns the caller-facing message of err.
//
// That is the text of the error that directly wraps one of the kinds in this
// package, without the "while ..." context that outer layers add.  Anything
// else is reported generically.
func Message(err error) string {
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch errors.Unwrap(e) {
		case ErrValidation, ErrConflict, ErrNotFound:
			return e.Error()
		}
	}
	return "Internal server error"
}

// HTTPStatus maps an error to the status code the HTTP layer reports.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
