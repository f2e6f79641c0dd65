package core

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies failures for the HTTP error envelope.
type ErrorKind string

const (
	KindInvalidArgument ErrorKind = "invalid_argument"
	KindAcquisition     ErrorKind = "acquisition"
	KindConfig          ErrorKind = "config"
	KindNotFound        ErrorKind = "not_found"
	KindStorage         ErrorKind = "storage"
	KindUpstream        ErrorKind = "upstream"
	KindInternal        ErrorKind = "internal"
)

// AppError carries a kind and a user-facing message.
type AppError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// HTTPStatus maps the kind to a response status.
func (e *AppError) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func NewError(kind ErrorKind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

func WrapError(err error, kind ErrorKind, message string) *AppError {
	return &AppError{Kind: kind, Message: message, Err: err}
}

// AsAppError returns the AppError in err's chain, or wraps err as internal.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return WrapError(err, KindInternal, err.Error())
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Kind == kind
}

// ErrVideoNotFound is returned when no index record exists for a video id.
var ErrVideoNotFound = NewError(KindNotFound, "video not found, ingest it first")
