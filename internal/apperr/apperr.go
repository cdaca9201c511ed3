// Package apperr classifies failures so that callers can decide between
// isolating, aborting and reporting them, and so HTTP handlers can map them
// onto status codes.
package apperr

import (
	"errors"
	"net/http"

	"github.com/rotisserie/eris"
)

// Kind is the failure class of an Error.
type Kind int

const (
	KindInternal Kind = iota
	KindAuth
	KindConfig
	KindUpstream
	KindValidation
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindConfig:
		return "config"
	case KindUpstream:
		return "upstream"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Error attaches a Kind to an underlying error.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with the given message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Err: eris.New(msg)}
}

// Wrap classifies err, adding msg as context. A nil err stays nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: eris.Wrap(err, msg)}
}

// Auth reports a missing or invalid credential.
func Auth(msg string) error { return New(KindAuth, msg) }

// Config reports absent or invalid configuration.
func Config(msg string) error { return New(KindConfig, msg) }

// Validation reports malformed caller input.
func Validation(msg string) error { return New(KindValidation, msg) }

// Conflict reports an operation rejected because another one is in flight.
func Conflict(msg string) error { return New(KindConflict, msg) }

// Upstream wraps a failure of an external collaborator.
func Upstream(err error, msg string) error { return Wrap(KindUpstream, err, msg) }

// KindOf returns the Kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps err onto the response status code for it.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindAuth:
		return http.StatusUnauthorized
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
