package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by the core.
type ErrorKind string

const (
	KindAlreadyExists      ErrorKind = "already_exists"
	KindNotFound           ErrorKind = "not_found"
	KindDuplicate          ErrorKind = "duplicate"
	KindEmptyDocument      ErrorKind = "empty_document"
	KindDimensionMismatch  ErrorKind = "dimension_mismatch"
	KindInvalidArgument    ErrorKind = "invalid_argument"
	KindStorageIO          ErrorKind = "storage_io"
	KindBackendUnavailable ErrorKind = "backend_unavailable"
)

// Error is a failure with a kind. Two Errors match under errors.Is when
// their kinds are equal, so callers can test against the sentinels below.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrAlreadyExists      = &Error{Kind: KindAlreadyExists}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrDuplicate          = &Error{Kind: KindDuplicate}
	ErrEmptyDocument      = &Error{Kind: KindEmptyDocument}
	ErrDimensionMismatch  = &Error{Kind: KindDimensionMismatch}
	ErrInvalidArgument    = &Error{Kind: KindInvalidArgument}
	ErrStorageIO          = &Error{Kind: KindStorageIO}
	ErrBackendUnavailable = &Error{Kind: KindBackendUnavailable}
)

// Errorf builds an *Error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to err. It returns nil if err is nil.
func Wrap(kind ErrorKind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
