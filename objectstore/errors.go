package objectstore

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a storage failure.
type Kind int

const (
	// KindPermanent covers failures that will not go away on retry:
	// access denied, invalid requests, missing buckets.
	KindPermanent Kind = iota
	// KindNotFound means the requested object does not exist.
	KindNotFound
	// KindPreconditionFailed means a conditional write lost against a
	// concurrent writer.
	KindPreconditionFailed
	// KindTransient covers throttling, timeouts and server side errors.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindPreconditionFailed:
		return "precondition failed"
	case KindTransient:
		return "transient failure"
	default:
		return "permanent failure"
	}
}

var (
	// ErrNotFound matches any *Error of KindNotFound via errors.Is.
	ErrNotFound = errors.New("object not found")
	// ErrPreconditionFailed matches any *Error of KindPreconditionFailed.
	ErrPreconditionFailed = errors.New("precondition failed")
)

// Error is returned by every Store implementation.
type Error struct {
	Op   string
	Key  string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %q: %s", e.Op, e.Key, e.Kind)
	}
	return fmt.Sprintf("%s %q: %s: %v", e.Op, e.Key, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrNotFound) and errors.Is(err,
// ErrPreconditionFailed) work regardless of the wrapped provider error.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrPreconditionFailed:
		return e.Kind == KindPreconditionFailed
	}
	return false
}

func newError(op, key string, kind Kind, err error) *Error {
	return &Error{Op: op, Key: key, Kind: kind, Err: err}
}

// KindOf reports the Kind of err. Errors that did not come from a Store are
// classified as transient when they are context deadline errors and
// permanent otherwise.
func KindOf(err error) Kind {
	if err == nil {
		return KindPermanent
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrPreconditionFailed):
		return KindPreconditionFailed
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}
	return KindPermanent
}

// IsNotFound reports whether err is a KindNotFound failure.
func IsNotFound(err error) bool { return err != nil && KindOf(err) == KindNotFound }

// IsPreconditionFailed reports whether err is a lost conditional write.
func IsPreconditionFailed(err error) bool {
	return err != nil && KindOf(err) == KindPreconditionFailed
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool { return err != nil && KindOf(err) == KindTransient }
