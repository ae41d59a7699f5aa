// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package errors

import (
	"errors"
	"fmt"
)

// Kind defines the category of error.
type Kind int

const (
	KindUnknown Kind = iota
	KindInternal
	KindValidation
	KindNotFound
	KindConflict
	KindUnavailable
	// KindNotReady marks a resource whose hardware programming is deferred
	// (for example an encap header waiting on neighbor resolution).
	KindNotReady
	// KindExhausted marks a hardware or table limit being hit.
	KindExhausted
	// KindUnsupported marks input the offload path cannot express.
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "unavailable"
	case KindNotReady:
		return "not_ready"
	case KindExhausted:
		return "exhausted"
	case KindUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Error represents a structured error in the offload engine.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	Attributes map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// New creates a new Error of the specified kind.
func New(kind Kind, msg string) error {
	return &Error{
		Kind:    kind,
		Message: msg,
	}
}

// Errorf creates a new Error of the specified kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error as a new Error of the specified kind.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:       kind,
		Message:    msg,
		Underlying: err,
	}
}

// Wrapf wraps an existing error as a new Error of the specified kind with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:       kind,
		Message:    fmt.Sprintf(format, args...),
		Underlying: err,
	}
}

// Attr attaches an attribute to an error. The original error is wrapped, never
// mutated, so shared sentinels stay clean. Non-engine errors are treated as KindInternal.
func Attr(err error, key string, val any) error {
	if err == nil {
		return nil
	}

	kind := GetKind(err)
	if kind == KindUnknown {
		kind = KindInternal
	}
	return &attrError{
		kind:  kind,
		err:   err,
		attrs: map[string]any{key: val},
	}
}

// attrError carries attributes on top of an existing error chain without
// changing its text.
type attrError struct {
	kind  Kind
	err   error
	attrs map[string]any
}

func (a *attrError) Error() string { return a.err.Error() }

func (a *attrError) Unwrap() error { return a.err }

// GetKind returns the Kind of the outermost structured error, or KindUnknown
// if err carries none.
func GetKind(err error) Kind {
	for ; err != nil; err = errors.Unwrap(err) {
		switch e := err.(type) {
		case *Error:
			return e.Kind
		case *attrError:
			return e.kind
		}
	}
	return KindUnknown
}

// IsKind reports whether the first structured error in err's chain has kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && GetKind(err) == k
}

// GetAttributes returns all attributes associated with the error and its chain.
func GetAttributes(err error) map[string]any {
	attrs := make(map[string]any)

	for tempErr := err; tempErr != nil; tempErr = errors.Unwrap(tempErr) {
		var fields map[string]any
		switch e := tempErr.(type) {
		case *attrError:
			fields = e.attrs
		case *Error:
			fields = e.Attributes
		}
		for k, v := range fields {
			if _, ok := attrs[k]; !ok {
				attrs[k] = v
			}
		}
	}

	return attrs
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target, and if so, sets target to that error value and returns true.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err, if err's type contains an Unwrap method returning error.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// Join returns an error that wraps the given errors.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
