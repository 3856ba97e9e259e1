// Copyright 2025 James Ross
// Package ingesterr defines the error kinds a notification handler can
// surface, per the propagation policy in spec section 7. Each error is an
// *Error carrying its Kind, so callers classify with Is (errors.As plus a
// Kind comparison) without inspecting strings.
package ingesterr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry/reporting policy.
type Kind int

const (
	// KindDuplicateNotification is benign: no retry, no side effects.
	KindDuplicateNotification Kind = iota
	// KindUnexpectedTrigger is a permanent input error.
	KindUnexpectedTrigger
	// KindBadDestination is a permanent input error.
	KindBadDestination
	// KindAmbiguousConfig is a permanent input error.
	KindAmbiguousConfig
	// KindNoSourceFiles is permanent for the batch; the marker stays claimed.
	KindNoSourceFiles
	// KindJobFailure means a warehouse job failed fast or during polling.
	// In ordered mode the lock is left in place for operator intervention.
	KindJobFailure
	// KindBacklogConflict means the lock generation changed underneath us.
	KindBacklogConflict
	// KindBacklogInconsistent means a backlog item has no matching success marker.
	KindBacklogInconsistent
	// KindPrecondition is the generic "someone else won" result from a
	// conditional object-store operation.
	KindPrecondition
)

func (k Kind) String() string {
	switch k {
	case KindDuplicateNotification:
		return "DuplicateNotification"
	case KindUnexpectedTrigger:
		return "UnexpectedTrigger"
	case KindBadDestination:
		return "BadDestination"
	case KindAmbiguousConfig:
		return "AmbiguousConfig"
	case KindNoSourceFiles:
		return "NoSourceFiles"
	case KindJobFailure:
		return "JobFailure"
	case KindBacklogConflict:
		return "BacklogConflict"
	case KindBacklogInconsistent:
		return "BacklogInconsistent"
	case KindPrecondition:
		return "Precondition"
	default:
		return "Unknown"
	}
}

// Error is a classified, wrappable error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an Error of the given kind around a cause.
func Wrap(kind Kind, msg string, cause error) error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable distinguishes "host should retry this invocation" from
// "requires human intervention", per spec section 7.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindBacklogConflict:
		return true
	default:
		return false
	}
}
