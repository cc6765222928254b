// Package apperr defines the business and transient error kinds surfaced by the
// assistance core. Every error carries a stable code, a short numeric code and a
// human-readable message.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers deciding whether to retry.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindConflict
	KindNotFound
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error is a classified error. Two errors are the same condition when their codes match.
type Error struct {
	Kind    Kind
	Code    string
	Number  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%d): %s: %v", e.Code, e.Number, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Number, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Wrap returns a copy of e carrying cause.
func (e *Error) Wrap(cause error) *Error {
	c := *e
	c.Err = cause
	return &c
}

// WithMessage returns a copy of e with a more specific message.
func (e *Error) WithMessage(format string, args ...any) *Error {
	c := *e
	c.Message = fmt.Sprintf(format, args...)
	return &c
}

func newError(kind Kind, code string, number int, msg string) *Error {
	return &Error{Kind: kind, Code: code, Number: number, Message: msg}
}

var (
	ErrAssistanceInProgressAlreadyExists = newError(KindConflict, "ASSISTANCE_IN_PROGRESS_ALREADY_EXISTS", 1001, "vehicle already has an assistance in progress")
	ErrDispatchAlreadyExists             = newError(KindConflict, "DISPATCH_ALREADY_EXISTS", 1002, "assistance already has an active dispatch")
	ErrOccurrenceStepAlreadyFinished     = newError(KindConflict, "OCCURRENCE_STEP_ALREADY_FINISHED", 1003, "occurrence step is already finished")
	ErrCurrentStepMustBeLast             = newError(KindConflict, "CURRENT_STEP_MUST_BE_LAST", 1004, "every dispatch step must be done before closing the occurrence")
	ErrAssistanceAlreadyFinished         = newError(KindConflict, "ASSISTANCE_ALREADY_FINISHED", 1005, "assistance is already finished")
	ErrRefundAlreadyExists               = newError(KindConflict, "REFUND_ALREADY_EXISTS", 1006, "refund already initiated for this dispatch")
	ErrConcurrentUpdate                  = newError(KindConflict, "ASSISTANCE_CONCURRENT_UPDATE", 1007, "assistance was modified concurrently, reload and retry")

	ErrAssistanceNotFound      = newError(KindNotFound, "ASSISTANCE_NOT_FOUND", 2001, "assistance not found")
	ErrNoDispatchForAssistance = newError(KindNotFound, "NO_DISPATCH_FOR_ASSISTANCE", 2002, "assistance has no active dispatch")
	ErrOccurrenceStepNotFound  = newError(KindNotFound, "OCCURRENCE_STEP_NOT_FOUND", 2003, "dispatch has no step with this name")
	ErrRefundNotFound          = newError(KindNotFound, "REFUND_NOT_FOUND", 2004, "dispatch has no refund")

	ErrOccurrenceStepSame    = newError(KindValidation, "OCCURRENCE_STEP_SAME", 3001, "requested step is already the current step")
	ErrInvalidCursor         = newError(KindValidation, "INVALID_CURSOR", 3002, "pagination cursor is malformed")
	ErrAssistanceInvalid     = newError(KindValidation, "ASSISTANCE_INVALID", 3003, "assistance payload is invalid")
	ErrOccurrenceStepInvalid = newError(KindValidation, "OCCURRENCE_STEP_INVALID", 3004, "unknown dispatch step")
	ErrSequenceInvalid       = newError(KindValidation, "SEQUENCE_INVALID", 3005, "sequence name and limit are required")
	ErrOccurrenceNoChanges   = newError(KindValidation, "OCCURRENCE_NO_CHANGES", 3006, "update does not change the occurrence")
	ErrInvalidQuery          = newError(KindValidation, "INVALID_QUERY", 3007, "listing filters are invalid")

	ErrTryAgain               = newError(KindTransient, "TRY_AGAIN", 5000, "temporary failure, try again")
	ErrIntegrationUnavailable = newError(KindTransient, "INTEGRATION_UNAVAILABLE", 5001, "external integration unavailable, try again")
)

// Transient wraps a storage or network failure that exhausted its retries.
func Transient(cause error) *Error { return ErrTryAgain.Wrap(cause) }

// KindOf returns the kind of err, or 0 when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsTransient reports whether err is safe to retry.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }
