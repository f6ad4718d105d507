// Package errorir defines the canonical error taxonomy of the trust engine.
//
// Every failure surfaced by the applier, timeline, executor and replay engine
// carries a Kind, a stable code and a retry classification so callers can decide
// whether to retry without string matching.
package errorir

import (
	"errors"
	"fmt"
)

// Kind identifies the class of failure.
type Kind string

const (
	KindInvalidDelta            Kind = "INVALID_DELTA"
	KindAdmissionDenied         Kind = "ADMISSION_DENIED"
	KindConcurrentWriteConflict Kind = "CONCURRENT_WRITE_CONFLICT"
	KindPersistenceFailure      Kind = "PERSISTENCE_FAILURE"
	KindReplayDivergence        Kind = "REPLAY_DIVERGENCE"
	KindNotFound                Kind = "NOT_FOUND"
	KindInvalidState            Kind = "INVALID_STATE"
	KindInternal                Kind = "INTERNAL"
)

// Classification constants
const (
	ClassificationRetryable    = "RETRYABLE"
	ClassificationNonRetryable = "NON_RETRYABLE"
)

// Standard Error Codes
const (
	CodeInvalidDelta            = "TRUSTSIM/DELTA/INVALID"
	CodeAdmissionDenied         = "TRUSTSIM/ADMISSION/DENIED"
	CodeConcurrentWriteConflict = "TRUSTSIM/TIMELINE/CONFLICT"
	CodePersistenceFailure      = "TRUSTSIM/STORE/PERSISTENCE_FAILURE"
	CodeReplayDivergence        = "TRUSTSIM/REPLAY/DIVERGENCE"
	CodeNotFound                = "TRUSTSIM/RESOURCE/NOT_FOUND"
	CodeInvalidState            = "TRUSTSIM/RESOURCE/INVALID_STATE"
	CodeInternal                = "TRUSTSIM/CORE/INTERNAL"
)

var kindCodes = map[Kind]string{
	KindInvalidDelta:            CodeInvalidDelta,
	KindAdmissionDenied:         CodeAdmissionDenied,
	KindConcurrentWriteConflict: CodeConcurrentWriteConflict,
	KindPersistenceFailure:      CodePersistenceFailure,
	KindReplayDivergence:        CodeReplayDivergence,
	KindNotFound:                CodeNotFound,
	KindInvalidState:            CodeInvalidState,
	KindInternal:                CodeInternal,
}

// Error is the structured error value returned across package boundaries.
type Error struct {
	Kind           Kind   `json:"kind"`
	Code           string `json:"code"`
	Message        string `json:"message"`
	Classification string `json:"classification"`
	Cause          error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same Kind, so sentinel comparisons like
// errors.Is(err, errorir.ErrInvalidDelta) work through wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrInvalidDelta            = &Error{Kind: KindInvalidDelta}
	ErrAdmissionDenied         = &Error{Kind: KindAdmissionDenied}
	ErrConcurrentWriteConflict = &Error{Kind: KindConcurrentWriteConflict}
	ErrPersistenceFailure      = &Error{Kind: KindPersistenceFailure}
	ErrReplayDivergence        = &Error{Kind: KindReplayDivergence}
	ErrNotFound                = &Error{Kind: KindNotFound}
	ErrInvalidState            = &Error{Kind: KindInvalidState}
)

// New creates an error of the given kind. Conflict and persistence failures are
// classified as retryable; everything else is not.
func New(kind Kind, format string, args ...any) *Error {
	code, ok := kindCodes[kind]
	if !ok {
		code = CodeInternal
	}
	classification := ClassificationNonRetryable
	if kind == KindConcurrentWriteConflict || kind == KindPersistenceFailure {
		classification = ClassificationRetryable
	}
	return &Error{
		Kind:           kind,
		Code:           code,
		Message:        fmt.Sprintf(format, args...),
		Classification: classification,
	}
}

// Wrap creates an error of the given kind around cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	e := New(kind, format, args...)
	e.Cause = cause
	return e
}

// WithClassification overrides the default classification.
func (e *Error) WithClassification(c string) *Error {
	e.Classification = c
	return e
}

// Constructors for the common failure kinds.

func InvalidDelta(format string, args ...any) *Error {
	return New(KindInvalidDelta, format, args...)
}

func AdmissionDenied(format string, args ...any) *Error {
	return New(KindAdmissionDenied, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return New(KindConcurrentWriteConflict, format, args...)
}

func Persistence(cause error, format string, args ...any) *Error {
	return Wrap(KindPersistenceFailure, cause, format, args...)
}

func Divergence(format string, args ...any) *Error {
	return New(KindReplayDivergence, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func InvalidState(format string, args ...any) *Error {
	return New(KindInvalidState, format, args...)
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err is classified as retryable.
// Unclassified errors are treated as retryable, matching transient I/O failures
// from collaborators that do not use this package.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Classification == ClassificationRetryable
	}
	return true
}
