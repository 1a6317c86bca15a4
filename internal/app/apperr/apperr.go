// Package apperr defines the coordinator's error taxonomy. Workers never let
// these escape their run loop; they log and continue. The read API maps them
// to HTTP status codes.
package apperr

import "fmt"

// Kind classifies an error for logging and HTTP status mapping.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindScoring       Kind = "scoring"
	KindTransientStore Kind = "transient_store"
	KindFeedAdapter   Kind = "feed_adapter"
	KindConflict      Kind = "conflict"
	KindNotFound      Kind = "not_found"
	KindAuth          Kind = "auth"
	KindFatalStartup  Kind = "fatal_startup"
)

// Error is a classified application error carrying its taxonomy Kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapErr(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validation wraps a schema/shape failure on an input, output, score, or
// envelope payload. Recovered locally: the offending prediction is marked
// FAILED and the cycle continues.
func Validation(format string, args ...any) *Error { return newErr(KindValidation, format, args...) }

// Scoring wraps a challenge scoring-function panic/error. Captured as a
// ScoreRecord with Success=false; the prediction stays SCORED.
func Scoring(format string, args ...any) *Error { return newErr(KindScoring, format, args...) }

// TransientStore wraps a retryable repository failure. Callers roll back and
// retry next cycle.
func TransientStore(err error, format string, args ...any) *Error {
	return wrapErr(KindTransientStore, err, format, args...)
}

// FeedAdapter wraps an adapter-level failure. Swallowed inside the adapter;
// the next poll retries.
func FeedAdapter(err error, format string, args ...any) *Error {
	return wrapErr(KindFeedAdapter, err, format, args...)
}

// Conflict wraps an admin mutation attempted out of status order, or a
// second concurrent backfill job. Surfaced as HTTP 409.
func Conflict(format string, args ...any) *Error { return newErr(KindConflict, format, args...) }

// NotFound wraps a missing entity lookup. Surfaced as HTTP 404.
func NotFound(format string, args ...any) *Error { return newErr(KindNotFound, format, args...) }

// Auth wraps a missing/invalid API key on a gated request. Surfaced as HTTP
// 401, and only raised when a key is configured.
func Auth(format string, args ...any) *Error { return newErr(KindAuth, format, args...) }

// FatalStartup wraps an unrecoverable boot-time failure (bad report schema,
// unparseable schedule seed). The process must abort startup.
func FatalStartup(err error, format string, args ...any) *Error {
	return wrapErr(KindFatalStartup, err, format, args...)
}

// Is reports whether err (or something it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	for err != nil {
		if a, ok := err.(*Error); ok {
			ae = a
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ae != nil && ae.Kind == kind
}
