package engine

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies everything that can go wrong in one Generate run.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindInsufficientCredits Kind = "insufficient_credits"
	KindRateLimited         Kind = "rate_limited"
	KindSubmission          Kind = "submission"
	KindPollTimeout         Kind = "poll_timeout"
	KindPollHTTP            Kind = "poll_http"
	KindJobFailed           Kind = "job_failed"
	KindPollExhausted       Kind = "poll_exhausted"
	KindCancelled           Kind = "cancelled"
	KindInFlight            Kind = "in_flight"
	KindPricing             Kind = "pricing"
)

// Error is the single error shape the engine surfaces. Message is the
// user-facing text; silent kinds (cancelled, in-flight) carry none.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// ErrInFlight is returned when Generate is called while a run is already in
// progress. It is a silent no-op signal, not a failure.
var ErrInFlight = &Error{Kind: KindInFlight}

// IsSilent reports whether an error should produce no user-visible message.
func IsSilent(err error) bool {
	if err == nil {
		return true
	}
	var e *Error
	if errors.As(err, &e) {
		// Pricing misses degrade to a zero-cost display; they are not a
		// user-visible failure.
		return e.Kind == KindCancelled || e.Kind == KindInFlight || e.Kind == KindPricing
	}
	return errors.Is(err, context.Canceled)
}

// UserMessage maps any error from Generate to the one human-readable string
// the UI may show. Empty means show nothing. Raw network or parsing errors
// never pass through here.
func UserMessage(err error) string {
	if err == nil || IsSilent(err) {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "Generation failed. Please try again."
}
