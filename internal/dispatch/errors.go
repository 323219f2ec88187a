package dispatch

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a delivery failure.
type Kind int

// Failure kinds. A Transient failure is retried by the next run; a
// Permanent one is reported and never retried.
const (
	KindTransient Kind = iota
	KindPermanent
)

func (k Kind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// Error is a classified delivery error.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err}
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindPermanent, Err: err}
}

// Classify returns the kind of err. Unclassified errors, timeouts and
// cancellations are transient.
func Classify(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindTransient
}

// Worst combines per-target errors into one. The result is transient if any
// target failed transiently, permanent if every failure was permanent, and
// nil when all targets succeeded.
func Worst(errs ...error) error {
	var failed []error
	kind := KindPermanent
	for _, err := range errs {
		if err == nil {
			continue
		}
		failed = append(failed, err)
		if Classify(err) == KindTransient {
			kind = KindTransient
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &Error{Kind: kind, Err: errors.Join(failed...)}
}

// StatusError wraps err with the kind implied by an HTTP status code.
// Request timeouts, throttling and server errors are transient; any other
// client error is permanent.
func StatusError(code int, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case code == 408 || code == 429 || code >= 500:
		return Transient(err)
	case code >= 400:
		return Permanent(err)
	default:
		return Transient(err)
	}
}
