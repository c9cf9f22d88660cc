package registry

import "errors"

// ErrorKind classifies handler failures for the workflow's retry policy.
type ErrorKind int

const (
	// KindTransient errors are expected to succeed on retry (timeouts,
	// resource pressure).
	KindTransient ErrorKind = iota
	// KindPermanent errors will not succeed on retry (corrupt or
	// unsupported input); they short-circuit the retry loop.
	KindPermanent
)

type classifiedError struct {
	kind ErrorKind
	err  error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Transient marks an error as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: KindTransient, err: err}
}

// Permanent marks an error as fatal for the job.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: KindPermanent, err: err}
}

// KindOf extracts the declared kind from a handler error. Unclassified
// errors count as transient: retrying a truly fatal error wastes attempts,
// while failing a recoverable one loses work.
func KindOf(err error) ErrorKind {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.kind
	}
	return KindTransient
}
