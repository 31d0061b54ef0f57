package connectors

import (
	"context"
	"errors"
)

// ErrEndOfInput signals that a collaborator has no more data to return.
var ErrEndOfInput = errors.New("end of input")

// retryClassifier is implemented by errors that know whether the failed call
// may be repeated.
type retryClassifier interface {
	Retryable() bool
}

type classifiedError struct {
	err       error
	retryable bool
}

func (e *classifiedError) Error() string   { return e.err.Error() }
func (e *classifiedError) Unwrap() error   { return e.err }
func (e *classifiedError) Retryable() bool { return e.retryable }

// NewRetryableError marks err as safe to retry. A nil err stays nil.
func NewRetryableError(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, retryable: true}
}

// NewTerminalError marks err as permanent. A nil err stays nil.
func NewTerminalError(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err}
}

// IsRetryable reports whether the call that returned err may be repeated.
// The outermost classified error in the chain decides. Cancellation is never
// retryable and unclassified errors are.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var classified retryClassifier
	if errors.As(err, &classified) {
		return classified.Retryable()
	}
	return true
}
