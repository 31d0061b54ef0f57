package connectors

import (
	"context"
	"errors"
	"math"
	"time"

	"reduction.dev/chunkcdc/splits"
)

const (
	// initialBackoffDuration is the starting duration for exponential backoff
	initialBackoffDuration = 100 * time.Millisecond

	// maxBackoffDuration is the maximum duration for backoff
	maxBackoffDuration = 10 * time.Second
)

type ReadResult struct {
	Events []splits.ChangeEvent
	Err    error
}

// NewChangeChannel creates a channel that reads batches of events from the
// change log starting after the given position. Empty reads and retryable
// errors back off exponentially. The channel closes after a terminal error,
// ErrEndOfInput, or when ctx is done.
func NewChangeChannel(ctx context.Context, log ChangeLog, after splits.Position, batchSize int) <-chan ReadResult {
	channel := make(chan ReadResult)
	go func() {
		defer close(channel)

		// Track consecutive idle reads or failures for backoff calculations
		consecutiveMisses := 0

		for {
			if !backoff(ctx, consecutiveMisses) {
				return
			}

			events, err := log.ReadEvents(ctx, after, batchSize)
			if len(events) > 0 {
				after = events[len(events)-1].Position
			}

			switch {
			case err != nil && !errors.Is(err, ErrEndOfInput) && IsRetryable(err):
				consecutiveMisses++
			case len(events) == 0 && err == nil:
				consecutiveMisses++
				continue // Caught up, nothing to send
			default:
				consecutiveMisses = 0
			}

			select {
			case <-ctx.Done():
				return
			case channel <- ReadResult{Events: events, Err: err}:
			}

			if err != nil && (errors.Is(err, ErrEndOfInput) || !IsRetryable(err)) {
				return
			}
		}
	}()

	return channel
}

// backoff sleeps for an increasingly longer duration as misses accumulate, up
// to a maximum duration. It returns false if ctx ended while waiting.
func backoff(ctx context.Context, consecutiveMisses int) bool {
	if consecutiveMisses == 0 {
		return ctx.Err() == nil
	}

	// Calculate exponential backoff with a maximum limit
	factor := math.Pow(2, float64(min(consecutiveMisses, 10)))
	duration := min(time.Duration(float64(initialBackoffDuration)*factor), maxBackoffDuration)

	select {
	case <-ctx.Done():
		return false
	case <-time.After(duration):
		return true
	}
}
