// Package streamreader tails the change log after the snapshot and drops
// events that a chunk already merged during its scan.
package streamreader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"reduction.dev/chunkcdc/connectors"
	"reduction.dev/chunkcdc/splits"
)

var (
	eventsEmitted  = metrics.NewCounter("chunkcdc_stream_events_emitted_total")
	eventsFiltered = metrics.NewCounter("chunkcdc_stream_events_filtered_total")
	indexPruned    = metrics.NewCounter("chunkcdc_stream_index_pruned_total")
)

// StreamGapError means the log no longer holds events the stream needs, so
// output would be incomplete.
type StreamGapError struct {
	Start    splits.Position
	Earliest splits.Position
}

func (e *StreamGapError) Error() string {
	return fmt.Sprintf("stream start position %d is before the earliest retained log position %d", e.Start, e.Earliest)
}

type StopMode uint8

const (
	StopNever StopMode = iota
	// StopLatest stops at the log position current when the stream starts.
	StopLatest
	StopSpecific
	StopTimestamp
)

func (m StopMode) String() string {
	switch m {
	case StopNever:
		return "NEVER"
	case StopLatest:
		return "LATEST"
	case StopSpecific:
		return "SPECIFIC"
	case StopTimestamp:
		return "TIMESTAMP"
	default:
		return fmt.Sprintf("StopMode(%d)", m)
	}
}

// StopCondition ends the stream. Position is used by StopSpecific and
// Timestamp by StopTimestamp.
type StopCondition struct {
	Mode      StopMode
	Position  splits.Position
	Timestamp time.Time
}

// PositionTracker records how far the stream has read and the stop position
// it resolved.
type PositionTracker interface {
	UpdateStreamPosition(pos splits.Position)
	RecordStopPosition(pos splits.Position)
}

type Params struct {
	Log     connectors.ChangeLog
	Tracker PositionTracker
	Stop    StopCondition

	// Tables limits output to captured tables. Empty means every table.
	Tables []string

	// ExactlyOnce drops events already merged by a chunk.
	ExactlyOnce bool
	BatchSize   int
	Logger      *slog.Logger
}

type Reader struct {
	changeLog   connectors.ChangeLog
	tracker     PositionTracker
	stop        StopCondition
	tables      map[string]bool
	exactlyOnce bool
	batchSize   int
	log         *slog.Logger
}

func New(params Params) *Reader {
	logger := params.Logger
	if logger == nil {
		logger = slog.With("instanceID", "streamreader")
	}
	var tables map[string]bool
	if len(params.Tables) > 0 {
		tables = make(map[string]bool, len(params.Tables))
		for _, t := range params.Tables {
			tables[t] = true
		}
	}
	batchSize := params.BatchSize
	if batchSize <= 0 {
		batchSize = 1024
	}
	return &Reader{
		changeLog:   params.Log,
		tracker:     params.Tracker,
		stop:        params.Stop,
		tables:      tables,
		exactlyOnce: params.ExactlyOnce,
		batchSize:   batchSize,
		log:         logger,
	}
}

// Run reads the log after the split's start position until the stop
// condition is met, the log ends, or ctx is cancelled.
func (r *Reader) Run(ctx context.Context, split *splits.StreamSplit, emitter connectors.Emitter) error {
	earliest, err := r.changeLog.EarliestPosition(ctx)
	if err != nil {
		return fmt.Errorf("reading earliest log position: %w", err)
	}
	if split.StartPosition < earliest {
		return &StreamGapError{Start: split.StartPosition, Earliest: earliest}
	}

	stopAt, hasStopPosition, err := r.resolveStopPosition(ctx, split)
	if err != nil {
		return err
	}
	if hasStopPosition && split.StartPosition >= stopAt {
		r.log.Info("stream already at stop position", "start", split.StartPosition, "stop", stopAt)
		return nil
	}

	var index *chunkIndex
	if r.exactlyOnce {
		index = newChunkIndex(split.FinishedChunks)
	}

	r.log.Info("starting stream",
		"start", split.StartPosition,
		"stopMode", r.stop.Mode,
		"finishedChunks", len(split.FinishedChunks))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for result := range connectors.NewChangeChannel(ctx, r.changeLog, split.StartPosition, r.batchSize) {
		for _, e := range result.Events {
			if r.stop.Mode == StopTimestamp && e.Timestamp.After(r.stop.Timestamp) {
				r.log.Info("stream reached stop timestamp", "position", e.Position)
				return nil
			}
			if hasStopPosition && e.Position > stopAt {
				r.log.Info("stream reached stop position", "stop", stopAt)
				return nil
			}

			if err := r.handle(ctx, index, e, emitter); err != nil {
				return err
			}
			r.tracker.UpdateStreamPosition(e.Position)

			if index.prune(e.Position) {
				indexPruned.Inc()
				r.log.Debug("stream passed every chunk high watermark", "position", e.Position)
			}
			if hasStopPosition && e.Position == stopAt {
				r.log.Info("stream reached stop position", "stop", stopAt)
				return nil
			}
		}

		if result.Err != nil {
			if errors.Is(result.Err, connectors.ErrEndOfInput) {
				r.log.Info("change log ended")
				return nil
			}
			if !connectors.IsRetryable(result.Err) {
				return fmt.Errorf("reading change log: %w", result.Err)
			}
			r.log.Warn("retrying change log read", "err", result.Err)
		}
	}
	return ctx.Err()
}

func (r *Reader) handle(ctx context.Context, index *chunkIndex, e splits.ChangeEvent, emitter connectors.Emitter) error {
	if r.tables != nil && !r.tables[e.Table] {
		return nil
	}
	if high, ok := index.highWatermark(e.Table, e.Key); ok && e.Position <= high {
		eventsFiltered.Inc()
		return nil
	}
	if err := emitter.Emit(ctx, splits.RecordFromEvent(e, splits.PhaseStream)); err != nil {
		return fmt.Errorf("emitting event at %d: %w", e.Position, err)
	}
	eventsEmitted.Inc()
	return nil
}

// resolveStopPosition reads the latest log position once per capture. A split
// resumed from a checkpoint keeps the position resolved by the first run.
func (r *Reader) resolveStopPosition(ctx context.Context, split *splits.StreamSplit) (splits.Position, bool, error) {
	switch r.stop.Mode {
	case StopLatest:
		if split.HasStopPosition {
			return split.StopPosition, true, nil
		}
		pos, err := r.changeLog.CurrentPosition(ctx)
		if err != nil {
			return 0, false, fmt.Errorf("reading latest log position: %w", err)
		}
		r.tracker.RecordStopPosition(pos)
		return pos, true, nil
	case StopSpecific:
		return r.stop.Position, true, nil
	default:
		return 0, false, nil
	}
}
