// Package chunkreader reads one chunk of a table and reconciles the scanned
// rows with the change events written while the scan ran.
package chunkreader

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/btree"
	"reduction.dev/chunkcdc/connectors"
	"reduction.dev/chunkcdc/keys"
	"reduction.dev/chunkcdc/splits"
	"reduction.dev/chunkcdc/telemetry"
)

// ChunkReadError wraps a failure while reading a chunk. It is retryable when
// its cause is.
type ChunkReadError struct {
	ChunkID string
	Err     error
}

func (e *ChunkReadError) Error() string {
	return fmt.Sprintf("reading chunk %s: %v", e.ChunkID, e.Err)
}

func (e *ChunkReadError) Unwrap() error {
	return e.Err
}

func (e *ChunkReadError) Retryable() bool {
	return connectors.IsRetryable(e.Err)
}

// Result is what a finished chunk reports to the assigner.
type Result struct {
	LowWatermark  splits.Position
	HighWatermark splits.Position
	Emitted       int
}

type Params struct {
	Scanner connectors.RowScanner
	Log     connectors.ChangeLog

	// ExactlyOnce enables reconciliation. Without it rows are emitted as they
	// are scanned and concurrent writes are left to the stream.
	ExactlyOnce bool
	Logger      *slog.Logger
}

type Reader struct {
	scanner     connectors.RowScanner
	changeLog   connectors.ChangeLog
	exactlyOnce bool
	log         *slog.Logger
}

func New(params Params) *Reader {
	logger := params.Logger
	if logger == nil {
		logger = slog.With("instanceID", "chunkreader")
	}
	return &Reader{
		scanner:     params.Scanner,
		changeLog:   params.Log,
		exactlyOnce: params.ExactlyOnce,
		log:         logger,
	}
}

// Read scans a chunk and emits its reconciled records in key order. Nothing
// is emitted when the read fails, so a failed chunk can be read again from
// the start.
func (r *Reader) Read(ctx context.Context, table splits.Table, chunk splits.Chunk, emitter connectors.Emitter) (Result, error) {
	start := time.Now()
	res, err := r.read(ctx, table, chunk, emitter)
	if err != nil {
		return Result{}, &ChunkReadError{ChunkID: chunk.ID, Err: err}
	}

	telemetry.ChunkScanDuration.WithLabelValues(chunk.Table).Observe(time.Since(start).Seconds())
	telemetry.ChunkRowsEmitted.WithLabelValues(chunk.Table).Add(float64(res.Emitted))
	r.log.Debug("read chunk",
		"chunk", chunk.ID,
		"range", chunk.Range,
		"low", res.LowWatermark,
		"high", res.HighWatermark,
		"emitted", res.Emitted)
	return res, nil
}

func (r *Reader) read(ctx context.Context, table splits.Table, chunk splits.Chunk, emitter connectors.Emitter) (Result, error) {
	low, err := r.changeLog.CurrentPosition(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("low watermark: %w", err)
	}

	if !r.exactlyOnce {
		return r.readDirect(ctx, table, chunk, emitter, low)
	}

	buf := newChunkBuffer()
	err = r.scanner.ScanChunk(ctx, table, chunk.Range, func(row connectors.Row) error {
		buf.put(splits.Record{
			Table: chunk.Table,
			Key:   row.Key,
			Op:    splits.OpUpsert,
			Value: row.Value,
			Phase: splits.PhaseSnapshot,
		})
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("scan: %w", err)
	}

	high, err := r.changeLog.CurrentPosition(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("high watermark: %w", err)
	}
	if high < low {
		return Result{}, connectors.NewTerminalError(fmt.Errorf("log position moved backwards from %d to %d", low, high))
	}

	// Equal watermarks mean nothing was written during the scan
	if high > low {
		events, err := r.changeLog.EventsInRange(ctx, chunk.Table, chunk.Range, low, high)
		if err != nil {
			return Result{}, fmt.Errorf("events in (%d, %d]: %w", low, high, err)
		}
		for _, e := range events {
			buf.apply(e)
		}
	}

	emitted := 0
	var emitErr error
	buf.ascend(func(rec splits.Record) bool {
		if emitErr = emitter.Emit(ctx, rec); emitErr != nil {
			return false
		}
		emitted++
		return true
	})
	if emitErr != nil {
		// Records already reached the emitter so the chunk cannot be replayed
		return Result{}, connectors.NewTerminalError(fmt.Errorf("emit: %w", emitErr))
	}

	return Result{LowWatermark: low, HighWatermark: high, Emitted: emitted}, nil
}

func (r *Reader) readDirect(ctx context.Context, table splits.Table, chunk splits.Chunk, emitter connectors.Emitter, low splits.Position) (Result, error) {
	emitted := 0
	err := r.scanner.ScanChunk(ctx, table, chunk.Range, func(row connectors.Row) error {
		err := emitter.Emit(ctx, splits.Record{
			Table: chunk.Table,
			Key:   row.Key,
			Op:    splits.OpUpsert,
			Value: row.Value,
			Phase: splits.PhaseSnapshot,
		})
		if err != nil {
			return connectors.NewTerminalError(fmt.Errorf("emit: %w", err))
		}
		emitted++
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("scan: %w", err)
	}
	high, err := r.changeLog.CurrentPosition(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("high watermark: %w", err)
	}
	return Result{LowWatermark: low, HighWatermark: max(low, high), Emitted: emitted}, nil
}

// chunkBuffer holds the latest record per key of one chunk in key order.
type chunkBuffer struct {
	tree *btree.BTreeG[bufferedRecord]
}

type bufferedRecord struct {
	key      keys.Value
	record   splits.Record
	position splits.Position
}

func newChunkBuffer() *chunkBuffer {
	return &chunkBuffer{
		tree: btree.NewG(16, func(a, b bufferedRecord) bool {
			return a.key.Less(b.key)
		}),
	}
}

func (b *chunkBuffer) put(rec splits.Record) {
	b.tree.ReplaceOrInsert(bufferedRecord{key: rec.Key, record: rec})
}

// apply overrides the scanned value of a key with a change event unless a
// later event for the key was already applied.
func (b *chunkBuffer) apply(e splits.ChangeEvent) {
	if existing, ok := b.tree.Get(bufferedRecord{key: e.Key}); ok && existing.position > e.Position {
		return
	}
	rec := splits.RecordFromEvent(e, splits.PhaseSnapshot)
	b.tree.ReplaceOrInsert(bufferedRecord{key: e.Key, record: rec, position: e.Position})
}

func (b *chunkBuffer) ascend(fn func(splits.Record) bool) {
	b.tree.Ascend(func(item bufferedRecord) bool {
		return fn(item.record)
	})
}
