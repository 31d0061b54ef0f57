package connectors

import (
	"context"
	"time"

	"reduction.dev/chunkcdc/keys"
	"reduction.dev/chunkcdc/splits"
)

// Catalog resolves table metadata.
type Catalog interface {
	DescribeTable(ctx context.Context, name string) (splits.Table, error)
}

// Statistics answers questions about a table's split column used to plan
// chunks.
type Statistics interface {
	// KeyBounds returns the min and max split key. ok is false for an empty
	// table.
	KeyBounds(ctx context.Context, table splits.Table) (min, max keys.Value, ok bool, err error)

	// RowCount returns the number of rows in the table, possibly estimated.
	RowCount(ctx context.Context, table splits.Table) (int64, error)

	// SampleKeys returns about one of every inverseRate split keys in
	// ascending order. The same table contents must produce the same sample.
	SampleKeys(ctx context.Context, table splits.Table, inverseRate int) ([]keys.Value, error)
}

// Row is one scanned row. The value is opaque to the coordinator.
type Row struct {
	Key   keys.Value
	Value []byte
}

// RowScanner reads the rows of a key range in ascending key order under a
// consistent view. Implementations hold one connection for the duration of a
// single call.
type RowScanner interface {
	ScanChunk(ctx context.Context, table splits.Table, r keys.Range, fn func(Row) error) error
}

// ChangeLog reads ordered change events.
type ChangeLog interface {
	// CurrentPosition is the position of the latest event written to the log.
	CurrentPosition(ctx context.Context) (splits.Position, error)

	// EarliestPosition is the lowest position p for which ReadEvents(p) still
	// returns every later event. Starting before it would skip events.
	EarliestPosition(ctx context.Context) (splits.Position, error)

	// PositionForTime returns the position of the last event written before t.
	PositionForTime(ctx context.Context, t time.Time) (splits.Position, error)

	// EventsInRange returns the events of a table whose key is in r and whose
	// position is in (after, upTo], ordered by position.
	EventsInRange(ctx context.Context, table string, r keys.Range, after, upTo splits.Position) ([]splits.ChangeEvent, error)

	// ReadEvents returns up to limit events with a position greater than
	// after, ordered by position. An empty result means the reader is caught
	// up. ErrEndOfInput marks a log that will never grow.
	ReadEvents(ctx context.Context, after splits.Position, limit int) ([]splits.ChangeEvent, error)
}

// LogTrimmer is implemented by change logs that can drop events no checkpoint
// needs anymore.
type LogTrimmer interface {
	// Trim deletes events at or before upTo and returns how many it deleted.
	Trim(ctx context.Context, upTo splits.Position) (int64, error)
}

// Source bundles the collaborators a database connector provides.
type Source interface {
	Catalog
	Statistics
	RowScanner
	ChangeLog
	Close() error
}

// Emitter receives the records produced by a split.
type Emitter interface {
	Emit(ctx context.Context, rec splits.Record) error
}

// EmitterFunc adapts a function to an Emitter.
type EmitterFunc func(ctx context.Context, rec splits.Record) error

func (f EmitterFunc) Emit(ctx context.Context, rec splits.Record) error {
	return f(ctx, rec)
}
