package chunkreader_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"reduction.dev/chunkcdc/chunkreader"
	"reduction.dev/chunkcdc/connectors"
	"reduction.dev/chunkcdc/connectors/connectorstest"
	"reduction.dev/chunkcdc/keys"
	"reduction.dev/chunkcdc/splits"
)

func TestRead_DeleteDuringScanBecomesRetraction(t *testing.T) {
	src, table := newSource(t)
	src.Load("t", 0, 1999, func(id int64) string { return fmt.Sprintf("v%d", id) })
	src.OnScanRow = func(_ string, row connectors.Row) {
		if row.Key.Equal(keys.Int(10)) {
			src.Delete("t", keys.Int(500))
		}
	}

	chunk := splits.Chunk{ID: "t:0", Table: "t", Range: keys.Between(keys.Int(0), keys.Int(1000))}
	var out recordList
	res, err := newReader(src, true).Read(t.Context(), table, chunk, &out)
	require.NoError(t, err)

	assert.Equal(t, splits.Position(0), res.LowWatermark)
	assert.Equal(t, splits.Position(1), res.HighWatermark)
	assert.Equal(t, 1000, res.Emitted)
	require.Len(t, out, 1000)

	rec := out.byKey(t, keys.Int(500))
	assert.Equal(t, splits.OpDelete, rec.Op, "key 500 is retracted, not its scanned value")
	assert.Nil(t, rec.Value)
	assert.Equal(t, []byte("v499"), out.byKey(t, keys.Int(499)).Value)
}

func TestRead_LastWriteInWindowWins(t *testing.T) {
	src, table := newSource(t)
	src.Load("t", 1, 20, func(id int64) string { return "scanned" })
	src.OnScanRow = func(_ string, row connectors.Row) {
		if row.Key.Equal(keys.Int(1)) {
			src.Upsert("t", keys.Int(5), "first")
			src.Upsert("t", keys.Int(5), "second")
			src.Upsert("t", keys.Int(42), "inserted")
			src.Upsert("t", keys.Int(7), "updated")
			src.Upsert("other", keys.Int(6), "other table")
		}
	}
	src.CreateTable(splits.Table{Name: "other", SplitColumn: "id"})

	chunk := splits.Chunk{ID: "t:0", Table: "t", Range: keys.Below(keys.Int(50))}
	var out recordList
	_, err := newReader(src, true).Read(t.Context(), table, chunk, &out)
	require.NoError(t, err)

	assert.Equal(t, []byte("second"), out.byKey(t, keys.Int(5)).Value)
	assert.Equal(t, []byte("updated"), out.byKey(t, keys.Int(7)).Value)
	assert.Equal(t, []byte("inserted"), out.byKey(t, keys.Int(42)).Value, "insert during scan is added")
	assert.Equal(t, []byte("scanned"), out.byKey(t, keys.Int(6)).Value, "other table events are ignored")
	assert.Len(t, out, 21)
	assert.True(t, out.isSorted(), "records are emitted in key order")
}

func TestRead_EqualWatermarksKeepScannedValues(t *testing.T) {
	src, table := newSource(t)
	src.Load("t", 1, 5, func(id int64) string { return "scanned" })
	pos := src.Upsert("t", keys.Int(3), "before scan")

	chunk := splits.Chunk{ID: "t:0", Table: "t", Range: keys.Unbounded()}
	var out recordList
	res, err := newReader(src, true).Read(t.Context(), table, chunk, &out)
	require.NoError(t, err)

	assert.Equal(t, pos, res.LowWatermark)
	assert.Equal(t, pos, res.HighWatermark)
	assert.Equal(t, []byte("before scan"), out.byKey(t, keys.Int(3)).Value, "row already had the write when scanned")
}

func TestRead_WithoutExactlyOnceEmitsScannedRows(t *testing.T) {
	src, table := newSource(t)
	src.Load("t", 1, 3, func(id int64) string { return "scanned" })
	src.OnScanRow = func(_ string, row connectors.Row) {
		if row.Key.Equal(keys.Int(1)) {
			src.Delete("t", keys.Int(2))
		}
	}

	chunk := splits.Chunk{ID: "t:0", Table: "t", Range: keys.Unbounded()}
	var out recordList
	res, err := newReader(src, false).Read(t.Context(), table, chunk, &out)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Emitted)
	assert.Equal(t, splits.OpUpsert, out.byKey(t, keys.Int(2)).Op, "no reconciliation")
}

func TestRead_FailuresAreChunkReadErrors(t *testing.T) {
	src, table := newSource(t)
	src.Load("t", 1, 3, func(id int64) string { return "v" })
	chunk := splits.Chunk{ID: "t:0", Table: "t", Range: keys.Unbounded()}

	src.ScanErrors = []error{connectors.NewRetryableError(errors.New("connection reset"))}
	var out recordList
	_, err := newReader(src, true).Read(t.Context(), table, chunk, &out)

	var readErr *chunkreader.ChunkReadError
	require.ErrorAs(t, err, &readErr)
	assert.Equal(t, "t:0", readErr.ChunkID)
	assert.True(t, readErr.Retryable())
	assert.True(t, connectors.IsRetryable(err))
	assert.Empty(t, out, "nothing emitted for a failed chunk")

	src.ScanErrors = []error{connectors.NewTerminalError(errors.New("no such table"))}
	_, err = newReader(src, true).Read(t.Context(), table, chunk, &out)
	require.ErrorAs(t, err, &readErr)
	assert.False(t, readErr.Retryable())
}

func TestRead_EmitterErrorStopsTheChunk(t *testing.T) {
	src, table := newSource(t)
	src.Load("t", 1, 3, func(id int64) string { return "v" })
	chunk := splits.Chunk{ID: "t:0", Table: "t", Range: keys.Unbounded()}

	sinkErr := errors.New("sink closed")
	emitter := connectors.EmitterFunc(func(ctx context.Context, rec splits.Record) error { return sinkErr })
	_, err := newReader(src, true).Read(t.Context(), table, chunk, emitter)
	assert.ErrorIs(t, err, sinkErr)
	assert.False(t, connectors.IsRetryable(err), "emitted records cannot be taken back")

	_, err = newReader(src, false).Read(t.Context(), table, chunk, emitter)
	assert.ErrorIs(t, err, sinkErr)
	assert.False(t, connectors.IsRetryable(err))
}

func newSource(t *testing.T) (*connectorstest.MemorySource, splits.Table) {
	src := connectorstest.NewMemorySource(nil)
	src.CreateTable(splits.Table{Name: "t", SplitColumn: "id"})
	table, err := src.DescribeTable(t.Context(), "t")
	require.NoError(t, err)
	return src, table
}

func newReader(src *connectorstest.MemorySource, exactlyOnce bool) *chunkreader.Reader {
	return chunkreader.New(chunkreader.Params{Scanner: src, Log: src, ExactlyOnce: exactlyOnce})
}

type recordList []splits.Record

func (l *recordList) Emit(ctx context.Context, rec splits.Record) error {
	*l = append(*l, rec)
	return nil
}

func (l recordList) byKey(t *testing.T, key keys.Value) splits.Record {
	t.Helper()
	for _, rec := range l {
		if rec.Key.Equal(key) {
			return rec
		}
	}
	require.Failf(t, "missing record", "no record for key %s", key)
	return splits.Record{}
}

func (l recordList) isSorted() bool {
	for i := 1; i < len(l); i++ {
		if !l[i-1].Key.Less(l[i].Key) {
			return false
		}
	}
	return true
}
