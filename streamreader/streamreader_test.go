package streamreader_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"reduction.dev/chunkcdc/clocks"
	"reduction.dev/chunkcdc/connectors"
	"reduction.dev/chunkcdc/connectors/connectorstest"
	"reduction.dev/chunkcdc/keys"
	"reduction.dev/chunkcdc/splits"
	"reduction.dev/chunkcdc/streamreader"
)

func TestRun_DropsEventsMergedByChunks(t *testing.T) {
	src := newSource()
	src.Upsert("t", keys.Int(5), "p1")   // 1, merged by chunk a
	src.Upsert("t", keys.Int(150), "p2") // 2, merged by chunk b
	src.Upsert("t", keys.Int(6), "p3")   // 3, after chunk a's window
	src.Upsert("t", keys.Int(151), "p4") // 4, merged by chunk b
	src.Upsert("t", keys.Int(152), "p5") // 5, after chunk b's window
	src.Delete("t", keys.Int(5))         // 6
	src.CloseLog()

	split := &splits.StreamSplit{
		StartPosition: 0,
		FinishedChunks: []splits.SplitState{
			doneChunk("t", keys.Below(keys.Int(100)), 0, 2),
			doneChunk("t", keys.AtLeast(keys.Int(100)), 1, 4),
		},
	}
	tracker := &positions{}
	var out recordList
	err := newReader(src, tracker, streamreader.StopCondition{}, true).Run(t.Context(), split, &out)
	require.NoError(t, err, "log end completes the stream")

	assert.Equal(t, []splits.Position{3, 5, 6}, out.positions())
	for _, rec := range out {
		assert.Equal(t, splits.PhaseStream, rec.Phase)
	}
	assert.Equal(t, splits.OpDelete, out[2].Op)
	assert.Equal(t, splits.Position(6), tracker.last(), "filtered events still advance the position")
}

func TestRun_WithoutExactlyOnceEmitsEverything(t *testing.T) {
	src := newSource()
	src.Upsert("t", keys.Int(1), "a")
	src.Upsert("t", keys.Int(2), "b")
	src.CloseLog()

	split := &splits.StreamSplit{FinishedChunks: []splits.SplitState{doneChunk("t", keys.Unbounded(), 0, 2)}}
	var out recordList
	err := newReader(src, &positions{}, streamreader.StopCondition{}, false).Run(t.Context(), split, &out)
	require.NoError(t, err)
	assert.Equal(t, []splits.Position{1, 2}, out.positions())
}

func TestRun_SkipsUncapturedTables(t *testing.T) {
	src := newSource()
	src.CreateTable(splits.Table{Name: "audit", SplitColumn: "id"})
	src.Upsert("audit", keys.Int(1), "x")
	src.Upsert("t", keys.Int(1), "y")
	src.CloseLog()

	reader := streamreader.New(streamreader.Params{
		Log:     src,
		Tracker: &positions{},
		Tables:  []string{"t"},
	})
	var out recordList
	require.NoError(t, reader.Run(t.Context(), &splits.StreamSplit{}, &out))
	assert.Equal(t, []splits.Position{2}, out.positions())
}

func TestRun_StartBeforeRetentionIsAGap(t *testing.T) {
	src := newSource()
	for range 10 {
		src.Upsert("t", keys.Int(1), "v")
	}
	src.TrimLog(6)

	err := newReader(src, &positions{}, streamreader.StopCondition{}, true).
		Run(t.Context(), &splits.StreamSplit{StartPosition: 4}, &recordList{})

	var gapErr *streamreader.StreamGapError
	require.ErrorAs(t, err, &gapErr)
	assert.Equal(t, splits.Position(4), gapErr.Start)
	assert.Equal(t, splits.Position(6), gapErr.Earliest)
}

func TestRun_StopLatestEndsAtStartupPosition(t *testing.T) {
	src := newSource()
	for range 3 {
		src.Upsert("t", keys.Int(1), "v")
	}

	var out recordList
	emitter := connectors.EmitterFunc(func(ctx context.Context, rec splits.Record) error {
		// Writes after the stream started are past the stop point
		src.Upsert("t", keys.Int(2), "late")
		return out.Emit(ctx, rec)
	})
	stop := streamreader.StopCondition{Mode: streamreader.StopLatest}
	err := newReader(src, &positions{}, stop, true).Run(t.Context(), &splits.StreamSplit{}, emitter)
	require.NoError(t, err)
	assert.Equal(t, []splits.Position{1, 2, 3}, out.positions())
}

func TestRun_StopLatestRecordsResolvedPosition(t *testing.T) {
	src := newSource()
	for range 3 {
		src.Upsert("t", keys.Int(1), "v")
	}

	tracker := &positions{}
	stop := streamreader.StopCondition{Mode: streamreader.StopLatest}
	require.NoError(t, newReader(src, tracker, stop, true).Run(t.Context(), &splits.StreamSplit{}, &recordList{}))
	assert.True(t, tracker.stopped)
	assert.Equal(t, splits.Position(3), tracker.stopAt)
}

func TestRun_StopLatestKeepsPositionAcrossRestarts(t *testing.T) {
	src := newSource()
	for range 5 {
		src.Upsert("t", keys.Int(1), "v")
	}

	// A first run resolved the stop position at 3 and read through 1
	tracker := &positions{}
	split := &splits.StreamSplit{StartPosition: 1, StopPosition: 3, HasStopPosition: true}
	stop := streamreader.StopCondition{Mode: streamreader.StopLatest}

	var out recordList
	require.NoError(t, newReader(src, tracker, stop, true).Run(t.Context(), split, &out))
	assert.Equal(t, []splits.Position{2, 3}, out.positions())
	assert.False(t, tracker.stopped, "a resolved stop position is not read again")
}

func TestRun_StopSpecificPosition(t *testing.T) {
	src := newSource()
	for range 5 {
		src.Upsert("t", keys.Int(1), "v")
	}

	var out recordList
	stop := streamreader.StopCondition{Mode: streamreader.StopSpecific, Position: 4}
	err := newReader(src, &positions{}, stop, true).Run(t.Context(), &splits.StreamSplit{StartPosition: 1}, &out)
	require.NoError(t, err)
	assert.Equal(t, []splits.Position{2, 3, 4}, out.positions())

	out = nil
	err = newReader(src, &positions{}, stop, true).Run(t.Context(), &splits.StreamSplit{StartPosition: 4}, &out)
	require.NoError(t, err)
	assert.Empty(t, out, "already at the stop position")
}

func TestRun_StopTimestamp(t *testing.T) {
	clock := clocks.NewFrozenClock()
	src := connectorstest.NewMemorySource(clock)
	src.CreateTable(splits.Table{Name: "t", SplitColumn: "id"})
	src.Upsert("t", keys.Int(1), "v")
	clock.Advance(time.Minute)
	src.Upsert("t", keys.Int(2), "v")
	stopAt := clock.Now()
	clock.Advance(time.Minute)
	src.Upsert("t", keys.Int(3), "v")

	var out recordList
	stop := streamreader.StopCondition{Mode: streamreader.StopTimestamp, Timestamp: stopAt}
	err := newReader(src, &positions{}, stop, true).Run(t.Context(), &splits.StreamSplit{}, &out)
	require.NoError(t, err)
	assert.Equal(t, []splits.Position{1, 2}, out.positions())
}

func TestRun_TerminalReadErrorFails(t *testing.T) {
	src := newSource()
	readErr := connectors.NewTerminalError(errors.New("permission denied"))
	src.ReadErrors = []error{readErr}

	err := newReader(src, &positions{}, streamreader.StopCondition{}, true).
		Run(t.Context(), &splits.StreamSplit{}, &recordList{})
	assert.ErrorIs(t, err, readErr)
}

func TestRun_CancelledContextStops(t *testing.T) {
	src := newSource()
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err := newReader(src, &positions{}, streamreader.StopCondition{}, true).
		Run(ctx, &splits.StreamSplit{}, &recordList{})
	assert.ErrorIs(t, err, context.Canceled)
}

func newSource() *connectorstest.MemorySource {
	src := connectorstest.NewMemorySource(nil)
	src.CreateTable(splits.Table{Name: "t", SplitColumn: "id"})
	return src
}

func newReader(src *connectorstest.MemorySource, tracker *positions, stop streamreader.StopCondition, exactlyOnce bool) *streamreader.Reader {
	return streamreader.New(streamreader.Params{
		Log:         src,
		Tracker:     tracker,
		Stop:        stop,
		ExactlyOnce: exactlyOnce,
		BatchSize:   2,
	})
}

func doneChunk(table string, r keys.Range, low, high splits.Position) splits.SplitState {
	return splits.SplitState{
		Chunk:         splits.Chunk{ID: table + r.String(), Table: table, Range: r},
		Status:        splits.StatusSnapshotDone,
		LowWatermark:  low,
		HighWatermark: high,
	}
}

type positions struct {
	mu      sync.Mutex
	seen    []splits.Position
	stopAt  splits.Position
	stopped bool
}

func (p *positions) RecordStopPosition(pos splits.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopAt, p.stopped = pos, true
}

func (p *positions) UpdateStreamPosition(pos splits.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, pos)
}

func (p *positions) last() splits.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seen[len(p.seen)-1]
}

type recordList []splits.Record

func (l *recordList) Emit(ctx context.Context, rec splits.Record) error {
	*l = append(*l, rec)
	return nil
}

func (l recordList) positions() []splits.Position {
	var out []splits.Position
	for _, rec := range l {
		out = append(out, rec.Position)
	}
	return out
}
