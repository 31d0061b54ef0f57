package coordinator_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"reduction.dev/chunkcdc/chunkreader"
	"reduction.dev/chunkcdc/clocks"
	"reduction.dev/chunkcdc/config"
	"reduction.dev/chunkcdc/connectors"
	"reduction.dev/chunkcdc/connectors/connectorstest"
	"reduction.dev/chunkcdc/coordinator"
	"reduction.dev/chunkcdc/keys"
	"reduction.dev/chunkcdc/splits"
	"reduction.dev/chunkcdc/splitter"
	"reduction.dev/chunkcdc/storage/checkpoints"
	"reduction.dev/chunkcdc/storage/locations"
	"reduction.dev/chunkcdc/streamreader"
)

func TestRun_SnapshotThenStreamMatchesSource(t *testing.T) {
	src := newSource(10000)

	var once sync.Once
	src.OnScanRow = func(_ string, row connectors.Row) {
		if row.Key.Equal(keys.Int(2500)) {
			once.Do(func() {
				src.Upsert("t", keys.Int(500), "updated during snapshot")
				src.Delete("t", keys.Int(9000))
				src.Upsert("t", keys.Int(20000), "inserted during snapshot")
			})
		}
	}
	src.CloseLog()

	dir := t.TempDir()
	c := coordinator.New(coordinator.Params{Config: testConfig(), Source: src, Store: newStore(dir)})
	assert.Equal(t, coordinator.StatusInit, c.Status())

	var out recordLog
	require.NoError(t, c.Run(t.Context(), &out))
	assert.Equal(t, coordinator.StatusFinished, c.Status())

	view := out.view()
	assert.Len(t, view, 10000, "one row deleted and one inserted")
	assert.Equal(t, "updated during snapshot", view[keys.Int(500)])
	assert.Equal(t, "inserted during snapshot", view[keys.Int(20000)])
	assert.NotContains(t, view, keys.Int(9000))
	assert.Equal(t, "v1", view[keys.Int(1)])

	progress := c.Progress()
	assert.Len(t, progress.Splits, 10)
	for _, s := range progress.Splits {
		assert.Equal(t, splits.StatusSnapshotDone, s.Status, s.Chunk.ID)
	}
	assert.True(t, progress.StreamIssued)

	ckpt, err := newStore(dir).LoadLatest(t.Context())
	require.NoError(t, err)
	require.NotNil(t, ckpt, "a final checkpoint is written")
	assert.Equal(t, progress, ckpt.Progress)
}

func TestRun_RetriesRetryableChunkFailures(t *testing.T) {
	src := newSource(3000)
	src.ScanErrors = []error{
		connectors.NewRetryableError(errors.New("connection reset")),
		connectors.NewRetryableError(errors.New("connection reset")),
	}
	src.CloseLog()

	cfg := testConfig(func(c *config.Config) { c.WorkerCount = 1 })
	c := coordinator.New(coordinator.Params{Config: cfg, Source: src, RetryBase: time.Millisecond})

	var out recordLog
	require.NoError(t, c.Run(t.Context(), &out))
	assert.Len(t, out.view(), 3000)
	assert.Len(t, out.records, 3000, "failed attempts emitted nothing")
}

func TestRun_ExhaustedRetriesFail(t *testing.T) {
	src := newSource(3000)
	for range 5 {
		src.ScanErrors = append(src.ScanErrors, connectors.NewRetryableError(errors.New("connection reset")))
	}

	cfg := testConfig(func(c *config.Config) {
		c.WorkerCount = 1
		c.ConnectMaxRetries = retries(2)
	})
	c := coordinator.New(coordinator.Params{Config: cfg, Source: src, RetryBase: time.Millisecond})

	err := c.Run(t.Context(), &recordLog{})
	var readErr *chunkreader.ChunkReadError
	require.ErrorAs(t, err, &readErr)
	assert.ErrorContains(t, err, "after 3 attempts")
	assert.Equal(t, coordinator.StatusFailed, c.Status())
}

func TestRun_ZeroRetriesFailsOnFirstError(t *testing.T) {
	src := newSource(3000)
	src.ScanErrors = []error{connectors.NewRetryableError(errors.New("connection reset"))}

	cfg := testConfig(func(c *config.Config) {
		c.WorkerCount = 1
		c.ConnectMaxRetries = retries(0)
	})
	c := coordinator.New(coordinator.Params{Config: cfg, Source: src, RetryBase: time.Millisecond})

	err := c.Run(t.Context(), &recordLog{})
	assert.ErrorContains(t, err, "after 1 attempts")
	assert.Empty(t, src.Scans(), "the failed scan was not attempted again")
}

func TestRun_EmitterFailureIsFatal(t *testing.T) {
	src := newSource(3000)
	sinkErr := errors.New("sink closed")
	emitter := connectors.EmitterFunc(func(ctx context.Context, rec splits.Record) error {
		return sinkErr
	})

	cfg := testConfig(func(c *config.Config) { c.WorkerCount = 1 })
	c := coordinator.New(coordinator.Params{Config: cfg, Source: src, RetryBase: time.Millisecond})
	err := c.Run(t.Context(), emitter)
	assert.ErrorIs(t, err, sinkErr)
	assert.Equal(t, coordinator.StatusFailed, c.Status())
	assert.Len(t, src.Scans(), 1, "terminal failures are not retried")
}

func TestStart_RestoresFromCheckpoint(t *testing.T) {
	src := newSource(5000)
	src.CloseLog()
	dir := t.TempDir()

	// First process finishes one chunk and has a second in flight
	first := coordinator.New(coordinator.Params{Config: testConfig(), Source: src, Store: newStore(dir)})
	require.NoError(t, first.Start(t.Context()))

	var before recordLog
	split, err := first.NextSplit("worker-1")
	require.NoError(t, err)
	require.NoError(t, first.RunSplit(t.Context(), split, &before))
	_, err = first.NextSplit("worker-2")
	require.NoError(t, err)
	require.NoError(t, first.Checkpoint(t.Context(), 1))

	// Second process reads everything else
	second := coordinator.New(coordinator.Params{Config: testConfig(), Source: src, Store: newStore(dir)})
	require.NoError(t, second.Start(t.Context()))
	done := 0
	for _, s := range second.Progress().Splits {
		if s.Status == splits.StatusSnapshotDone {
			done++
		}
		assert.NotEqual(t, splits.StatusAssigned, s.Status, "in-flight chunks are read again")
	}
	assert.Equal(t, 1, done)

	var after recordLog
	require.NoError(t, second.Run(t.Context(), &after))

	for key := range before.view() {
		assert.NotContains(t, after.view(), key, "finished chunk was read again")
	}
	assert.Len(t, before.view(), len(before.records))
	assert.Equal(t, 5000, len(before.view())+len(after.view()))
	assert.Len(t, src.Scans(), 5)
}

func TestStart_CheckpointWithUnknownTableFails(t *testing.T) {
	src := newSource(10)
	dir := t.TempDir()
	store := newStore(dir)
	_, err := store.Save(t.Context(), 1, &splits.Progress{Splits: []splits.SplitState{{
		Chunk: splits.Chunk{ID: "gone:0", Table: "gone", Range: keys.Unbounded()},
	}}})
	require.NoError(t, err)

	c := coordinator.New(coordinator.Params{Config: testConfig(), Source: src, Store: newStore(dir)})
	assert.ErrorContains(t, c.Start(t.Context()), "table gone which is not configured")
	assert.Equal(t, coordinator.StatusFailed, c.Status())
}

func TestStart_StreamGapFails(t *testing.T) {
	src := newSource(10)
	for range 6 {
		src.Upsert("t", keys.Int(1), "v")
	}
	src.TrimLog(5)

	cfg := testConfig(func(c *config.Config) {
		c.Startup = config.StartupConfig{Mode: config.StartupSpecific, Position: 2}
	})
	c := coordinator.New(coordinator.Params{Config: cfg, Source: src})

	err := c.Start(t.Context())
	var gapErr *streamreader.StreamGapError
	require.ErrorAs(t, err, &gapErr)
	assert.Equal(t, splits.Position(2), gapErr.Start)
	assert.Equal(t, coordinator.StatusFailed, c.Status())
	assert.Empty(t, src.Scans(), "nothing is read after a startup failure")
}

func TestStart_UnsplittableTableFails(t *testing.T) {
	src := connectorstest.NewMemorySource(nil)
	src.CreateTable(splits.Table{
		Name:    "t",
		Columns: []splits.Column{{Name: "payload", Type: splits.TypeJSON}},
	})

	c := coordinator.New(coordinator.Params{Config: testConfig(), Source: src})
	err := c.Start(t.Context())
	assert.ErrorIs(t, err, splitter.ErrSplitter)
}

func TestRun_StartupLatestSkipsSnapshot(t *testing.T) {
	src := newSource(100)
	for i := range 3 {
		src.Upsert("t", keys.Int(int64(i)), "before start")
	}

	cfg := testConfig(func(c *config.Config) {
		c.Startup.Mode = config.StartupLatest
	})
	c := coordinator.New(coordinator.Params{Config: cfg, Source: src})
	require.NoError(t, c.Start(t.Context()))

	src.Upsert("t", keys.Int(7), "after start")
	src.Delete("t", keys.Int(8))
	src.CloseLog()

	var out recordLog
	require.NoError(t, c.Run(t.Context(), &out))
	require.Len(t, out.records, 2)
	assert.Equal(t, splits.Position(4), out.records[0].Position)
	assert.Equal(t, splits.PhaseStream, out.records[0].Phase)
	assert.Equal(t, splits.OpDelete, out.records[1].Op)
	assert.Empty(t, src.Scans())
}

func TestRun_PeriodicCheckpoints(t *testing.T) {
	src := newSource(100)
	src.CloseLog()

	clock := clocks.NewFrozenClock()
	store := newStore(t.TempDir())
	cfg := testConfig(func(c *config.Config) { c.Checkpoint.Interval = time.Minute })
	c := coordinator.New(coordinator.Params{Config: cfg, Source: src, Store: store, Clock: clock})

	var out recordLog
	var once sync.Once
	emitter := connectors.EmitterFunc(func(ctx context.Context, rec splits.Record) error {
		once.Do(func() { clock.TickEvery("checkpointing") })
		return out.Emit(ctx, rec)
	})
	require.NoError(t, c.Run(t.Context(), emitter))

	assert.Equal(t, uint64(2), store.LastID(), "one periodic and one final checkpoint")
	assert.False(t, clock.HasEvery("checkpointing"), "ticker stopped")
}

func TestCheckpoint_TrimsLogUpToStreamStart(t *testing.T) {
	src := newSource(100)
	for i := range 3 {
		src.Upsert("t", keys.Int(int64(i+1)), "before snapshot")
	}
	src.CloseLog()

	dir := t.TempDir()
	cfg := testConfig(func(c *config.Config) { c.Checkpoint.TrimLog = true })
	c := coordinator.New(coordinator.Params{Config: cfg, Source: src, Store: newStore(dir)})
	require.NoError(t, c.Start(t.Context()))
	require.NoError(t, c.Checkpoint(t.Context(), 1))
	earliest, err := src.EarliestPosition(t.Context())
	require.NoError(t, err)
	assert.Equal(t, splits.Position(0), earliest, "nothing is trimmed before a chunk finishes")

	require.NoError(t, c.Run(t.Context(), &recordLog{}))
	earliest, err = src.EarliestPosition(t.Context())
	require.NoError(t, err)
	assert.Equal(t, splits.Position(3), earliest)
	assert.Equal(t, c.Progress().StreamStart(), earliest)

	restarted := coordinator.New(coordinator.Params{Config: cfg, Source: src, Store: newStore(dir)})
	assert.NoError(t, restarted.Start(t.Context()), "the checkpoint still resumes after trimming")
}

func TestCheckpoint_KeepsLogWithoutTrimLog(t *testing.T) {
	src := newSource(100)
	for i := range 3 {
		src.Upsert("t", keys.Int(int64(i+1)), "before snapshot")
	}
	src.CloseLog()

	c := coordinator.New(coordinator.Params{Config: testConfig(), Source: src, Store: newStore(t.TempDir())})
	require.NoError(t, c.Run(t.Context(), &recordLog{}))
	earliest, err := src.EarliestPosition(t.Context())
	require.NoError(t, err)
	assert.Equal(t, splits.Position(0), earliest)
}

func TestCheckpoint_IDsMustIncrease(t *testing.T) {
	src := newSource(10)
	c := coordinator.New(coordinator.Params{Config: testConfig(), Source: src, Store: newStore(t.TempDir())})
	require.NoError(t, c.Start(t.Context()))

	require.NoError(t, c.Checkpoint(t.Context(), 5))
	assert.Error(t, c.Checkpoint(t.Context(), 5))
	require.NoError(t, c.Checkpoint(t.Context(), 6))
}

func TestCheckpoint_RequiresStore(t *testing.T) {
	c := coordinator.New(coordinator.Params{Config: testConfig(), Source: newSource(10)})
	require.NoError(t, c.Start(t.Context()))
	assert.Error(t, c.Checkpoint(t.Context(), 1))
}

func TestRun_CancelledKeepsStatus(t *testing.T) {
	src := newSource(100)
	ctx, cancel := context.WithCancel(t.Context())

	c := coordinator.New(coordinator.Params{Config: testConfig(), Source: src, Store: newStore(t.TempDir())})
	emitter := connectors.EmitterFunc(func(context.Context, splits.Record) error {
		cancel()
		return nil
	})

	// The log never closes so only cancellation ends the stream
	src.Upsert("t", keys.Int(1), "v")
	err := c.Run(ctx, emitter)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotEqual(t, coordinator.StatusFailed, c.Status())
}

func newSource(rows int64) *connectorstest.MemorySource {
	src := connectorstest.NewMemorySource(nil)
	src.CreateTable(splits.Table{Name: "t"})
	src.Load("t", 1, rows, func(id int64) string { return fmt.Sprintf("v%d", id) })
	return src
}

func retries(n int) *int {
	return &n
}

func testConfig(mutate ...func(*config.Config)) *config.Config {
	cfg := &config.Config{
		Source:            config.SourceConfig{Driver: "memory", DSN: "memory"},
		Tables:            []config.TableConfig{{Name: "t"}},
		Split:             config.SplitConfig{ChunkSize: 1000},
		ConnectMaxRetries: retries(3),
	}
	for _, m := range mutate {
		m(cfg)
	}
	cfg.ApplyDefaults()
	return cfg
}

func newStore(dir string) *checkpoints.Store {
	return checkpoints.NewStore(checkpoints.NewStoreParams{Location: locations.NewLocalDirectory(dir)})
}

// recordLog collects records from concurrent workers.
type recordLog struct {
	mu      sync.Mutex
	records []splits.Record
}

func (l *recordLog) Emit(ctx context.Context, rec splits.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

// view applies the records in emission order to get the table contents.
func (l *recordLog) view() map[keys.Value]string {
	l.mu.Lock()
	defer l.mu.Unlock()

	view := make(map[keys.Value]string)
	for _, rec := range l.records {
		if rec.Op == splits.OpDelete {
			delete(view, rec.Key)
			continue
		}
		view[rec.Key] = string(rec.Value)
	}
	return view
}
