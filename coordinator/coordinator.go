// Package coordinator drives an incremental snapshot: it plans chunks,
// hands splits to workers, reads chunks with bounded retries, runs the
// stream after the snapshot and persists progress.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
	"reduction.dev/chunkcdc/assigner"
	"reduction.dev/chunkcdc/chunkreader"
	"reduction.dev/chunkcdc/clocks"
	"reduction.dev/chunkcdc/config"
	"reduction.dev/chunkcdc/connectors"
	"reduction.dev/chunkcdc/splits"
	"reduction.dev/chunkcdc/splitter"
	"reduction.dev/chunkcdc/storage/checkpoints"
	"reduction.dev/chunkcdc/streamreader"
	"reduction.dev/chunkcdc/telemetry"
)

// checkpointRetryDelay replaces the checkpoint interval after a periodic
// checkpoint fails.
const checkpointRetryDelay = 5 * time.Second

type Coordinator struct {
	config       *config.Config
	source       connectors.Source
	store        *checkpoints.Store
	clock        clocks.Clock
	retryBase    time.Duration
	log          *slog.Logger
	status       *coordinatorStatus
	assigner     *assigner.Assigner
	tables       map[string]splits.Table
	chunkReader  *chunkreader.Reader
	streamReader *streamreader.Reader
	checkpointMu sync.Mutex
}

type Params struct {
	Config *config.Config
	Source connectors.Source

	// Store persists progress. Without a store nothing survives a restart.
	Store *checkpoints.Store
	Clock clocks.Clock

	// RetryBase is the first backoff delay between chunk read attempts.
	RetryBase time.Duration
	Logger    *slog.Logger
}

func New(params Params) *Coordinator {
	// Default to system clock
	if params.Clock == nil {
		params.Clock = clocks.NewSystemClock()
	}

	// Default chunk retry backoff to 500ms
	if params.RetryBase == 0 {
		params.RetryBase = 500 * time.Millisecond
	}

	// Provide default logger
	if params.Logger == nil {
		params.Logger = slog.With("instanceID", "coordinator")
	}

	return &Coordinator{
		config:    params.Config,
		source:    params.Source,
		store:     params.Store,
		clock:     params.Clock,
		retryBase: params.RetryBase,
		log:       params.Logger,
		status:    newCoordinatorStatus(),
	}
}

// Start restores progress from the latest checkpoint or plans a new capture
// according to the startup mode. Tables that cannot be split and streams that
// would start before the log's retention fail here, before any reading.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.status.Value() != StatusInit {
		return fmt.Errorf("cannot start coordinator in status %s", c.status)
	}
	if err := c.start(ctx); err != nil {
		c.status.Set(StatusFailed)
		return err
	}
	c.status.Set(StatusSnapshotting)
	return nil
}

func (c *Coordinator) start(ctx context.Context) error {
	c.log.Info("starting", "tables", c.config.TableNames(), "startup", c.config.Startup.Mode)

	c.tables = make(map[string]splits.Table, len(c.config.Tables))
	for _, tc := range c.config.Tables {
		table, err := c.source.DescribeTable(ctx, tc.Name)
		if err != nil {
			return fmt.Errorf("describing table %s: %w", tc.Name, err)
		}
		table.SplitColumn, err = splitter.ChooseSplitColumn(table, tc.SplitColumn)
		if err != nil {
			return err
		}
		c.tables[tc.Name] = table
	}

	var ckpt *checkpoints.Checkpoint
	if c.store != nil {
		var err error
		if ckpt, err = c.store.LoadLatest(ctx); err != nil {
			return fmt.Errorf("loading checkpoint: %w", err)
		}
	}

	var err error
	if ckpt != nil {
		err = c.restore(ckpt)
	} else {
		err = c.plan(ctx)
	}
	if err != nil {
		return err
	}

	if err := c.checkRetention(ctx); err != nil {
		return err
	}

	c.chunkReader = chunkreader.New(chunkreader.Params{
		Scanner:     c.source,
		Log:         c.source,
		ExactlyOnce: c.config.ExactlyOnceEnabled(),
		Logger:      c.log.With("instanceID", "chunkreader"),
	})
	c.streamReader = streamreader.New(streamreader.Params{
		Log:         c.source,
		Tracker:     c.assigner,
		Stop:        c.config.StopCondition(),
		Tables:      c.config.TableNames(),
		ExactlyOnce: c.config.ExactlyOnceEnabled(),
		Logger:      c.log.With("instanceID", "streamreader"),
	})

	summary := c.assigner.Summary()
	c.log.Info("started",
		"pending", summary.Pending,
		"done", summary.Done,
		"streamStart", c.assigner.StreamStart())
	return nil
}

func (c *Coordinator) restore(ckpt *checkpoints.Checkpoint) error {
	for _, s := range ckpt.Progress.Splits {
		if _, ok := c.tables[s.Chunk.Table]; !ok {
			return fmt.Errorf("checkpoint %d has chunks of table %s which is not configured", ckpt.ID, s.Chunk.Table)
		}
	}
	if c.config.Startup.Mode == config.StartupInitial {
		for name := range c.tables {
			if !slices.ContainsFunc(ckpt.Progress.Splits, func(s splits.SplitState) bool { return s.Chunk.Table == name }) {
				return fmt.Errorf("table %s is not in checkpoint %d, a new snapshot is required", name, ckpt.ID)
			}
		}
	}

	a, err := assigner.Restore(ckpt.Progress, c.log.With("instanceID", "assigner"))
	if err != nil {
		return fmt.Errorf("restoring checkpoint %d: %w", ckpt.ID, err)
	}
	c.assigner = a
	c.log.Info("restored checkpoint", "id", ckpt.ID, "uri", ckpt.URI)
	return nil
}

func (c *Coordinator) plan(ctx context.Context) error {
	if c.config.Startup.Mode == config.StartupInitial {
		s := splitter.New(c.source, c.config.SplitOptions(), c.log.With("instanceID", "splitter"))
		var chunks []splits.Chunk
		for _, tc := range c.config.Tables {
			plan, err := s.Split(ctx, c.tables[tc.Name])
			if err != nil {
				return err
			}
			chunks = append(chunks, plan.Chunks...)
		}
		c.assigner = assigner.New(chunks, c.log.With("instanceID", "assigner"))
		return nil
	}

	pos, err := c.startupPosition(ctx)
	if err != nil {
		return err
	}
	c.assigner = assigner.New(nil, c.log.With("instanceID", "assigner"))
	c.assigner.UpdateStreamPosition(pos)
	return nil
}

// startupPosition resolves the position the stream reads after when no
// snapshot is taken.
func (c *Coordinator) startupPosition(ctx context.Context) (splits.Position, error) {
	startup := c.config.Startup
	switch startup.Mode {
	case config.StartupEarliest:
		return c.source.EarliestPosition(ctx)
	case config.StartupLatest:
		return c.source.CurrentPosition(ctx)
	case config.StartupSpecific:
		return startup.Position, nil
	case config.StartupTimestamp:
		return c.source.PositionForTime(ctx, startup.Timestamp)
	default:
		return 0, fmt.Errorf("unknown startup mode %q", startup.Mode)
	}
}

// checkRetention fails when the stream would start at a position the log no
// longer holds. A capture that has not read anything yet cannot have a gap.
func (c *Coordinator) checkRetention(ctx context.Context) error {
	p := c.assigner.Progress()
	summary := c.assigner.Summary()
	if !p.HasStreamPosition && summary.Done == 0 {
		return nil
	}

	earliest, err := c.source.EarliestPosition(ctx)
	if err != nil {
		return fmt.Errorf("reading earliest log position: %w", err)
	}
	if start := c.assigner.StreamStart(); start < earliest {
		return &streamreader.StreamGapError{Start: start, Earliest: earliest}
	}
	return nil
}

// NextSplit hands out the next split for a worker. See
// assigner.RequestNextSplit.
func (c *Coordinator) NextSplit(workerID string) (splits.Split, error) {
	if c.assigner == nil {
		return nil, errors.New("coordinator not started")
	}
	return c.assigner.RequestNextSplit(workerID)
}

// RunSplit processes a split obtained from NextSplit. Chunk reads are retried
// with exponential backoff up to the configured connect max retries.
func (c *Coordinator) RunSplit(ctx context.Context, split splits.Split, emitter connectors.Emitter) error {
	switch s := split.(type) {
	case *splits.ChunkSplit:
		return c.runChunk(ctx, s.Chunk, emitter)
	case *splits.StreamSplit:
		c.status.Transition(StatusSnapshotting, StatusStreaming)
		return c.streamReader.Run(ctx, s, emitter)
	default:
		return fmt.Errorf("unknown split type %T", split)
	}
}

func (c *Coordinator) runChunk(ctx context.Context, chunk splits.Chunk, emitter connectors.Emitter) error {
	table, ok := c.tables[chunk.Table]
	if !ok {
		return fmt.Errorf("chunk %s belongs to unknown table %s", chunk.ID, chunk.Table)
	}

	attempt := 0
	var result chunkreader.Result
	backoff := retry.WithMaxRetries(uint64(c.config.MaxRetries()), retry.NewExponential(c.retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		res, err := c.chunkReader.Read(ctx, table, chunk, emitter)
		if err != nil {
			if connectors.IsRetryable(err) {
				telemetry.ChunkRetries.WithLabelValues(chunk.Table).Inc()
				c.log.Warn("chunk read failed", "chunk", chunk.ID, "attempt", attempt, "err", err)
				return retry.RetryableError(err)
			}
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return fmt.Errorf("reading chunk %s failed after %d attempts: %w", chunk.ID, attempt, err)
	}

	if err := c.assigner.ReportChunkFinished(chunk.ID, result.LowWatermark, result.HighWatermark); err != nil {
		return err
	}
	telemetry.ChunksCompleted.WithLabelValues(chunk.Table).Inc()
	return nil
}

// Checkpoint persists the current progress under id. IDs must increase.
func (c *Coordinator) Checkpoint(ctx context.Context, id uint64) error {
	if c.store == nil {
		return errors.New("no checkpoint store configured")
	}

	c.checkpointMu.Lock()
	defer c.checkpointMu.Unlock()
	return c.saveLocked(ctx, id)
}

// checkpointNext persists progress under the next unused ID.
func (c *Coordinator) checkpointNext(ctx context.Context) error {
	if c.store == nil {
		return nil
	}

	c.checkpointMu.Lock()
	defer c.checkpointMu.Unlock()
	return c.saveLocked(ctx, c.store.LastID()+1)
}

func (c *Coordinator) saveLocked(ctx context.Context, id uint64) error {
	if c.assigner == nil {
		return errors.New("coordinator not started")
	}
	progress := c.assigner.Progress()
	if _, err := c.store.Save(ctx, id, progress); err != nil {
		return err
	}
	if c.config.Checkpoint.TrimLog {
		c.trimLog(ctx, progress.StreamStart())
	}
	return nil
}

// trimLog drops log events a restore from a saved checkpoint never reads. A
// failed trim only delays log cleanup, so it does not fail the checkpoint.
func (c *Coordinator) trimLog(ctx context.Context, upTo splits.Position) {
	trimmer, ok := c.source.(connectors.LogTrimmer)
	if !ok || upTo == 0 {
		return
	}
	n, err := trimmer.Trim(ctx, upTo)
	if err != nil {
		c.log.Warn("trimming change log failed", "upTo", upTo, "err", err)
		return
	}
	c.log.Debug("trimmed change log", "upTo", upTo, "events", n)
}

// Run is a complete host for the coordinator: it reads every chunk with
// WorkerCount concurrent workers, then runs the stream until its stop
// condition. The emitter is called concurrently by the workers.
func (c *Coordinator) Run(ctx context.Context, emitter connectors.Emitter) (err error) {
	if c.status.Value() == StatusInit {
		if err := c.Start(ctx); err != nil {
			return err
		}
	}

	stopTicker := func() {}
	if c.store != nil && c.config.Checkpoint.Interval > 0 {
		ticker := c.clock.Every(ctx, c.config.Checkpoint.Interval, "checkpointing", func(ctx context.Context) time.Duration {
			if err := c.checkpointNext(ctx); err != nil {
				c.log.Error("periodic checkpoint failed", "err", err)
				return checkpointRetryDelay
			}
			return 0
		})
		stopTicker = ticker.Stop
	}

	defer func() {
		stopTicker()
		if err != nil && !errors.Is(err, context.Canceled) {
			c.status.Set(StatusFailed)
			c.log.Error("failed", "err", err)
			return
		}

		// Keep the progress made so far when stopping or finishing
		if ckptErr := c.checkpointNext(context.WithoutCancel(ctx)); ckptErr != nil {
			c.log.Error("final checkpoint failed", "err", ckptErr)
			err = errors.Join(err, ckptErr)
		}
		if err == nil {
			c.status.Set(StatusFinished)
			c.log.Info("finished", "streamPosition", c.assigner.Progress().StreamPosition)
		}
	}()

	stream, err := c.runSnapshot(ctx, emitter)
	if err != nil {
		return err
	}
	if stream == nil {
		c.log.Info("stream split already issued")
		return nil
	}
	return c.RunSplit(ctx, stream, emitter)
}

// runSnapshot reads chunks until none are left and returns the stream split.
func (c *Coordinator) runSnapshot(ctx context.Context, emitter connectors.Emitter) (*splits.StreamSplit, error) {
	var (
		stream   *splits.StreamSplit
		streamMu sync.Mutex
	)

	eg, gctx := errgroup.WithContext(ctx)
	for range c.config.WorkerCount {
		workerID := ksuid.New().String()
		eg.Go(func() error {
			for {
				split, err := c.NextSplit(workerID)
				if errors.Is(err, assigner.ErrAwaitingChunks) || errors.Is(err, assigner.ErrNoMoreSplits) {
					return nil
				}
				if err != nil {
					return err
				}

				if s, ok := split.(*splits.StreamSplit); ok {
					streamMu.Lock()
					stream = s
					streamMu.Unlock()
					return nil
				}
				if err := c.RunSplit(gctx, split, emitter); err != nil {
					return err
				}
			}
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The worker finishing the last chunk normally receives the stream
	if stream == nil {
		split, err := c.NextSplit("coordinator")
		if errors.Is(err, assigner.ErrNoMoreSplits) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		s, ok := split.(*splits.StreamSplit)
		if !ok {
			return nil, fmt.Errorf("expected the stream split but got %s", split.SplitID())
		}
		stream = s
	}

	summary := c.assigner.Summary()
	c.log.Info("snapshot complete", "chunks", summary.Done)
	return stream, nil
}

// Status is the coordinator's lifecycle state.
func (c *Coordinator) Status() Status {
	return c.status.Value()
}

// Progress returns a copy of the current progress.
func (c *Coordinator) Progress() *splits.Progress {
	if c.assigner == nil {
		return nil
	}
	return c.assigner.Progress()
}
