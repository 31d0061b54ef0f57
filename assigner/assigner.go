// Package assigner owns the state of every chunk and the stream split. All
// calls are serialized so that no chunk is ever handed to two workers.
package assigner

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"reduction.dev/chunkcdc/splits"
)

var (
	// ErrAwaitingChunks means no chunk is pending but some are still being
	// read, so the stream split cannot be issued yet.
	ErrAwaitingChunks = errors.New("waiting for assigned chunks to finish")

	// ErrNoMoreSplits means every split, including the stream, was issued.
	ErrNoMoreSplits = errors.New("no more splits")

	ErrInvalidWatermarks = errors.New("low watermark is above high watermark")
)

// DuplicateCompletionError reports a completion for a chunk that was not
// assigned, which means two workers processed the same chunk.
type DuplicateCompletionError struct {
	ChunkID string
	Known   bool
	Status  splits.Status
}

func (e *DuplicateCompletionError) Error() string {
	if !e.Known {
		return fmt.Sprintf("completion reported for unknown chunk %s", e.ChunkID)
	}
	return fmt.Sprintf("completion reported for chunk %s in status %s", e.ChunkID, e.Status)
}

type Assigner struct {
	states []splits.SplitState
	index  map[string]int

	// streamIssued is persisted and means the stream has been started at some
	// point. streamHandedOut only covers this process.
	streamIssued      bool
	streamHandedOut   bool
	streamPosition    splits.Position
	hasStreamPosition bool
	stopPosition      splits.Position
	hasStopPosition   bool

	mu  sync.Mutex
	log *slog.Logger
}

func New(chunks []splits.Chunk, logger *slog.Logger) *Assigner {
	if logger == nil {
		logger = slog.With("instanceID", "assigner")
	}
	a := &Assigner{log: logger}
	a.reset(len(chunks))
	for _, c := range chunks {
		a.add(splits.SplitState{Chunk: c, Status: splits.StatusPending})
	}
	return a
}

// Restore rebuilds an assigner from a persisted progress record. Chunks that
// were assigned when the record was written are read again from scratch.
func Restore(p *splits.Progress, logger *slog.Logger) (*Assigner, error) {
	a := New(nil, logger)
	a.reset(len(p.Splits))
	for _, s := range p.Clone().Splits {
		if _, ok := a.index[s.Chunk.ID]; ok {
			return nil, fmt.Errorf("progress has duplicate chunk %s", s.Chunk.ID)
		}
		if s.Status == splits.StatusAssigned {
			s.Status = splits.StatusPending
			s.LowWatermark, s.HighWatermark = 0, 0
		}
		a.add(s)
	}
	a.streamIssued = p.StreamIssued
	a.streamPosition = p.StreamPosition
	a.hasStreamPosition = p.HasStreamPosition
	a.stopPosition = p.StopPosition
	a.hasStopPosition = p.HasStopPosition

	summary := a.Summary()
	a.log.Info("restored split state",
		"pending", summary.Pending,
		"done", summary.Done,
		"streamIssued", summary.StreamIssued)
	return a, nil
}

// RequestNextSplit returns a pending chunk, or the stream split once every
// chunk is done. The stream split is returned once.
func (a *Assigner) RequestNextSplit(workerID string) (splits.Split, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	assigned := 0
	for i := range a.states {
		switch a.states[i].Status {
		case splits.StatusPending:
			a.states[i].Status = splits.StatusAssigned
			a.log.Debug("assigned chunk", "chunk", a.states[i].Chunk.ID, "worker", workerID)
			return &splits.ChunkSplit{Chunk: cloneChunk(a.states[i].Chunk)}, nil
		case splits.StatusAssigned:
			assigned++
		}
	}
	if assigned > 0 {
		return nil, ErrAwaitingChunks
	}
	if a.streamHandedOut {
		return nil, ErrNoMoreSplits
	}

	a.streamHandedOut = true
	a.streamIssued = true
	split := &splits.StreamSplit{
		StartPosition:   a.streamStartLocked(),
		StopPosition:    a.stopPosition,
		HasStopPosition: a.hasStopPosition,
	}
	for _, s := range a.states {
		split.FinishedChunks = append(split.FinishedChunks, cloneState(s))
	}
	a.log.Info("issued stream split", "worker", workerID, "start", split.StartPosition)
	return split, nil
}

// ReportChunkFinished marks an assigned chunk as done with the log positions
// observed before and after its scan.
func (a *Assigner) ReportChunkFinished(chunkID string, low, high splits.Position) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	i, ok := a.index[chunkID]
	if !ok {
		return &DuplicateCompletionError{ChunkID: chunkID}
	}
	s := &a.states[i]
	if s.Status != splits.StatusAssigned {
		return &DuplicateCompletionError{ChunkID: chunkID, Known: true, Status: s.Status}
	}
	if low > high {
		return fmt.Errorf("chunk %s (low %d, high %d): %w", chunkID, low, high, ErrInvalidWatermarks)
	}

	s.Status = splits.StatusSnapshotDone
	s.LowWatermark = low
	s.HighWatermark = high
	a.log.Debug("chunk finished", "chunk", chunkID, "low", low, "high", high)
	return nil
}

// GlobalLowWatermark is the lowest low watermark recorded by a finished
// chunk. ok is false until a chunk finishes.
func (a *Assigner) GlobalLowWatermark() (splits.Position, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return splits.GlobalLowWatermark(a.states)
}

// UpdateStreamPosition records the position the stream has emitted through.
// Positions never move backwards.
func (a *Assigner) UpdateStreamPosition(pos splits.Position) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.hasStreamPosition && pos <= a.streamPosition {
		return
	}
	a.streamPosition = pos
	a.hasStreamPosition = true
}

// RecordStopPosition keeps the first stop position resolved by the stream so a
// restart stops at the same point. Later calls are ignored.
func (a *Assigner) RecordStopPosition(pos splits.Position) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.hasStopPosition {
		return
	}
	a.stopPosition = pos
	a.hasStopPosition = true
}

// StreamStart is the position the stream split reads after: the persisted
// stream position, never below the global low watermark.
func (a *Assigner) StreamStart() splits.Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.streamStartLocked()
}

// Progress returns a copy of the state for checkpointing.
func (a *Assigner) Progress() *splits.Progress {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := &splits.Progress{
		Splits:            make([]splits.SplitState, len(a.states)),
		StreamIssued:      a.streamIssued,
		StreamPosition:    a.streamPosition,
		HasStreamPosition: a.hasStreamPosition,
		StopPosition:      a.stopPosition,
		HasStopPosition:   a.hasStopPosition,
	}
	for i, s := range a.states {
		p.Splits[i] = cloneState(s)
	}
	return p
}

type Summary struct {
	Pending      int
	Assigned     int
	Done         int
	StreamIssued bool
}

func (a *Assigner) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	var s Summary
	for _, st := range a.states {
		switch st.Status {
		case splits.StatusPending:
			s.Pending++
		case splits.StatusAssigned:
			s.Assigned++
		case splits.StatusSnapshotDone:
			s.Done++
		}
	}
	s.StreamIssued = a.streamIssued
	return s
}

func (a *Assigner) streamStartLocked() splits.Position {
	p := splits.Progress{
		Splits:            a.states,
		StreamPosition:    a.streamPosition,
		HasStreamPosition: a.hasStreamPosition,
	}
	return p.StreamStart()
}

func (a *Assigner) reset(size int) {
	a.states = make([]splits.SplitState, 0, size)
	a.index = make(map[string]int, size)
}

func (a *Assigner) add(s splits.SplitState) {
	a.index[s.Chunk.ID] = len(a.states)
	a.states = append(a.states, s)
}

func cloneState(s splits.SplitState) splits.SplitState {
	s.Chunk = cloneChunk(s.Chunk)
	return s
}

func cloneChunk(c splits.Chunk) splits.Chunk {
	c.Range = c.Range.Clone()
	return c
}
