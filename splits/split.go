package splits

// StreamSplitID identifies the singleton streaming split.
const StreamSplitID = "stream"

// Split is a unit of assignable work: a *ChunkSplit or the *StreamSplit.
type Split interface {
	SplitID() string
	isSplit()
}

type ChunkSplit struct {
	Chunk Chunk
}

func (s *ChunkSplit) SplitID() string { return s.Chunk.ID }
func (s *ChunkSplit) isSplit()        {}

// StreamSplit reads the change log forward from StartPosition. FinishedChunks
// holds the watermarks used to drop events already merged by a chunk.
// StopPosition carries a stop point resolved by an earlier run.
type StreamSplit struct {
	StartPosition   Position
	FinishedChunks  []SplitState
	StopPosition    Position
	HasStopPosition bool
}

func (s *StreamSplit) SplitID() string { return StreamSplitID }
func (s *StreamSplit) isSplit()        {}

var (
	_ Split = (*ChunkSplit)(nil)
	_ Split = (*StreamSplit)(nil)
)
