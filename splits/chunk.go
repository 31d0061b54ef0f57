package splits

import (
	"fmt"

	"reduction.dev/chunkcdc/keys"
)

// Position is a totally ordered offset in the change log. Watermarks are
// positions recorded around a chunk scan.
type Position uint64

// Chunk is a bounded key range of one table that is read as a unit.
type Chunk struct {
	ID    string
	Table string
	Range keys.Range
}

func ChunkID(table string, index int) string {
	return fmt.Sprintf("%s:%d", table, index)
}

func (c Chunk) String() string {
	return c.ID + " " + c.Range.String()
}

// Status is the lifecycle state of a chunk. It only moves forward.
type Status uint8

const (
	StatusPending Status = iota
	StatusAssigned
	StatusSnapshotDone
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusAssigned:
		return "ASSIGNED"
	case StatusSnapshotDone:
		return "SNAPSHOT_DONE"
	default:
		return fmt.Sprintf("Status(%d)", s)
	}
}

// SplitState tracks a chunk's status and its watermarks once recorded.
type SplitState struct {
	Chunk         Chunk
	Status        Status
	LowWatermark  Position
	HighWatermark Position
}
