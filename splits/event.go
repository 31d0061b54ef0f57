package splits

import (
	"time"

	"reduction.dev/chunkcdc/keys"
)

type Op uint8

const (
	OpUpsert Op = iota
	OpDelete
)

func (o Op) String() string {
	if o == OpDelete {
		return "delete"
	}
	return "upsert"
}

// ChangeEvent is a row mutation read from the change log.
type ChangeEvent struct {
	Table     string
	Key       keys.Value
	Op        Op
	Value     []byte // nil for deletes
	Position  Position
	Timestamp time.Time
}

// Phase tells whether a record came from a chunk scan or the stream.
type Phase uint8

const (
	PhaseSnapshot Phase = iota
	PhaseStream
)

func (p Phase) String() string {
	if p == PhaseStream {
		return "stream"
	}
	return "snapshot"
}

// Record is one row of output. A record with OpDelete is a retraction.
type Record struct {
	Table    string
	Key      keys.Value
	Op       Op
	Value    []byte
	Position Position
	Phase    Phase
}

// RecordFromEvent converts a change event into an output record.
func RecordFromEvent(e ChangeEvent, phase Phase) Record {
	return Record{
		Table:    e.Table,
		Key:      e.Key,
		Op:       e.Op,
		Value:    e.Value,
		Position: e.Position,
		Phase:    phase,
	}
}
