package coordinator

import (
	"fmt"
	"sync/atomic"
)

// Status represents the current state of a Coordinator's lifecycle
type Status uint32

const (
	// StatusInit indicates the coordinator has been created but not started
	StatusInit Status = iota

	// StatusSnapshotting indicates chunks are being read
	StatusSnapshotting

	// StatusStreaming indicates the stream split is running
	StatusStreaming

	// StatusFinished indicates the stream met its stop condition
	StatusFinished

	// StatusFailed indicates a fatal error halted the pipeline
	StatusFailed
)

// String returns a human-readable representation of the Status
func (s Status) String() string {
	switch s {
	case StatusInit:
		return "Init"
	case StatusSnapshotting:
		return "Snapshotting"
	case StatusStreaming:
		return "Streaming"
	case StatusFinished:
		return "Finished"
	case StatusFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// coordinatorStatus manages atomic status transitions for a Coordinator
type coordinatorStatus struct {
	status atomic.Uint32
}

func newCoordinatorStatus() *coordinatorStatus {
	s := &coordinatorStatus{}
	s.status.Store(uint32(StatusInit))
	return s
}

func (s *coordinatorStatus) Value() Status {
	return Status(s.status.Load())
}

func (s *coordinatorStatus) Set(value Status) {
	s.status.Store(uint32(value))
}

// Transition moves from one status to another and reports whether the
// current status was from.
func (s *coordinatorStatus) Transition(from, to Status) bool {
	return s.status.CompareAndSwap(uint32(from), uint32(to))
}

// String returns the string representation of the current status
func (s *coordinatorStatus) String() string {
	return Status(s.status.Load()).String()
}
