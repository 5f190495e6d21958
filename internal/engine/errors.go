package engine

import (
	"errors"
	"fmt"
)

// NoCheckpointError means there is nothing to restore, which is the normal
// first-run case.
type NoCheckpointError struct {
	SessionID string
}

func (e *NoCheckpointError) Error() string {
	if e.SessionID == "" {
		return "engine: no checkpoint available"
	}
	return fmt.Sprintf("engine: no checkpoint for session %s", e.SessionID)
}

func IsNoCheckpoint(err error) bool {
	var nc *NoCheckpointError
	return errors.As(err, &nc)
}

// CheckpointWriteFailure is fatal to one checkpoint attempt only. The next
// scheduled attempt retries from a fresh snapshot.
type CheckpointWriteFailure struct {
	Err error
}

func (e *CheckpointWriteFailure) Error() string {
	return fmt.Sprintf("engine: checkpoint write failed: %v", e.Err)
}

func (e *CheckpointWriteFailure) Unwrap() error { return e.Err }

func IsCheckpointWriteFailure(err error) bool {
	var cw *CheckpointWriteFailure
	return errors.As(err, &cw)
}
