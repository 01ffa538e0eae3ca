// ABOUTME: Error values returned by the engine
// ABOUTME: RunFailure names the node that aborted a run

package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCheckpoint is returned by a Checkpointer for unknown sessions.
	ErrNoCheckpoint = errors.New("workflow: no checkpoint")

	// ErrInvalidInput is returned for a run without session or message.
	ErrInvalidInput = errors.New("workflow: session id and message are required")
)

// RunFailure aborts a run. The checkpoint holds the state after the last
// node that completed before Node.
type RunFailure struct {
	SessionID string
	Node      NodeID
	Err       error
}

func (f *RunFailure) Error() string {
	return fmt.Sprintf("workflow run for session %s failed in %s: %v", f.SessionID, f.Node, f.Err)
}

func (f *RunFailure) Unwrap() error { return f.Err }
