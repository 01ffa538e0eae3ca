// ABOUTME: Events emitted while a run executes, in strict order
// ABOUTME: node_entered, node_completed, checkpoint_failed, run_completed or run_failed

package workflow

import "time"

// EventType classifies an Event.
type EventType string

const (
	EventNodeEntered      EventType = "node_entered"
	EventNodeCompleted    EventType = "node_completed"
	EventCheckpointFailed EventType = "checkpoint_failed"
	EventRunCompleted     EventType = "run_completed"
	EventRunFailed        EventType = "run_failed"
)

// Event describes progress of a run. Update is set on node_completed;
// State on node_completed and run_completed; Error on checkpoint_failed
// and run_failed.
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
	SessionID string    `json:"session_id"`
	Node      NodeID    `json:"node,omitempty"`
	Update    *Update   `json:"update,omitempty"`
	State     *State    `json:"state,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`

	// Failure is the typed error behind a run_failed event.
	Failure *RunFailure `json:"-"`
}

// Terminal reports whether no further events follow.
func (e Event) Terminal() bool {
	return e.Type == EventRunCompleted || e.Type == EventRunFailed
}
