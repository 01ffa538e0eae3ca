// ABOUTME: Conversation state, the Update values nodes return, and their merge rules
// ABOUTME: State is copied on every hand-off so snapshots never alias each other

package workflow

import "maps"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Step names the last completed node of a session.
type Step string

const (
	StepIdle     Step = "idle"
	StepRetrieve Step = "retrieve"
	StepThink    Step = "think"
	StepToolCall Step = "tool_call"
	StepGenerate Step = "generate"
	StepDone     Step = "done"
)

// Message is one entry of the conversation log.
type Message struct {
	Role     Role   `json:"role" cbor:"1,keyasint"`
	Content  string `json:"content" cbor:"2,keyasint"`
	ToolName string `json:"tool_name,omitempty" cbor:"3,keyasint,omitempty"`
}

// ToolCall is a tool invocation queued by the think step.
type ToolCall struct {
	ToolName  string         `json:"tool_name" cbor:"1,keyasint"`
	Arguments map[string]any `json:"arguments" cbor:"2,keyasint"`
}

// State is everything the engine knows about a session.
type State struct {
	SessionID        string            `json:"session_id" cbor:"1,keyasint"`
	Messages         []Message         `json:"messages" cbor:"2,keyasint"`
	Context          string            `json:"context" cbor:"3,keyasint"`
	CurrentStep      Step              `json:"current_step" cbor:"4,keyasint"`
	PendingToolCalls []ToolCall        `json:"pending_tool_calls,omitempty" cbor:"5,keyasint,omitempty"`
	ToolOutputs      map[string]string `json:"tool_outputs,omitempty" cbor:"6,keyasint,omitempty"`
	Turn             int               `json:"turn" cbor:"7,keyasint"`
}

// NewState returns the empty state of a session that has never run.
func NewState(sessionID string) State {
	return State{SessionID: sessionID, CurrentStep: StepIdle}
}

// Clone deep-copies slices and maps.
func (s State) Clone() State {
	out := s
	if s.Messages != nil {
		out.Messages = append([]Message(nil), s.Messages...)
	}
	if s.PendingToolCalls != nil {
		out.PendingToolCalls = make([]ToolCall, len(s.PendingToolCalls))
		for i, c := range s.PendingToolCalls {
			out.PendingToolCalls[i] = ToolCall{ToolName: c.ToolName, Arguments: maps.Clone(c.Arguments)}
		}
	}
	if s.ToolOutputs != nil {
		out.ToolOutputs = maps.Clone(s.ToolOutputs)
	}
	return out
}

// LastUserMessage returns the most recent user message, or "".
func (s State) LastUserMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i].Content
		}
	}
	return ""
}

// LastAssistantMessage returns the most recent assistant message, or "".
func (s State) LastAssistantMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			return s.Messages[i].Content
		}
	}
	return ""
}

// beginTurn appends the user message and resets per-turn fields.
func (s State) beginTurn(message string) State {
	out := s.Clone()
	out.Messages = append(out.Messages, Message{Role: RoleUser, Content: message})
	out.Context = ""
	out.CurrentStep = StepIdle
	out.PendingToolCalls = nil
	out.ToolOutputs = nil
	out.Turn++
	return out
}

// Update is a node's contribution. Nil fields leave the state unchanged;
// Messages are appended and ToolOutputs merged.
type Update struct {
	Messages         []Message         `json:"messages,omitempty"`
	Context          *string           `json:"context,omitempty"`
	CurrentStep      *Step             `json:"current_step,omitempty"`
	PendingToolCalls *[]ToolCall       `json:"pending_tool_calls,omitempty"`
	ToolOutputs      map[string]string `json:"tool_outputs,omitempty"`
}

// Apply returns a new State with u merged in. s is not modified.
func (s State) Apply(u Update) State {
	out := s.Clone()
	if len(u.Messages) > 0 {
		out.Messages = append(out.Messages, u.Messages...)
	}
	if u.Context != nil {
		out.Context = *u.Context
	}
	if u.CurrentStep != nil {
		out.CurrentStep = *u.CurrentStep
	}
	if u.PendingToolCalls != nil {
		out.PendingToolCalls = append([]ToolCall(nil), (*u.PendingToolCalls)...)
	}
	if len(u.ToolOutputs) > 0 {
		if out.ToolOutputs == nil {
			out.ToolOutputs = make(map[string]string, len(u.ToolOutputs))
		}
		maps.Copy(out.ToolOutputs, u.ToolOutputs)
	}
	return out
}

func ptr[T any](v T) *T { return &v }
