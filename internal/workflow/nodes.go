// ABOUTME: Node identifiers, routing, and the default retrieve/think/tool_call/generate nodes
// ABOUTME: Nodes are pure functions of State plus the collaborators injected into them

package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/agent-gateway/internal/llm"
	"github.com/2389/agent-gateway/internal/mcp"
)

// NodeID names a node of the graph.
type NodeID string

const (
	NodeStart    NodeID = "start" // before the first node; used for load failures
	NodeRetrieve NodeID = "retrieve"
	NodeThink    NodeID = "think"
	NodeToolCall NodeID = "tool_call"
	NodeGenerate NodeID = "generate"
	NodeEnd      NodeID = "end"
)

// Node executes one step. It must not retain s.
type Node func(ctx context.Context, s State) (Update, error)

// Route picks the node after think.
func Route(s State) NodeID {
	if len(s.PendingToolCalls) > 0 {
		return NodeToolCall
	}
	return NodeGenerate
}

// next is the fixed edge set of the graph.
func next(n NodeID, s State) NodeID {
	switch n {
	case NodeRetrieve:
		return NodeThink
	case NodeThink:
		return Route(s)
	case NodeToolCall:
		return NodeGenerate
	default:
		return NodeEnd
	}
}

func stepFor(n NodeID) Step {
	switch n {
	case NodeRetrieve:
		return StepRetrieve
	case NodeThink:
		return StepThink
	case NodeToolCall:
		return StepToolCall
	case NodeGenerate:
		return StepGenerate
	default:
		return StepIdle
	}
}

// Retriever supplies context for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string) (string, error)
}

// TemplateRetriever labels the query; no external knowledge base is consulted.
type TemplateRetriever struct{}

func (TemplateRetriever) Retrieve(_ context.Context, query string) (string, error) {
	return "Retrieved context for: " + query, nil
}

// Decider decides which tools the turn needs.
type Decider interface {
	Decide(ctx context.Context, s State) ([]ToolCall, error)
}

// KeywordDecider queues one call to ToolName when the latest user message
// contains Trigger, ignoring case. The message becomes the "query" argument.
type KeywordDecider struct {
	Trigger  string
	ToolName string
}

// DefaultSearchTool is the tool KeywordDecider calls when none is configured.
const DefaultSearchTool = "brave_web_search"

func (d KeywordDecider) Decide(_ context.Context, s State) ([]ToolCall, error) {
	trigger := d.Trigger
	if trigger == "" {
		trigger = "search"
	}
	tool := d.ToolName
	if tool == "" {
		tool = DefaultSearchTool
	}
	msg := s.LastUserMessage()
	if !strings.Contains(strings.ToLower(msg), strings.ToLower(trigger)) {
		return nil, nil
	}
	return []ToolCall{{ToolName: tool, Arguments: map[string]any{"query": msg}}}, nil
}

// ToolSource is the part of the tool registry the engine needs.
type ToolSource interface {
	AllTools(ctx context.Context) []mcp.ToolDescriptor
	CallTool(ctx context.Context, owner, name string, args map[string]any) (*mcp.ToolResult, error)
}

func retrieveNode(r Retriever) Node {
	return func(ctx context.Context, s State) (Update, error) {
		c, err := r.Retrieve(ctx, s.LastUserMessage())
		if err != nil {
			return Update{}, fmt.Errorf("retrieving context: %w", err)
		}
		return Update{Context: &c}, nil
	}
}

func thinkNode(d Decider) Node {
	return func(ctx context.Context, s State) (Update, error) {
		calls, err := d.Decide(ctx, s)
		if err != nil {
			return Update{}, fmt.Errorf("deciding next step: %w", err)
		}
		if calls == nil {
			calls = []ToolCall{}
		}
		return Update{PendingToolCalls: &calls}, nil
	}
}

// toolCallNode executes every pending call whose tool is currently listed.
// Calls to unlisted tools are skipped and noted in the context.
func toolCallNode(tools ToolSource, logger *slog.Logger) Node {
	return func(ctx context.Context, s State) (Update, error) {
		available := tools.AllTools(ctx)
		owners := make(map[string]string, len(available))
		for _, t := range available {
			if _, seen := owners[t.Name]; !seen {
				owners[t.Name] = t.Owner
			}
		}

		outputs := make(map[string]string)
		var msgs []Message
		var summary []string
		for _, call := range s.PendingToolCalls {
			owner, ok := owners[call.ToolName]
			if !ok {
				logger.Warn("requested tool is not available", "tool", call.ToolName, "available", len(available))
				summary = append(summary, call.ToolName+": unavailable")
				continue
			}
			res, err := tools.CallTool(ctx, owner, call.ToolName, call.Arguments)
			if err != nil {
				return Update{}, fmt.Errorf("calling %s on %s: %w", call.ToolName, owner, err)
			}
			text := res.Text()
			if res.IsError {
				text = "error: " + text
			}
			outputs[call.ToolName] = text
			msgs = append(msgs, Message{Role: RoleTool, Content: text, ToolName: call.ToolName})
			summary = append(summary, call.ToolName+": "+text)
		}

		msgs = append(msgs, Message{
			Role:    RoleAssistant,
			Content: fmt.Sprintf("Executed tool. Available tools: %d", len(available)),
		})

		newContext := s.Context
		if len(summary) > 0 {
			newContext += "\nTool results:\n" + strings.Join(summary, "\n")
		}
		cleared := []ToolCall{}
		return Update{
			Messages:         msgs,
			Context:          &newContext,
			PendingToolCalls: &cleared,
			ToolOutputs:      outputs,
		}, nil
	}
}

func generateNode(p llm.Provider, system string) Node {
	return func(ctx context.Context, s State) (Update, error) {
		history := make([]llm.Message, 0, len(s.Messages))
		for _, m := range s.Messages {
			history = append(history, llm.Message{Role: string(m.Role), Content: m.Content})
		}
		reply, err := p.Complete(ctx, llm.Request{
			System:   system,
			Context:  s.Context,
			Messages: history,
		})
		if err != nil {
			return Update{}, fmt.Errorf("generating reply: %w", err)
		}
		return Update{Messages: []Message{{Role: RoleAssistant, Content: reply}}}, nil
	}
}
