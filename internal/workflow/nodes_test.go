// ABOUTME: Tests for routing and the default nodes
// ABOUTME: Keyword trigger, tool execution against a fake tool source, generation

package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agent-gateway/internal/llm"
	"github.com/2389/agent-gateway/internal/mcp"
)

type fakeTools struct {
	tools   []mcp.ToolDescriptor
	callErr error
	isError bool

	mu    sync.Mutex
	calls []string
}

func (f *fakeTools) AllTools(context.Context) []mcp.ToolDescriptor { return f.tools }

func (f *fakeTools) CallTool(_ context.Context, owner, name string, args map[string]any) (*mcp.ToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, owner+"/"+name)
	f.mu.Unlock()
	if f.callErr != nil {
		return nil, f.callErr
	}
	q, _ := args["query"].(string)
	return &mcp.ToolResult{
		Content: []mcp.MCPContent{{Type: "text", Text: "3 results for " + q}},
		IsError: f.isError,
	}, nil
}

func (f *fakeTools) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func braveTools() *fakeTools {
	return &fakeTools{tools: []mcp.ToolDescriptor{
		{Name: "brave_web_search", Owner: "brave-search"},
		{Name: "brave_local_search", Owner: "brave-search"},
		{Name: "lookup_order", Owner: "java-service"},
	}}
}

func TestRoute(t *testing.T) {
	assert.Equal(t, NodeGenerate, Route(State{}))
	assert.Equal(t, NodeToolCall, Route(State{PendingToolCalls: []ToolCall{{ToolName: "x"}}}))
}

func TestNext(t *testing.T) {
	assert.Equal(t, NodeThink, next(NodeRetrieve, State{}))
	assert.Equal(t, NodeGenerate, next(NodeThink, State{}))
	assert.Equal(t, NodeGenerate, next(NodeToolCall, State{}))
	assert.Equal(t, NodeEnd, next(NodeGenerate, State{}))
}

func TestKeywordDecider(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"hello", false},
		{"please search for cats", true},
		{"SEARCH now", true},
		{"ReSearch papers", true},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			s := NewState("s").beginTurn(tt.msg)
			calls, err := KeywordDecider{}.Decide(context.Background(), s)
			require.NoError(t, err)
			if !tt.want {
				assert.Empty(t, calls)
				return
			}
			require.Len(t, calls, 1)
			assert.Equal(t, DefaultSearchTool, calls[0].ToolName)
			assert.Equal(t, tt.msg, calls[0].Arguments["query"])
		})
	}
}

func TestKeywordDecider_CustomTriggerAndTool(t *testing.T) {
	s := NewState("s").beginTurn("where is my order?")
	calls, err := KeywordDecider{Trigger: "order", ToolName: "lookup_order"}.Decide(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "lookup_order", calls[0].ToolName)
}

func TestRetrieveNode(t *testing.T) {
	s := NewState("s").beginTurn("hello")
	upd, err := retrieveNode(TemplateRetriever{})(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, "Retrieved context for: hello", *upd.Context)
}

func TestToolCallNode_ExecutesPendingCalls(t *testing.T) {
	tools := braveTools()
	s := State{
		Context:          "Retrieved context for: search cats",
		PendingToolCalls: []ToolCall{{ToolName: "brave_web_search", Arguments: map[string]any{"query": "search cats"}}},
	}

	upd, err := toolCallNode(tools, slog.Default())(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, []string{"brave-search/brave_web_search"}, tools.callLog())
	assert.Equal(t, "3 results for search cats", upd.ToolOutputs["brave_web_search"])
	require.Len(t, upd.Messages, 2)
	assert.Equal(t, RoleTool, upd.Messages[0].Role)
	assert.Equal(t, Message{Role: RoleAssistant, Content: "Executed tool. Available tools: 3"}, upd.Messages[1])
	assert.Contains(t, *upd.Context, "Retrieved context for: search cats")
	assert.Contains(t, *upd.Context, "brave_web_search: 3 results for search cats")
	assert.Empty(t, *upd.PendingToolCalls)
}

func TestToolCallNode_SkipsUnavailableTool(t *testing.T) {
	tools := &fakeTools{}
	s := State{PendingToolCalls: []ToolCall{{ToolName: "brave_web_search"}}}

	upd, err := toolCallNode(tools, slog.Default())(context.Background(), s)
	require.NoError(t, err)
	assert.Empty(t, tools.callLog())
	assert.Equal(t, "Executed tool. Available tools: 0", upd.Messages[len(upd.Messages)-1].Content)
	assert.Contains(t, *upd.Context, "brave_web_search: unavailable")
}

func TestToolCallNode_ToolLevelErrorIsRecorded(t *testing.T) {
	tools := braveTools()
	tools.isError = true
	s := State{PendingToolCalls: []ToolCall{{ToolName: "brave_web_search", Arguments: map[string]any{"query": "q"}}}}

	upd, err := toolCallNode(tools, slog.Default())(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, "error: 3 results for q", upd.ToolOutputs["brave_web_search"])
}

func TestToolCallNode_TransportErrorFails(t *testing.T) {
	tools := braveTools()
	tools.callErr = &mcp.TransportError{Client: "brave-search", Err: errors.New("broken pipe")}
	s := State{PendingToolCalls: []ToolCall{{ToolName: "brave_web_search"}}}

	_, err := toolCallNode(tools, slog.Default())(context.Background(), s)
	var transport *mcp.TransportError
	assert.True(t, errors.As(err, &transport))
}

func TestGenerateNode_UsesContext(t *testing.T) {
	s := State{Context: "Retrieved context for: hello", Messages: []Message{{Role: RoleUser, Content: "hello"}}}
	upd, err := generateNode(llm.NewTemplateProvider(), "")(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, upd.Messages, 1)
	assert.Equal(t, "Generated response based on: Retrieved context for: hello", upd.Messages[0].Content)
}
