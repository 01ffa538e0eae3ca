// ABOUTME: Provider interface and request types shared by every completion backend
// ABOUTME: Requests carry retrieved context separately from the conversation turns

package llm

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrUnknownProvider is returned by New for unsupported provider names.
	ErrUnknownProvider = errors.New("llm: unknown provider")

	// ErrEmptyResponse is returned when a backend answers without text.
	ErrEmptyResponse = errors.New("llm: empty response")
)

// Roles accepted in Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a completion request.
type Request struct {
	// System is an optional instruction placed ahead of the conversation.
	System string
	// Context is retrieved or tool-derived material the reply should draw on.
	Context  string
	Messages []Message
}

// Provider produces a reply for a request.
type Provider interface {
	Name() string
	Model() string
	Complete(ctx context.Context, req Request) (string, error)
}

// systemPrompt merges the instruction and context into one system message.
func systemPrompt(req Request) string {
	var parts []string
	if s := strings.TrimSpace(req.System); s != "" {
		parts = append(parts, s)
	}
	if c := strings.TrimSpace(req.Context); c != "" {
		parts = append(parts, "Use the following context to answer:\n"+c)
	}
	return strings.Join(parts, "\n\n")
}

// conversation drops turns a chat API would reject.
func conversation(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case RoleUser, RoleAssistant:
			out = append(out, m)
		}
	}
	return out
}
