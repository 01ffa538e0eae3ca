// ABOUTME: Tests for providers, the factory and the swappable holder
// ABOUTME: The OpenAI adapter is exercised against an httptest chat completions endpoint

package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateProvider(t *testing.T) {
	p := NewTemplateProvider()
	got, err := p.Complete(context.Background(), Request{Context: "Retrieved context for: hello"})
	require.NoError(t, err)
	assert.Equal(t, "Generated response based on: Retrieved context for: hello", got)
}

func TestNew_ProviderSelection(t *testing.T) {
	tests := []struct {
		provider string
		want     string
	}{
		{"", ProviderTemplate},
		{"template", ProviderTemplate},
		{"openai", ProviderOpenAI},
		{"GPT", ProviderOpenAI},
		{"gemini", ProviderGemini},
		{"google", ProviderGemini},
		{"anthropic", ProviderAnthropic},
		{"Claude", ProviderAnthropic},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			p, err := New(context.Background(), Config{Provider: tt.provider, APIKey: "test-key"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Name())
			assert.Equal(t, DefaultModel(tt.want), p.Model())
		})
	}
}

func TestNew_UnknownProvider(t *testing.T) {
	_, err := New(context.Background(), Config{Provider: "llama-local"})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestSystemPrompt(t *testing.T) {
	assert.Equal(t, "", systemPrompt(Request{}))
	assert.Equal(t, "Be brief.\n\nUse the following context to answer:\nfacts",
		systemPrompt(Request{System: "Be brief.", Context: "facts"}))
}

func TestConversation_DropsToolAndEmptyTurns(t *testing.T) {
	got := conversation([]Message{
		{Role: RoleUser, Content: "hi"},
		{Role: "tool", Content: "raw output"},
		{Role: RoleAssistant, Content: ""},
		{Role: RoleAssistant, Content: "hello"},
	})
	assert.Equal(t, []Message{{Role: RoleUser, Content: "hi"}, {Role: RoleAssistant, Content: "hello"}}, got)
}

func TestOpenAIProvider_Complete(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Cats are great."}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 4, "total_tokens": 14}
		}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("sk-test", srv.URL+"/v1", "gpt-4o-mini", 256, 0.2)
	got, err := p.Complete(context.Background(), Request{
		Context:  "cats are mammals",
		Messages: []Message{{Role: RoleUser, Content: "tell me about cats"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Cats are great.", got)

	assert.Equal(t, "gpt-4o-mini", gotBody["model"])
	msgs, ok := gotBody["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	first, _ := msgs[0].(map[string]any)
	assert.Equal(t, "system", first["role"])
	assert.Contains(t, first["content"], "cats are mammals")
}

func TestOpenAIProvider_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("sk-test", srv.URL+"/v1", "m", 16, 0.1)
	_, err := p.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestHolder_ReconfigureSwapsProvider(t *testing.T) {
	h, err := NewHolder(context.Background(), Config{Provider: "template"}, nil)
	require.NoError(t, err)
	assert.Equal(t, ProviderTemplate, h.Name())

	require.NoError(t, h.Reconfigure(context.Background(), Config{Provider: "openai", BaseURL: "http://127.0.0.1:9/v1", Model: "gpt-x", APIKey: "k"}))
	assert.Equal(t, ProviderOpenAI, h.Name())
	assert.Equal(t, "gpt-x", h.Model())
	assert.Equal(t, "http://127.0.0.1:9/v1", h.Config().BaseURL)
}

func TestHolder_ReconfigureKeepsProviderOnError(t *testing.T) {
	h, err := NewHolder(context.Background(), Config{Provider: "template"}, nil)
	require.NoError(t, err)

	err = h.Reconfigure(context.Background(), Config{Provider: "mystery"})
	assert.ErrorIs(t, err, ErrUnknownProvider)
	assert.Equal(t, ProviderTemplate, h.Name())

	got, err := h.Complete(context.Background(), Request{Context: "c"})
	require.NoError(t, err)
	assert.Equal(t, "Generated response based on: c", got)
}

func TestHolder_ReconfigureCarriesCredentials(t *testing.T) {
	h, err := NewHolder(context.Background(), Config{Provider: "openai", APIKey: "sk-keep", MaxTokens: 99}, nil)
	require.NoError(t, err)

	require.NoError(t, h.Reconfigure(context.Background(), Config{Provider: "openai", Model: "gpt-y"}))
	cfg := h.Config()
	assert.Equal(t, "sk-keep", cfg.APIKey)
	assert.Equal(t, 99, cfg.MaxTokens)
}

func TestNewHolder_UnknownProvider(t *testing.T) {
	_, err := NewHolder(context.Background(), Config{Provider: "nope"}, nil)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}
