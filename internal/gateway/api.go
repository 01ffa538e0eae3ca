// ABOUTME: HTTP API handlers: streaming and sync chat, tools, history, event streams, health
// ABOUTME: Chat streams are SSE data frames ending in [DONE]; errors end the stream instead

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/agent-gateway/internal/conversation"
	"github.com/2389/agent-gateway/internal/mcp"
	"github.com/2389/agent-gateway/internal/pool"
	"github.com/2389/agent-gateway/internal/workflow"
)

// maxChatBody bounds chat request bodies.
const maxChatBody = 1 << 20

// ChatRequest is the JSON body of the chat endpoints.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// ReadyResponse is the JSON body of GET /health/ready.
type ReadyResponse struct {
	Status      string     `json:"status"`
	Draining    bool       `json:"draining"`
	ToolClients int        `json:"tool_clients"`
	Pool        pool.Stats `json:"pool"`
	Provider    string     `json:"provider"`
	Model       string     `json:"model"`
}

// ToolsResponse is the JSON body of GET /api/tools.
type ToolsResponse struct {
	Clients []string             `json:"clients"`
	Tools   []mcp.ToolDescriptor `json:"tools"`
}

// MessageResponse is one stored history row.
type MessageResponse struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// HistoryResponse is the JSON body of GET /api/sessions/{id}/history.
type HistoryResponse struct {
	SessionID string            `json:"session_id"`
	Messages  []MessageResponse `json:"messages"`
}

func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	mux.HandleFunc("POST /rest/dark/v1/agent/chat", g.handleChatStream)
	mux.HandleFunc("POST /api/chat", g.handleChatStream)
	mux.HandleFunc("POST /chat", g.handleChatSync)
	mux.HandleFunc("POST /api/chat/sync", g.handleChatSync)

	mux.HandleFunc("GET /api/tools", g.handleListTools)
	mux.HandleFunc("GET /api/sessions/{id}/history", g.handleHistory)
	mux.HandleFunc("GET /api/sessions/{id}/state", g.handleState)
	mux.HandleFunc("GET /api/sessions/{id}/events", g.handleSessionEvents)

	g.mcpServer.RegisterRoutes(mux)
}

// handleChatStream runs one turn and streams the reply as SSE.
func (g *Gateway) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if g.draining.Load() {
		g.sendJSONError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	req, err := parseChatRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	chunks, err := g.conversation.Chat(r.Context(), req.SessionID, req.Message)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, conversation.ErrInvalidRequest) {
			status = http.StatusBadRequest
		}
		g.sendJSONError(w, status, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range chunks {
		switch {
		case chunk.Err != nil:
			g.logger.Error("chat stream failed", "session_id", req.SessionID, "error", chunk.Err)
			g.writeSSEData(w, map[string]string{"error": chunk.Err.Error()})
			flusher.Flush()
			return
		case chunk.Warning != "":
			g.writeSSEData(w, map[string]string{"warning": chunk.Warning})
		default:
			g.writeSSEData(w, map[string]string{"content": chunk.Content})
		}
		flusher.Flush()
	}

	if r.Context().Err() != nil {
		return
	}
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// handleChatSync runs one turn and returns the reply with the final state.
func (g *Gateway) handleChatSync(w http.ResponseWriter, r *http.Request) {
	if g.draining.Load() {
		g.sendJSONError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	var req ChatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxChatBody)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := g.conversation.ChatSync(r.Context(), req.SessionID, req.Message)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, conversation.ErrInvalidRequest) {
			status = http.StatusBadRequest
		}
		g.logger.Error("chat failed", "session_id", req.SessionID, "error", err)
		g.sendJSONError(w, status, err.Error())
		return
	}
	g.sendJSON(w, http.StatusOK, res)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports 503 once shutdown has begun.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{
		Status:      "ready",
		Draining:    g.draining.Load(),
		ToolClients: g.registry.Len(),
		Pool:        g.checkpoints.Stats(),
		Provider:    g.llm.Name(),
		Model:       g.llm.Model(),
	}
	status := http.StatusOK
	if resp.Draining {
		resp.Status = "draining"
		status = http.StatusServiceUnavailable
	}
	g.sendJSON(w, status, resp)
}

func (g *Gateway) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools := g.registry.AllTools(r.Context())
	if tools == nil {
		tools = []mcp.ToolDescriptor{}
	}
	g.sendJSON(w, http.StatusOK, ToolsResponse{Clients: g.registry.Names(), Tools: tools})
}

func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	msgs, err := g.conversation.History(r.Context(), sessionID, limit)
	if err != nil {
		g.logger.Error("loading history failed", "session_id", sessionID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	resp := HistoryResponse{SessionID: sessionID, Messages: make([]MessageResponse, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, MessageResponse{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleState returns the latest checkpointed state of a session.
func (g *Gateway) handleState(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	st, err := g.conversation.State(r.Context(), sessionID)
	switch {
	case errors.Is(err, workflow.ErrNoCheckpoint):
		g.sendJSONError(w, http.StatusNotFound, "session not found")
	case err != nil:
		g.logger.Error("loading state failed", "session_id", sessionID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to load state")
	default:
		g.sendJSON(w, http.StatusOK, st)
	}
}

// handleSessionEvents streams the workflow events of one session as they
// happen. The stream ends when the client leaves or the gateway drains.
func (g *Gateway) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	events, err := g.conversation.Subscribe(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ": subscribed\n\n")
	flusher.Flush()

	for ev := range events {
		g.writeSSEEvent(w, string(ev.Type), ev)
		flusher.Flush()
	}
}

// writeSSEData writes an unnamed SSE frame.
func (g *Gateway) writeSSEData(w io.Writer, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// writeSSEEvent writes a named SSE frame.
func (g *Gateway) writeSSEEvent(w io.Writer, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// parseChatRequest decodes a streaming chat request. Both fields are required.
func parseChatRequest(r io.Reader) (*ChatRequest, error) {
	var req ChatRequest
	if err := json.NewDecoder(io.LimitReader(r, maxChatBody)).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		return nil, errors.New("session_id is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, errors.New("message is required")
	}
	return &req, nil
}
