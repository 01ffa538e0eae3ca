// ABOUTME: Streamable HTTP MCP endpoint re-exporting the registry's aggregated tools
// ABOUTME: Handles initialize with session ids, notifications, tools/list, tools/call and ping

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agent-gateway/internal/cache"
	"github.com/2389/agent-gateway/internal/rpc"
)

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// jsonrpcResponse is the outbound envelope; Result is encoded as given.
type jsonrpcResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      json.RawMessage  `json:"id"`
	Result  any              `json:"result,omitempty"`
	Error   *rpc.RemoteError `json:"error,omitempty"`
}

// mcpSession tracks an initialized client.
type mcpSession struct {
	id              string
	protocolVersion string
	client          Implementation
	createdAt       time.Time
}

// ServerConfig holds configuration for the MCP endpoint.
type ServerConfig struct {
	Registry *Registry
	Logger   *slog.Logger
	Name     string
	Version  string

	// SessionTTL expires idle sessions; zero uses one hour.
	SessionTTL time.Duration
	// CallTimeout bounds each forwarded tool call; zero leaves it to the client.
	CallTimeout time.Duration
}

// Server exposes every registered tool client as a single MCP server.
type Server struct {
	registry    *Registry
	logger      *slog.Logger
	info        Implementation
	callTimeout time.Duration
	sessions    *cache.Cache[*mcpSession]
}

// NewServer creates the endpoint.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	info := Implementation{Name: cfg.Name, Version: cfg.Version}
	if info.Name == "" {
		info.Name = clientInfo.Name
	}
	if info.Version == "" {
		info.Version = clientInfo.Version
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Server{
		registry:    cfg.Registry,
		logger:      logger.With("component", "mcp.server"),
		info:        info,
		callTimeout: cfg.CallTimeout,
		sessions:    cache.New[*mcpSession](ttl, 1024),
	}, nil
}

// RegisterRoutes registers the MCP endpoint on the given ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/mcp", s.handleMCP)
}

// Close drops every session and stops the session sweeper.
func (s *Server) Close() {
	s.sessions.Purge()
	s.sessions.Close()
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		// no server-initiated streams, so GET is refused too
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}
	if _, ok := s.sessions.Get(sessionID); !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	s.sessions.Delete(sessionID)
	s.logger.Info("MCP session terminated", "session_id", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)
	protoVersion := r.Header.Get("Mcp-Protocol-Version")

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		s.sendJSONRPCError(w, nil, rpc.CodeParseError, "failed to read request body")
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		s.sendJSONRPCError(w, nil, rpc.CodeInvalidRequest, "request body too large")
		return
	}

	var req rpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendJSONRPCError(w, nil, rpc.CodeParseError, "invalid JSON")
		return
	}
	if req.JSONRPC != rpc.Version {
		s.sendJSONRPCError(w, req.ID, rpc.CodeInvalidRequest, "invalid JSON-RPC version")
		return
	}

	isInitialize := req.Method == MethodInitialize
	isNotification := len(req.ID) == 0 || string(req.ID) == "null"

	if !isInitialize && protoVersion != "" && !supportedProtocolVersions[protoVersion] {
		http.Error(w, "Bad Request: unsupported MCP-Protocol-Version", http.StatusBadRequest)
		return
	}

	if !isInitialize {
		if sessionID == "" {
			http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
			return
		}
		sess, ok := s.sessions.Get(sessionID)
		if !ok {
			// expired or unknown; the client must initialize again
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		s.sessions.Set(sessionID, sess)
	}

	s.logger.Debug("MCP request",
		"method", req.Method,
		"is_notification", isNotification,
		"session_id", sessionID,
	)

	if isNotification {
		if !strings.HasPrefix(req.Method, "notifications/") {
			s.logger.Warn("received notification for non-notification method", "method", req.Method)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case MethodInitialize:
		s.handleInitialize(w, req)
	case MethodPing:
		s.sendJSONRPCResult(w, req.ID, struct{}{})
	case MethodToolsList:
		s.handleToolsList(w, r, req)
	case MethodToolsCall:
		s.handleToolsCall(w, r, req)
	default:
		s.sendJSONRPCError(w, req.ID, rpc.CodeMethodNotFound, "method not found")
	}
}

func (s *Server) handleInitialize(w http.ResponseWriter, req rpc.Request) {
	var params InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendJSONRPCError(w, req.ID, rpc.CodeInvalidParams, "invalid params")
			return
		}
	}

	version := latestProtocolVersion
	if supportedProtocolVersions[params.ProtocolVersion] {
		version = params.ProtocolVersion
	}

	sess := &mcpSession{
		id:              uuid.New().String(),
		protocolVersion: version,
		client:          params.ClientInfo,
		createdAt:       time.Now(),
	}
	s.sessions.Set(sess.id, sess)

	s.logger.Info("MCP session created",
		"session_id", sess.id,
		"protocol_version", version,
		"client", params.ClientInfo.Name,
	)

	w.Header().Set(SessionHeader, sess.id)
	s.sendJSONRPCResult(w, req.ID, InitializeResult{
		ProtocolVersion: version,
		Capabilities:    map[string]any{"tools": map[string]any{}},
		ServerInfo:      s.info,
	})
}

func (s *Server) handleToolsList(w http.ResponseWriter, r *http.Request, req rpc.Request) {
	tools := s.registry.AllTools(r.Context())
	result := MCPListToolsResult{Tools: make([]MCPToolInfo, len(tools))}
	for i, t := range tools {
		result.Tools[i] = MCPToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
	}
	s.logger.Debug("tools/list", "count", len(tools))
	s.sendJSONRPCResult(w, req.ID, result)
}

func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, req rpc.Request) {
	var params MCPCallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendJSONRPCError(w, req.ID, rpc.CodeInvalidParams, "invalid params")
			return
		}
	}
	if params.Name == "" {
		s.sendJSONRPCError(w, req.ID, rpc.CodeInvalidParams, "tool name is required")
		return
	}

	var args map[string]any
	if len(params.Arguments) > 0 && string(params.Arguments) != "null" {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			s.sendJSONRPCError(w, req.ID, rpc.CodeInvalidParams, "arguments must be an object")
			return
		}
	}

	ctx := r.Context()
	tool, err := s.registry.FindTool(ctx, params.Name)
	if err != nil {
		s.sendJSONRPCError(w, req.ID, rpc.CodeInvalidParams, "tool not found")
		return
	}

	if s.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
	}

	s.logger.Debug("tools/call", "tool_name", params.Name, "client", tool.Owner)

	res, err := s.registry.CallTool(ctx, tool.Owner, params.Name, args)
	if err != nil {
		s.handleToolError(w, req.ID, params.Name, err)
		return
	}

	s.logger.Debug("tools/call complete", "tool_name", params.Name, "is_error", res.IsError)
	s.sendJSONRPCResult(w, req.ID, MCPCallToolResult{Content: res.Content, IsError: res.IsError})
}

func (s *Server) handleToolError(w http.ResponseWriter, id json.RawMessage, toolName string, err error) {
	s.logger.Warn("tool execution failed", "tool_name", toolName, "error", err)

	var remote *rpc.RemoteError
	if errors.As(err, &remote) {
		s.writeResponse(w, jsonrpcResponse{JSONRPC: rpc.Version, ID: id, Error: remote})
		return
	}

	message := "tool execution failed"
	switch {
	case errors.Is(err, ErrNotFound):
		s.sendJSONRPCError(w, id, rpc.CodeInvalidParams, "tool not found")
		return
	case errors.Is(err, rpc.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		message = "tool execution timed out"
	case errors.Is(err, context.Canceled):
		message = "request cancelled"
	case errors.Is(err, rpc.ErrTransportClosed):
		message = "tool server unavailable"
	}
	s.sendJSONRPCError(w, id, rpc.CodeInternalError, message)
}

func (s *Server) sendJSONRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	s.writeResponse(w, jsonrpcResponse{JSONRPC: rpc.Version, ID: id, Result: result})
}

func (s *Server) sendJSONRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	s.writeResponse(w, jsonrpcResponse{
		JSONRPC: rpc.Version,
		ID:      id,
		Error:   &rpc.RemoteError{Code: code, Message: message},
	})
}

func (s *Server) writeResponse(w http.ResponseWriter, resp jsonrpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}
