// ABOUTME: Tests for the streamable HTTP tool client
// ABOUTME: Exercises JSON and event-stream bodies, HTTP failures and session echo

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agent-gateway/internal/rpc"
)

type recordedRequest struct {
	method    string
	sessionID string
	accept    string
}

// scriptedServer answers each JSON-RPC method with a canned handler.
type scriptedServer struct {
	mu       sync.Mutex
	requests []recordedRequest
	handlers map[string]func(w http.ResponseWriter, req rpc.Request)
}

func (s *scriptedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpc.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.requests = append(s.requests, recordedRequest{
		method:    req.Method,
		sessionID: r.Header.Get(SessionHeader),
		accept:    r.Header.Get("Accept"),
	})
	h := s.handlers[req.Method]
	s.mu.Unlock()
	if h == nil {
		http.Error(w, "no handler", http.StatusNotImplemented)
		return
	}
	h(w, req)
}

func (s *scriptedServer) recorded() []recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedRequest(nil), s.requests...)
}

func writeJSONResult(w http.ResponseWriter, id json.RawMessage, result any) {
	raw, _ := json.Marshal(result)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rpc.Response{JSONRPC: rpc.Version, ID: id, Result: raw})
}

func newTestHTTPClient(t *testing.T, srv *httptest.Server, initialize bool) *HTTPClient {
	t.Helper()
	c, err := NewHTTPClient(HTTPConfig{
		Name:       "java-service",
		BaseURL:    srv.URL,
		Path:       "/mcp/message",
		Timeout:    2 * time.Second,
		Initialize: initialize,
		Client:     srv.Client(),
	}, nil)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewHTTPClient_InvalidURL(t *testing.T) {
	_, err := NewHTTPClient(HTTPConfig{Name: "bad", BaseURL: "not a url"}, nil)
	var cfgErr *ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestHTTPClient_Endpoint(t *testing.T) {
	c, err := NewHTTPClient(HTTPConfig{Name: "x", BaseURL: "http://10.0.0.5:8080/", Path: "mcp/message"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:8080/mcp/message", c.Endpoint())
}

func TestHTTPClient_NotConnected(t *testing.T) {
	c, err := NewHTTPClient(HTTPConfig{Name: "x", BaseURL: "http://127.0.0.1:1"}, nil)
	require.NoError(t, err)
	_, err = c.ListTools(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestHTTPClient_ListToolsJSON(t *testing.T) {
	script := &scriptedServer{handlers: map[string]func(http.ResponseWriter, rpc.Request){
		MethodToolsList: func(w http.ResponseWriter, req rpc.Request) {
			writeJSONResult(w, req.ID, MCPListToolsResult{Tools: []MCPToolInfo{
				{Name: "lookup_order", Description: "Find an order"},
			}})
		},
	}}
	srv := httptest.NewServer(script)
	defer srv.Close()

	c := newTestHTTPClient(t, srv, false)
	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "lookup_order", tools[0].Name)
	assert.Equal(t, "java-service", tools[0].Owner)

	reqs := script.recorded()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].accept, "text/event-stream")
}

func TestHTTPClient_ListToolsPaginates(t *testing.T) {
	script := &scriptedServer{handlers: map[string]func(http.ResponseWriter, rpc.Request){
		MethodToolsList: func(w http.ResponseWriter, req rpc.Request) {
			var p MCPListToolsParams
			_ = json.Unmarshal(req.Params, &p)
			if p.Cursor == "" {
				writeJSONResult(w, req.ID, MCPListToolsResult{Tools: []MCPToolInfo{{Name: "a"}}, NextCursor: "page2"})
				return
			}
			writeJSONResult(w, req.ID, MCPListToolsResult{Tools: []MCPToolInfo{{Name: "b"}}})
		},
	}}
	srv := httptest.NewServer(script)
	defer srv.Close()

	c := newTestHTTPClient(t, srv, false)
	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "b", tools[1].Name)
}

func TestHTTPClient_CallToolEventStream(t *testing.T) {
	script := &scriptedServer{handlers: map[string]func(http.ResponseWriter, rpc.Request){
		MethodToolsCall: func(w http.ResponseWriter, req rpc.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			// a progress notification first, then the response split over two data lines
			fmt.Fprint(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\"}\n\n")
			fmt.Fprintf(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":%s,\n", req.ID)
			fmt.Fprint(w, "data: \"result\":{\"content\":[{\"type\":\"text\",\"text\":\"order 42 shipped\"}]}}\n\n")
		},
	}}
	srv := httptest.NewServer(script)
	defer srv.Close()

	c := newTestHTTPClient(t, srv, false)
	res, err := c.CallTool(context.Background(), "lookup_order", map[string]any{"id": 42})
	require.NoError(t, err)
	assert.Equal(t, "order 42 shipped", res.Text())
}

func TestHTTPClient_EventStreamWithoutResponse(t *testing.T) {
	script := &scriptedServer{handlers: map[string]func(http.ResponseWriter, rpc.Request){
		MethodToolsCall: func(w http.ResponseWriter, _ rpc.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"id\":999,\"result\":{}}\n\n")
		},
	}}
	srv := httptest.NewServer(script)
	defer srv.Close()

	c := newTestHTTPClient(t, srv, false)
	_, err := c.CallTool(context.Background(), "x", nil)
	assert.ErrorIs(t, err, rpc.ErrMalformedResponse)
}

func TestHTTPClient_Non2xxIsTransportError(t *testing.T) {
	script := &scriptedServer{handlers: map[string]func(http.ResponseWriter, rpc.Request){
		MethodToolsCall: func(w http.ResponseWriter, _ rpc.Request) {
			http.Error(w, "backend down", http.StatusServiceUnavailable)
		},
	}}
	srv := httptest.NewServer(script)
	defer srv.Close()

	c := newTestHTTPClient(t, srv, false)
	_, err := c.CallTool(context.Background(), "x", nil)

	var transport *TransportError
	require.True(t, errors.As(err, &transport))
	assert.Equal(t, http.StatusServiceUnavailable, transport.Status)
	assert.Equal(t, "backend down", transport.Body)
}

func TestHTTPClient_RemoteError(t *testing.T) {
	script := &scriptedServer{handlers: map[string]func(http.ResponseWriter, rpc.Request){
		MethodToolsCall: func(w http.ResponseWriter, req rpc.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(rpc.Response{
				JSONRPC: rpc.Version,
				ID:      req.ID,
				Error:   &rpc.RemoteError{Code: rpc.CodeInvalidParams, Message: "missing id"},
			})
		},
	}}
	srv := httptest.NewServer(script)
	defer srv.Close()

	c := newTestHTTPClient(t, srv, false)
	_, err := c.CallTool(context.Background(), "lookup_order", nil)
	var remote *rpc.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, rpc.CodeInvalidParams, remote.Code)
}

func TestHTTPClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	script := &scriptedServer{handlers: map[string]func(http.ResponseWriter, rpc.Request){
		MethodToolsCall: func(w http.ResponseWriter, req rpc.Request) {
			<-release
			writeJSONResult(w, req.ID, MCPCallToolResult{})
		},
	}}
	srv := httptest.NewServer(script)
	defer srv.Close()
	defer close(release)

	c, err := NewHTTPClient(HTTPConfig{
		Name:    "slow",
		BaseURL: srv.URL,
		Timeout: 50 * time.Millisecond,
		Client:  srv.Client(),
	}, nil)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	_, err = c.CallTool(context.Background(), "x", nil)
	assert.ErrorIs(t, err, rpc.ErrTimeout)
}

func TestHTTPClient_EchoesSessionID(t *testing.T) {
	script := &scriptedServer{handlers: map[string]func(http.ResponseWriter, rpc.Request){
		MethodInitialize: func(w http.ResponseWriter, req rpc.Request) {
			w.Header().Set(SessionHeader, "sess-123")
			writeJSONResult(w, req.ID, InitializeResult{ProtocolVersion: ClientProtocolVersion})
		},
		MethodInitialized: func(w http.ResponseWriter, _ rpc.Request) {
			w.WriteHeader(http.StatusAccepted)
		},
		MethodToolsList: func(w http.ResponseWriter, req rpc.Request) {
			writeJSONResult(w, req.ID, MCPListToolsResult{})
		},
	}}
	srv := httptest.NewServer(script)
	defer srv.Close()

	c := newTestHTTPClient(t, srv, true)
	_, err := c.ListTools(context.Background())
	require.NoError(t, err)

	reqs := script.recorded()
	require.Len(t, reqs, 3)
	assert.Equal(t, MethodInitialize, reqs[0].method)
	assert.Empty(t, reqs[0].sessionID)
	assert.Equal(t, "sess-123", reqs[1].sessionID)
	assert.Equal(t, "sess-123", reqs[2].sessionID)
}
