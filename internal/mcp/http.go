// ABOUTME: Tool client that POSTs JSON-RPC requests to a streamable HTTP MCP endpoint
// ABOUTME: Accepts either a JSON body or an SSE stream carrying the response record

package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/agent-gateway/internal/rpc"
)

// SessionHeader carries the MCP session id on streamable HTTP.
const SessionHeader = "Mcp-Session-Id"

const maxErrorBody = 64 * 1024

// HTTPConfig describes a remote tool server.
type HTTPConfig struct {
	Name    string
	BaseURL string
	// Path is joined to BaseURL; empty posts to BaseURL as is.
	Path    string
	Headers map[string]string
	Timeout time.Duration

	// Initialize runs the initialize handshake on Connect. Servers that
	// issue session ids require it.
	Initialize bool

	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

// HTTPClient sends one POST per request; there is no persistent stream.
type HTTPClient struct {
	cfg      HTTPConfig
	endpoint string
	http     *http.Client
	logger   *slog.Logger

	nextID atomic.Int64

	mu        sync.Mutex
	sessionID string
	connected bool
	closed    bool
}

// NewHTTPClient validates the endpoint URL.
func NewHTTPClient(cfg HTTPConfig, logger *slog.Logger) (*HTTPClient, error) {
	if cfg.Name == "" {
		return nil, &ConfigError{Client: cfg.BaseURL, Reason: "name is required"}
	}
	endpoint := strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Path != "" {
		endpoint += "/" + strings.TrimLeft(cfg.Path, "/")
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &ConfigError{Client: cfg.Name, Reason: fmt.Sprintf("invalid endpoint %q", endpoint), Err: err}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCallTimeout
	}
	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		cfg:      cfg,
		endpoint: endpoint,
		http:     hc,
		logger:   logger.With("component", "mcp.http", "client", cfg.Name),
	}, nil
}

// Name returns the configured client name.
func (c *HTTPClient) Name() string { return c.cfg.Name }

// Endpoint returns the URL requests are posted to.
func (c *HTTPClient) Endpoint() string { return c.endpoint }

// Connect marks the client usable, running the handshake when configured.
func (c *HTTPClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if c.cfg.Initialize {
		params := InitializeParams{
			ProtocolVersion: ClientProtocolVersion,
			Capabilities:    map[string]any{},
			ClientInfo:      clientInfo,
		}
		var result InitializeResult
		if err := c.call(ctx, MethodInitialize, params, &result); err != nil {
			return fmt.Errorf("initializing %s: %w", c.cfg.Name, err)
		}
		if err := c.notify(ctx, MethodInitialized); err != nil {
			return fmt.Errorf("initializing %s: %w", c.cfg.Name, err)
		}
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

// ListTools pages through tools/list.
func (c *HTTPClient) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	var tools []MCPToolInfo
	var params any
	for {
		var page MCPListToolsResult
		if err := c.call(ctx, MethodToolsList, params, &page); err != nil {
			return nil, err
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" {
			break
		}
		params = MCPListToolsParams{Cursor: page.NextCursor}
	}
	return descriptorsFrom(c.cfg.Name, tools), nil
}

// CallTool invokes a tool by name.
func (c *HTTPClient) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	raw, err := encodeArguments(args)
	if err != nil {
		return nil, fmt.Errorf("encoding arguments for %s: %w", name, err)
	}
	var result MCPCallToolResult
	if err := c.call(ctx, MethodToolsCall, MCPCallToolParams{Name: name, Arguments: raw}, &result); err != nil {
		return nil, err
	}
	return &ToolResult{Content: result.Content, IsError: result.IsError}, nil
}

// Close ends the server-side session when one was issued.
func (c *HTTPClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sid := c.sessionID
	c.mu.Unlock()

	if sid == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint, nil)
	if err != nil {
		return nil
	}
	req.Header.Set(SessionHeader, sid)
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("failed to end session", "error", err)
		return nil
	}
	_ = resp.Body.Close()
	return nil
}

func (c *HTTPClient) ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.connected {
		return ErrNotConnected
	}
	return nil
}

func (c *HTTPClient) call(ctx context.Context, method string, params, result any) error {
	id := c.nextID.Add(1)
	req, err := rpc.NewRequest(id, method, params)
	if err != nil {
		return err
	}
	resp, err := c.post(ctx, method, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &TransportError{Client: c.cfg.Name, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var rpcResp *rpc.Response
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		rpcResp, err = readSSEResponse(resp.Body, id)
	} else {
		rpcResp, err = readJSONResponse(resp.Body)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return rpcResp.Decode(method, result)
}

func (c *HTTPClient) notify(ctx context.Context, method string) error {
	req, err := rpc.NewNotification(method, nil)
	if err != nil {
		return err
	}
	resp, err := c.post(ctx, method, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &TransportError{Client: c.cfg.Name, Status: resp.StatusCode}
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, method string, body *rpc.Request) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, &TransportError{Client: c.cfg.Name, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	c.mu.Lock()
	if c.sessionID != "" {
		httpReq.Header.Set(SessionHeader, c.sessionID)
	}
	c.mu.Unlock()

	resp, err := c.http.Do(httpReq)
	if err != nil {
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", method, rpc.ErrTimeout)
		}
		if errors.Is(err, context.Canceled) {
			return nil, context.Canceled
		}
		return nil, &TransportError{Client: c.cfg.Name, Err: err}
	}

	if sid := resp.Header.Get(SessionHeader); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnClose releases the request context once the body is consumed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func readJSONResponse(r io.Reader) (*rpc.Response, error) {
	var resp rpc.Response
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: %v", rpc.ErrMalformedResponse, err)
	}
	return &resp, nil
}

// readSSEResponse scans server-sent events until one carries the response
// for id. Events for other ids and peer notifications are skipped.
func readSSEResponse(r io.Reader, id int64) (*rpc.Response, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var data strings.Builder
	flush := func() (*rpc.Response, bool) {
		if data.Len() == 0 {
			return nil, false
		}
		defer data.Reset()
		var resp rpc.Response
		if err := json.Unmarshal([]byte(data.String()), &resp); err != nil {
			return nil, false
		}
		if got, ok := resp.NumericID(); ok && got == id && resp.Method == "" {
			return &resp, true
		}
		return nil, false
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if resp, ok := flush(); ok {
				return resp, nil
			}
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(after, " "))
		}
	}
	if resp, ok := flush(); ok {
		return resp, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading event stream: %v", rpc.ErrMalformedResponse, err)
	}
	return nil, fmt.Errorf("%w: event stream ended without response %d", rpc.ErrMalformedResponse, id)
}
