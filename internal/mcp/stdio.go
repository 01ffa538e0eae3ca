// ABOUTME: Tool client that spawns an MCP server and speaks line-delimited JSON-RPC on its stdio
// ABOUTME: Concurrent calls are correlated by id through rpc.Mux; stderr is drained into the log

package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/2389/agent-gateway/internal/rpc"
)

const (
	defaultCallTimeout   = 30 * time.Second
	defaultShutdownGrace = 3 * time.Second
	maxStderrLine        = 64 * 1024
)

// StdioConfig describes a tool server launched as a subprocess.
type StdioConfig struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	Dir     string

	// CallTimeout bounds every request; zero uses 30s.
	CallTimeout time.Duration
	// ShutdownGrace is how long Close waits after closing stdin before killing.
	ShutdownGrace time.Duration
}

// StdioClient owns one subprocess and the multiplexer over its pipes.
type StdioClient struct {
	cfg    StdioConfig
	path   string
	logger *slog.Logger

	mu         sync.Mutex
	proc       *process // handshaken; nil until Connect succeeds
	starting   *process // spawned, handshake in flight
	connecting chan struct{}
	serverInfo Implementation
	closed     bool

	wg sync.WaitGroup
}

// process is one spawned server and the multiplexer over its pipes.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	mux    *rpc.Mux
	exited chan struct{}
}

func (p *process) alive() bool {
	select {
	case <-p.mux.Done():
		return false
	default:
		return true
	}
}

// NewStdioClient resolves the command on PATH. A missing executable is a
// ConfigError so the caller can skip this client and keep the others.
func NewStdioClient(cfg StdioConfig, logger *slog.Logger) (*StdioClient, error) {
	if cfg.Name == "" {
		return nil, &ConfigError{Client: cfg.Command, Reason: "name is required"}
	}
	if cfg.Command == "" {
		return nil, &ConfigError{Client: cfg.Name, Reason: "command is required"}
	}
	path, err := exec.LookPath(cfg.Command)
	if err != nil {
		return nil, &ConfigError{Client: cfg.Name, Reason: fmt.Sprintf("command %q not found", cfg.Command), Err: err}
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioClient{
		cfg:    cfg,
		path:   path,
		logger: logger.With("component", "mcp.stdio", "client", cfg.Name),
	}, nil
}

// Name returns the configured client name.
func (c *StdioClient) Name() string { return c.cfg.Name }

// ServerInfo returns what the server reported during the handshake.
func (c *StdioClient) ServerInfo() Implementation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// Connect spawns the process and runs the initialize handshake. It is a
// no-op while a handshaken process is running, waits for an attempt already
// in flight, and respawns the server after a failed attempt or an exit.
func (c *StdioClient) Connect(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		if c.proc != nil && c.proc.alive() {
			c.mu.Unlock()
			return nil
		}
		if wait := c.connecting; wait != nil {
			c.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		c.proc = nil
		done := make(chan struct{})
		c.connecting = done
		c.mu.Unlock()

		err := c.connect(ctx)

		c.mu.Lock()
		c.connecting = nil
		close(done)
		c.mu.Unlock()
		return err
	}
}

func (c *StdioClient) connect(ctx context.Context) error {
	cmd := exec.Command(c.path, c.cfg.Args...)
	cmd.Dir = c.cfg.Dir
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(c.cfg.Env))
	for k := range c.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+c.cfg.Env[k])
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &TransportError{Client: c.cfg.Name, Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &TransportError{Client: c.cfg.Name, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &TransportError{Client: c.cfg.Name, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	closePipes := func() {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stderr.Close()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		closePipes()
		return ErrClosed
	}
	if err := cmd.Start(); err != nil {
		c.mu.Unlock()
		closePipes()
		return &TransportError{Client: c.cfg.Name, Err: fmt.Errorf("starting %s: %w", c.path, err)}
	}
	p := &process{
		cmd:    cmd,
		stdin:  stdin,
		mux:    rpc.NewMux(stdout, stdin, rpc.WithLogger(c.logger), rpc.WithTimeout(c.cfg.CallTimeout)),
		exited: make(chan struct{}),
	}
	c.starting = p
	c.wg.Add(2)
	go c.stderrLoop(stderr)
	go c.waitLoop(p)
	c.mu.Unlock()

	c.logger.Info("tool server started", "pid", cmd.Process.Pid, "command", c.path)

	info, err := c.handshake(ctx, p.mux)

	c.mu.Lock()
	c.starting = nil
	if err == nil && c.closed {
		err = ErrClosed
	}
	if err == nil {
		c.proc = p
		c.serverInfo = info
	}
	c.mu.Unlock()

	if err != nil {
		c.stop(p)
		return fmt.Errorf("initializing %s: %w", c.cfg.Name, err)
	}
	return nil
}

func (c *StdioClient) handshake(ctx context.Context, mux *rpc.Mux) (Implementation, error) {
	var result InitializeResult
	params := InitializeParams{
		ProtocolVersion: ClientProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo,
	}
	if err := mux.Call(ctx, MethodInitialize, params, &result); err != nil {
		return Implementation{}, err
	}
	if err := mux.Notify(ctx, MethodInitialized, nil); err != nil {
		return Implementation{}, err
	}

	c.logger.Debug("handshake complete",
		"server", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol", result.ProtocolVersion,
	)
	return result.ServerInfo, nil
}

// ListTools pages through tools/list and stamps each descriptor with this
// client's name.
func (c *StdioClient) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	mux, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}

	var tools []MCPToolInfo
	var params any
	for {
		var page MCPListToolsResult
		if err := mux.Call(ctx, MethodToolsList, params, &page); err != nil {
			return nil, c.wrap(err)
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
func (c *StdioClient) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	mux, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := encodeArguments(args)
	if err != nil {
		return nil, fmt.Errorf("encoding arguments for %s: %w", name, err)
	}

	var result MCPCallToolResult
	if err := mux.Call(ctx, MethodToolsCall, MCPCallToolParams{Name: name, Arguments: raw}, &result); err != nil {
		return nil, c.wrap(err)
	}
	return &ToolResult{Content: result.Content, IsError: result.IsError}, nil
}

// Close closes stdin, waits ShutdownGrace for the process to exit and kills
// it otherwise. Pending calls fail with rpc.ErrTransportClosed.
func (c *StdioClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	procs := []*process{c.proc, c.starting}
	c.mu.Unlock()

	for _, p := range procs {
		if p != nil {
			c.stop(p)
		}
	}
	c.wg.Wait()
	c.logger.Info("tool server stopped")
	return nil
}

// stop fails the process's calls and ends it. Safe to call more than once.
func (c *StdioClient) stop(p *process) {
	p.mux.Fail(errors.New("client closed"))
	_ = p.stdin.Close()

	timer := time.NewTimer(c.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-p.exited:
	case <-timer.C:
		c.logger.Warn("tool server did not exit after stdin closed, killing", "pid", p.cmd.Process.Pid)
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
}

// conn returns the multiplexer of the handshaken process, waiting for a
// connect attempt in flight.
func (c *StdioClient) conn(ctx context.Context) (*rpc.Mux, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		if c.proc != nil {
			mux := c.proc.mux
			c.mu.Unlock()
			return mux, nil
		}
		wait := c.connecting
		c.mu.Unlock()
		if wait == nil {
			return nil, ErrNotConnected
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// wrap leaves protocol errors intact and tags transport failures with the client.
func (c *StdioClient) wrap(err error) error {
	if errors.Is(err, rpc.ErrTransportClosed) {
		return &TransportError{Client: c.cfg.Name, Err: err}
	}
	return err
}

// stderrLoop forwards the server's stderr to the log line by line.
func (c *StdioClient) stderrLoop(r io.Reader) {
	defer c.wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxStderrLine)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			c.logger.Debug("tool server stderr", "line", line)
		}
	}
}

// waitLoop reaps the process and fails its multiplexer when it exits.
func (c *StdioClient) waitLoop(p *process) {
	defer c.wg.Done()
	err := p.cmd.Wait()
	if err != nil {
		p.mux.Fail(fmt.Errorf("process exited: %w", err))
	} else {
		p.mux.Fail(errors.New("process exited"))
	}
	close(p.exited)

	c.mu.Lock()
	expected := c.closed || (c.proc != p && c.starting != p)
	c.mu.Unlock()
	if !expected {
		c.logger.Warn("tool server exited unexpectedly", "error", err)
	}
}
