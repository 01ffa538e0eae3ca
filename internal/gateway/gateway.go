// ABOUTME: Gateway orchestrator that wires stores, tool clients, the workflow engine and servers
// ABOUTME: Owns supervised background tasks and the ordered graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/tsnet"

	"github.com/2389/agent-gateway/internal/checkpoint"
	"github.com/2389/agent-gateway/internal/clock"
	"github.com/2389/agent-gateway/internal/config"
	"github.com/2389/agent-gateway/internal/conversation"
	"github.com/2389/agent-gateway/internal/discovery"
	"github.com/2389/agent-gateway/internal/dynconfig"
	"github.com/2389/agent-gateway/internal/llm"
	"github.com/2389/agent-gateway/internal/mcp"
	"github.com/2389/agent-gateway/internal/store"
	"github.com/2389/agent-gateway/internal/workflow"
)

// Gateway orchestrates the agent-gateway server components.
type Gateway struct {
	config *config.Config
	logger *slog.Logger
	clock  clock.Clock

	checkpoints  *checkpoint.Store
	history      store.Store
	registry     *mcp.Registry
	mcpServer    *mcp.Server
	llm          *llm.Holder
	dynamic      *dynconfig.Source
	directory    discovery.Directory
	registrar    *discovery.Registrar
	engine       *workflow.Engine
	conversation *conversation.Service
	broadcaster  *conversation.EventBroadcaster

	httpServer   *http.Server
	grpcServer   *grpc.Server
	healthServer *health.Server
	tsnetServer  *tsnet.Server

	// draining is set first thing on shutdown; new runs get 503.
	draining atomic.Bool

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

// Option customizes New.
type Option func(*options)

type options struct {
	tools     []mcp.Client
	directory discovery.Directory
	clock     clock.Clock
	version   string
}

// WithToolClients registers the given clients instead of the configured ones.
func WithToolClients(clients ...mcp.Client) Option {
	return func(o *options) { o.tools = clients }
}

// WithDirectory replaces the Nacos client.
func WithDirectory(d discovery.Directory) Option {
	return func(o *options) { o.directory = d }
}

// WithClock sets the clock used by the pool and the registrar.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithVersion sets the version reported to MCP clients and the registry.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// New creates a Gateway. Nothing is listening and no background task runs
// until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (gw *Gateway, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{clock: clock.Real(), version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}

	// close whatever was opened if a later step fails
	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	checkpoints, err := openCheckpoints(ctx, cfg, o.clock, logger)
	if err != nil {
		return nil, err
	}
	closers = append(closers, checkpoints.Close)

	history, err := store.OpenSQLite(cfg.Database.HistoryPath, cfg.Database.HistoryDriver, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing history store: %w", err)
	}
	closers = append(closers, history.Close)

	var regOpts []mcp.RegistryOption
	if cfg.Tools.ListingCacheTTL > 0 {
		regOpts = append(regOpts, mcp.WithListingCache(cfg.Tools.ListingCacheTTL))
	}
	registry := mcp.NewRegistry(logger, regOpts...)
	closers = append(closers, registry.Close)

	if o.tools != nil {
		for _, c := range o.tools {
			if err := registry.Register(c); err != nil {
				return nil, fmt.Errorf("registering tool client %s: %w", c.Name(), err)
			}
		}
	} else if err := registerToolClients(registry, cfg, logger); err != nil {
		return nil, err
	}

	holder, err := llm.NewHolder(ctx, llm.Config{
		Provider:    cfg.LLM.Provider,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		APIKey:      cfg.LLM.APIKey,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating completion provider: %w", err)
	}

	dynamic := dynconfig.NewSource(dynconfig.LLMConfig{
		Provider: cfg.LLM.Provider,
		BaseURL:  cfg.LLM.BaseURL,
		Model:    cfg.LLM.Model,
	}, logger)
	dynamic.Subscribe(func(_, updated dynconfig.LLMConfig) error {
		rctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return holder.Reconfigure(rctx, llm.Config{
			Provider: updated.Provider,
			BaseURL:  updated.BaseURL,
			Model:    updated.Model,
		})
	})

	engine, err := workflow.New(workflow.Config{
		Checkpointer: checkpoints,
		Decider:      workflow.KeywordDecider{Trigger: cfg.Workflow.Trigger, ToolName: cfg.Workflow.SearchTool},
		Tools:        registry,
		Provider:     holder,
		SystemPrompt: cfg.LLM.SystemPrompt,
		SaveAttempts: cfg.Workflow.SaveAttempts,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating workflow engine: %w", err)
	}

	broadcaster := conversation.NewEventBroadcaster(logger)
	convService := conversation.New(engine, history, broadcaster, logger)

	mcpServer, err := mcp.NewServer(mcp.ServerConfig{
		Registry:    registry,
		Logger:      logger,
		Name:        "agent-gateway",
		Version:     o.version,
		CallTimeout: cfg.Tools.CallTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("creating MCP server: %w", err)
	}

	directory := o.directory
	if directory == nil && cfg.Discovery.Enabled {
		directory, err = discovery.NewNacosClient(discovery.NacosConfig{
			ServerAddr: cfg.Discovery.ServerAddr,
			Namespace:  cfg.Discovery.Namespace,
			Group:      cfg.Discovery.Group,
			Username:   cfg.Discovery.Username,
			Password:   cfg.Discovery.Password,
			Clock:      o.clock,
			Logger:     logger,
		})
		if err != nil {
			mcpServer.Close()
			return nil, fmt.Errorf("creating discovery client: %w", err)
		}
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	gw = &Gateway{
		config:       cfg,
		logger:       logger.With("component", "gateway"),
		clock:        o.clock,
		checkpoints:  checkpoints,
		history:      history,
		registry:     registry,
		mcpServer:    mcpServer,
		llm:          holder,
		dynamic:      dynamic,
		directory:    directory,
		engine:       engine,
		conversation: convService,
		broadcaster:  broadcaster,
		bgCtx:        bgCtx,
		bgCancel:     bgCancel,
	}

	if directory != nil && cfg.Discovery.Enabled {
		inst := discovery.Instance{
			ServiceName:       cfg.Discovery.ServiceName,
			IP:                advertisedIP(cfg),
			Port:              cfg.Discovery.Port,
			Cluster:           cfg.Discovery.Cluster,
			Weight:            cfg.Discovery.Weight,
			Healthy:           true,
			Ephemeral:         true,
			HeartbeatInterval: cfg.Discovery.HeartbeatInterval,
			Metadata:          map[string]string{"version": o.version},
		}
		gw.registrar = discovery.NewRegistrar(directory, inst, discovery.RetryPolicy{
			Attempts:   cfg.Discovery.RetryAttempts,
			Delay:      cfg.Discovery.RetryDelay,
			Multiplier: 1,
		}, o.clock, logger)
	}

	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		gw.grpcServer, gw.healthServer = newHealthServer()
	}

	mux := http.NewServeMux()
	gw.registerRoutes(mux)
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

func openCheckpoints(ctx context.Context, cfg *config.Config, clk clock.Clock, logger *slog.Logger) (*checkpoint.Store, error) {
	path := cfg.Database.CheckpointPath
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating checkpoint directory: %w", err)
		}
	}
	s, err := checkpoint.Open(ctx, checkpoint.Config{
		Path:           path,
		MinConns:       cfg.Database.PoolMinSize,
		MaxConns:       cfg.Database.PoolMaxSize,
		MaxLifetime:    cfg.Database.PoolMaxLifetime,
		AcquireTimeout: cfg.Database.PoolAcquireTimeout,
		Clock:          clk,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing checkpoint store: %w", err)
	}
	return s, nil
}

// Handler returns the HTTP handler, mainly for tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Registry returns the tool registry.
func (g *Gateway) Registry() *mcp.Registry {
	return g.registry
}

// Dynamic returns the dynamic LLM configuration source.
func (g *Gateway) Dynamic() *dynconfig.Source {
	return g.dynamic
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
// grpcLn is nil when gRPC is disabled.
func (g *Gateway) setupListeners(ctx context.Context) (httpLn, grpcLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListeners(ctx)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}
	return httpLn, grpcLn, nil
}

// startServers starts the servers in goroutines, returning the error channel.
func (g *Gateway) startServers(httpLn, grpcLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the servers and background tasks and blocks until ctx is
// canceled or a server fails. Shutdown always runs before Run returns.
func (g *Gateway) Run(ctx context.Context) error {
	httpLn, grpcLn, err := g.setupListeners(ctx)
	if err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	g.startBackground()
	errCh := g.startServers(httpLn, grpcLn)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The run context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the gateway in dependency order: refuse new runs, finish
// HTTP, stop background tasks, deregister, then release tool processes and
// storage. Every error is logged and collected. Later calls return the
// first result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	var errs []error

	g.draining.Store(true)
	if g.healthServer != nil {
		g.healthServer.Shutdown()
	}
	// observers would otherwise hold their SSE connections open
	g.broadcaster.Close()

	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	if g.grpcServer != nil {
		g.shutdownGRPCServer(ctx)
	}

	g.bgCancel()
	g.bg.Wait()

	if g.registrar != nil {
		errs = appendCloseError(errs, "deregister", g.registrar.Stop(ctx))
	}

	g.mcpServer.Close()
	errs = appendCloseError(errs, "tool registry close", g.registry.Close())
	errs = appendCloseError(errs, "checkpoint store close", g.checkpoints.Close())
	errs = appendCloseError(errs, "history store close", g.history.Close())

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	for _, err := range errs {
		g.logger.Error("shutdown step failed", "error", err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	g.logger.Info("gateway stopped")
	return nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
		<-stopped
	}
}

// advertisedIP picks the address registered with discovery: the configured
// IP, else the HTTP host when it is specific, else the first non-loopback
// IPv4 address.
func advertisedIP(cfg *config.Config) string {
	if cfg.Discovery.IP != "" {
		return cfg.Discovery.IP
	}
	if host, _, err := net.SplitHostPort(cfg.Server.HTTPAddr); err == nil {
		if ip := net.ParseIP(host); ip != nil && !ip.IsUnspecified() && !ip.IsLoopback() {
			return host
		}
	}
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() && ipn.IP.To4() != nil {
				return ipn.IP.String()
			}
		}
	}
	return "127.0.0.1"
}
