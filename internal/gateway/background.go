// ABOUTME: Supervised background tasks: tool connection, registration and config watching
// ABOUTME: Every task runs under the gateway's background context and is awaited on shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/agent-gateway/internal/config"
	"github.com/2389/agent-gateway/internal/discovery"
	"github.com/2389/agent-gateway/internal/mcp"
)

const (
	braveClientName = "brave-search"
	javaClientName  = "java-service"
)

// goBackground runs fn under the background context. A panic is logged
// instead of taking the process down.
func (g *Gateway) goBackground(name string, fn func(ctx context.Context)) {
	g.bg.Add(1)
	go func() {
		defer g.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("background task panicked", "task", name, "panic", r)
			}
		}()
		g.logger.Debug("background task started", "task", name)
		fn(g.bgCtx)
		g.logger.Debug("background task finished", "task", name)
	}()
}

func (g *Gateway) startBackground() {
	g.goBackground("connect-tools", g.connectTools)
	if g.registrar != nil {
		g.goBackground("register", func(ctx context.Context) {
			// failures are logged by the registrar, which keeps retrying
			_ = g.registrar.Start(ctx)
		})
	}
	if g.directory != nil && g.config.Discovery.Enabled {
		g.goBackground("watch-config", g.watchConfig)
	}
}

// registerToolClients builds the configured clients. A client that cannot
// be built is logged and skipped so the others still serve.
func registerToolClients(registry *mcp.Registry, cfg *config.Config, logger *slog.Logger) error {
	tools := cfg.Tools
	if !tools.Brave.Disabled {
		c, err := mcp.NewStdioClient(mcp.StdioConfig{
			Name:        braveClientName,
			Command:     tools.Brave.Command,
			Args:        tools.Brave.Args,
			CallTimeout: tools.CallTimeout,
		}, logger)
		if err != nil {
			logger.Warn("skipping tool client", "client", braveClientName, "error", err)
		} else if err := registry.Register(c); err != nil {
			return fmt.Errorf("registering %s: %w", braveClientName, err)
		}
	}

	if !tools.Java.Disabled && tools.Java.URL != "" {
		c, err := newJavaClient(cfg, tools.Java.URL, logger)
		if err != nil {
			logger.Warn("skipping tool client", "client", javaClientName, "error", err)
		} else if err := registry.Register(c); err != nil {
			return fmt.Errorf("registering %s: %w", javaClientName, err)
		}
	}

	if tools.ManifestPath != "" {
		specs, err := mcp.LoadManifest(tools.ManifestPath)
		if err != nil {
			return fmt.Errorf("loading tool manifest: %w", err)
		}
		for _, spec := range specs {
			c, err := spec.NewClient(tools.CallTimeout, logger)
			if err != nil {
				logger.Warn("skipping tool client", "client", spec.Name, "error", err)
				continue
			}
			if err := registry.Register(c); err != nil {
				return fmt.Errorf("registering %s: %w", spec.Name, err)
			}
		}
	}
	return nil
}

func newJavaClient(cfg *config.Config, baseURL string, logger *slog.Logger) (*mcp.HTTPClient, error) {
	return mcp.NewHTTPClient(mcp.HTTPConfig{
		Name:    javaClientName,
		BaseURL: baseURL,
		Path:    cfg.Tools.Java.Path,
		Timeout: cfg.Tools.CallTimeout,
	}, logger)
}

// connectTools connects every registered client, then resolves the java
// service through discovery. Failures leave that client out of listings.
func (g *Gateway) connectTools(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, g.config.Tools.ConnectTimeout)
	defer cancel()

	if err := g.registry.ConnectAll(ctx); err != nil {
		g.logger.Warn("some tool clients are unavailable", "error", err)
	}

	java := g.config.Tools.Java
	if java.Disabled || java.URL != "" || g.directory == nil {
		return
	}
	if err := g.connectDiscoveredJava(ctx); err != nil {
		level := slog.LevelWarn
		if errors.Is(err, context.Canceled) {
			level = slog.LevelDebug
		}
		g.logger.Log(ctx, level, "java tool service unavailable", "service", java.ServiceName, "error", err)
	}
}

func (g *Gateway) connectDiscoveredJava(ctx context.Context) error {
	url, err := discovery.ResolveURL(ctx, g.directory, g.config.Tools.Java.ServiceName)
	if err != nil {
		return fmt.Errorf("resolving: %w", err)
	}
	c, err := newJavaClient(g.config, url, g.logger)
	if err != nil {
		return err
	}
	if err := c.Connect(ctx); err != nil {
		_ = c.Close()
		return fmt.Errorf("connecting: %w", err)
	}
	if err := g.registry.Register(c); err != nil {
		_ = c.Close()
		return fmt.Errorf("registering: %w", err)
	}
	g.logger.Info("tool client connected", "client", javaClientName, "url", c.Endpoint())
	return nil
}

// watchConfig seeds the dynamic config from the server, then follows
// changes until the background context ends.
func (g *Gateway) watchConfig(ctx context.Context) {
	key := discovery.ConfigKey{DataID: g.config.Discovery.ConfigDataID, Group: g.config.Discovery.ConfigGroup}

	content, err := g.directory.GetConfig(ctx, key)
	switch {
	case err == nil:
		g.dynamic.OnContent(content)
	case errors.Is(err, discovery.ErrConfigNotFound):
		g.logger.Info("no dynamic config published yet", "key", key.String())
	default:
		g.logger.Warn("fetching dynamic config failed", "key", key.String(), "error", err)
	}

	if err := g.directory.WatchConfig(ctx, key, g.dynamic.OnContent); err != nil && ctx.Err() == nil {
		g.logger.Error("config watch stopped", "key", key.String(), "error", err)
	}
}
