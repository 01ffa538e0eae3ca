// ABOUTME: Named collection of tool clients with aggregated, failure-tolerant tool listing
// ABOUTME: Routes tool calls to the owning client and optionally caches per-client listings

package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/agent-gateway/internal/cache"
)

// Registry holds tool clients by name. Names are unique; registering an
// existing name replaces and closes the previous client.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
	order   []string
	logger  *slog.Logger
	listing *cache.Cache[[]ToolDescriptor]
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithListingCache caches each client's tools/list result for ttl.
func WithListingCache(ttl time.Duration) RegistryOption {
	return func(r *Registry) {
		if ttl > 0 {
			r.listing = cache.New[[]ToolDescriptor](ttl, 0)
		}
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		clients: make(map[string]Client),
		logger:  logger.With("component", "mcp.registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds c under its name.
func (r *Registry) Register(c Client) error {
	if c == nil || c.Name() == "" {
		return errors.New("registering tool client: client must have a name")
	}
	name := c.Name()

	r.mu.Lock()
	prev, exists := r.clients[name]
	r.clients[name] = c
	if !exists {
		r.order = append(r.order, name)
	}
	r.mu.Unlock()

	if r.listing != nil {
		r.listing.Delete(name)
	}
	if exists && prev != c {
		if err := prev.Close(); err != nil {
			r.logger.Warn("closing replaced client", "client", name, "error", err)
		}
	}
	r.logger.Info("tool client registered", "client", name, "replaced", exists)
	return nil
}

// Unregister removes and closes the named client.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	c, ok := r.clients[name]
	if ok {
		delete(r.clients, name)
		for i, n := range r.order {
			if n == name {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("client %q: %w", name, ErrNotFound)
	}
	if r.listing != nil {
		r.listing.Delete(name)
	}
	return c.Close()
}

// Get returns the named client.
func (r *Registry) Get(name string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	return c, ok
}

// Names lists clients in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// AllTools asks every client for its tools concurrently. A client that
// fails is logged and contributes nothing; the rest are still returned in
// registration order.
func (r *Registry) AllTools(ctx context.Context) []ToolDescriptor {
	r.mu.RLock()
	names := append([]string(nil), r.order...)
	clients := make([]Client, len(names))
	for i, n := range names {
		clients[i] = r.clients[n]
	}
	r.mu.RUnlock()

	results := make([][]ToolDescriptor, len(clients))
	var wg sync.WaitGroup
	for i, c := range clients {
		if r.listing != nil {
			if cached, ok := r.listing.Get(c.Name()); ok {
				results[i] = cached
				continue
			}
		}
		wg.Add(1)
		go func(i int, c Client) {
			defer wg.Done()
			tools, err := c.ListTools(ctx)
			if err != nil {
				r.logger.Warn("listing tools failed", "client", c.Name(), "error", err)
				return
			}
			results[i] = tools
			if r.listing != nil {
				r.listing.Set(c.Name(), tools)
			}
		}(i, c)
	}
	wg.Wait()

	var all []ToolDescriptor
	for _, tools := range results {
		all = append(all, tools...)
	}
	return all
}

// FindTool returns the first tool with the given name across all clients.
func (r *Registry) FindTool(ctx context.Context, name string) (ToolDescriptor, error) {
	for _, t := range r.AllTools(ctx) {
		if t.Name == name {
			return t, nil
		}
	}
	return ToolDescriptor{}, fmt.Errorf("tool %q: %w", name, ErrNotFound)
}

// CallTool routes a call to the owning client.
func (r *Registry) CallTool(ctx context.Context, owner, name string, args map[string]any) (*ToolResult, error) {
	c, ok := r.Get(owner)
	if !ok {
		return nil, fmt.Errorf("client %q: %w", owner, ErrNotFound)
	}
	return c.CallTool(ctx, name, args)
}

// ConnectAll connects every client, returning the joined failures. Clients
// that fail stay registered; calling ConnectAll again retries them and
// respawns stdio servers that have exited.
func (r *Registry) ConnectAll(ctx context.Context) error {
	r.mu.RLock()
	clients := make([]Client, 0, len(r.order))
	for _, n := range r.order {
		clients = append(clients, r.clients[n])
	}
	r.mu.RUnlock()

	var errs []error
	for _, c := range clients {
		if err := c.Connect(ctx); err != nil {
			r.logger.Error("connecting tool client failed", "client", c.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
			continue
		}
		r.logger.Info("tool client connected", "client", c.Name())
	}
	return errors.Join(errs...)
}

// Close closes every client and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	clients := r.clients
	order := r.order
	r.clients = make(map[string]Client)
	r.order = nil
	r.mu.Unlock()

	var errs []error
	for _, n := range order {
		if err := clients[n].Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", n, err))
		}
	}
	if r.listing != nil {
		r.listing.Close()
	}
	return errors.Join(errs...)
}
