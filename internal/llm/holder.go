// ABOUTME: Runtime-swappable provider used by the generate step
// ABOUTME: Reconfigure rebuilds through the factory and keeps the old provider on failure

package llm

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Holder is a Provider that delegates to whichever provider was installed
// last. In-flight requests finish on the provider they started with.
type Holder struct {
	mu      sync.RWMutex
	current Provider
	cfg     Config
	logger  *slog.Logger
	build   func(ctx context.Context, cfg Config) (Provider, error)
}

// NewHolder builds the initial provider from cfg.
func NewHolder(ctx context.Context, cfg Config, logger *slog.Logger) (*Holder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Holder{
		cfg:    cfg,
		logger: logger.With("component", "llm"),
		build:  New,
	}
	p, err := h.build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	h.current = p
	h.logger.Info("completion provider ready", "provider", p.Name(), "model", p.Model())
	return h, nil
}

// NewStaticHolder wraps an existing provider; Reconfigure still uses the factory.
func NewStaticHolder(p Provider, logger *slog.Logger) *Holder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Holder{current: p, logger: logger.With("component", "llm"), build: New}
}

// Current returns the active provider.
func (h *Holder) Current() Provider {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Config returns the configuration of the active provider.
func (h *Holder) Config() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// Reconfigure swaps in a provider built from cfg. Credentials and limits not
// named in cfg are carried over. On error the current provider is kept.
func (h *Holder) Reconfigure(ctx context.Context, cfg Config) error {
	h.mu.RLock()
	prev := h.cfg
	h.mu.RUnlock()

	if cfg.APIKey == "" && normalize(cfg.Provider) == normalize(prev.Provider) {
		cfg.APIKey = prev.APIKey
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = prev.MaxTokens
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = prev.Temperature
	}

	p, err := h.build(ctx, cfg)
	if err != nil {
		h.logger.Error("keeping current provider", "provider", cfg.Provider, "error", err)
		return err
	}

	h.mu.Lock()
	h.current = p
	h.cfg = cfg
	h.mu.Unlock()

	h.logger.Info("completion provider switched", "provider", p.Name(), "model", p.Model(), "base_url", cfg.BaseURL)
	return nil
}

func (h *Holder) Name() string  { return h.Current().Name() }
func (h *Holder) Model() string { return h.Current().Model() }

// Complete delegates to the active provider.
func (h *Holder) Complete(ctx context.Context, req Request) (string, error) {
	p := h.Current()
	if p == nil {
		return "", errors.New("llm: no provider configured")
	}
	return p.Complete(ctx, req)
}

var _ Provider = (*Holder)(nil)
