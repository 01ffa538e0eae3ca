// ABOUTME: Holds the live LLM configuration and notifies subscribers when pushed content changes it
// ABOUTME: Content is the YAML document published in the configuration center

package dynconfig

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// LLMConfig selects the completion provider.
type LLMConfig struct {
	Provider string `yaml:"provider" json:"provider"`
	BaseURL  string `yaml:"base_url" json:"base_url"`
	Model    string `yaml:"model" json:"model"`
}

type document struct {
	LLM *LLMConfig `yaml:"llm"`
}

// Listener is called with the previous and the proposed configuration. An
// error rejects the proposal: Apply stops calling listeners and keeps the
// previous configuration.
type Listener func(old, updated LLMConfig) error

// Source is the current LLMConfig plus its subscribers.
type Source struct {
	applyMu sync.Mutex // serializes Apply so listeners see updates in order

	mu        sync.RWMutex
	current   LLMConfig
	listeners []Listener

	logger *slog.Logger
}

// NewSource starts from the statically configured values.
func NewSource(initial LLMConfig, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{current: initial, logger: logger.With("component", "dynconfig")}
}

// Current returns the active configuration.
func (s *Source) Current() LLMConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Subscribe registers fn. Listeners run synchronously, in registration
// order, on the goroutine that called Apply, before the change is committed.
func (s *Source) Subscribe(fn Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Apply merges the llm section of content into the current configuration.
// Fields that are absent or empty keep their value. Invalid YAML or a
// rejecting listener returns an error and changes nothing. Listeners run
// only when a value changed.
func (s *Source) Apply(content string) (changed bool, err error) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	if strings.TrimSpace(content) == "" {
		return false, nil
	}
	var doc document
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return false, fmt.Errorf("parsing dynamic config: %w", err)
	}
	if doc.LLM == nil {
		return false, nil
	}

	s.mu.RLock()
	old := s.current
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.RUnlock()

	updated := merge(old, *doc.LLM)
	if updated == old {
		return false, nil
	}
	for _, fn := range listeners {
		if err := fn(old, updated); err != nil {
			return false, fmt.Errorf("rejected llm configuration %s/%s: %w", updated.Provider, updated.Model, err)
		}
	}

	s.mu.Lock()
	s.current = updated
	s.mu.Unlock()

	s.logger.Info("llm configuration changed",
		"provider", updated.Provider,
		"model", updated.Model,
		"base_url", updated.BaseURL,
	)
	return true, nil
}

// OnContent adapts Apply to a configuration watch callback. Bad content is
// logged and ignored.
func (s *Source) OnContent(content string) {
	if _, err := s.Apply(content); err != nil {
		s.logger.Warn("ignoring dynamic config update", "error", err)
	}
}

func merge(base, patch LLMConfig) LLMConfig {
	if v := strings.TrimSpace(patch.Provider); v != "" {
		base.Provider = v
	}
	if v := strings.TrimSpace(patch.BaseURL); v != "" {
		base.BaseURL = v
	}
	if v := strings.TrimSpace(patch.Model); v != "" {
		base.Model = v
	}
	return base
}
