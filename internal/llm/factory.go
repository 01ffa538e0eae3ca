// ABOUTME: Builds a Provider from a {provider, base_url, model} configuration
// ABOUTME: API keys come from the config or the provider's conventional environment variable

package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Provider names understood by New.
const (
	ProviderTemplate  = "template"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
)

const (
	defaultMaxTokens   = 1024
	defaultTemperature = 0.7
)

// Config selects and configures a provider.
type Config struct {
	Provider    string
	BaseURL     string
	Model       string
	APIKey      string
	MaxTokens   int
	Temperature float32
}

// DefaultModel returns the model used when none is configured.
func DefaultModel(provider string) string {
	switch normalize(provider) {
	case ProviderOpenAI:
		return "gpt-4o-mini"
	case ProviderGemini:
		return "gemini-2.0-flash"
	case ProviderAnthropic:
		return "claude-3-5-haiku-latest"
	default:
		return "template"
	}
}

// APIKeyEnv names the environment variable holding the provider's key.
func APIKeyEnv(provider string) string {
	switch normalize(provider) {
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	case ProviderGemini:
		return "GEMINI_API_KEY"
	case ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	default:
		return ""
	}
}

// New builds the provider named by cfg.Provider. Empty means template.
func New(ctx context.Context, cfg Config) (Provider, error) {
	name := normalize(cfg.Provider)
	model := cfg.Model
	if model == "" {
		model = DefaultModel(name)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}
	key := cfg.APIKey
	if key == "" {
		if env := APIKeyEnv(name); env != "" {
			key = os.Getenv(env)
		}
	}

	switch name {
	case ProviderTemplate:
		return NewTemplateProvider(), nil
	case ProviderOpenAI:
		return NewOpenAIProvider(key, cfg.BaseURL, model, maxTokens, temperature), nil
	case ProviderGemini:
		return NewGeminiProvider(ctx, key, cfg.BaseURL, model, maxTokens, temperature), nil
	case ProviderAnthropic:
		return NewAnthropicProvider(key, cfg.BaseURL, model, maxTokens, temperature), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}

func normalize(provider string) string {
	switch p := strings.ToLower(strings.TrimSpace(provider)); p {
	case "":
		return ProviderTemplate
	case "google":
		return ProviderGemini
	case "claude":
		return ProviderAnthropic
	case "gpt":
		return ProviderOpenAI
	default:
		return p
	}
}
