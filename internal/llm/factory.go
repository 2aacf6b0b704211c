package llm

import (
	"fmt"
	"os"

	"github.com/roelfdiedericks/agentloop/internal/metrics"
)

// Provider types
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Defaults
const (
	DefaultAnthropicModel = "claude-sonnet-4-5"
	DefaultOpenAIModel    = "gpt-4o"
	DefaultMaxTokens      = 8192
	DefaultMaxRetries     = 5
)

// Config selects and configures a provider.
type Config struct {
	Provider    string   // "anthropic" (default) or "openai"
	Model       string   // Provider default when empty
	APIKey      string   // Falls back to ANTHROPIC_API_KEY / OPENAI_API_KEY
	BaseURL     string   // Custom endpoint for compatible APIs
	MaxTokens   int      // Output limit, 0 = 8192
	Temperature *float64 // Provider default when nil
	MaxRetries  int      // Retries on rate limits and overloads
}

// New creates the configured provider.
func New(cfg Config, rec metrics.Recorder) (Provider, error) {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	switch cfg.Provider {
	case "", ProviderAnthropic:
		if cfg.Model == "" {
			cfg.Model = DefaultAnthropicModel
		}
		if cfg.APIKey == "" {
			cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		return NewAnthropicProvider(cfg, rec)
	case ProviderOpenAI:
		if cfg.Model == "" {
			cfg.Model = DefaultOpenAIModel
		}
		if cfg.APIKey == "" {
			cfg.APIKey = os.Getenv("OPENAI_API_KEY")
		}
		return NewOpenAIProvider(cfg, rec)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
