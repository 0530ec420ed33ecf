// Package openrouter configures a chatcompletion session for OpenRouter.
package openrouter

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go/v3/option"

	"github.com/inspirepan/stepchat/providers/base"
	cc "github.com/inspirepan/stepchat/providers/chatcompletion"
)

func isClaudeModel(model string) bool {
	return strings.Contains(strings.ToLower(model), "claude")
}

func isGeminiModel(model string) bool {
	return strings.Contains(strings.ToLower(model), "gemini")
}

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"
	DefaultModel   = "openai/gpt-4o-mini"
)

// ReasoningEffort defines the effort level for reasoning models.
// Supported by GPT-5 series and Gemini 3 series.
type ReasoningEffort string

const (
	ReasoningEffortXHigh   ReasoningEffort = "xhigh"
	ReasoningEffortHigh    ReasoningEffort = "high"
	ReasoningEffortMedium  ReasoningEffort = "medium"
	ReasoningEffortLow     ReasoningEffort = "low"
	ReasoningEffortMinimal ReasoningEffort = "minimal"
	ReasoningEffortNone    ReasoningEffort = "none"
)

// Verbosity defines the verbosity level for token efficiency control.
// Supported by GPT-5 and Claude Opus 4.5 (mapped from Effort parameter).
type Verbosity string

const (
	VerbosityHigh   Verbosity = "high"
	VerbosityMedium Verbosity = "medium"
	VerbosityLow    Verbosity = "low"
)

// ProviderSortStrategy defines the sorting strategy for provider routing.
type ProviderSortStrategy string

const (
	ProviderSortPrice      ProviderSortStrategy = "price"
	ProviderSortThroughput ProviderSortStrategy = "throughput"
	ProviderSortLatency    ProviderSortStrategy = "latency"
)

// AnthropicThinkingConfig configures thinking/reasoning for Anthropic models.
type AnthropicThinkingConfig struct {
	Enable    bool
	MaxTokens int
}

// ProviderRouting configures OpenRouter's provider routing preferences.
type ProviderRouting struct {
	Order  []string             // Preferred provider order
	Only   []string             // Only use these providers
	Ignore []string             // Ignore these providers
	Sort   ProviderSortStrategy // Sorting strategy when order is not specified
}

// Config configures OpenRouter API provider.
type Config struct {
	base.Config

	Model  string
	Logger *slog.Logger

	AnthropicThinking *AnthropicThinkingConfig
	ReasoningEffort   ReasoningEffort
	Verbosity         Verbosity
	ProviderRouting   *ProviderRouting
}

// Option is a functional option for this provider.
type Option func(*Config)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(c *Config) { c.APIKey = key }
}

// WithBaseURL overrides the OpenRouter endpoint.
func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

// WithModel sets the model slug, e.g. "anthropic/claude-sonnet-4".
func WithModel(model string) Option {
	return func(c *Config) { c.Model = model }
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithRequestTimeout bounds each upstream request.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) { c.RequestTimeout = d }
}

// WithMaxRetries sets the SDK retry count.
func WithMaxRetries(n int) Option {
	return func(c *Config) { c.MaxRetries = &n }
}

// WithTemperature sets the temperature.
func WithTemperature(t float64) Option {
	return func(c *Config) { c.Temperature = &t }
}

// WithMaxOutputTokens sets the max output tokens.
func WithMaxOutputTokens(n int) Option {
	return func(c *Config) { c.MaxOutputTokens = &n }
}

// WithDebug enables JSONL debug logging to the specified file path.
func WithDebug(path string) Option {
	return func(c *Config) { c.DebugPath = path }
}

// WithExtraHeader adds a custom header to requests.
func WithExtraHeader(key, value string) Option {
	return func(c *Config) {
		if c.ExtraHeaders == nil {
			c.ExtraHeaders = make(map[string]string)
		}
		c.ExtraHeaders[key] = value
	}
}

// WithExtraBody adds a custom field to the request body.
func WithExtraBody(key string, value any) Option {
	return func(c *Config) {
		if c.ExtraBody == nil {
			c.ExtraBody = make(map[string]any)
		}
		c.ExtraBody[key] = value
	}
}

// WithThinkingBudget configures thinking/reasoning budget for Anthropic models.
// See: https://openrouter.ai/docs/use-cases/reasoning-tokens#anthropic-models-with-reasoning-tokens
func WithThinkingBudget(maxTokens int) Option {
	return func(c *Config) {
		c.AnthropicThinking = &AnthropicThinkingConfig{
			Enable:    true,
			MaxTokens: maxTokens,
		}
	}
}

// WithReasoningEffort sets the reasoning effort level for reasoning models.
// Supported by GPT-5 series and Gemini 3 series.
func WithReasoningEffort(effort ReasoningEffort) Option {
	return func(c *Config) {
		c.ReasoningEffort = effort
	}
}

// WithVerbosity sets the verbosity level for token efficiency control.
// Supported by GPT-5 and Claude Opus 4.5 (mapped from Effort parameter).
func WithVerbosity(verbosity Verbosity) Option {
	return func(c *Config) {
		c.Verbosity = verbosity
	}
}

// WithProviderSorting sets the provider sorting strategy.
// Valid values: "price", "throughput", "latency".
func WithProviderSorting(strategy ProviderSortStrategy) Option {
	return func(c *Config) {
		if c.ProviderRouting == nil {
			c.ProviderRouting = &ProviderRouting{}
		}
		c.ProviderRouting.Sort = strategy
	}
}

// WithProviderOnly restricts to only use the specified providers.
func WithProviderOnly(providers ...string) Option {
	return func(c *Config) {
		if c.ProviderRouting == nil {
			c.ProviderRouting = &ProviderRouting{}
		}
		c.ProviderRouting.Only = providers
	}
}

// WithProviderOrder sets the preferred provider order.
func WithProviderOrder(providers ...string) Option {
	return func(c *Config) {
		if c.ProviderRouting == nil {
			c.ProviderRouting = &ProviderRouting{}
		}
		c.ProviderRouting.Order = providers
	}
}

// WithProviderIgnore sets providers to ignore.
func WithProviderIgnore(providers ...string) Option {
	return func(c *Config) {
		if c.ProviderRouting == nil {
			c.ProviderRouting = &ProviderRouting{}
		}
		c.ProviderRouting.Ignore = providers
	}
}

// New creates a chatcompletion session against OpenRouter. It reads
// OPENROUTER_API_KEY from environment if not explicitly set.
func New(opts ...Option) *cc.Session {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENROUTER_API_KEY")
	}
	return NewWithConfig(cfg)
}

// NewWithConfig creates the session from cfg without reading the environment.
func NewWithConfig(cfg Config) *cc.Session {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	return cc.NewWithConfig(cc.Config{
		Config:        cfg.Config,
		Model:         cfg.Model,
		Logger:        cfg.Logger,
		Name:          "openrouter",
		CacheControl:  isClaudeModel(cfg.Model) || isGeminiModel(cfg.Model),
		ClientOptions: clientOptions(cfg),
	})
}

// clientOptions turns the OpenRouter extensions into request options.
func clientOptions(cfg Config) []option.RequestOption {
	var opts []option.RequestOption
	if isClaudeModel(cfg.Model) {
		opts = append(opts, option.WithHeader(
			"x-anthropic-beta",
			"fine-grained-tool-streaming-2025-05-14",
		))
	}

	// Usage arrives in the last chunk.
	opts = append(opts, option.WithJSONSet("usage", map[string]any{"include": true}))

	if cfg.AnthropicThinking != nil {
		opts = append(opts, option.WithJSONSet("reasoning", map[string]any{
			"enable":     cfg.AnthropicThinking.Enable,
			"max_tokens": cfg.AnthropicThinking.MaxTokens,
		}))
	} else if cfg.ReasoningEffort != "" {
		opts = append(opts, option.WithJSONSet("reasoning", map[string]any{
			"effort": string(cfg.ReasoningEffort),
		}))
	}

	if cfg.Verbosity != "" {
		opts = append(opts, option.WithJSONSet("verbosity", string(cfg.Verbosity)))
	}

	if r := cfg.ProviderRouting; r != nil {
		provider := make(map[string]any)
		if len(r.Order) > 0 {
			provider["order"] = r.Order
		}
		if len(r.Only) > 0 {
			provider["only"] = r.Only
		}
		if len(r.Ignore) > 0 {
			provider["ignore"] = r.Ignore
		}
		if r.Sort != "" {
			provider["sort"] = string(r.Sort)
		}
		if len(provider) > 0 {
			opts = append(opts, option.WithJSONSet("provider", provider))
		}
	}
	return opts
}
