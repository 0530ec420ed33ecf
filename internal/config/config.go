// Package config loads the server configuration from an optional YAML file,
// environment variables and the .env file edited by the setup page.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ProviderResponses = "responses"
	ProviderAnthropic = "anthropic"
	// ProviderChatCompletion uses the openai section against any Chat
	// Completions endpoint.
	ProviderChatCompletion = "chatcompletion"
	ProviderOpenRouter     = "openrouter"

	ToolFileSearch      = "file_search"
	ToolCodeInterpreter = "code_interpreter"
	ToolFunction        = "function"

	DefaultModel          = "gpt-4o"
	DefaultAnthropicModel = "claude-sonnet-4-5"
	DefaultOpenRouterModel = "openai/gpt-4o-mini"
	DefaultAddr           = ":8000"
	DefaultEnvFile        = ".env"
)

var (
	ErrUnknownProvider = errors.New("config: unknown provider")
	ErrUnknownTool     = errors.New("config: unknown tool")
	ErrNoVectorStore   = errors.New("config: file_search requires a vector store id")
	ErrHostedTool      = errors.New("config: hosted tool")
)

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Provider  string          `yaml:"provider"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenRouter OpenRouterConfig `yaml:"openrouter"`
	Tools     ToolsConfig     `yaml:"tools"`
	Log       LogConfig       `yaml:"log"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// UploadDir holds files uploaded through the file routes.
	UploadDir string `yaml:"upload_dir"`
	// EnvFile is where the setup page persists values.
	EnvFile string `yaml:"env_file"`
	// TurnTimeout bounds one receive stream. Zero means no bound.
	TurnTimeout time.Duration `yaml:"turn_timeout"`
}

type OpenAIConfig struct {
	APIKey        string        `yaml:"api_key"`
	BaseURL       string        `yaml:"base_url"`
	Model         string        `yaml:"model"`
	Instructions  string        `yaml:"instructions"`
	VectorStoreID string        `yaml:"vector_store_id"`
	Timeout       time.Duration `yaml:"timeout"`
	Debug         string        `yaml:"debug_path"`
}

type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type OpenRouterConfig struct {
	APIKey          string `yaml:"api_key"`
	Model           string `yaml:"model"`
	ReasoningEffort string `yaml:"reasoning_effort"`
	// ProviderOrder lists upstream providers OpenRouter should try first.
	ProviderOrder []string `yaml:"provider_order"`
}

type ToolsConfig struct {
	Enabled    []string      `yaml:"enabled"`
	ShowDetail bool          `yaml:"show_detail"`
	Timeout    time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Load reads path (optional), expands ${VAR} references, applies defaults
// and environment overrides, then validates.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.Expand(string(data), func(key string) string {
			v, _ := lookup(key)
			return v
		})
		dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultAddr
	}
	if cfg.Server.UploadDir == "" {
		cfg.Server.UploadDir = "uploads"
	}
	if cfg.Server.EnvFile == "" {
		cfg.Server.EnvFile = DefaultEnvFile
	}
	if cfg.Provider == "" {
		cfg.Provider = ProviderResponses
	}
	if cfg.OpenAI.Model == "" {
		cfg.OpenAI.Model = DefaultModel
	}
	if cfg.Anthropic.Model == "" {
		cfg.Anthropic.Model = DefaultAnthropicModel
	}
	if cfg.OpenRouter.Model == "" {
		cfg.OpenRouter.Model = DefaultOpenRouterModel
	}
	if cfg.Tools.Enabled == nil {
		cfg.Tools.Enabled = []string{ToolFunction}
	}
	if cfg.Tools.Timeout == 0 {
		cfg.Tools.Timeout = 30 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("PROVIDER", &cfg.Provider)
	str("OPENAI_API_KEY", &cfg.OpenAI.APIKey)
	str("OPENAI_BASE_URL", &cfg.OpenAI.BaseURL)
	str("RESPONSES_MODEL", &cfg.OpenAI.Model)
	str("RESPONSES_INSTRUCTIONS", &cfg.OpenAI.Instructions)
	str("VECTOR_STORE_ID", &cfg.OpenAI.VectorStoreID)
	str("ANTHROPIC_API_KEY", &cfg.Anthropic.APIKey)
	str("ANTHROPIC_BASE_URL", &cfg.Anthropic.BaseURL)
	str("ANTHROPIC_MODEL", &cfg.Anthropic.Model)
	str("OPENROUTER_API_KEY", &cfg.OpenRouter.APIKey)
	str("OPENROUTER_MODEL", &cfg.OpenRouter.Model)
	str("OPENROUTER_REASONING_EFFORT", &cfg.OpenRouter.ReasoningEffort)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Tracing.Endpoint)

	if v, ok := lookup("ENABLED_TOOLS"); ok {
		cfg.Tools.Enabled = SplitTools(v)
	}
	if v, ok := lookup("SHOW_TOOL_CALL_DETAIL"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: SHOW_TOOL_CALL_DETAIL: %w", err)
		}
		cfg.Tools.ShowDetail = b
	}
	return nil
}

// SplitTools parses a comma separated tool list, dropping blanks.
func SplitTools(s string) []string {
	tools := []string{}
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tools = append(tools, t)
		}
	}
	return tools
}

// ToolEnabled reports whether name is in the enabled tool list.
func (c *Config) ToolEnabled(name string) bool {
	return slices.Contains(c.Tools.Enabled, name)
}

// Model returns the model of the selected provider.
func (c *Config) Model() string {
	switch c.Provider {
	case ProviderAnthropic:
		return c.Anthropic.Model
	case ProviderOpenRouter:
		return c.OpenRouter.Model
	}
	return c.OpenAI.Model
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Provider {
	case ProviderResponses, ProviderAnthropic, ProviderChatCompletion, ProviderOpenRouter:
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownProvider, c.Provider))
	}
	for _, t := range c.Tools.Enabled {
		switch t {
		case ToolFileSearch, ToolCodeInterpreter:
			if c.Provider != ProviderResponses {
				errs = append(errs, fmt.Errorf("%w: %q needs the responses provider", ErrHostedTool, t))
			}
		case ToolFunction:
		default:
			errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownTool, t))
		}
	}
	switch c.OpenRouter.ReasoningEffort {
	case "", "xhigh", "high", "medium", "low", "minimal", "none":
	default:
		errs = append(errs, fmt.Errorf("config: unknown openrouter.reasoning_effort %q", c.OpenRouter.ReasoningEffort))
	}
	if c.ToolEnabled(ToolFileSearch) && c.OpenAI.VectorStoreID == "" {
		errs = append(errs, ErrNoVectorStore)
	}
	if c.Tools.Timeout < 0 {
		errs = append(errs, errors.New("config: tools.timeout must not be negative"))
	}
	if c.Server.TurnTimeout < 0 {
		errs = append(errs, errors.New("config: server.turn_timeout must not be negative"))
	}
	if c.OpenAI.Timeout < 0 {
		errs = append(errs, errors.New("config: openai.timeout must not be negative"))
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, errors.New("config: tracing.sampling_rate must be within [0, 1]"))
	}
	return errors.Join(errs...)
}
