// Package anthropic implements stepchat.Session on the Anthropic Messages API.
// The API is stateless, so conversation history is kept in memory and keyed
// by a locally generated conversation id.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/inspirepan/stepchat"
	"github.com/inspirepan/stepchat/providers/base"
)

const (
	providerName     = "anthropic"
	DefaultModel     = "claude-sonnet-4-5"
	DefaultMaxTokens = 4096
)

var ErrUnknownConversation = errors.New("anthropic: unknown conversation")

// Config configures the Anthropic session.
type Config struct {
	base.Config

	Model  string
	Logger *slog.Logger
}

// Option is a functional option for this session.
type Option func(*Config)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(c *Config) { c.APIKey = key }
}

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

// WithModel sets the default model.
func WithModel(model string) Option {
	return func(c *Config) { c.Model = model }
}

// WithTemperature sets the temperature.
func WithTemperature(t float64) Option {
	return func(c *Config) { c.Temperature = &t }
}

// WithMaxOutputTokens sets the max output tokens.
func WithMaxOutputTokens(n int) Option {
	return func(c *Config) { c.MaxOutputTokens = &n }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) { c.RequestTimeout = d }
}

func WithMaxRetries(n int) Option {
	return func(c *Config) { c.MaxRetries = &n }
}

// WithDebug enables JSONL debug logging to the specified file path.
func WithDebug(path string) Option {
	return func(c *Config) { c.DebugPath = path }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
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

// Session holds per-conversation message history.
type Session struct {
	cfg    Config
	client anthropic.Client
	logger *slog.Logger

	mu      sync.Mutex
	history map[string][]anthropic.MessageParam
}

var _ stepchat.Session = (*Session)(nil)

// New creates a Session. It reads ANTHROPIC_API_KEY and ANTHROPIC_BASE_URL
// from environment if not explicitly set.
func New(opts ...Option) *Session {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	base.ApplyEnvDefaults(&cfg.Config, "ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	var clientOpts []option.RequestOption
	if cfg.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.RequestTimeout > 0 {
		clientOpts = append(clientOpts, option.WithRequestTimeout(cfg.RequestTimeout))
	}
	if cfg.MaxRetries != nil {
		clientOpts = append(clientOpts, option.WithMaxRetries(*cfg.MaxRetries))
	}
	for k, v := range cfg.ExtraHeaders {
		clientOpts = append(clientOpts, option.WithHeader(k, v))
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Session{
		cfg:     cfg,
		client:  anthropic.NewClient(clientOpts...),
		logger:  logger,
		history: make(map[string][]anthropic.MessageParam),
	}
}

// Model returns the default model.
func (s *Session) Model() string { return s.cfg.Model }

// NewConversation starts an empty history and returns its id.
func (s *Session) NewConversation(_ context.Context) (string, error) {
	id := "conv_" + uuid.NewString()
	s.mu.Lock()
	s.history[id] = nil
	s.mu.Unlock()
	return id, nil
}

// AddUserMessage appends a user message to the conversation.
func (s *Session) AddUserMessage(_ context.Context, conversationID, text string) error {
	return s.appendMessage(conversationID, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
}

// Messages returns a copy of the conversation history.
func (s *Session) Messages(conversationID string) []anthropic.MessageParam {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]anthropic.MessageParam(nil), s.history[conversationID]...)
}

func (s *Session) appendMessage(conversationID string, msg anthropic.MessageParam) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.history[conversationID]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownConversation, conversationID)
	}
	s.history[conversationID] = append(s.history[conversationID], msg)
	return nil
}

func (s *Session) Open(ctx context.Context, req stepchat.OpenRequest) (stepchat.UpstreamStream, error) {
	return s.stream(ctx, req)
}

// ResumeAfterTool records the tool results as a user turn and continues.
func (s *Session) ResumeAfterTool(ctx context.Context, req stepchat.ResumeRequest) (stepchat.UpstreamStream, error) {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(req.Outputs))
	for _, out := range req.Outputs {
		blocks = append(blocks, anthropic.NewToolResultBlock(out.CallID, out.Output, false))
	}
	if len(blocks) > 0 {
		if err := s.appendMessage(req.ConversationID, anthropic.NewUserMessage(blocks...)); err != nil {
			return nil, err
		}
	}
	return s.stream(ctx, req.OpenRequest)
}

func (s *Session) stream(ctx context.Context, req stepchat.OpenRequest) (stepchat.UpstreamStream, error) {
	s.mu.Lock()
	msgs, ok := s.history[req.ConversationID]
	msgs = append([]anthropic.MessageParam(nil), msgs...)
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownConversation, req.ConversationID)
	}

	params := s.buildParams(req, msgs)
	debug, err := base.NewDebugLogger(s.cfg.DebugPath)
	if err != nil {
		return nil, err
	}
	debug.LogRecord(providerName, string(params.Model), req.ConversationID, base.RecordRequest, params)

	raw := s.client.Messages.NewStreaming(ctx, params)
	commit := func(msg anthropic.MessageParam) {
		if err := s.appendMessage(req.ConversationID, msg); err != nil {
			s.logger.Warn("dropping assistant message", "conversation", req.ConversationID, "error", err)
		}
	}
	return newStream(raw, debug, s.logger, string(params.Model), req.ConversationID, commit), nil
}

func (s *Session) buildParams(req stepchat.OpenRequest, msgs []anthropic.MessageParam) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = s.cfg.Model
	}
	maxTokens := DefaultMaxTokens
	if s.cfg.MaxOutputTokens != nil {
		maxTokens = *s.cfg.MaxOutputTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Tools:     buildTools(req.Tools),
	}
	if req.Instructions != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.Instructions}}
	}
	if s.cfg.Temperature != nil {
		params.Temperature = anthropic.Float(*s.cfg.Temperature)
	}
	return params
}

func buildTools(specs []stepchat.ToolSpec) []anthropic.ToolUnionParam {
	var tools []anthropic.ToolUnionParam
	for _, spec := range specs {
		schema := anthropic.ToolInputSchemaParam{}
		if spec.Parameters != nil {
			schema.Properties = spec.Parameters["properties"]
			schema.Required = requiredFields(spec.Parameters["required"])
		}
		tool := anthropic.ToolUnionParamOfTool(schema, spec.Name)
		if spec.Description != "" && tool.OfTool != nil {
			tool.OfTool.Description = anthropic.String(spec.Description)
		}
		tools = append(tools, tool)
	}
	return tools
}

func requiredFields(v any) []string {
	switch r := v.(type) {
	case []string:
		return r
	case []any:
		out := make([]string, 0, len(r))
		for _, f := range r {
			if s, ok := f.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
