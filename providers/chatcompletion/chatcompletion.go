// Package chatcompletion implements stepchat.Session on the OpenAI Chat
// Completions API and compatible endpoints. The API is stateless, so the
// conversation history is kept in memory.
package chatcompletion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/inspirepan/stepchat"
	"github.com/inspirepan/stepchat/providers/base"
)

const (
	providerName = "chatcompletion"
	DefaultModel = "gpt-4o-mini"
)

var ErrUnknownConversation = errors.New("chatcompletion: unknown conversation")

// Config configures a Chat Completions session.
type Config struct {
	base.Config

	Model  string
	Logger *slog.Logger

	// Name labels debug records. Defaults to "chatcompletion".
	Name string
	// CacheControl marks the system prompt and the last user or tool
	// message as cacheable, for gateways that forward it.
	CacheControl bool
	// ClientOptions are appended after the options derived from Config.
	ClientOptions []option.RequestOption
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

// WithRequestTimeout bounds each upstream request.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) { c.RequestTimeout = d }
}

// WithMaxRetries sets the SDK retry count.
func WithMaxRetries(n int) Option {
	return func(c *Config) { c.MaxRetries = &n }
}

// WithDebug enables JSONL debug logging to the specified file path.
func WithDebug(path string) Option {
	return func(c *Config) { c.DebugPath = path }
}

// WithLogger sets the logger for unmapped chunks.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithCacheControl enables cache_control markers.
func WithCacheControl(enabled bool) Option {
	return func(c *Config) { c.CacheControl = enabled }
}

// WithName sets the provider label used in debug records.
func WithName(name string) Option {
	return func(c *Config) { c.Name = name }
}

// WithClientOption passes a raw SDK request option through.
func WithClientOption(opt option.RequestOption) Option {
	return func(c *Config) { c.ClientOptions = append(c.ClientOptions, opt) }
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

// Session keeps per-conversation history and streams completions.
type Session struct {
	cfg    Config
	client openai.Client
	logger *slog.Logger

	mu      sync.Mutex
	history map[string][]openai.ChatCompletionMessageParamUnion
}

var _ stepchat.Session = (*Session)(nil)

// New creates a Session. It reads OPENAI_API_KEY and OPENAI_BASE_URL from
// environment if not explicitly set.
func New(opts ...Option) *Session {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	base.ApplyEnvDefaults(&cfg.Config, "OPENAI_API_KEY", "OPENAI_BASE_URL")
	return NewWithConfig(cfg)
}

// NewWithConfig creates a Session from a complete Config without reading
// the environment.
func NewWithConfig(cfg Config) *Session {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Name == "" {
		cfg.Name = providerName
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
	for k, v := range cfg.ExtraBody {
		clientOpts = append(clientOpts, option.WithJSONSet(k, v))
	}
	clientOpts = append(clientOpts, cfg.ClientOptions...)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Session{
		cfg:     cfg,
		client:  openai.NewClient(clientOpts...),
		logger:  logger,
		history: make(map[string][]openai.ChatCompletionMessageParamUnion),
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
	return s.appendMessages(conversationID, openai.UserMessage(text))
}

// Messages returns a copy of the conversation history.
func (s *Session) Messages(conversationID string) []openai.ChatCompletionMessageParamUnion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]openai.ChatCompletionMessageParamUnion(nil), s.history[conversationID]...)
}

func (s *Session) appendMessages(conversationID string, msgs ...openai.ChatCompletionMessageParamUnion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.history[conversationID]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownConversation, conversationID)
	}
	s.history[conversationID] = append(s.history[conversationID], msgs...)
	return nil
}

func (s *Session) Open(ctx context.Context, req stepchat.OpenRequest) (stepchat.UpstreamStream, error) {
	return s.stream(ctx, req)
}

// ResumeAfterTool appends one tool message per output and continues.
func (s *Session) ResumeAfterTool(ctx context.Context, req stepchat.ResumeRequest) (stepchat.UpstreamStream, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Outputs))
	for _, out := range req.Outputs {
		msgs = append(msgs, toolMessage(out))
	}
	if len(msgs) > 0 {
		if err := s.appendMessages(req.ConversationID, msgs...); err != nil {
			return nil, err
		}
	}
	return s.stream(ctx, req.OpenRequest)
}

func (s *Session) stream(ctx context.Context, req stepchat.OpenRequest) (stepchat.UpstreamStream, error) {
	s.mu.Lock()
	msgs, ok := s.history[req.ConversationID]
	msgs = append([]openai.ChatCompletionMessageParamUnion(nil), msgs...)
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownConversation, req.ConversationID)
	}

	params := buildParams(req, msgs, s.cfg.CacheControl)
	params.Model = req.Model
	if params.Model == "" {
		params.Model = s.cfg.Model
	}
	if s.cfg.Temperature != nil {
		params.Temperature = openai.Float(*s.cfg.Temperature)
	}
	if s.cfg.MaxOutputTokens != nil {
		params.MaxTokens = openai.Int(int64(*s.cfg.MaxOutputTokens))
	}

	debug, err := base.NewDebugLogger(s.cfg.DebugPath)
	if err != nil {
		return nil, err
	}
	debug.LogRecord(s.cfg.Name, params.Model, req.ConversationID, base.RecordRequest, params)

	raw := s.client.Chat.Completions.NewStreaming(ctx, params)
	commit := func(msg openai.ChatCompletionMessageParamUnion) {
		if err := s.appendMessages(req.ConversationID, msg); err != nil {
			s.logger.Warn("dropping assistant message", "conversation", req.ConversationID, "error", err)
		}
	}
	return newStream(raw, debug, s.logger, s.cfg.Name, params.Model, req.ConversationID, commit), nil
}
