// Package responses implements stepchat.Session on the OpenAI Responses API.
// Conversation history lives in a server-side conversation object; a resume
// appends function_call_output items to it and starts a new response.
package responses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/conversations"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"

	"github.com/inspirepan/stepchat"
	"github.com/inspirepan/stepchat/providers/base"
)

const (
	providerName = "responses"
	DefaultModel = "gpt-4o"
)

var ErrNoConversation = errors.New("responses: conversation id is required")

// Config configures the Responses session.
type Config struct {
	base.Config

	Model string

	// VectorStoreIDs enables the hosted file_search tool when non-empty.
	VectorStoreIDs []string
	// CodeInterpreter enables the hosted code_interpreter tool.
	CodeInterpreter bool
	// FunctionTools sends registered function tools. Defaults to true.
	FunctionTools bool

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

// WithModel sets the model used when a request names none.
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

// WithRequestTimeout bounds every request, streams included.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) { c.RequestTimeout = d }
}

// WithMaxRetries sets how often failed requests are retried.
func WithMaxRetries(n int) Option {
	return func(c *Config) { c.MaxRetries = &n }
}

// WithDebug enables JSONL debug logging to the specified file path.
func WithDebug(path string) Option {
	return func(c *Config) { c.DebugPath = path }
}

// WithFileSearch enables file_search over the given vector stores.
func WithFileSearch(vectorStoreIDs ...string) Option {
	return func(c *Config) { c.VectorStoreIDs = append(c.VectorStoreIDs, vectorStoreIDs...) }
}

// WithCodeInterpreter enables code_interpreter with an auto container.
func WithCodeInterpreter() Option {
	return func(c *Config) { c.CodeInterpreter = true }
}

// WithFunctionTools toggles sending registered function tools.
func WithFunctionTools(enabled bool) Option {
	return func(c *Config) { c.FunctionTools = enabled }
}

// WithLogger sets the logger for unmapped events and lookups.
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

// WithExtraBody adds a custom field to the request body.
func WithExtraBody(key string, value any) Option {
	return func(c *Config) {
		if c.ExtraBody == nil {
			c.ExtraBody = make(map[string]any)
		}
		c.ExtraBody[key] = value
	}
}

// Session talks to the Responses, Conversations, Files, Containers and
// Vector Stores APIs with one client.
type Session struct {
	cfg    Config
	client openai.Client
	logger *slog.Logger
}

var _ stepchat.Session = (*Session)(nil)
var _ stepchat.FileLocator = (*Session)(nil)

// New creates a Session. It reads OPENAI_API_KEY and OPENAI_BASE_URL from
// environment if not explicitly set.
func New(opts ...Option) *Session {
	cfg := Config{FunctionTools: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	base.ApplyEnvDefaults(&cfg.Config, "OPENAI_API_KEY", "OPENAI_BASE_URL")
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
	for k, v := range cfg.ExtraBody {
		clientOpts = append(clientOpts, option.WithJSONSet(k, v))
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Session{cfg: cfg, client: openai.NewClient(clientOpts...), logger: logger}
}

// Model returns the default model.
func (s *Session) Model() string { return s.cfg.Model }

// NewConversation creates an empty server-side conversation.
func (s *Session) NewConversation(ctx context.Context) (string, error) {
	conv, err := s.client.Conversations.New(ctx, conversations.ConversationNewParams{})
	if err != nil {
		return "", fmt.Errorf("responses: create conversation: %w", err)
	}
	return conv.ID, nil
}

// AddUserMessage appends a user message to the conversation.
func (s *Session) AddUserMessage(ctx context.Context, conversationID, text string) error {
	if conversationID == "" {
		return ErrNoConversation
	}
	_, err := s.client.Conversations.Items.New(ctx, conversationID, conversations.ItemNewParams{
		Items: []responses.ResponseInputItemUnionParam{
			responses.ResponseInputItemParamOfMessage(text, responses.EasyInputMessageRoleUser),
		},
	})
	if err != nil {
		return fmt.Errorf("responses: add message: %w", err)
	}
	return nil
}

func (s *Session) Open(ctx context.Context, req stepchat.OpenRequest) (stepchat.UpstreamStream, error) {
	if req.ConversationID == "" {
		return nil, ErrNoConversation
	}
	params := s.buildParams(req)
	params.Input = responses.ResponseNewParamsInputUnion{OfString: openai.String("")}
	return s.stream(ctx, req, params)
}

func (s *Session) ResumeAfterTool(ctx context.Context, req stepchat.ResumeRequest) (stepchat.UpstreamStream, error) {
	if req.ConversationID == "" && req.ResponseID == "" {
		return nil, ErrNoConversation
	}
	params := s.buildParams(req.OpenRequest)
	if req.ConversationID == "" {
		params.PreviousResponseID = openai.String(req.ResponseID)
	}
	items := make(responses.ResponseInputParam, 0, len(req.Outputs))
	for _, out := range req.Outputs {
		items = append(items, responses.ResponseInputItemParamOfFunctionCallOutput(out.CallID, out.Output))
	}
	params.Input = responses.ResponseNewParamsInputUnion{OfInputItemList: items}
	return s.stream(ctx, req.OpenRequest, params)
}

func (s *Session) buildParams(req stepchat.OpenRequest) responses.ResponseNewParams {
	model := req.Model
	if model == "" {
		model = s.cfg.Model
	}
	params := responses.ResponseNewParams{
		Model:             model,
		ParallelToolCalls: openai.Bool(false),
		Tools:             s.buildTools(req.Tools),
	}
	if req.ConversationID != "" {
		params.Conversation = responses.ResponseNewParamsConversationUnion{OfString: openai.String(req.ConversationID)}
	}
	if req.Instructions != "" {
		params.Instructions = openai.String(req.Instructions)
	}
	if s.cfg.Temperature != nil {
		params.Temperature = openai.Float(*s.cfg.Temperature)
	}
	if s.cfg.MaxOutputTokens != nil {
		params.MaxOutputTokens = openai.Int(int64(*s.cfg.MaxOutputTokens))
	}
	if s.cfg.CodeInterpreter {
		params.Include = []responses.ResponseIncludable{responses.ResponseIncludableCodeInterpreterCallOutputs}
	}
	return params
}

func (s *Session) buildTools(specs []stepchat.ToolSpec) []responses.ToolUnionParam {
	var tools []responses.ToolUnionParam
	if len(s.cfg.VectorStoreIDs) > 0 {
		tools = append(tools, responses.ToolParamOfFileSearch(s.cfg.VectorStoreIDs))
	}
	if s.cfg.CodeInterpreter {
		tools = append(tools, responses.ToolParamOfCodeInterpreter(
			responses.ToolCodeInterpreterContainerCodeInterpreterContainerAutoParam{},
		))
	}
	if !s.cfg.FunctionTools {
		return tools
	}
	for _, spec := range specs {
		params := spec.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tool := responses.ToolParamOfFunction(spec.Name, params, false)
		if spec.Description != "" {
			tool.OfFunction.Description = openai.String(spec.Description)
		}
		tools = append(tools, tool)
	}
	return tools
}

func (s *Session) stream(ctx context.Context, req stepchat.OpenRequest, params responses.ResponseNewParams) (stepchat.UpstreamStream, error) {
	debug, err := base.NewDebugLogger(s.cfg.DebugPath)
	if err != nil {
		return nil, err
	}
	debug.LogRecord(providerName, params.Model, req.ConversationID, base.RecordRequest, params)

	raw := s.client.Responses.NewStreaming(ctx, params)
	return newStream(raw, debug, s.logger, params.Model, req.ConversationID), nil
}
