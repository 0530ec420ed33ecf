package stepchat

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ToolSpec is the declarative tool schema exposed to the model.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	RenderHint  string         `json:"-"` // template used to render successful results
}

// ToolCall is a finished call ready for execution.
type ToolCall struct {
	CallID   string
	Name     string
	ArgsJSON json.RawMessage
}

// ToolResult is the outcome of one tool execution.
type ToolResult struct {
	CallID  string
	Name    string
	Payload any
	IsError bool

	// RenderHint overrides the template named by the tool spec.
	RenderHint string
	// ImageURL marks an image-typed result.
	ImageURL string
}

// Tool is an executable tool.
type Tool interface {
	Spec() ToolSpec
	Execute(ctx context.Context, call ToolCall) (ToolResult, error)
}

// FuncTool adapts a function into a Tool.
type FuncTool struct {
	ToolSpec
	Fn func(ctx context.Context, args json.RawMessage) (any, error)
}

func (f FuncTool) Spec() ToolSpec { return f.ToolSpec }

func (f FuncTool) Execute(ctx context.Context, call ToolCall) (ToolResult, error) {
	payload, err := f.Fn(ctx, call.ArgsJSON)
	if err != nil {
		return ToolResult{}, err
	}
	return ToolResult{CallID: call.CallID, Name: call.Name, Payload: payload}, nil
}

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry maps tool names to tools. It is built once and shared by turns.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registeredTool)}
}

// Register adds t, compiling its parameter schema.
func (r *Registry) Register(t Tool) error {
	spec := t.Spec()
	if spec.Name == "" {
		return fmt.Errorf("stepchat: tool name is required")
	}
	schema, err := compileSchema(spec.Name, spec.Parameters)
	if err != nil {
		return fmt.Errorf("stepchat: tool %s: %w", spec.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[spec.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, spec.Name)
	}
	r.tools[spec.Name] = registeredTool{tool: t, schema: schema}
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Resolve returns the tool registered under name.
func (r *Registry) Resolve(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	return rt.tool, ok
}

// Specs returns the specs of all registered tools ordered by name.
func (r *Registry) Specs() []ToolSpec {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]ToolSpec, 0, len(r.tools))
	for _, rt := range r.tools {
		specs = append(specs, rt.tool.Spec())
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Validate checks args against the schema of the named tool.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	r.mu.RLock()
	rt, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return ErrToolNotFound
	}
	if rt.schema == nil {
		return nil
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := rt.schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	if len(params) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	loc := name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(loc, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(loc)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
