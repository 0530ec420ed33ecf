package stepchat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"
)

// Renderer turns a named template and its data into a markup fragment.
type Renderer interface {
	Render(name string, data any) (string, error)
}

// Dispatcher resolves finished calls against a Registry and runs them.
type Dispatcher struct {
	Registry *Registry
	Renderer Renderer
	// Timeout bounds a single handler run. Zero means no bound. A handler that
	// ignores its context keeps running after the bound; its result is dropped.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Dispatched is the outcome of one dispatch.
type Dispatched struct {
	Result ToolResult
	// Fragment is the visible markup for the result.
	Fragment string
	// Output is the JSON sent back upstream.
	Output string
	// TimedOut is set when the handler ran past Timeout.
	TimedOut bool
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger == nil {
		return discardLogger
	}
	return d.Logger
}

// Dispatch executes call. Failures are reported in the result, never
// returned.
func (d *Dispatcher) Dispatch(ctx context.Context, call ToolCall) Dispatched {
	res, timedOut := d.execute(ctx, call)
	res.CallID = call.CallID
	if res.Name == "" {
		res.Name = call.Name
	}
	return Dispatched{
		Result:   res,
		Fragment: d.fragment(call, res),
		Output:   d.output(res),
		TimedOut: timedOut,
	}
}

func (d *Dispatcher) execute(ctx context.Context, call ToolCall) (ToolResult, bool) {
	tool, ok := d.Registry.Resolve(call.Name)
	if !ok {
		d.logger().Warn("tool not found", "tool", call.Name, "call_id", call.CallID)
		return toolNotFoundResult(call), false
	}
	if err := d.Registry.Validate(call.Name, call.ArgsJSON); err != nil {
		d.logger().Warn("tool arguments rejected", "tool", call.Name, "call_id", call.CallID, "error", err)
		return errorToolResult(call, err), false
	}

	toolCtx, cancel := ctx, context.CancelFunc(func() {})
	if d.Timeout > 0 {
		toolCtx, cancel = context.WithTimeout(ctx, d.Timeout)
	}
	defer cancel()

	type ran struct {
		res ToolResult
		err error
	}
	done := make(chan ran, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger().Error("tool panicked", "tool", call.Name, "call_id", call.CallID, "panic", r)
				done <- ran{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		out, err := tool.Execute(toolCtx, call)
		done <- ran{res: out, err: err}
	}()

	var r ran
	select {
	case r = <-done:
	case <-toolCtx.Done():
		r.err = toolCtx.Err()
	}
	if d.Timeout > 0 && ctx.Err() == nil && errors.Is(toolCtx.Err(), context.DeadlineExceeded) {
		d.logger().Warn("tool timed out", "tool", call.Name, "call_id", call.CallID, "timeout", d.Timeout)
		return errorToolResult(call, fmt.Errorf("%w after %s", ErrToolTimeout, d.Timeout)), true
	}
	if r.err != nil {
		d.logger().Warn("tool failed", "tool", call.Name, "call_id", call.CallID, "error", r.err)
		return errorToolResult(call, r.err), false
	}
	return r.res, false
}

func (d *Dispatcher) fragment(call ToolCall, res ToolResult) string {
	if res.IsError {
		return errorFragment(res.Payload)
	}
	if res.ImageURL != "" {
		return imageFragment(res.ImageURL)
	}

	hint := res.RenderHint
	if hint == "" {
		if tool, ok := d.Registry.Resolve(call.Name); ok {
			hint = tool.Spec().RenderHint
		}
	}
	if hint != "" && d.Renderer != nil {
		out, err := d.Renderer.Render(hint, res.Payload)
		if err == nil {
			return out
		}
		d.logger().Warn("render failed, using raw output", "tool", call.Name, "template", hint, "error", err)
	}
	return dumpFragment(res.Payload)
}

func (d *Dispatcher) output(res ToolResult) string {
	b, err := json.Marshal(res.Payload)
	if err != nil {
		d.logger().Error("tool payload is not serializable", "tool", res.Name, "error", err)
		b, _ = json.Marshal(errorPayload(fmt.Sprintf("unserializable tool output: %v", err)))
	}
	return string(b)
}

func errorPayload(msg string) map[string]any {
	return map[string]any{"message": msg}
}

func toolNotFoundResult(call ToolCall) ToolResult {
	return ToolResult{
		CallID:  call.CallID,
		Name:    call.Name,
		IsError: true,
		Payload: errorPayload("tool not found: " + call.Name),
	}
}

func errorToolResult(call ToolCall, err error) ToolResult {
	return ToolResult{
		CallID:  call.CallID,
		Name:    call.Name,
		IsError: true,
		Payload: errorPayload(err.Error()),
	}
}

func errorFragment(payload any) string {
	msg := "unknown error"
	switch p := payload.(type) {
	case string:
		msg = p
	case map[string]any:
		if s, ok := p["message"].(string); ok {
			msg = s
		}
	}
	return `<div class="tool-error">Function error: ` + html.EscapeString(msg) + `</div>`
}

func imageFragment(src string) string {
	return `<img class="tool-image" src="` + html.EscapeString(src) + `" alt="tool output">`
}

func dumpFragment(payload any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	text := fmt.Sprintf("%v", payload)
	if err := enc.Encode(payload); err == nil {
		text = strings.TrimSuffix(buf.String(), "\n")
	}
	return `<pre class="tool-output">` + html.EscapeString(text) + `</pre>`
}
