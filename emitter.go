package stepchat

import (
	"fmt"
	"html"
	"strings"
)

// Sink receives downstream events in order. Send blocks only on the
// transport.
type Sink interface {
	Send(ev DownstreamEvent) error
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(ev DownstreamEvent) error

func (f SinkFunc) Send(ev DownstreamEvent) error { return f(ev) }

// StepTemplate renders the container of an assistant message or tool call.
const StepTemplate = "assistant-step"

// Step types passed to StepTemplate.
const (
	StepAssistantMessage = "assistantMessage"
	StepToolCall         = "toolCall"
)

// StepView is the data passed to StepTemplate.
type StepView struct {
	StepType string
	StepID   string
	Content  string
}

const (
	runCompletedPayload = `<span class="run-completed"></span>`
	networkErrorPayload = "error"
)

// Emitter formats events for the wire and writes them to a Sink.
type Emitter struct {
	sink     Sink
	renderer Renderer
}

func NewEmitter(sink Sink, renderer Renderer) *Emitter {
	return &Emitter{sink: sink, renderer: renderer}
}

// Emit writes one event. Scoped events are wrapped for their target here and
// nowhere else.
func (e *Emitter) Emit(name EventName, target, payload string) error {
	if name.scoped() && target != "" {
		payload = ScopeFragment(target, payload)
	}
	if err := e.sink.Send(DownstreamEvent{Name: name, Target: target, Payload: payload}); err != nil {
		return &SinkError{Event: name, Err: err}
	}
	return nil
}

func (e *Emitter) emitEvent(ev Event) error {
	switch ev := ev.(type) {
	case MessageCreated:
		return e.Emit(EventMessageCreated, ev.ItemID, e.container(StepAssistantMessage, ev.ItemID, ""))
	case ToolCallCreated:
		content := ""
		if ev.ToolName != "" {
			content = fmt.Sprintf("Calling %s tool...", ev.ToolName)
		}
		return e.Emit(EventToolCallCreated, ev.ItemID, e.container(StepToolCall, ev.ItemID, content))
	case TextAppended:
		return e.Emit(EventTextDelta, ev.ItemID, ev.Text)
	case TextReplaced:
		return e.Emit(EventTextReplacement, ev.ItemID, ev.Markup)
	case ToolArgsAppended:
		return e.Emit(EventToolDelta, ev.ItemID, ev.Fragment)
	case ImageReady:
		return e.Emit(EventImageOutput, ev.ItemID, imageFragment(ev.URL))
	}
	return nil
}

func (e *Emitter) container(stepType, id, content string) string {
	if e.renderer != nil {
		out, err := e.renderer.Render(StepTemplate, StepView{StepType: stepType, StepID: id, Content: content})
		if err == nil {
			return out
		}
	}
	return fmt.Sprintf(`<div class="step %s" id="step-%s">%s</div>`,
		stepType, html.EscapeString(id), html.EscapeString(content))
}

func (e *Emitter) completed() error {
	if err := e.Emit(EventRunCompleted, "", runCompletedPayload); err != nil {
		return err
	}
	return e.Emit(EventEndStream, "", EndStreamDone)
}

func (e *Emitter) failed() error {
	if err := e.Emit(EventRunCompleted, "", runCompletedPayload); err != nil {
		return err
	}
	if err := e.Emit(EventNetworkError, "", networkErrorPayload); err != nil {
		return err
	}
	return e.Emit(EventEndStream, "", EndStreamError)
}

// ScopeFragment wraps payload so the client appends it to the region of
// target.
func ScopeFragment(target, payload string) string {
	return `<span hx-swap-oob="beforeend:#step-` + html.EscapeString(target) + `">` + payload + `</span>`
}

// FormatSSE frames ev as a server-sent event. Every payload line gets its own
// data field so the payload never contains a blank line.
func FormatSSE(ev DownstreamEvent) string {
	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(string(ev.Name))
	b.WriteByte('\n')
	payload := strings.ReplaceAll(ev.Payload, "\r\n", "\n")
	payload = strings.ReplaceAll(payload, "\r", "\n")
	for _, line := range strings.Split(payload, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.String()
}

// SinkError reports that the transport rejected an event.
type SinkError struct {
	Event EventName
	Err   error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("stepchat: send %s: %v", e.Event, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }
