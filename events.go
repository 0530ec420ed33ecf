package stepchat

import "encoding/json"

// Event is an internal event produced by the Normalizer.
type Event interface {
	eventKind() string
}

type MessageCreated struct {
	ItemID string
}

type ToolCallCreated struct {
	ItemID   string
	ToolName string
}

type TextAppended struct {
	ItemID string
	Text   string
}

type TextReplaced struct {
	ItemID string
	Markup string
}

type ToolArgsAppended struct {
	ItemID   string
	Fragment string
}

// ToolReady is a finished call waiting for dispatch.
type ToolReady struct {
	ItemID    string
	CallID    string
	ToolName  string
	Arguments json.RawMessage
}

// AnnotationFound must go through the Rewriter before anything is emitted.
type AnnotationFound struct {
	ItemID     string
	Annotation Annotation
}

type ImageReady struct {
	ItemID string
	URL    string
}

type TurnSegmentCompleted struct{}

type TurnFailed struct {
	Cause error
}

func (MessageCreated) eventKind() string       { return "message_created" }
func (ToolCallCreated) eventKind() string      { return "tool_call_created" }
func (TextAppended) eventKind() string         { return "text_appended" }
func (TextReplaced) eventKind() string         { return "text_replaced" }
func (ToolArgsAppended) eventKind() string     { return "tool_args_appended" }
func (ToolReady) eventKind() string            { return "tool_ready" }
func (AnnotationFound) eventKind() string      { return "annotation_found" }
func (ImageReady) eventKind() string           { return "image_ready" }
func (TurnSegmentCompleted) eventKind() string { return "segment_completed" }
func (TurnFailed) eventKind() string           { return "turn_failed" }

// EventName is a downstream wire event name.
type EventName string

const (
	EventMessageCreated  EventName = "messageCreated"
	EventToolCallCreated EventName = "toolCallCreated"
	EventTextDelta       EventName = "textDelta"
	EventTextReplacement EventName = "textReplacement"
	EventToolDelta       EventName = "toolDelta"
	EventToolOutput      EventName = "toolOutput"
	EventImageOutput     EventName = "imageOutput"
	EventRunCompleted    EventName = "runCompleted"
	EventNetworkError    EventName = "networkError"
	EventEndStream       EventName = "endStream"
)

const (
	EndStreamDone  = "DONE"
	EndStreamError = "ERROR"
)

// scoped reports whether payloads of this event are patched into the region
// of their target item.
func (n EventName) scoped() bool {
	switch n {
	case EventTextDelta, EventTextReplacement, EventToolDelta, EventImageOutput:
		return true
	}
	return false
}

// DownstreamEvent is one event of the wire protocol.
type DownstreamEvent struct {
	Name    EventName
	Target  string
	Payload string
}
