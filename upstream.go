package stepchat

import "context"

// UpstreamEvent is one unit of progress reported by an upstream stream.
// Concrete types: StreamStarted, ItemStarted, TextDelta, AnnotationAdded,
// ToolArgumentsDelta, ToolCodeDelta, ImageProduced, ToolCallFinished,
// StreamCompleted, StreamFailed, UnknownEvent.
type UpstreamEvent interface {
	upstreamEvent()
}

// ItemKind classifies an output item announced by ItemStarted.
type ItemKind string

const (
	ItemMessage      ItemKind = "message"
	ItemFunctionCall ItemKind = "function_call"
	ItemToolCall     ItemKind = "tool_call"
	ItemOther        ItemKind = "other"
)

type StreamStarted struct {
	ResponseID string
}

// ItemStarted announces a new output item. CallID and ToolName are set for
// function and hosted tool calls when upstream knows them up front.
type ItemStarted struct {
	ItemID   string
	Kind     ItemKind
	CallID   string
	ToolName string
}

type TextDelta struct {
	ItemID string
	Text   string
}

type AnnotationAdded struct {
	ItemID     string
	Annotation Annotation
}

type ToolArgumentsDelta struct {
	CallID   string
	Fragment string
}

// ToolCodeDelta carries source code streamed by a hosted code tool.
type ToolCodeDelta struct {
	ItemID string
	Code   string
}

// ImageProduced reports an image generated by a hosted tool.
type ImageProduced struct {
	ItemID string
	URL    string
}

type ToolCallFinished struct {
	ItemID        string
	CallID        string
	ToolName      string
	ArgumentsJSON string
}

type StreamCompleted struct{}

type StreamFailed struct {
	Cause error
}

// UnknownEvent stands in for upstream event kinds that have no mapping.
type UnknownEvent struct {
	Type string
}

func (StreamStarted) upstreamEvent()      {}
func (ItemStarted) upstreamEvent()        {}
func (TextDelta) upstreamEvent()          {}
func (AnnotationAdded) upstreamEvent()    {}
func (ToolArgumentsDelta) upstreamEvent() {}
func (ToolCodeDelta) upstreamEvent()      {}
func (ImageProduced) upstreamEvent()      {}
func (ToolCallFinished) upstreamEvent()   {}
func (StreamCompleted) upstreamEvent()    {}
func (StreamFailed) upstreamEvent()       {}
func (UnknownEvent) upstreamEvent()       {}

// Annotation is an inline reference attached to generated text.
// Concrete types: FileCitation, ContainerFileCitation, OtherAnnotation.
type Annotation interface {
	AnnotationType() string
}

type FileCitation struct {
	FileID   string
	Filename string
}

type ContainerFileCitation struct {
	ContainerID string
	FileID      string
	Filename    string
}

type OtherAnnotation struct {
	Type string
}

func (FileCitation) AnnotationType() string          { return "file_citation" }
func (ContainerFileCitation) AnnotationType() string { return "container_file_citation" }
func (a OtherAnnotation) AnnotationType() string     { return a.Type }

// UpstreamStream yields the events of one upstream sub-stream.
// Next returns io.EOF once the stream is exhausted.
type UpstreamStream interface {
	Next(ctx context.Context) (UpstreamEvent, error)
	Close() error
}

// OpenRequest starts a new response on a conversation.
type OpenRequest struct {
	ConversationID string
	Model          string
	Instructions   string
	Tools          []ToolSpec
}

// ToolOutput is the serialized result of one finished call.
type ToolOutput struct {
	CallID   string
	ToolName string
	Output   string
}

// ResumeRequest continues a response after tool outputs are available.
type ResumeRequest struct {
	OpenRequest
	ResponseID string
	Outputs    []ToolOutput
}

// Session opens upstream sub-streams for a conversation.
type Session interface {
	Open(ctx context.Context, req OpenRequest) (UpstreamStream, error)
	ResumeAfterTool(ctx context.Context, req ResumeRequest) (UpstreamStream, error)
}
