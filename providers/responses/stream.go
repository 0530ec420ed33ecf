package responses

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/openai/openai-go/v3/packages/ssestream"
	"github.com/openai/openai-go/v3/responses"
	"github.com/tidwall/gjson"

	"github.com/inspirepan/stepchat"
	"github.com/inspirepan/stepchat/providers/base"
)

// Stream implements stepchat.UpstreamStream over a Responses event stream.
type Stream struct {
	stream *ssestream.Stream[responses.ResponseStreamEventUnion]
	debug  *base.DebugLogger
	logger *slog.Logger
	mapper *eventMapper

	model        string
	conversation string

	mu      sync.Mutex
	pending []stepchat.UpstreamEvent
	done    bool
	err     error
}

func newStream(
	stream *ssestream.Stream[responses.ResponseStreamEventUnion],
	debug *base.DebugLogger,
	logger *slog.Logger,
	model, conversation string,
) *Stream {
	return &Stream{
		stream:       stream,
		debug:        debug,
		logger:       logger,
		mapper:       newEventMapper(),
		model:        model,
		conversation: conversation,
	}
}

func (s *Stream) Next(ctx context.Context) (stepchat.UpstreamEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if len(s.pending) > 0 {
			return s.dequeue(), nil
		}
		if s.done {
			return nil, io.EOF
		}
		if s.err != nil {
			return nil, s.err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.err = err
				if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
					return nil, ctxErr
				}
				return nil, s.err
			}
			s.done = true
			continue
		}

		ev := s.stream.Current()
		s.debug.LogRecord(providerName, s.model, s.conversation, base.RecordRaw, ev.RawJSON())
		mapped := s.mapper.Map(ev)
		for _, m := range mapped {
			if u, ok := m.(stepchat.UnknownEvent); ok {
				s.logger.Debug("unmapped responses event", "type", u.Type)
			}
			switch m.(type) {
			case stepchat.StreamCompleted, stepchat.StreamFailed:
				s.done = true
			}
		}
		s.pending = append(s.pending, mapped...)
	}
}

func (s *Stream) dequeue() stepchat.UpstreamEvent {
	ev := s.pending[0]
	s.pending = s.pending[1:]
	s.debug.LogRecord(providerName, s.model, s.conversation, base.RecordEvent, fmt.Sprintf("%T", ev))
	return ev
}

func (s *Stream) Close() error {
	_ = s.debug.Close()
	return s.stream.Close()
}

// eventMapper translates Responses events. Argument events only carry the
// item id, so call ids and tool names seen on output_item.added are kept.
type eventMapper struct {
	callIDs   map[string]string
	toolNames map[string]string
}

func newEventMapper() *eventMapper {
	return &eventMapper{
		callIDs:   make(map[string]string),
		toolNames: make(map[string]string),
	}
}

func (m *eventMapper) callID(itemID string) string {
	if id, ok := m.callIDs[itemID]; ok && id != "" {
		return id
	}
	return itemID
}

func (m *eventMapper) Map(ev responses.ResponseStreamEventUnion) []stepchat.UpstreamEvent {
	switch ev.Type {
	case "response.created":
		return []stepchat.UpstreamEvent{stepchat.StreamStarted{ResponseID: ev.Response.ID}}

	case "response.output_item.added":
		return m.itemAdded(ev.Item)

	case "response.output_text.delta", "response.refusal.delta":
		return []stepchat.UpstreamEvent{stepchat.TextDelta{ItemID: ev.ItemID, Text: ev.Delta}}

	case "response.output_text.annotation.added":
		a := parseAnnotation(gjson.Get(ev.RawJSON(), "annotation"))
		return []stepchat.UpstreamEvent{stepchat.AnnotationAdded{ItemID: ev.ItemID, Annotation: a}}

	case "response.function_call_arguments.delta":
		return []stepchat.UpstreamEvent{stepchat.ToolArgumentsDelta{CallID: m.callID(ev.ItemID), Fragment: ev.Delta}}

	case "response.function_call_arguments.done":
		name := ev.Name
		if name == "" {
			name = m.toolNames[ev.ItemID]
		}
		return []stepchat.UpstreamEvent{stepchat.ToolCallFinished{
			ItemID:        ev.ItemID,
			CallID:        m.callID(ev.ItemID),
			ToolName:      name,
			ArgumentsJSON: ev.Arguments,
		}}

	case "response.code_interpreter_call_code.delta":
		return []stepchat.UpstreamEvent{stepchat.ToolCodeDelta{ItemID: ev.ItemID, Code: ev.Delta}}

	case "response.output_item.done":
		if ev.Item.Type != "code_interpreter_call" {
			return nil
		}
		var out []stepchat.UpstreamEvent
		for _, o := range ev.Item.Outputs {
			if o.Type == "image" && o.URL != "" {
				out = append(out, stepchat.ImageProduced{ItemID: ev.Item.ID, URL: o.URL})
			}
		}
		return out

	case "response.completed":
		return []stepchat.UpstreamEvent{stepchat.StreamCompleted{}}

	case "response.failed", "response.incomplete":
		return []stepchat.UpstreamEvent{stepchat.StreamFailed{Cause: responseError(ev)}}

	case "error":
		return []stepchat.UpstreamEvent{stepchat.StreamFailed{Cause: fmt.Errorf("responses: %s: %s", ev.Code, ev.Message)}}
	}
	return []stepchat.UpstreamEvent{stepchat.UnknownEvent{Type: ev.Type}}
}

func (m *eventMapper) itemAdded(item responses.ResponseOutputItemUnion) []stepchat.UpstreamEvent {
	started := stepchat.ItemStarted{ItemID: item.ID, Kind: stepchat.ItemOther}
	switch item.Type {
	case "message":
		started.Kind = stepchat.ItemMessage
	case "function_call":
		started.Kind = stepchat.ItemFunctionCall
		started.CallID = item.CallID
		started.ToolName = item.Name
		m.callIDs[item.ID] = item.CallID
		m.toolNames[item.ID] = item.Name
	case "file_search_call":
		started.Kind = stepchat.ItemToolCall
		started.ToolName = "file search"
	case "code_interpreter_call":
		started.Kind = stepchat.ItemToolCall
		started.ToolName = "code interpreter"
	case "web_search_call":
		started.Kind = stepchat.ItemToolCall
		started.ToolName = "web search"
	}
	return []stepchat.UpstreamEvent{started}
}

func parseAnnotation(a gjson.Result) stepchat.Annotation {
	switch typ := a.Get("type").String(); typ {
	case "file_citation":
		return stepchat.FileCitation{
			FileID:   a.Get("file_id").String(),
			Filename: a.Get("filename").String(),
		}
	case "container_file_citation":
		return stepchat.ContainerFileCitation{
			ContainerID: a.Get("container_id").String(),
			FileID:      a.Get("file_id").String(),
			Filename:    a.Get("filename").String(),
		}
	default:
		return stepchat.OtherAnnotation{Type: typ}
	}
}

func responseError(ev responses.ResponseStreamEventUnion) error {
	raw := ev.RawJSON()
	if msg := gjson.Get(raw, "response.error.message").String(); msg != "" {
		return fmt.Errorf("responses: %s: %s", gjson.Get(raw, "response.error.code").String(), msg)
	}
	if reason := gjson.Get(raw, "response.incomplete_details.reason").String(); reason != "" {
		return fmt.Errorf("responses: incomplete: %s", reason)
	}
	return fmt.Errorf("responses: %s", ev.Type)
}
