package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/inspirepan/stepchat"
	"github.com/inspirepan/stepchat/providers/base"
)

// Stream implements stepchat.UpstreamStream over a Messages event stream.
type Stream struct {
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
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
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion],
	debug *base.DebugLogger,
	logger *slog.Logger,
	model, conversation string,
	commit func(anthropic.MessageParam),
) *Stream {
	return &Stream{
		stream:       stream,
		debug:        debug,
		logger:       logger,
		mapper:       newEventMapper(commit),
		model:        model,
		conversation: conversation,
	}
}

func (s *Stream) Next(ctx context.Context) (stepchat.UpstreamEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
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
			switch e := m.(type) {
			case stepchat.UnknownEvent:
				s.logger.Debug("unmapped anthropic event", "type", e.Type)
			case stepchat.StreamCompleted, stepchat.StreamFailed:
				s.done = true
			}
		}
		s.pending = append(s.pending, mapped...)
	}
}

func (s *Stream) Close() error {
	_ = s.debug.Close()
	return s.stream.Close()
}

// block is one content block of the assistant message being streamed.
type block struct {
	kind string
	id   string
	name string
	buf  strings.Builder
}

// eventMapper translates Messages events and rebuilds the assistant message
// so it can be appended to the history on message_stop.
type eventMapper struct {
	commit    func(anthropic.MessageParam)
	messageID string
	blocks    map[int64]*block
	failed    bool
}

func newEventMapper(commit func(anthropic.MessageParam)) *eventMapper {
	return &eventMapper{commit: commit, blocks: make(map[int64]*block)}
}

func (m *eventMapper) textItemID(index int64) string {
	return fmt.Sprintf("%s_%d", m.messageID, index)
}

func (m *eventMapper) Map(ev anthropic.MessageStreamEventUnion) []stepchat.UpstreamEvent {
	switch ev.Type {
	case "message_start":
		m.messageID = ev.Message.ID
		m.blocks = make(map[int64]*block)
		return []stepchat.UpstreamEvent{stepchat.StreamStarted{ResponseID: ev.Message.ID}}

	case "content_block_start":
		cb := ev.ContentBlock
		switch cb.Type {
		case "text":
			b := &block{kind: "text", id: m.textItemID(ev.Index)}
			b.buf.WriteString(cb.Text)
			m.blocks[ev.Index] = b
			out := []stepchat.UpstreamEvent{stepchat.ItemStarted{ItemID: b.id, Kind: stepchat.ItemMessage}}
			if cb.Text != "" {
				out = append(out, stepchat.TextDelta{ItemID: b.id, Text: cb.Text})
			}
			return out
		case "tool_use":
			m.blocks[ev.Index] = &block{kind: "tool_use", id: cb.ID, name: cb.Name}
			return []stepchat.UpstreamEvent{stepchat.ItemStarted{
				ItemID:   cb.ID,
				Kind:     stepchat.ItemFunctionCall,
				CallID:   cb.ID,
				ToolName: cb.Name,
			}}
		}
		return []stepchat.UpstreamEvent{stepchat.ItemStarted{ItemID: m.textItemID(ev.Index), Kind: stepchat.ItemOther}}

	case "content_block_delta":
		b := m.blocks[ev.Index]
		if b == nil {
			return nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			b.buf.WriteString(ev.Delta.Text)
			return []stepchat.UpstreamEvent{stepchat.TextDelta{ItemID: b.id, Text: ev.Delta.Text}}
		case "input_json_delta":
			if ev.Delta.PartialJSON == "" {
				return nil
			}
			b.buf.WriteString(ev.Delta.PartialJSON)
			return []stepchat.UpstreamEvent{stepchat.ToolArgumentsDelta{CallID: b.id, Fragment: ev.Delta.PartialJSON}}
		}
		return nil

	case "content_block_stop":
		b := m.blocks[ev.Index]
		if b == nil || b.kind != "tool_use" {
			return nil
		}
		return []stepchat.UpstreamEvent{stepchat.ToolCallFinished{
			ItemID:        b.id,
			CallID:        b.id,
			ToolName:      b.name,
			ArgumentsJSON: toolInput(b.buf.String()),
		}}

	case "message_delta":
		if ev.Delta.StopReason == anthropic.StopReasonMaxTokens {
			m.failed = true
			return []stepchat.UpstreamEvent{stepchat.StreamFailed{
				Cause: fmt.Errorf("anthropic: incomplete: %s", ev.Delta.StopReason),
			}}
		}
		return nil

	case "message_stop":
		if m.failed {
			return nil
		}
		if msg, ok := m.assistantMessage(); ok && m.commit != nil {
			m.commit(msg)
		}
		return []stepchat.UpstreamEvent{stepchat.StreamCompleted{}}
	}
	return []stepchat.UpstreamEvent{stepchat.UnknownEvent{Type: ev.Type}}
}

func (m *eventMapper) assistantMessage() (anthropic.MessageParam, bool) {
	indexes := make([]int64, 0, len(m.blocks))
	for i := range m.blocks {
		indexes = append(indexes, i)
	}
	sort.Slice(indexes, func(a, b int) bool { return indexes[a] < indexes[b] })

	var content []anthropic.ContentBlockParamUnion
	for _, i := range indexes {
		b := m.blocks[i]
		switch b.kind {
		case "text":
			if b.buf.Len() > 0 {
				content = append(content, anthropic.NewTextBlock(b.buf.String()))
			}
		case "tool_use":
			content = append(content, anthropic.NewToolUseBlock(b.id, json.RawMessage(toolInput(b.buf.String())), b.name))
		}
	}
	if len(content) == 0 {
		return anthropic.MessageParam{}, false
	}
	return anthropic.NewAssistantMessage(content...), true
}

func toolInput(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return "{}"
	}
	return raw
}
