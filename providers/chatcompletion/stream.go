package chatcompletion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/packages/ssestream"

	"github.com/inspirepan/stepchat"
	"github.com/inspirepan/stepchat/providers/base"
)

// Stream implements stepchat.UpstreamStream over a chunk stream.
type Stream struct {
	stream *ssestream.Stream[openai.ChatCompletionChunk]
	debug  *base.DebugLogger
	logger *slog.Logger
	mapper *chunkMapper

	name         string
	model        string
	conversation string

	mu      sync.Mutex
	pending []stepchat.UpstreamEvent
	done    bool
	err     error
}

func newStream(
	stream *ssestream.Stream[openai.ChatCompletionChunk],
	debug *base.DebugLogger,
	logger *slog.Logger,
	name, model, conversation string,
	commit func(openai.ChatCompletionMessageParamUnion),
) *Stream {
	return &Stream{
		stream:       stream,
		debug:        debug,
		logger:       logger,
		mapper:       newChunkMapper(commit),
		name:         name,
		model:        model,
		conversation: conversation,
	}
}

// Next returns io.EOF after the stream ends. A stream that ends before any
// finish_reason yields io.EOF without StreamCompleted, which callers treat as
// truncation.
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
			s.pending = append(s.pending, s.mapper.Finish()...)
			continue
		}

		chunk := s.stream.Current()
		s.debug.LogRecord(s.name, s.model, s.conversation, base.RecordRaw, chunk.RawJSON())
		mapped := s.mapper.Map(chunk)
		for _, m := range mapped {
			if e, ok := m.(stepchat.StreamFailed); ok {
				s.logger.Debug("completion stopped early", "error", e.Cause)
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

type callAccumulator struct {
	id   string
	name string
	args strings.Builder
}

// chunkMapper translates chunks and rebuilds the assistant message so it can
// be appended to the history once the stream finishes.
type chunkMapper struct {
	commit func(openai.ChatCompletionMessageParamUnion)

	started      bool
	responseID   string
	messageItem  string
	text         strings.Builder
	calls        map[int64]*callAccumulator
	finishReason string
	failed       bool
}

func newChunkMapper(commit func(openai.ChatCompletionMessageParamUnion)) *chunkMapper {
	return &chunkMapper{commit: commit, calls: make(map[int64]*callAccumulator)}
}

func (m *chunkMapper) Map(chunk openai.ChatCompletionChunk) []stepchat.UpstreamEvent {
	if m.failed {
		return nil
	}
	var out []stepchat.UpstreamEvent
	if !m.started {
		m.started = true
		m.responseID = chunk.ID
		out = append(out, stepchat.StreamStarted{ResponseID: chunk.ID})
	}
	if len(chunk.Choices) == 0 {
		return out
	}
	choice := chunk.Choices[0]
	delta := choice.Delta

	if delta.Content != "" {
		if m.messageItem == "" {
			m.messageItem = m.responseID + "_msg"
			out = append(out, stepchat.ItemStarted{ItemID: m.messageItem, Kind: stepchat.ItemMessage})
		}
		m.text.WriteString(delta.Content)
		out = append(out, stepchat.TextDelta{ItemID: m.messageItem, Text: delta.Content})
	}

	for _, tc := range delta.ToolCalls {
		acc, ok := m.calls[tc.Index]
		if !ok {
			acc = &callAccumulator{id: tc.ID, name: tc.Function.Name}
			if acc.id == "" {
				acc.id = fmt.Sprintf("%s_call_%d", m.responseID, tc.Index)
			}
			m.calls[tc.Index] = acc
			out = append(out, stepchat.ItemStarted{
				ItemID:   acc.id,
				Kind:     stepchat.ItemFunctionCall,
				CallID:   acc.id,
				ToolName: acc.name,
			})
		} else if acc.name == "" && tc.Function.Name != "" {
			acc.name = tc.Function.Name
		}
		if tc.Function.Arguments != "" {
			acc.args.WriteString(tc.Function.Arguments)
			out = append(out, stepchat.ToolArgumentsDelta{CallID: acc.id, Fragment: tc.Function.Arguments})
		}
	}

	if choice.FinishReason != "" {
		m.finishReason = choice.FinishReason
		switch choice.FinishReason {
		case "length", "content_filter":
			m.failed = true
			out = append(out, stepchat.StreamFailed{
				Cause: fmt.Errorf("chatcompletion: incomplete: %s", choice.FinishReason),
			})
		}
	}
	return out
}

// Finish closes the calls, commits the assistant message and completes the
// stream. It yields nothing for a stream that never reported a finish reason.
func (m *chunkMapper) Finish() []stepchat.UpstreamEvent {
	if m.failed || m.finishReason == "" {
		return nil
	}
	calls := m.sortedCalls()
	out := make([]stepchat.UpstreamEvent, 0, len(calls)+1)
	for _, c := range calls {
		out = append(out, stepchat.ToolCallFinished{
			ItemID:        c.id,
			CallID:        c.id,
			ToolName:      c.name,
			ArgumentsJSON: c.args,
		})
	}
	if m.commit != nil && (m.text.Len() > 0 || len(calls) > 0) {
		m.commit(assistantMessage(m.text.String(), calls))
	}
	return append(out, stepchat.StreamCompleted{})
}

func (m *chunkMapper) sortedCalls() []toolCall {
	idxs := make([]int64, 0, len(m.calls))
	for i := range m.calls {
		idxs = append(idxs, i)
	}
	sort.Slice(idxs, func(a, b int) bool { return idxs[a] < idxs[b] })

	calls := make([]toolCall, 0, len(idxs))
	for _, i := range idxs {
		acc := m.calls[i]
		args := acc.args.String()
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		calls = append(calls, toolCall{id: acc.id, name: acc.name, args: args})
	}
	return calls
}
