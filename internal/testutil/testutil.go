// Package testutil provides fakes and shared checks for orchestrator and
// session tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/inspirepan/stepchat"
)

const DefaultTimeout = 60 * time.Second

// SkipIfNoEnv skips the test if the environment variable is not set.
func SkipIfNoEnv(t *testing.T, envVar string) {
	t.Helper()
	if os.Getenv(envVar) == "" {
		t.Skipf("skipping: %s not set", envVar)
	}
}

// Stream is a scripted UpstreamStream. After the script is exhausted Next
// returns Err if set, io.EOF otherwise.
type Stream struct {
	Events []stepchat.UpstreamEvent
	Err    error

	// Block makes Next wait for ctx cancellation once the script is exhausted.
	Block bool

	mu     sync.Mutex
	pos    int
	closed int
}

func NewStream(events ...stepchat.UpstreamEvent) *Stream {
	return &Stream{Events: events}
}

func (s *Stream) Next(ctx context.Context) (stepchat.UpstreamEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.pos < len(s.Events) {
		ev := s.Events[s.pos]
		s.pos++
		s.mu.Unlock()
		return ev, nil
	}
	s.mu.Unlock()

	if s.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.Err != nil {
		return nil, s.Err
	}
	return nil, io.EOF
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

// Closed returns how many times Close was called.
func (s *Stream) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Session hands out scripted streams in order and records every request.
type Session struct {
	Streams []*Stream

	// OpenErr and ResumeErr fail the corresponding call when set.
	OpenErr   error
	ResumeErr error

	mu      sync.Mutex
	next    int
	Opens   []stepchat.OpenRequest
	Resumes []stepchat.ResumeRequest
}

func NewSession(streams ...*Stream) *Session {
	return &Session{Streams: streams}
}

func (s *Session) Open(_ context.Context, req stepchat.OpenRequest) (stepchat.UpstreamStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Opens = append(s.Opens, req)
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	return s.take()
}

func (s *Session) ResumeAfterTool(_ context.Context, req stepchat.ResumeRequest) (stepchat.UpstreamStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Resumes = append(s.Resumes, req)
	if s.ResumeErr != nil {
		return nil, s.ResumeErr
	}
	return s.take()
}

func (s *Session) take() (stepchat.UpstreamStream, error) {
	if s.next >= len(s.Streams) {
		return nil, errors.New("testutil: no scripted stream left")
	}
	st := s.Streams[s.next]
	s.next++
	return st, nil
}

// Sink records every event it receives.
type Sink struct {
	mu     sync.Mutex
	Events []stepchat.DownstreamEvent

	// FailAfter makes Send fail once this many events were accepted. Zero disables it.
	FailAfter int
	// OnSend runs after an event is recorded.
	OnSend func(ev stepchat.DownstreamEvent)
}

func (s *Sink) Send(ev stepchat.DownstreamEvent) error {
	s.mu.Lock()
	if s.FailAfter > 0 && len(s.Events) >= s.FailAfter {
		s.mu.Unlock()
		return errors.New("testutil: sink closed")
	}
	s.Events = append(s.Events, ev)
	hook := s.OnSend
	s.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
	return nil
}

// Names returns the names of the recorded events.
func (s *Sink) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.Events))
	for i, ev := range s.Events {
		names[i] = string(ev.Name)
	}
	return names
}

// Find returns the recorded events with the given name.
func (s *Sink) Find(name stepchat.EventName) []stepchat.DownstreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []stepchat.DownstreamEvent
	for _, ev := range s.Events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// Renderer renders templates with fmt verbs. Unknown names fail.
type Renderer struct {
	Templates map[string]string
}

func (r Renderer) Render(name string, data any) (string, error) {
	tmpl, ok := r.Templates[name]
	if !ok {
		return "", fmt.Errorf("testutil: no template %q", name)
	}
	return fmt.Sprintf(tmpl, data), nil
}

// CheckSessionCompletes opens a stream on session and verifies that it
// produces text and terminates with StreamCompleted.
func CheckSessionCompletes(t *testing.T, session stepchat.Session, req stepchat.OpenRequest) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	stream, err := session.Open(ctx, req)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer stream.Close()

	var text strings.Builder
	var started, completed bool
	for {
		ev, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("stream.Next failed: %v", err)
		}
		switch e := ev.(type) {
		case stepchat.StreamStarted:
			started = true
		case stepchat.TextDelta:
			text.WriteString(e.Text)
		case stepchat.StreamCompleted:
			completed = true
		case stepchat.StreamFailed:
			t.Fatalf("stream failed: %v", e.Cause)
		}
	}
	if !started {
		t.Error("expected StreamStarted")
	}
	if !completed {
		t.Error("expected StreamCompleted")
	}
	if text.Len() == 0 {
		t.Error("expected non-empty text response")
	}
	t.Logf("response: %q", text.String())
}
