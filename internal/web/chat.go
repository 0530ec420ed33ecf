package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/inspirepan/stepchat"
	"github.com/inspirepan/stepchat/internal/observability"
)

type indexView struct {
	ConversationID string
	Model          string
	// Files shows the upload panel; the first upload creates the vector store.
	Files          bool
}

type userMessageView struct {
	Text string
}

type runView struct {
	ConversationID string
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	conv, err := s.backend.NewConversation(r.Context())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "create conversation failed", "error", err)
		http.Error(w, "could not start a conversation", http.StatusBadGateway)
		return
	}
	settings := s.Settings()
	s.page(w, r, "index", indexView{
		ConversationID: conv,
		Model:          settings.Model(),
		Files:          s.vectorStore != nil,
	})
}

// datedInput prefixes the user's text with the current date so the model
// can resolve relative dates.
func datedInput(now time.Time, text string) string {
	return fmt.Sprintf("System: Today's date is %s\n%s", now.Format(time.DateOnly), text)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	conv := r.PathValue("conversation")
	text := strings.TrimSpace(r.FormValue("userInput"))
	if text == "" {
		http.Error(w, "userInput is required", http.StatusBadRequest)
		return
	}
	ctx := observability.WithConversationID(r.Context(), conv)
	if err := s.backend.AddUserMessage(ctx, conv, datedInput(s.now(), text)); err != nil {
		s.logger.ErrorContext(ctx, "add user message failed", "error", err)
		http.Error(w, "could not send message", http.StatusBadGateway)
		return
	}

	user, err := s.renderer.Render("user-message", userMessageView{Text: text})
	if err == nil {
		var run string
		run, err = s.renderer.Render("assistant-run", runView{ConversationID: conv})
		user += run
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "render failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(user))
}

// handleReceive runs one turn and streams it. A client disconnect cancels
// the request context, which unwinds the turn.
func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	conv := r.PathValue("conversation")
	ctx := observability.WithConversationID(r.Context(), conv)
	settings := s.Settings()
	if settings.Server.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, settings.Server.TurnTimeout)
		defer cancel()
	}

	sink, err := NewSSESink(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	req := stepchat.OpenRequest{
		ConversationID: conv,
		Model:          settings.Model(),
		Instructions:   settings.OpenAI.Instructions,
	}
	err = s.orch.Run(ctx, req, sink)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		s.logger.DebugContext(ctx, "client went away", "error", err)
	default:
		s.logger.WarnContext(ctx, "turn ended with error", "error", err)
	}
}
