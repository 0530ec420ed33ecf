package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/net/html"

	"github.com/inspirepan/stepchat"
)

var (
	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("6")).
			Bold(true)

	assistantStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("5"))

	toolCallStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("3")).
			Bold(true)

	toolArgsStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")).
			Italic(true)

	toolOutputStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("4"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")).
			Bold(true)
)

type askOptions struct {
	ConfigPath string
	Question   string
	Raw        bool
	Debug      bool
	In         io.Reader
	Out        io.Writer
}

func runAsk(ctx context.Context, opts askOptions) error {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}
	// Logs would interleave with the transcript unless asked for.
	if !opts.Debug {
		cfg.Log.Level = "error"
	}
	a, err := newApp(ctx, cfg, newLogger(cfg, opts.Debug))
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	conv, err := a.backend.NewConversation(ctx)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}

	var sink stepchat.Sink = &terminalSink{w: opts.Out}
	if opts.Raw {
		sink = stepchat.SinkFunc(func(ev stepchat.DownstreamEvent) error {
			_, err := io.WriteString(opts.Out, stepchat.FormatSSE(ev))
			return err
		})
	}

	ask := func(question string) error {
		if err := a.backend.AddUserMessage(ctx, conv, question); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
		if !opts.Raw {
			fmt.Fprintln(opts.Out, userStyle.Render("User: ")+question)
		}
		return a.orch.Run(ctx, stepchat.OpenRequest{
			ConversationID: conv,
			Model:          cfg.Model(),
			Instructions:   cfg.OpenAI.Instructions,
		}, sink)
	}

	if q := strings.TrimSpace(opts.Question); q != "" {
		return ask(q)
	}
	scanner := bufio.NewScanner(opts.In)
	for scanner.Scan() {
		q := strings.TrimSpace(scanner.Text())
		if q == "" {
			continue
		}
		if err := ask(q); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// terminalSink prints the text content of downstream events.
type terminalSink struct {
	w io.Writer
}

func (s *terminalSink) Send(ev stepchat.DownstreamEvent) error {
	var out string
	switch ev.Name {
	case stepchat.EventMessageCreated:
		out = "\n"
	case stepchat.EventTextDelta:
		out = assistantStyle.Render(fragmentText(ev.Payload))
	case stepchat.EventToolCallCreated:
		if text := fragmentText(ev.Payload); text != "" {
			out = "\n" + toolCallStyle.Render(text) + "\n"
		}
	case stepchat.EventToolDelta:
		out = toolArgsStyle.Render(fragmentText(ev.Payload))
	case stepchat.EventToolOutput:
		out = "\n" + toolOutputStyle.Render(compactLines(fragmentText(ev.Payload))) + "\n"
	case stepchat.EventImageOutput:
		out = "\n" + toolOutputStyle.Render("image: "+imageSource(ev.Payload)) + "\n"
	case stepchat.EventNetworkError:
		out = "\n" + errorStyle.Render("Error: the response was interrupted") + "\n"
	case stepchat.EventEndStream:
		out = "\n"
	}
	if out == "" {
		return nil
	}
	_, err := io.WriteString(s.w, out)
	return err
}

// fragmentText returns the unescaped text nodes of an HTML fragment.
func fragmentText(fragment string) string {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(fragment))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			b.Write(z.Text())
		}
	}
}

// imageSource returns the src of the first img tag in fragment.
func imageSource(fragment string) string {
	z := html.NewTokenizer(strings.NewReader(fragment))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return ""
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		name, hasAttr := z.TagName()
		if string(name) != "img" {
			continue
		}
		for hasAttr {
			var key, val []byte
			key, val, hasAttr = z.TagAttr()
			if string(key) == "src" {
				return string(val)
			}
		}
	}
}

// compactLines drops blank lines and trims the rest.
func compactLines(s string) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
