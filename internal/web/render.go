package web

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io"
	"net/http"

	"github.com/inspirepan/stepchat"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Renderer renders the embedded templates. It implements stepchat.Renderer
// so tool results and step containers share the page's markup.
type Renderer struct {
	t *template.Template
}

var _ stepchat.Renderer = (*Renderer)(nil)

// NewRenderer parses the embedded templates.
func NewRenderer() (*Renderer, error) {
	t, err := template.New("").ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("web: parse templates: %w", err)
	}
	return &Renderer{t: t}, nil
}

func (r *Renderer) Render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := r.Execute(&buf, name, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (r *Renderer) Execute(w io.Writer, name string, data any) error {
	if r.t.Lookup(name) == nil {
		return fmt.Errorf("web: unknown template %q", name)
	}
	return r.t.ExecuteTemplate(w, name, data)
}

// page renders name into a buffer first so a template error still yields a
// clean 500.
func (s *Server) page(w http.ResponseWriter, r *http.Request, name string, data any) {
	var buf bytes.Buffer
	if err := s.renderer.Execute(&buf, name, data); err != nil {
		s.logger.ErrorContext(r.Context(), "render failed", "template", name, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}
