package web

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/inspirepan/stepchat/internal/config"
)

type toolOption struct {
	Name    string
	Enabled bool
}

type setupView struct {
	Saved         bool
	MaskedKey     string
	Model         string
	Instructions  string
	VectorStoreID string
	ShowDetail    bool
	Tools         []toolOption
}

var setupTools = []string{config.ToolFunction, config.ToolFileSearch, config.ToolCodeInterpreter}

// maskKey keeps the last four characters of a secret.
func maskKey(key string) string {
	if key == "" {
		return "not set"
	}
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", 8) + key[len(key)-4:]
}

func (s *Server) handleSetupPage(w http.ResponseWriter, r *http.Request) {
	settings := s.Settings()
	view := setupView{
		Saved:         r.URL.Query().Get("saved") == "1",
		MaskedKey:     maskKey(settings.OpenAI.APIKey),
		Model:         settings.OpenAI.Model,
		Instructions:  settings.OpenAI.Instructions,
		VectorStoreID: settings.OpenAI.VectorStoreID,
		ShowDetail:    settings.Tools.ShowDetail,
	}
	for _, t := range setupTools {
		view.Tools = append(view.Tools, toolOption{Name: t, Enabled: settings.ToolEnabled(t)})
	}
	s.page(w, r, "setup", view)
}

func (s *Server) handleSetupSave(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	var enabled []string
	for _, t := range r.PostForm["tools"] {
		for _, known := range setupTools {
			if t == known {
				enabled = append(enabled, t)
			}
		}
	}
	updates := map[string]string{
		"RESPONSES_MODEL":        strings.TrimSpace(r.PostFormValue("RESPONSES_MODEL")),
		"RESPONSES_INSTRUCTIONS": r.PostFormValue("RESPONSES_INSTRUCTIONS"),
		"ENABLED_TOOLS":          strings.Join(enabled, ","),
		"VECTOR_STORE_ID":        strings.TrimSpace(r.PostFormValue("VECTOR_STORE_ID")),
		"SHOW_TOOL_CALL_DETAIL":  strconv.FormatBool(r.PostFormValue("SHOW_TOOL_CALL_DETAIL") == "true"),
	}
	// A blank key field keeps the stored key.
	if key := strings.TrimSpace(r.PostFormValue("OPENAI_API_KEY")); key != "" {
		updates["OPENAI_API_KEY"] = key
	}

	settings := s.Settings()
	if err := config.UpdateEnvFile(settings.Server.EnvFile, updates); err != nil {
		s.logger.ErrorContext(r.Context(), "save setup failed", "error", err)
		http.Error(w, "could not save settings", http.StatusInternalServerError)
		return
	}
	if s.reload != nil {
		cfg, err := s.reload()
		if err != nil {
			s.logger.WarnContext(r.Context(), "saved settings are invalid", "error", err)
			http.Error(w, "saved, but the configuration is invalid: "+err.Error(), http.StatusUnprocessableEntity)
			return
		}
		s.setSettings(cfg)
	}
	http.Redirect(w, r, "/setup?saved=1", http.StatusSeeOther)
}
