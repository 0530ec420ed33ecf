package web

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/inspirepan/stepchat/internal/config"
	"github.com/inspirepan/stepchat/internal/files"
	"github.com/inspirepan/stepchat/providers/responses"
)

const (
	maxUploadBytes  = 32 << 20
	vectorStoreName = "stepchat-vector-store"
)

type vectorStoreView struct {
	VectorStoreID string
	Files         []responses.VectorStoreFile
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if s.files == nil {
		http.NotFound(w, r)
		return
	}
	f, info, err := s.files.Open(r.PathValue("name"))
	switch {
	case errors.Is(err, files.ErrInvalidPath):
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	case errors.Is(err, files.ErrNotFound):
		http.NotFound(w, r)
		return
	case err != nil:
		s.logger.ErrorContext(r.Context(), "open upload failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": info.Name}))
	http.ServeContent(w, r, info.Name, time.Time{}, f)
}

func (s *Server) handleContainerFile(w http.ResponseWriter, r *http.Request) {
	if s.containers == nil {
		http.NotFound(w, r)
		return
	}
	cf, err := s.containers.ContainerFileContent(r.Context(), r.PathValue("container"), r.PathValue("file"))
	if err != nil {
		s.logger.WarnContext(r.Context(), "container file unavailable", "error", err)
		http.Error(w, "file not available", http.StatusBadGateway)
		return
	}
	defer cf.Body.Close()

	ctype := cf.ContentType
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	if cf.Length > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(cf.Length, 10))
	}
	if _, err := io.Copy(w, cf.Body); err != nil {
		s.logger.DebugContext(r.Context(), "container file copy interrupted", "error", err)
	}
}

func (s *Server) handleVectorStoreList(w http.ResponseWriter, r *http.Request) {
	if s.vectorStore == nil {
		http.NotFound(w, r)
		return
	}
	s.renderVectorStore(w, r, s.Settings().OpenAI.VectorStoreID)
}

func (s *Server) renderVectorStore(w http.ResponseWriter, r *http.Request, vsID string) {
	view := vectorStoreView{VectorStoreID: vsID}
	if vsID != "" {
		list, err := s.vectorStore.ListVectorStoreFiles(r.Context(), vsID)
		if err != nil {
			s.logger.ErrorContext(r.Context(), "list vector store files failed", "vector_store", vsID, "error", err)
		}
		view.Files = list
	}
	s.page(w, r, "vector-store-files", view)
}

// vectorStoreID returns the configured store, creating and persisting one
// on first use.
func (s *Server) vectorStoreID(r *http.Request) (string, error) {
	s.vsMu.Lock()
	defer s.vsMu.Unlock()

	settings := s.Settings()
	if id := settings.OpenAI.VectorStoreID; id != "" {
		return id, nil
	}
	id, err := s.vectorStore.CreateVectorStore(r.Context(), vectorStoreName)
	if err != nil {
		return "", err
	}
	if err := config.UpdateEnvFile(settings.Server.EnvFile, map[string]string{"VECTOR_STORE_ID": id}); err != nil {
		s.logger.WarnContext(r.Context(), "could not persist vector store id", "error", err)
	}
	updated := *settings
	updated.OpenAI.VectorStoreID = id
	s.setSettings(&updated)
	return id, nil
}

func (s *Server) handleVectorStoreUpload(w http.ResponseWriter, r *http.Request) {
	if s.vectorStore == nil || s.files == nil {
		http.NotFound(w, r)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	name, err := s.files.Save(header.Filename, file)
	if errors.Is(err, files.ErrInvalidPath) {
		http.Error(w, "invalid file name", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.ErrorContext(r.Context(), "store upload failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	vsID, err := s.vectorStoreID(r)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "vector store unavailable", "error", err)
		http.Error(w, "vector store unavailable", http.StatusBadGateway)
		return
	}

	local, _, err := s.files.Open(name)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "reopen upload failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer local.Close()
	if _, err := s.vectorStore.UploadToVectorStore(r.Context(), vsID, name, local); err != nil {
		s.logger.ErrorContext(r.Context(), "vector store upload failed", "file", name, "error", err)
		http.Error(w, "upload failed", http.StatusBadGateway)
		return
	}
	s.logger.InfoContext(r.Context(), "file uploaded", "file", name, "vector_store", vsID)
	s.renderVectorStore(w, r, vsID)
}

func (s *Server) handleVectorStoreDelete(w http.ResponseWriter, r *http.Request) {
	if s.vectorStore == nil {
		http.NotFound(w, r)
		return
	}
	vsID := s.Settings().OpenAI.VectorStoreID
	if vsID == "" {
		http.NotFound(w, r)
		return
	}
	if err := s.vectorStore.DeleteVectorStoreFile(r.Context(), vsID, r.PathValue("file")); err != nil {
		s.logger.ErrorContext(r.Context(), "vector store delete failed", "error", err)
		http.Error(w, "delete failed", http.StatusBadGateway)
		return
	}
	if name := r.URL.Query().Get("filename"); name != "" && s.files != nil {
		if err := s.files.Delete(name); err != nil {
			s.logger.WarnContext(r.Context(), "local delete failed", "file", name, "error", err)
		}
	}
	s.renderVectorStore(w, r, vsID)
}
