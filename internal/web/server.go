// Package web serves the chat page, the event stream for each turn, the file
// routes and the setup page.
package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inspirepan/stepchat"
	"github.com/inspirepan/stepchat/internal/config"
	"github.com/inspirepan/stepchat/internal/files"
	"github.com/inspirepan/stepchat/internal/observability"
	"github.com/inspirepan/stepchat/providers/responses"
)

// Backend is the upstream session plus the conversation bookkeeping the
// chat page needs.
type Backend interface {
	stepchat.Session
	NewConversation(ctx context.Context) (string, error)
	AddUserMessage(ctx context.Context, conversationID, text string) error
}

// VectorStore manages the documents behind file_search.
type VectorStore interface {
	CreateVectorStore(ctx context.Context, name string) (string, error)
	UploadToVectorStore(ctx context.Context, vectorStoreID, filename string, r io.Reader) (responses.VectorStoreFile, error)
	ListVectorStoreFiles(ctx context.Context, vectorStoreID string) ([]responses.VectorStoreFile, error)
	DeleteVectorStoreFile(ctx context.Context, vectorStoreID, fileID string) error
}

// ContainerFiles serves files produced by code_interpreter.
type ContainerFiles interface {
	ContainerFileContent(ctx context.Context, containerID, fileID string) (*responses.ContainerFile, error)
}

// Config wires the server's collaborators. VectorStore and Containers are
// nil when the backend has no hosted tools.
type Config struct {
	Backend      Backend
	Orchestrator *stepchat.Orchestrator
	Renderer     *Renderer
	Files        *files.Store
	VectorStore  VectorStore
	Containers   ContainerFiles

	Settings *config.Config
	// Reload rereads the configuration after the setup page saves.
	Reload func() (*config.Config, error)

	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	Now      func() time.Time
}

// Server is the HTTP handler.
type Server struct {
	backend     Backend
	orch        *stepchat.Orchestrator
	renderer    *Renderer
	files       *files.Store
	vectorStore VectorStore
	containers  ContainerFiles
	reload      func() (*config.Config, error)
	metrics     *observability.Metrics
	gatherer    prometheus.Gatherer
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.RWMutex
	settings *config.Config

	// vsMu serializes vector store creation.
	vsMu sync.Mutex

	mux *http.ServeMux
}

// NewServer validates cfg and registers all routes.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Backend == nil || cfg.Orchestrator == nil {
		return nil, errors.New("web: backend and orchestrator are required")
	}
	if cfg.Settings == nil {
		return nil, errors.New("web: settings are required")
	}
	if cfg.Renderer == nil {
		r, err := NewRenderer()
		if err != nil {
			return nil, err
		}
		cfg.Renderer = r
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		backend:     cfg.Backend,
		orch:        cfg.Orchestrator,
		renderer:    cfg.Renderer,
		files:       cfg.Files,
		vectorStore: cfg.VectorStore,
		containers:  cfg.Containers,
		reload:      cfg.Reload,
		metrics:     cfg.Metrics,
		gatherer:    cfg.Gatherer,
		logger:      cfg.Logger,
		now:         cfg.Now,
		settings:    cfg.Settings,
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("POST /chat/{conversation}/send", s.handleSend)
	s.mux.HandleFunc("GET /chat/{conversation}/receive", s.handleReceive)

	s.mux.HandleFunc("GET /files/vector-store", s.handleVectorStoreList)
	s.mux.HandleFunc("POST /files/vector-store/upload", s.handleVectorStoreUpload)
	s.mux.HandleFunc("DELETE /files/vector-store/{file}", s.handleVectorStoreDelete)
	s.mux.HandleFunc("GET /files/{name}", s.handleDownload)
	s.mux.HandleFunc("GET /files/{container}/{file}/content", s.handleContainerFile)

	s.mux.HandleFunc("GET /setup", s.handleSetupPage)
	s.mux.HandleFunc("POST /setup", s.handleSetupSave)

	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok")
	})
}

// Handler returns the routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	return LoggingMiddleware(s.logger, s.metrics)(s.mux)
}

// Settings returns the current configuration.
func (s *Server) Settings() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

func (s *Server) setSettings(cfg *config.Config) {
	s.mu.Lock()
	s.settings = cfg
	s.mu.Unlock()
	s.orch.SetToolDetail(cfg.Tools.ShowDetail)
}

// Serve runs an http.Server on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("web: serve: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("web: shutdown: %w", err)
		}
		return nil
	}
}
