package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inspirepan/stepchat/internal/config"
	"github.com/inspirepan/stepchat/internal/files"
	"github.com/inspirepan/stepchat/internal/web"
)

type serveOptions struct {
	ConfigPath string
	Addr       string
	Debug      bool
}

func runServe(ctx context.Context, opts serveOptions) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}
	logger := newLogger(cfg, opts.Debug)
	logger.Info("starting stepchat",
		"version", version,
		"commit", commit,
		"config", opts.ConfigPath,
		"addr", cfg.Server.Addr,
	)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.close(shutdownCtx)
	}()

	store, err := files.NewStore(cfg.Server.UploadDir)
	if err != nil {
		return fmt.Errorf("open upload dir: %w", err)
	}

	srvCfg := web.Config{
		Backend:      a.backend,
		Orchestrator: a.orch,
		Renderer:     a.renderer,
		Files:        store,
		Settings:     cfg,
		Reload: func() (*config.Config, error) {
			return config.Load(opts.ConfigPath)
		},
		Metrics:  a.metrics,
		Gatherer: a.registry,
		Logger:   logger,
	}
	if a.hosted != nil {
		srvCfg.VectorStore = a.hosted
		srvCfg.Containers = a.hosted
	}
	srv, err := web.NewServer(srvCfg)
	if err != nil {
		return err
	}

	if err := srv.Serve(ctx, cfg.Server.Addr); err != nil {
		return err
	}
	logger.Info("stepchat stopped")
	return nil
}
