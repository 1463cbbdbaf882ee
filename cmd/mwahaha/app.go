package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/mwahaha/internal/batch"
	"github.com/kalambet/mwahaha/internal/config"
	"github.com/kalambet/mwahaha/internal/generate"
	"github.com/kalambet/mwahaha/internal/llm"
	"github.com/kalambet/mwahaha/internal/prompt"
	"github.com/kalambet/mwahaha/internal/storage"
	"github.com/kalambet/mwahaha/internal/task"
	"github.com/kalambet/mwahaha/internal/workspace"
)

// app is everything a command needs, built once from config.
type app struct {
	cfg   config.Config
	ws    *workspace.Workspace
	store *storage.Store
	media *generate.MediaCache
	// svc is nil when no API key is configured.
	svc llm.Service
}

// newApp loads config and wires the dependency graph. Tests replace it.
var newApp = func(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	setupLogging(cfg.Log.Level)
	return buildApp(ctx, cfg)
}

func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	manifest := task.DefaultManifest()
	if cfg.Paths.Manifest != "" {
		m, err := task.LoadManifest(cfg.Paths.Manifest)
		if err != nil {
			return nil, err
		}
		manifest = m
	}

	svc, err := llm.New(ctx, llm.Options{
		Provider: cfg.Generation.Provider,
		APIKey:   cfg.APIKey(),
		BaseURL:  serviceBaseURL(cfg),
		Model:    cfg.Generation.Model,
		Timeout:  cfg.Generation.Timeout,
	})
	if err != nil {
		if !errors.Is(err, llm.ErrNotConfigured) {
			return nil, err
		}
		slog.Debug("generation service not configured", "provider", cfg.Generation.Provider)
		svc = nil
	}

	opts := generate.DefaultOptions()
	opts.MaxTokens = cfg.Generation.MaxTokens
	opts.Temperature = cfg.Generation.Temperature
	opts.Policy.MaxAttempts = cfg.Retry.MaxAttempts
	opts.Policy.BaseDelay = cfg.Retry.BaseDelay
	gen := generate.New(svc, opts)

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	ws := workspace.New(workspace.Options{
		DataDir:   cfg.Paths.DataDir,
		OutputDir: cfg.Paths.OutputDir,
		Manifest:  manifest,
		Templates: prompt.NewStore(cfg.Paths.TemplateDir),
		Generator: gen,
		Journal:   store,
		Pacing:    batch.Pacing{Plain: cfg.Pacing.Plain, Corrective: cfg.Pacing.Corrective},
		Model:     cfg.Generation.Model,
	})

	return &app{
		cfg:   cfg,
		ws:    ws,
		store: store,
		media: generate.NewMediaCache(cfg.Paths.CacheDir),
		svc:   svc,
	}, nil
}

// serviceBaseURL drops the OpenAI default when another provider is
// selected so that provider's own endpoint is used.
func serviceBaseURL(cfg config.Config) string {
	u := cfg.Generation.BaseURL
	if cfg.Generation.Provider == llm.ProviderGemini && strings.Contains(u, "api.openai.com") {
		return ""
	}
	return u
}

func (a *app) Close() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}
