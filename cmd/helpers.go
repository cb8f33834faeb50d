package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/fundsight/ingest-cli/internal/inference"
	"github.com/fundsight/ingest-cli/internal/model"
	"github.com/fundsight/ingest-cli/internal/pipeline"
	"github.com/fundsight/ingest-cli/internal/resilience"
	"github.com/fundsight/ingest-cli/internal/run"
	"github.com/fundsight/ingest-cli/internal/source"
	"github.com/fundsight/ingest-cli/internal/store"
	"github.com/fundsight/ingest-cli/pkg/anthropic"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.Path
		if path == "" {
			path = "ingest.db"
		}
		return store.NewSQLite(path)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// buildPipeline wires the full ingestion stack from config.
func buildPipeline(st store.Store) (*pipeline.Pipeline, error) {
	client := anthropic.NewClient(cfg.Anthropic.Key)
	invoker, err := inference.NewInvoker(client, inference.Config{
		Model:             cfg.Anthropic.Model,
		MaxTokens:         cfg.Anthropic.MaxTokens,
		Retry:             resilience.DefaultRetryConfig(),
		RequestsPerSecond: cfg.Anthropic.RequestsPerSecond,
	})
	if err != nil {
		return nil, eris.Wrap(err, "build invoker")
	}

	httpClient := source.NewHTTPClient(source.HTTPOptions{
		UserAgent:  cfg.Source.UserAgent,
		Timeout:    time.Duration(cfg.Source.TimeoutSecs) * time.Second,
		MaxRetries: cfg.Source.MaxRetries,
	})
	connect := func(src model.Source) (source.Connector, error) {
		return source.ForSource(src, httpClient)
	}

	return pipeline.New(run.NewCoordinator(st), st, invoker, connect, pipeline.Config{
		ChunkByteThreshold:    cfg.Pipeline.ChunkByteThreshold,
		MaxConcurrency:        cfg.Pipeline.MaxConcurrency,
		AmountChangeThreshold: cfg.Pipeline.AmountChangeThreshold,
		RequestsPerSecond:     cfg.Source.RequestsPerSecond,
		DeferredEnrichment:    cfg.Anthropic.Deferred,
		Model:                 cfg.Anthropic.Model,
	}), nil
}

// findSource resolves a source ID against the registry file.
func findSource(id string) (model.Source, error) {
	sources, err := source.LoadSources(cfg.Source.RegistryFile)
	if err != nil {
		return model.Source{}, err
	}
	for _, s := range sources {
		if s.ID == id {
			return s, nil
		}
	}
	return model.Source{}, eris.Errorf("source %q not found in %s", id, cfg.Source.RegistryFile)
}
