package cmd

import (
	"context"
	"errors"
	"log/slog"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wearecity/citykb/internal/config"
	"github.com/wearecity/citykb/internal/database"
	"github.com/wearecity/citykb/internal/embed"
	"github.com/wearecity/citykb/internal/extract"
	"github.com/wearecity/citykb/internal/ingest"
	"github.com/wearecity/citykb/internal/rag"
	"github.com/wearecity/citykb/internal/retrieve"
	"github.com/wearecity/citykb/internal/source"
)

// services bundles the wired application for command handlers.
type services struct {
	cfg    *config.Config
	logger *slog.Logger
	pool   *pgxpool.Pool

	store        *source.Store
	ingest       *ingest.Service
	retriever    *retrieve.Retriever
	orchestrator *rag.Orchestrator
}

// buildServices wires the full pipeline. Close must be called when done.
func buildServices(ctx context.Context) (*services, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger()

	pool, err := database.Open(ctx, cfg.Postgres.DSN())
	if err != nil {
		return nil, err
	}

	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	embedder := googlegenai.GoogleAIEmbedder(g, cfg.AI.EmbedderModel)

	store := source.NewStore(pool, logger)
	extractor := extract.New(logger)
	generator := embed.NewGenerator(embedder, logger,
		embed.WithBatchSize(cfg.Pipeline.EmbedBatchSize),
		embed.WithConcurrency(cfg.Pipeline.EmbedConcurrency),
		embed.WithRetries(cfg.Pipeline.EmbedRetries),
	)

	svc, err := ingest.NewService(store, extractor, generator, logger,
		ingest.WithChunking(cfg.Pipeline.ChunkSize, cfg.Pipeline.ChunkOverlap),
		ingest.WithPoolSize(cfg.Pipeline.WorkerPoolSize),
	)
	if err != nil {
		pool.Close()
		return nil, err
	}

	retriever := retrieve.New(store, generator, logger)
	orchestrator := rag.New(retriever,
		rag.NewGenkitGenerator(g, "googleai/"+cfg.AI.ModelName),
		rag.NewLog(pool), store, logger,
		rag.WithMinScore(cfg.Pipeline.MinScore),
		rag.WithMaxSources(cfg.Pipeline.MaxSources),
		rag.WithHistoryWindow(cfg.Pipeline.HistoryWindow),
	)

	return &services{
		cfg:          cfg,
		logger:       logger,
		pool:         pool,
		store:        store,
		ingest:       svc,
		retriever:    retriever,
		orchestrator: orchestrator,
	}, nil
}

func (s *services) Close() {
	s.ingest.Release()
	s.pool.Close()
}

// scope returns the tenant/owner pair, failing when either is missing.
func scope() (tenant, owner string, err error) {
	if flagTenant == "" || flagOwner == "" {
		return "", "", errors.New("--tenant and --owner are required")
	}
	return flagTenant, flagOwner, nil
}
