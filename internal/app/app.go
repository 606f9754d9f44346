// Package app builds the service graph from configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"gwi.com/docchat/internal/api"
	"gwi.com/docchat/internal/chunker"
	"gwi.com/docchat/internal/config"
	"gwi.com/docchat/internal/core"
	"gwi.com/docchat/internal/extract"
	"gwi.com/docchat/internal/index"
	"gwi.com/docchat/internal/store"
)

// Backend is a generation and embedding provider.
type Backend interface {
	core.Generator
	core.TitleGenerator
	index.Embedder
	EmbeddingModelName() string
}

type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Store   *store.SQLiteStore
	Chat    *core.ChatService
	Handler *api.APIHandler

	closers []func() error
}

// Build opens storage, selects the backend named by LLM_PROVIDER and wires the services.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.Store = db
	a.closers = append(a.closers, db.Close)

	files, err := store.NewLocalFileStore(cfg.UploadDir)
	if err != nil {
		a.Close()
		return nil, err
	}

	backend, err := newBackend(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	if c, ok := backend.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	embedder := index.NewCachedEmbedder(backend, backend.EmbeddingModelName(), cfg.LLM.EmbeddingCacheTTL)
	registry := index.NewRegistry(embedder, db)

	var titles core.TitleGenerator
	if cfg.LLM.GenerateTitles {
		titles = backend
	}

	a.Chat = core.NewChatService(core.ChatServiceDeps{
		Store: db,
		Files: files,
		Extractor: extract.New(extract.Config{
			OCREnabled:    cfg.Extract.OCREnabled,
			TesseractPath: cfg.Extract.TesseractPath,
			PDFToTextPath: cfg.Extract.PDFToTextPath,
		}),
		Splitter: chunker.New(
			chunker.WithChunkSize(cfg.RAG.ChunkSize),
			chunker.WithOverlap(cfg.RAG.ChunkOverlap),
		),
		Index:         registry,
		RAG:           core.NewRAGService(registry, backend, cfg.LLM.GenerationTimeout),
		Titles:        titles,
		MaxUploadSize: cfg.MaxUploadSize,
	})
	a.Handler = api.NewAPIHandler(a.Chat, cfg.MaxUploadSize)

	logger.Info("application built",
		zap.String("provider", cfg.LLM.Provider),
		zap.String("embedding_model", backend.EmbeddingModelName()),
		zap.String("database", cfg.DatabaseURL))
	return a, nil
}

func newBackend(ctx context.Context, cfg *config.Config) (Backend, error) {
	opts := core.LLMOptions{
		ChatModel:      cfg.LLM.ChatModel,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		TitleModel:     cfg.LLM.TitleModel,
		Temperature:    cfg.LLM.Temperature,
		Retry:          cfg.LLM.Retry,
	}

	switch cfg.LLM.Provider {
	case config.ProviderGemini:
		return core.NewLLMService(ctx, cfg.GeminiAPIKey, opts)
	case config.ProviderOpenAI:
		return core.NewOpenAIService(cfg.OpenAIAPIKey, cfg.LLM.OpenAIBaseURL, opts), nil
	case config.ProviderMock:
		return core.NewMockService(), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.LLM.Provider)
	}
}

// Close waits for background work and releases resources in reverse order.
func (a *App) Close() error {
	if a.Chat != nil {
		a.Chat.Wait()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
