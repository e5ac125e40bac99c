package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/amikos-tech/chroma-go/pkg/embeddings"
	gemini "github.com/amikos-tech/chroma-go/pkg/embeddings/gemini"
	openai "github.com/amikos-tech/chroma-go/pkg/embeddings/openai"
	"github.com/gamma-omg/calendar-rag/docstore"
	"github.com/gamma-omg/calendar-rag/llm"
	"github.com/gamma-omg/calendar-rag/readers"
)

// App holds the components shared by the CLI and the MCP server.
type App struct {
	Config    *Config
	Log       *slog.Logger
	Store     *docstore.Store
	Registry  *DocRegistry
	Retriever *Retriever
	Composer  *Composer

	closers []io.Closer
}

func createEmbeddingFunction(cfg *Config) (docstore.Embedder, error) {
	if p := cfg.Embeddings.OpenAI; p != nil {
		var opts []openai.Option
		if p.Model != "" {
			opts = append(opts, openai.WithModel(openai.EmbeddingModel(p.Model)))
		}

		ef, err := openai.NewOpenAIEmbeddingFunction(p.ApiKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to create OpenAI embedding function: %w", docstore.ErrCapabilityUnavailable, err)
		}

		return ef, nil
	}

	if p := cfg.Embeddings.Gemini; p != nil {
		opts := []gemini.Option{gemini.WithAPIKey(p.ApiKey)}
		if p.Model != "" {
			opts = append(opts, gemini.WithDefaultModel(embeddings.EmbeddingModel(p.Model)))
		}

		ef, err := gemini.NewGeminiEmbeddingFunction(opts...)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to create Gemini embedding function: %w", docstore.ErrCapabilityUnavailable, err)
		}

		return ef, nil
	}

	return nil, errors.New("invalid embeddings provider configuration")
}

func createGenerator(ctx context.Context, cfg *Config) (llm.Generator, error) {
	g := cfg.Generation
	if g.OpenAI != nil {
		return llm.NewOpenAIGenerator(llm.Options{
			Model:       g.OpenAI.Model,
			APIKey:      g.OpenAI.ApiKey,
			Temperature: *g.Temperature,
			MaxTokens:   g.MaxTokens,
		})
	}

	if g.Gemini != nil {
		return llm.NewGeminiGenerator(ctx, llm.Options{
			Model:       g.Gemini.Model,
			APIKey:      g.Gemini.ApiKey,
			Temperature: *g.Temperature,
			MaxTokens:   g.MaxTokens,
		})
	}

	return nil, errors.New("invalid generation provider configuration")
}

// unavailableGenerator stands in when no model could be configured, so that
// questions still get an answer explaining why.
type unavailableGenerator struct {
	err error
}

func (g unavailableGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	return "", fmt.Errorf("%w: %w", llm.ErrGeneration, g.err)
}

func NewApp(ctx context.Context, cfg *Config, log *slog.Logger) (*App, error) {
	ef, err := createEmbeddingFunction(cfg)
	if err != nil {
		return nil, err
	}

	gen, err := createGenerator(ctx, cfg)
	if err != nil {
		log.Warn("generation is unavailable, answers will report the error", "err", err)
		gen = unavailableGenerator{err: err}
	}

	app, err := newApp(cfg, log, ef, gen, readers.DetectOCR())
	if err != nil {
		return nil, err
	}

	if c, ok := gen.(io.Closer); ok {
		app.closers = append(app.closers, c)
	}

	return app, nil
}

func newApp(cfg *Config, log *slog.Logger, ef docstore.Embedder, gen llm.Generator, ocr readers.OCRCapability) (*App, error) {
	store, err := docstore.NewStore(docstore.StoreConfig{
		Path:              cfg.SnapshotPath,
		EmbeddingFunc:     ef,
		RequestSize:       cfg.RequestSize,
		RequestsPerSecond: cfg.Embeddings.RequestsPerSecond,
		Logger:            log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create index store: %w", err)
	}

	if !ocr.Available {
		log.Debug("OCR is unavailable", "reason", ocr.Reason)
	}

	reg := NewDocRegistry(store, NewTextChunkifier(cfg.ChunkSize, *cfg.ChunkOverlap), ocr, log)
	reg.RegisterReader(
		readers.NewPdfFileReader(ocr, cfg.OCR.DPI, log),
		&readers.EventsFileReader{},
		&readers.UniversalFileReader{},
	)

	retriever := NewRetriever(store)

	return &App{
		Config:    cfg,
		Log:       log,
		Store:     store,
		Registry:  reg,
		Retriever: retriever,
		Composer:  NewComposer(retriever, gen, cfg.Results, log),
		closers:   []io.Closer{store},
	}, nil
}

func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// newLogger writes JSON to the configured log file, or text to stderr when
// none is set.
func newLogger(cfg *Config, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	if cfg.LogFile == "" {
		return slog.New(slog.NewTextHandler(stderr, nil)), io.NopCloser(nil), nil
	}

	logFile, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return slog.New(slog.NewJSONHandler(logFile, nil)), logFile, nil
}
