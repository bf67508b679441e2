package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ent0n29/eva/internal/brain"
	"github.com/ent0n29/eva/internal/config"
	"github.com/ent0n29/eva/internal/connection"
	"github.com/ent0n29/eva/internal/conversation"
	"github.com/ent0n29/eva/internal/dialogue"
	"github.com/ent0n29/eva/internal/httpapi"
	"github.com/ent0n29/eva/internal/identity"
	"github.com/ent0n29/eva/internal/memory"
	"github.com/ent0n29/eva/internal/observability"
	"github.com/ent0n29/eva/internal/realtime"
	"github.com/ent0n29/eva/internal/speech"
	"github.com/ent0n29/eva/internal/tiering"
)

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Registry  *connection.Registry
	Scheduler *tiering.Scheduler
	Metrics   *observability.Metrics
	Speech    []string

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

// Build wires every component from cfg. ctx is the server lifetime: when it
// is cancelled, open realtime connections close with a going-away code.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	resolver, err := identity.NewResolver(identity.Config{
		Mode:         cfg.IdentityMode,
		JWTSecret:    cfg.JWTSecret,
		JWTIssuer:    cfg.JWTIssuer,
		JWTAudience:  cfg.JWTAudience,
		StaticTokens: cfg.StaticTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("identity init failed: %w", err)
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := memory.NewStore(ctx, memory.Options{
		Backend:     cfg.StoreBackend,
		DatabaseURL: cfg.DatabaseURL,
		Redis: memory.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	engine, err := brain.NewEngine(brain.Config{
		Mode:         cfg.BrainMode,
		BaseURL:      cfg.BrainBaseURL,
		APIKey:       cfg.BrainAPIKey,
		Model:        cfg.BrainModel,
		SystemPrompt: cfg.BrainSystemPrompt,
		Timeout:      cfg.BrainTimeout,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("brain engine init failed: %w", err)
	}

	media, err := speech.NewRegistryFromConfig(speech.Config{
		Provider: cfg.SpeechProvider,
		BaseURL:  cfg.SpeechBaseURL,
		APIKey:   cfg.SpeechAPIKey,
		STTModel: cfg.STTModel,
		TTSModel: cfg.TTSModel,
		Voice:    cfg.TTSVoice,
		Timeout:  cfg.SpeechTimeout,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("speech init failed: %w", err)
	}

	pipeline := tiering.NewPipeline(store, engine, tiering.Options{
		Window:     cfg.TieringWindow,
		ClearAfter: cfg.TieringClearAfter,
		RedactPII:  cfg.MemoryRedactPII,
		Timeout:    cfg.TieringTimeout,
		Logger:     logger,
		Metrics:    metrics,
	})
	scheduler := tiering.NewScheduler(pipeline, cfg.TieringInterval, logger)

	mux := dialogue.NewMultiplexer(engine, dialogue.Options{
		SystemPrompt: cfg.BrainSystemPrompt,
		Timeout:      cfg.BrainTimeout,
		Logger:       logger,
		Metrics:      metrics,
	})
	chat := conversation.NewService(mux, store, conversation.Options{
		RedactPII: cfg.MemoryRedactPII,
		Marker:    scheduler,
		Logger:    logger,
		Metrics:   metrics,
	})

	registry := connection.NewRegistry(logger, metrics)
	handler := realtime.NewHandler(resolver, registry, chat, media, realtime.Options{
		SendTimeout: cfg.WSSendTimeout,
		RateLimit:   cfg.WSRateLimit,
		RateBurst:   cfg.WSRateBurst,
		Logger:      logger,
		Metrics:     metrics,
	})

	api := httpapi.New(ctx, cfg, httpapi.Deps{
		Identity: resolver,
		Store:    store,
		Registry: registry,
		Chat:     chat,
		Speech:   media,
		Tiering:  pipeline,
		Realtime: handler,
		Metrics:  metrics,
		Logger:   logger,
	})

	cleanup := func() error {
		if err := store.Close(); err != nil {
			return fmt.Errorf("memory store close: %w", err)
		}
		return nil
	}

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Registry:  registry,
		Scheduler: scheduler,
		Metrics:   metrics,
		Speech:    media.Engines(),
		Cleanup:   cleanup,
	}, nil
}
