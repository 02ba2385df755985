package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"server/internal/adapter/repo"
	httpapi "server/internal/http"
	"server/internal/http/handlers"
	"server/internal/imaging"
	"server/internal/infra"
	"server/internal/ledger"
	"server/internal/pipeline"
	imageprovider "server/internal/providers/image"
	"server/internal/providers/prompt"
	"server/internal/providers/segment"
	"server/internal/storage"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	store, err := newStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure object storage")
	}

	jobs := repo.NewJobRepository(dbpool)
	credits := repo.NewCreditRepository(dbpool)
	assets := repo.NewAssetRepository(dbpool)

	promptSynth := prompt.NewSynthesizer(
		mustPrimaryEnhancer(cfg, logger),
		fallbackEnhancer(cfg, logger),
		logger,
	)

	var segmentClient segment.Client
	if cfg.SegmentAPIKey != "" {
		segmentClient, err = segment.NewHTTPClient(segment.HTTPClientOptions{
			APIKey:  cfg.SegmentAPIKey,
			BaseURL: cfg.SegmentBaseURL,
			Model:   cfg.SegmentModel,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure segmentation client")
		}
	} else {
		logger.Warn().Msg("segmentation api key missing, background removal disabled")
	}
	remover := segment.NewRemover(segmentClient, store, logger)

	primary, err := imageprovider.NewReplicateClient(imageprovider.ReplicateOptions{
		APIKey:  cfg.SynthAPIKey,
		BaseURL: cfg.SynthBaseURL,
		Model:   cfg.SynthModel,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure primary image provider")
	}
	var fallback imageprovider.PredictionClient
	if cfg.SynthFallbackAPIKey != "" {
		fallback, err = imageprovider.NewReplicateClient(imageprovider.ReplicateOptions{
			APIKey:  cfg.SynthFallbackAPIKey,
			BaseURL: cfg.SynthFallbackBaseURL,
			Model:   cfg.SynthFallbackModel,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure fallback image provider")
		}
	}
	synth := imageprovider.NewSynthesizer(primary, fallback, imageprovider.SynthesizerOptions{
		PollInterval:    cfg.SynthPollInterval,
		MaxPollAttempts: cfg.SynthMaxPollAttempts,
		WallClock:       cfg.SynthWallClockCeiling,
	}, logger)

	orchestrator := pipeline.New(
		jobs,
		assets,
		store,
		imaging.NewCompositor(store, cfg.CompositorCellPx, logger),
		promptSynth,
		remover,
		synth,
		ledger.New(jobs, credits, logger),
		pipeline.Options{CreditCost: cfg.CreditCost, StuckAfter: cfg.StuckJobAfter},
		logger,
	)

	app := handlers.NewApp(orchestrator, logger)
	router := httpapi.NewRouter(app, logger)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}

func newStore(ctx context.Context, cfg *infra.Config) (storage.Store, error) {
	if cfg.StorageBackend == "s3" {
		return storage.NewS3Store(ctx, storage.S3Options{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Endpoint:  cfg.S3Endpoint,
		})
	}
	return storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
}

func mustPrimaryEnhancer(cfg *infra.Config, logger infra.Logger) prompt.Enhancer {
	enhancer, err := prompt.NewGeminiEnhancer(prompt.GeminiOptions{
		APIKey:  cfg.PromptAPIKey,
		Model:   cfg.PromptModel,
		BaseURL: cfg.PromptBaseURL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure prompt enhancer")
	}
	return enhancer
}

func fallbackEnhancer(cfg *infra.Config, logger infra.Logger) prompt.Enhancer {
	if cfg.PromptFallbackAPIKey == "" {
		logger.Warn().Msg("prompt fallback api key missing, degrading straight to base prompt on failure")
		return nil
	}
	enhancer, err := prompt.NewOpenAIEnhancer(prompt.OpenAIOptions{
		APIKey:  cfg.PromptFallbackAPIKey,
		Model:   cfg.PromptFallbackModel,
		BaseURL: cfg.PromptFallbackBaseURL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure fallback prompt enhancer")
	}
	return enhancer
}
