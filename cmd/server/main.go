package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tnpsc-study/internal/api"
	"tnpsc-study/internal/config"
	"tnpsc-study/internal/db"
	"tnpsc-study/internal/logger"
	"tnpsc-study/internal/services"
)

const unitCacheTTL = 24 * time.Hour

func main() {
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Database).Msg("open database")
	}
	defer conn.Close()

	var history services.HistoryStore = services.NewSQLiteHistoryStore(conn)
	if cfg.HistoryStore == "postgres" {
		pool, err := db.NewPostgresPool(ctx, cfg.PostgresURL, cfg.MaxDBConns, log)
		if err != nil {
			log.Fatal().Err(err).Msg("connect postgres")
		}
		defer pool.Close()
		history = services.NewPostgresHistoryStore(pool)
	}

	newCache := func(string) services.UnitCache { return services.NewMemoryUnitCache() }
	if cfg.RedisURL != "" {
		rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("connect redis")
		}
		defer rdb.Close()
		newCache = func(flowID string) services.UnitCache {
			return services.NewRedisUnitCache(rdb, flowID, unitCacheTTL)
		}
	}

	gen, closeGen, err := services.NewGenerator(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("provider", cfg.GenerationProvider).Msg("create generator")
	}
	defer closeGen()

	extractionService := services.NewExtractionService(cfg.RenderScannedPages, log)
	documentService := services.NewDocumentService(conn, cfg.UploadDir, extractionService)
	analysisService := services.NewAnalysisService(gen, extractionService, services.AnalysisSettings{
		Temperature:          cfg.AnalysisTemperature,
		MaxOutputTokens:      cfg.MaxOutputTokens,
		Timeout:              cfg.GenerationTimeout,
		MaxKeyPoints:         cfg.MaxKeyPoints,
		FallbackExcerptChars: cfg.FallbackExcerptChars,
	}, log)
	questionService := services.NewQuestionService(gen, services.QuestionSettings{
		Temperature:     cfg.QuestionTemperature,
		MaxOutputTokens: cfg.MaxOutputTokens,
		Timeout:         cfg.GenerationTimeout,
		OptionCount:     cfg.OptionCount,
		DefaultCount:    cfg.QuestionCount,
		PerUnitCount:    cfg.QuestionsPerUnit,
	}, log)
	revisionService := services.NewRevisionService(conn)
	flowStore := services.NewFlowStore(documentService, newCache, log)
	ingestionService := services.NewIngestionService(
		documentService,
		flowStore,
		analysisService,
		questionService,
		history,
		revisionService,
		log,
	)
	authService := services.NewAuthService(services.AuthSettings{
		Secret:      cfg.JWTSecret,
		TokenExpiry: cfg.JWTExpiry,
		CodeTTL:     cfg.OTPTTL,
		PhonePrefix: cfg.PhonePrefix,
	}, services.LogCodeSender{Log: log.With().Str("component", "sms").Logger()})

	server := api.NewServer(api.Options{
		Flows:          flowStore,
		Ingestion:      ingestionService,
		Reports:        services.NewReportService(),
		Chat:           services.NewChatService(gen, cfg.GenerationTimeout, cfg.MaxOutputTokens, log),
		Auth:           authService,
		History:        history,
		Revision:       revisionService,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxUploadBytes: cfg.MaxUploadBytes,
		BaseContext:    ctx,
		Log:            log,
	})

	mux := http.NewServeMux()
	mux.Handle("/api", server.Handler())
	mux.Handle("/api/", server.Handler())

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		// Question generation answers synchronously and may take several model calls.
		WriteTimeout: cfg.GenerationTimeout*5 + 30*time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Str("provider", cfg.GenerationProvider).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	flowStore.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown")
	}
}
