// Careline - Conversational Support Orchestration Server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carelinelabs/careline/internal/api"
	"github.com/carelinelabs/careline/internal/audit"
	"github.com/carelinelabs/careline/internal/classifier"
	"github.com/carelinelabs/careline/internal/config"
	"github.com/carelinelabs/careline/internal/escalation"
	"github.com/carelinelabs/careline/internal/identity"
	"github.com/carelinelabs/careline/internal/insights"
	"github.com/carelinelabs/careline/internal/middleware"
	"github.com/carelinelabs/careline/internal/orchestrator"
	"github.com/carelinelabs/careline/internal/privacy"
	"github.com/carelinelabs/careline/internal/responder"
	"github.com/carelinelabs/careline/internal/store"
	"github.com/carelinelabs/careline/internal/trace"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	auditLog, err := audit.NewLogger(audit.Config{
		Enabled:   cfg.AuditLog.Enabled,
		Path:      cfg.AuditLog.Path,
		QueueSize: cfg.AuditLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize audit logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := auditLog.Close(); closeErr != nil {
			slog.Error("Failed to close audit logger", "error", closeErr)
		}
	}()

	// Model sidecar is optional. Without it the classifier degrades
	// conservatively and the coaching responder uses templated replies.
	var modelClient *responder.ModelClient
	if cfg.ModelAgent.Addr != "" {
		slog.Info("Connecting to model sidecar", "address", cfg.ModelAgent.Addr)
		modelClient, err = responder.NewModelClient(cfg.ModelAgent.Addr, logger)
		if err != nil {
			slog.Warn("Model sidecar unavailable, running with degraded classification and templated replies", "error", err)
			modelClient = nil
		}
	} else {
		slog.Info("Model sidecar disabled (MODEL_AGENT_ADDR not set)")
	}

	var classifierModel classifier.ModelClient
	var coachingModel responder.TextGenerator
	if modelClient != nil {
		classifierModel = modelClient
		coachingModel = modelClient
	}

	// Assemble the pipeline.
	riskClassifier := classifier.New(classifierModel, cfg.ModelAgent.ClassifyTimeout)
	registry := responder.NewRegistry(
		responder.NewCoachingResponder(coachingModel),
		responder.NewCaseManagementResponder(),
		responder.NewInsightsResponder(),
	)
	escalations := escalation.NewManager(repo, cfg.Pipeline.EscalationWindow)
	emitter := trace.NewEmitter()
	orch := orchestrator.New(riskClassifier, registry, escalations, repo, emitter, orchestrator.Config{
		BranchTimeout:     cfg.Pipeline.BranchTimeout,
		BarrierSlack:      cfg.Pipeline.BarrierSlack,
		EscalationTimeout: cfg.Pipeline.EscalationTimeout,
		HistoryDepth:      cfg.Pipeline.HistoryDepth,
	})

	guard := privacy.NewGuard(cfg.Privacy.MinGroupSize, cfg.Privacy.Epsilon)
	insightsService := insights.NewService(repo, guard, auditLog)

	handler := api.NewHandler(orch, repo, insightsService, escalations, cfg)
	streamHandler := trace.NewStreamHandler(emitter, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	handler.RegisterRoutes(r)

	// WebSocket endpoint for live execution traces.
	r.Get("/ws/trace", streamHandler.ServeHTTP)

	r.Handle("/metrics", promhttp.Handler())

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start the background retire worker.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch.StartRetireWorker(ctx, cfg.SessionTTL)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
