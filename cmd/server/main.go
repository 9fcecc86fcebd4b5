// wa-agent-api - conversational workflow server
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

	"github.com/andreypedro/wa-agent-api/internal/api"
	"github.com/andreypedro/wa-agent-api/internal/channel"
	"github.com/andreypedro/wa-agent-api/internal/collaborator"
	"github.com/andreypedro/wa-agent-api/internal/config"
	"github.com/andreypedro/wa-agent-api/internal/conversation"
	"github.com/andreypedro/wa-agent-api/internal/middleware"
	"github.com/andreypedro/wa-agent-api/internal/store"
	"github.com/andreypedro/wa-agent-api/internal/workflow"
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

	slog.Info("Starting server", "port", cfg.Port, "workflow", cfg.Workflow, "dev", cfg.IsDevelopment())

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

	def, err := workflow.ByName(cfg.Workflow)
	if err != nil {
		slog.Error("Failed to resolve workflow", "error", err)
		os.Exit(1)
	}
	machine := workflow.NewMachine(def)

	extractor, err := collaborator.NewOpenRouter(collaborator.OpenRouterConfig{
		BaseURL: cfg.OpenRouter.BaseURL,
		Token:   cfg.OpenRouter.Token,
		Model:   cfg.OpenRouter.Model,
		Timeout: cfg.CollaboratorTimeout,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize collaborator client", "error", err)
		os.Exit(1)
	}
	slog.Info("Collaborator client ready", "model", cfg.OpenRouter.Model)

	convlog, err := conversation.NewConversationLogger(conversation.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := convlog.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	engine := conversation.NewEngine(repo, machine, extractor, convlog, logger, cfg.WindowPairs)

	// Initialize handlers.
	sessionHandler := api.NewSessionHandler(engine)
	healthHandler := api.NewHealthHandler(repo, 5*time.Second)
	webchatHandler := channel.NewWebChatHandler(engine, cfg.FrontendURL, cfg.IsDevelopment(), logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	// Operational routes.
	healthHandler.RegisterHealth(r)
	sessionHandler.Register(r)

	// Channel webhooks, mounted only when configured.
	if cfg.Telegram.BotToken != "" {
		telegramHandler := channel.NewTelegramHandler(engine, channel.TelegramConfig{
			BotToken: cfg.Telegram.BotToken,
		}, logger)
		r.Post("/webhooks/telegram", telegramHandler.Webhook)
		slog.Info("Telegram channel enabled")
	}
	if cfg.WhatsApp.AccessToken != "" {
		whatsappHandler := channel.NewWhatsAppHandler(engine, channel.WhatsAppConfig{
			AccessToken:   cfg.WhatsApp.AccessToken,
			PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
			VerifyToken:   cfg.WhatsApp.VerifyToken,
			RateLimit:     cfg.WhatsApp.RateLimit,
		}, logger)
		r.Get("/webhooks/whatsapp", whatsappHandler.Verify)
		r.Post("/webhooks/whatsapp", whatsappHandler.Webhook)
		slog.Info("WhatsApp channel enabled")
	}

	// WebSocket endpoint for browser visitors.
	r.Get("/ws/chat", webchatHandler.ServeHTTP)

	// Create server.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long-lived websocket connections
		IdleTimeout:  120 * time.Second,
	}

	// Start TTL worker.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store.StartTTLWorker(ctx, repo, cfg.SessionTTL)

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
