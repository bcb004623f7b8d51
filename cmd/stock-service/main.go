package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/medflow/stock-ledger/internal/stock/events"
	"github.com/medflow/stock-ledger/internal/stock/handler"
	"github.com/medflow/stock-ledger/internal/stock/migrations"
	"github.com/medflow/stock-ledger/internal/stock/repository"
	"github.com/medflow/stock-ledger/internal/stock/service"
	"github.com/medflow/stock-ledger/pkg/config"
	"github.com/medflow/stock-ledger/pkg/database"
	"github.com/medflow/stock-ledger/pkg/httputil"
	"github.com/medflow/stock-ledger/pkg/logger"
	"github.com/medflow/stock-ledger/pkg/messaging"
)

func main() {
	// Load configuration with validation (fails fast in production if required config is missing)
	cfg, err := config.LoadWithValidation("stock-service")
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New("stock-service", cfg.Server.Environment)
	log.Info().Msg("starting Stock Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database
	db, err := database.New(&cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.Migrate(ctx, migrations.FS, migrations.Dir); err != nil {
		log.Fatal().Err(err).Msg("failed to apply migrations")
	}

	// Event publishing is optional; the ledger is the source of truth
	var publisher service.EventPublisher
	var rmq *messaging.RabbitMQ
	if cfg.RabbitMQ.Enabled {
		rmq, err = messaging.New(&cfg.RabbitMQ, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
		}
		defer rmq.Close()
		rmq.Watch(ctx)

		stockPublisher, err := events.NewStockEventPublisher(rmq, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create event publisher")
		}
		publisher = stockPublisher
	} else {
		log.Info().Msg("RabbitMQ disabled, stock events will not be published")
	}

	// Initialize service
	stockService := service.NewStockService(
		db,
		repository.NewBatchNumberGenerator(cfg.Stock.BatchPrefix),
		repository.NewProductDirectory(db),
		publisher,
		service.Options{BatchNumberAttempts: cfg.Stock.BatchNumberAttempts},
		log,
	)

	scheduler := service.NewScheduler(stockService, cfg.Stock.SweepInterval, cfg.Stock.ReconcileInterval, log)
	scheduler.Start(ctx)

	stockHandler := handler.NewStockHandler(stockService, log)

	// Create router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-User-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(httputil.RequestID)
	r.Use(httputil.Recoverer(log))
	r.Use(httputil.Actor(httputil.ActorConfig{Secret: cfg.JWT.Secret, Issuer: cfg.JWT.Issuer}))
	r.Use(httputil.Logger(log))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		dbHealth := db.Health(r.Context())
		status := "healthy"
		code := http.StatusOK
		if dbHealth["status"] != "up" {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}

		body := map[string]interface{}{
			"status":   status,
			"service":  "stock-service",
			"database": dbHealth,
		}
		if rmq != nil {
			body["rabbitmq"] = rmq.Health()
		}
		httputil.JSON(w, code, body)
	})

	// API routes
	r.Mount("/api/v1/stock", stockHandler.Routes())

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server
	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	// Stop background jobs after in-flight requests have drained
	scheduler.Stop()
	cancel()

	log.Info().Msg("server stopped")
}
