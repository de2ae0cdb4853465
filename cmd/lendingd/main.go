// @title AutoLib Lending API
// @version 1.0
// @description Book borrowing with locker pickup and return.
// @BasePath /api/v1
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/autolib/services/lending/docs"
	"github.com/autolib/services/lending/internal/borrow"
	"github.com/autolib/services/lending/internal/config"
	"github.com/autolib/services/lending/internal/db"
	"github.com/autolib/services/lending/internal/events"
	grpcserver "github.com/autolib/services/lending/internal/grpc"
	httpapi "github.com/autolib/services/lending/internal/http"
	"github.com/autolib/services/lending/internal/metrics"
	"github.com/autolib/services/lending/internal/notify"
	"github.com/autolib/services/lending/internal/repo"
	"github.com/autolib/services/lending/internal/session"
	"github.com/autolib/services/lending/internal/worker"
	"github.com/autolib/services/lending/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// eventPublisher is satisfied by events.Publisher and events.Discard
type eventPublisher interface {
	PublishTransaction(ctx context.Context, eventType string, tx *db.Transaction) error
	IsHealthy() bool
	Close() error
}

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log := logger.NewLogger(cfg.ServiceName, cfg.LogLevel, cfg.LogFormat)
	defer log.Sync()

	log.Info("Lending service starting")

	// Connect to database
	log.Info("Connecting to database...")
	database, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	// Run migrations
	log.Info("Running database migrations...")
	if err := db.RunMigrations(database); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Initialize repositories
	bookRepo := repo.NewBookRepository(database, log)
	lockerRepo := repo.NewLockerRepository(database, log)
	txRepo := repo.NewTransactionRepository(database, log)
	ratingRepo := repo.NewRatingRepository(database, log)

	// Connect to RabbitMQ
	var publisher eventPublisher = events.Discard{Log: log}
	if cfg.EventsEnabled {
		log.Info("Connecting to RabbitMQ")
		p, err := events.NewPublisher(cfg.RabbitMQURL, log)
		if err != nil {
			log.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
		}
		publisher = p
	} else {
		log.Warn("Event publishing disabled")
	}
	defer publisher.Close()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	hub := notify.NewHub(cfg.AllowedOrigins, log)
	defer hub.Close()

	borrowService := borrow.NewService(database, bookRepo, lockerRepo, txRepo, publisher, log,
		borrow.WithNotifier(hub),
		borrow.WithMetrics(m),
	)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Start late return checker
	lateChecker := worker.NewLateChecker(txRepo, publisher, hub, m, cfg.LateCheckInterval, log)
	go lateChecker.Run(ctx)

	// Create gRPC server
	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(grpcserver.LoggingInterceptor(log)),
	)

	// Register health service
	healthServer := grpcserver.NewHealthServer(database, publisher, log)
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)

	// Enable reflection for grpcurl/grpcui
	reflection.Register(grpcServer)

	// Start gRPC server
	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
	if err != nil {
		log.Fatal("Failed to listen on gRPC port", zap.Error(err))
	}

	go func() {
		log.Info("Starting gRPC server", zap.String("address", grpcListener.Addr().String()))
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Fatal("Failed to serve gRPC", zap.Error(err))
		}
	}()

	// Start API server
	api := httpapi.NewServer(httpapi.Deps{
		Catalog:  bookRepo,
		Ratings:  ratingRepo,
		History:  txRepo,
		Borrow:   borrowService,
		Verifier: session.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer),
		Hub:      hub,
		Metrics:  m,
		Log:      log,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
	})

	apiServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:           corsHandler.Handler(api.Engine()),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info("Starting API server", zap.String("address", apiServer.Addr))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to serve API", zap.Error(err))
		}
	}()

	// Start HTTP server for health check and metrics
	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/healthz", healthHandler(healthServer))
	httpMux.Handle("/metrics", m.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.HTTPHealthPort),
		Handler:      httpMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to serve HTTP", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	stop()

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error("API server shutdown error", zap.Error(err))
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Let events from the last requests reach the broker
	borrowService.Wait()

	// Stop gRPC server
	grpcServer.GracefulStop()

	log.Info("Server stopped")
}

func healthHandler(health *grpcserver.HealthServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ok, reason := health.Healthy(); !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("unhealthy: " + reason))
			return
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	}
}
