package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"attribution-backend/cmd"
	"attribution-backend/internal/api"
	"attribution-backend/internal/config"
	"attribution-backend/internal/core"
	"attribution-backend/internal/inference"
	"attribution-backend/internal/tasks"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func createServer(cfg config.Config, handler *api.TaskService) *http.Server {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api/v1", func(r chi.Router) {
		handler.AddRoutes(r)
	})

	return &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: r,
	}
}

func main() {
	log.Println("Starting analysis server...")

	cmd.LoadEnvFile()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx := context.Background()

	service, err := inference.NewGeminiService(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	if err != nil {
		log.Fatalf("Failed to create inference service: %v", err)
	}

	registry, err := cfg.NewRegistry()
	if err != nil {
		log.Fatalf("%v", err)
	}
	orchestrator, err := cfg.NewOrchestrator(service, registry)
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}

	staging, err := cmd.NewStaging(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create artifact staging: %v", err)
	}

	publisher, reciever, err := cmd.NewQueue(cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}

	runs := tasks.NewRunTracker()
	worker := core.NewTaskProcessor(orchestrator, runs, staging, publisher, reciever, cfg.WorkerConcurrency)
	server := createServer(cfg, api.NewTaskService(registry, runs, staging, publisher, service, cfg.MaxUploadBytes))

	slog.Info("starting worker", "queue", cfg.Queue, "storage", cfg.Storage)
	go worker.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	slog.Info("server started", "port", cfg.APIPort, "model", cfg.GeminiModel)
	if err := serve(server, worker, quit); err != nil {
		log.Fatalf("Could not listen on %s: %v\n", cfg.APIPort, err)
	}
	slog.Info("server stopped")
}

type stopper interface {
	Stop()
}

// serve runs the server until quit fires, then shuts it down and stops the worker. It returns
// only after the worker has stopped.
func serve(server *http.Server, worker stopper, quit <-chan os.Signal) error {
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)

		<-quit
		slog.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			slog.Error("server forced to shutdown", "error", err)
		}

		slog.Info("shutting down worker")
		worker.Stop()
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	<-stopped
	return nil
}
