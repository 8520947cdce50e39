package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	h "github.com/gorilla/handlers"
	"github.com/rs/zerolog"
	tc "go.temporal.io/sdk/client"
	sdkworker "go.temporal.io/sdk/worker"

	"github.com/stanstork/stratum-exchange/internal/bootstrap"
	"github.com/stanstork/stratum-exchange/internal/config"
	"github.com/stanstork/stratum-exchange/internal/handlers"
	"github.com/stanstork/stratum-exchange/internal/middleware"
	"github.com/stanstork/stratum-exchange/internal/routes"
	"github.com/stanstork/stratum-exchange/internal/temporal"
	"github.com/stanstork/stratum-exchange/internal/temporal/activities"
	"github.com/stanstork/stratum-exchange/internal/temporal/workflows"
	"github.com/stanstork/stratum-exchange/internal/worker"
)

const shutdownTimeout = 30 * time.Second

type application struct {
	config *config.Config
	stack  *bootstrap.Stack
	logger zerolog.Logger

	dispatcher     worker.Dispatcher
	pool           *worker.Pool
	temporalDisp   *temporal.Dispatcher
	temporalClient tc.Client
	temporalWorker sdkworker.Worker
}

func main() {
	// Set up structured, level-based logging.
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	logger := zerolog.New(consoleWriter).With().Timestamp().Logger()

	log.SetFlags(0)
	log.SetOutput(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	stack, err := bootstrap.Build(ctx, cfg, true, logger)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize data job engine")
	}

	app := &application{
		config: cfg,
		stack:  stack,
		logger: logger,
	}
	app.startDispatcher()

	router := routes.NewRouter(stack.Backend.Name(), app.dataJobHandler(), app.fileHandler())
	loggedRouter := middleware.LoggingMiddleware(app.logger)(router)
	corsHandler := h.CORS(
		h.AllowedOrigins(cfg.CORSOrigins),
		h.AllowedMethods([]string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}),
		h.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		h.AllowCredentials(),
	)(loggedRouter)

	app.startServer(corsHandler)

	logger.Info().Msg("Application terminated.")
}

func (app *application) dataJobHandler() *handlers.DataJobHandler {
	return handlers.NewDataJobHandler(app.stack.Orchestrator, app.dispatcher, app.logger)
}

func (app *application) fileHandler() *handlers.FileHandler {
	if app.stack.LocalBlobs == nil {
		return nil
	}
	return handlers.NewFileHandler(app.stack.LocalBlobs, app.logger)
}

// startDispatcher starts either the in-process worker pool or a Temporal
// client and worker, depending on worker.dispatcher.
func (app *application) startDispatcher() {
	if app.config.Worker.Dispatcher != config.DispatcherTemporal {
		app.pool = worker.NewPool(app.stack.Orchestrator, worker.PoolConfig{
			Concurrency: app.config.Worker.Concurrency,
			QueueSize:   app.config.Worker.QueueSize,
		}, app.logger)
		app.dispatcher = app.pool
		return
	}

	temporalClient, err := tc.Dial(tc.Options{
		HostPort:  app.config.Temporal.HostPort,
		Namespace: app.config.Temporal.Namespace,
		Logger:    temporal.NewTemporalAdapter(app.logger),
	})
	if err != nil {
		app.logger.Fatal().Err(err).Msg("Unable to create Temporal client")
	}
	app.temporalClient = temporalClient
	app.temporalDisp = temporal.NewDispatcher(temporalClient, app.config.Temporal.TaskQueue, app.logger)
	app.dispatcher = app.temporalDisp

	taskQueue := app.config.Temporal.TaskQueue
	if taskQueue == "" {
		taskQueue = temporal.TaskQueueName
	}
	w := sdkworker.New(temporalClient, taskQueue, sdkworker.Options{
		MaxConcurrentActivityExecutionSize: app.config.Worker.Concurrency,
	})
	workflows.Register(w, &activities.Activities{Runner: app.stack.Orchestrator})
	app.temporalWorker = w

	// Start the worker in a goroutine so it doesn't block.
	go func() {
		app.logger.Info().Str("task_queue", taskQueue).Msg("Starting Temporal worker...")
		if err := w.Run(sdkworker.InterruptCh()); err != nil {
			app.logger.Fatal().Err(err).Msg("Unable to start worker")
		}
	}()
}

// startServer launches the HTTP server and handles graceful shutdown.
func (app *application) startServer(handler http.Handler) {
	server := &http.Server{
		Addr:    ":" + app.config.ServerPort,
		Handler: handler,
	}

	// Channel to listen for server errors
	serverErrCh := make(chan error, 1)
	go func() {
		app.logger.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	// Wait for an interrupt signal or a server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		app.logger.Info().Msgf("Received signal: %s. Shutting down...", sig)
	case err := <-serverErrCh:
		app.logger.Error().Err(err).Msg("Server error occurred")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		app.logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		app.logger.Info().Msg("HTTP server shutdown complete.")
	}

	// Jobs still running when the deadline passes are interrupted and
	// marked failed, so they can be executed again.
	if app.pool != nil {
		app.logger.Info().Msg("Draining worker pool...")
		if err := app.pool.Shutdown(ctx); err != nil {
			app.logger.Warn().Err(err).Msg("Worker pool did not drain before the deadline")
		}
	}
	if app.temporalWorker != nil {
		app.logger.Info().Msg("Stopping Temporal worker...")
		app.temporalWorker.Stop()
		app.temporalDisp.Close()
		app.temporalClient.Close()
		app.logger.Info().Msg("Temporal worker stopped.")
	}

	app.stack.Close(ctx)
}
