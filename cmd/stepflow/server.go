package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/stepflow/pkg/broadcast"
	"github.com/dukex/stepflow/pkg/cmd"
	"github.com/dukex/stepflow/pkg/config"
	"github.com/dukex/stepflow/pkg/events"
	"github.com/dukex/stepflow/pkg/metrics"
	"github.com/dukex/stepflow/pkg/otelhelper"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/queue"
	"github.com/dukex/stepflow/pkg/repair"
	"github.com/dukex/stepflow/pkg/runner"
	"github.com/gofiber/fiber/v3"
)

const (
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Server runs the API, the workers and the repair job in one process.
type Server struct {
	config config.Config
	logger *slog.Logger

	store      persistence.Persistence
	queue      queue.Queue
	hub        *broadcast.Hub
	aggregator *metrics.Aggregator
	runner     *runner.Runner
	sweeper    *repair.Sweeper
	api        *API

	shutdownTelemetry otelhelper.ShutdownFunc
}

func NewServer(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	tracer, shutdownTracer, err := cmd.NewTracer(ctx, logger, cfg.OTelEnabled, cfg.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	meterProvider, shutdownMeter, err := cmd.NewMeterProvider(ctx, logger, cfg.OTelEnabled, cfg.ServiceName)
	if err != nil {
		_ = shutdownTracer(ctx)

		return nil, fmt.Errorf("failed to initialize meter provider: %w", err)
	}

	shutdownTelemetry := func(ctx context.Context) error {
		return errors.Join(shutdownMeter(ctx), shutdownTracer(ctx))
	}

	store, err := cmd.NewPersistence(ctx, logger, cfg.DatabaseURL)
	if err != nil {
		_ = shutdownTelemetry(ctx)

		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	q, err := cmd.NewQueue(ctx, logger, cfg)
	if err != nil {
		_ = store.Close(ctx)
		_ = shutdownTelemetry(ctx)

		return nil, fmt.Errorf("failed to create queue: %w", err)
	}

	aggregator, err := metrics.NewAggregator(meterProvider)
	if err != nil {
		_ = q.Close()
		_ = store.Close(ctx)
		_ = shutdownTelemetry(ctx)

		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	hub := broadcast.NewHub(broadcast.DefaultBufferSize, logger)
	emitter := events.NewEmitter(aggregator, hub, logger)

	stepRunner := runner.New(store, emitter, tracer, runner.Config{
		StepTimeout:  cfg.StepTimeout,
		StoreTimeout: cfg.StoreTimeout,
		HTTPClient:   &http.Client{},
	}, logger)

	sweeper := repair.NewSweeper(store, emitter, repair.Config{
		Schedule:     cfg.Repair.Schedule,
		StaleAfter:   cfg.Repair.StaleAfter,
		StoreTimeout: cfg.StoreTimeout,
	}, logger)

	api, err := NewAPI(logger, store, q, emitter, aggregator, hub, cfg)
	if err != nil {
		hub.Close()
		_ = q.Close()
		_ = store.Close(ctx)
		_ = shutdownTelemetry(ctx)

		return nil, err
	}

	return &Server{
		config:            cfg,
		logger:            logger,
		store:             store,
		queue:             q,
		hub:               hub,
		aggregator:        aggregator,
		runner:            stepRunner,
		sweeper:           sweeper,
		api:               api,
		shutdownTelemetry: shutdownTelemetry,
	}, nil
}

// Run starts the consumers before accepting HTTP traffic and blocks until ctx is
// cancelled or a component fails, then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	consumeCtx, stopConsuming := context.WithCancel(context.WithoutCancel(ctx))
	defer stopConsuming()

	consumeErr := make(chan error, 1)

	go func() {
		consumeErr <- s.queue.Consume(consumeCtx, s.runner)
	}()

	select {
	case <-s.queue.Running():
	case err := <-consumeErr:
		s.shutdown(ctx)

		return fmt.Errorf("queue consumer stopped during startup: %w", err)
	case <-time.After(startupTimeout):
		s.shutdown(ctx)

		return errors.New("queue consumer did not start in time")
	case <-ctx.Done():
		s.shutdown(ctx)

		return nil
	}

	err := s.sweeper.Start(ctx)
	if err != nil {
		s.shutdown(ctx)

		return err
	}

	app := s.api.App()
	listenErr := make(chan error, 1)

	go func() {
		listenErr <- app.Listen(":"+strconv.Itoa(s.config.Port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	s.logger.InfoContext(ctx, "stepflow started", "port", s.config.Port, "queue_driver", s.config.Queue.Driver)

	var runErr error

	select {
	case <-ctx.Done():
		s.logger.InfoContext(ctx, "Shutting down stepflow")
	case err := <-listenErr:
		runErr = fmt.Errorf("http server stopped: %w", err)
	case err := <-consumeErr:
		runErr = fmt.Errorf("queue consumer stopped: %w", err)
	}

	err = app.ShutdownWithTimeout(shutdownTimeout)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to shut down HTTP server", "error", err)
	}

	s.shutdown(ctx)

	return runErr
}

// shutdown stops the components after the HTTP server, in dependency order.
func (s *Server) shutdown(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)

	stopCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	err := s.sweeper.Stop(stopCtx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to stop repair sweeper", "error", err)
	}

	err = s.queue.Close()
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to close queue", "error", err)
	}

	s.hub.Close()

	err = s.store.Close(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
	}

	err = s.shutdownTelemetry(stopCtx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to shut down telemetry", "error", err)
	}
}
