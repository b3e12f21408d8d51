// Package main provides the stepflow server.
package main

import (
	"log/slog"

	"github.com/dukex/stepflow/pkg/broadcast"
	"github.com/dukex/stepflow/pkg/config"
	"github.com/dukex/stepflow/pkg/events"
	"github.com/dukex/stepflow/pkg/metrics"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/queue"
	"github.com/dukex/stepflow/pkg/services"
	"github.com/dukex/stepflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

type API struct {
	logger   *slog.Logger
	handlers *web.APIHandlers
	tokens   *web.StaticTokens
}

func NewAPI(
	logger *slog.Logger,
	store persistence.Persistence,
	q queue.Queue,
	emitter *events.Emitter,
	aggregator *metrics.Aggregator,
	hub *broadcast.Hub,
	cfg config.Config,
) (*API, error) {
	gateway, err := services.NewGateway(
		store,
		q,
		emitter,
		validator.New(validator.WithRequiredStructEnabled()),
		cfg.StoreTimeout,
		logger,
	)
	if err != nil {
		return nil, err
	}

	tokens := web.NewStaticTokens(cfg.APITokens)
	if !tokens.Enabled() {
		logger.Warn("No API tokens configured, authentication is disabled")
	}

	return &API{
		logger:   logger,
		handlers: web.NewAPIHandlers(gateway, services.NewExecutions(store, aggregator), hub, web.DefaultKeepAlive),
		tokens:   tokens,
	}, nil
}

func (a *API) App() *fiber.App {
	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("stepflow API")
	})

	web.Mount(app, a.handlers, a.tokens)

	return app
}
