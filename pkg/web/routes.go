package web

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
)

// AccessTokenParam is the query parameter accepted as a token by the event stream.
const AccessTokenParam = "access_token"

// Mount registers the API routes. Requests to workflow, metrics and event
// routes need a bearer token when tokens has any configured.
func Mount(app *fiber.App, h *APIHandlers, tokens *StaticTokens) {
	guard := passThrough
	streamGuard := passThrough

	if tokens != nil && tokens.Enabled() {
		guard = BearerAuth(tokens, "")
		streamGuard = BearerAuth(tokens, AccessTokenParam)
	}

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker(healthcheck.Config{
		Probe: h.Ready,
	}))
	app.Get("/health", h.HealthCheck)

	app.Post("/workflows/execute", guard, h.ExecuteWorkflow)
	app.Get("/workflows/execution/:id", guard, h.GetExecution)
	app.Get("/workflows/history", guard, h.GetHistory)
	app.Get("/metrics", guard, h.GetMetrics)
	app.Get("/events", streamGuard, h.StreamEvents)
}

func passThrough(c fiber.Ctx) error {
	return c.Next()
}
