package web

import (
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/services"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func unauthorized(c fiber.Ctx) error {
	problem := problems.NewStatusProblem(401).
		WithInstance(c.Path()).
		WithType("unauthorized").
		WithDetail("missing or invalid bearer token")

	c.Set(fiber.HeaderWWWAuthenticate, `Bearer realm="stepflow"`)

	return c.Status(fiber.StatusUnauthorized).JSON(problem)
}

func unavailable(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(503).
		WithInstance(c.Path()).
		WithType("unavailable").
		WithError(err)

	return c.Status(fiber.StatusServiceUnavailable).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleServiceError provides typed error handling for service layer errors.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case services.IsValidationError(err):
		return badRequest(c, err.Error())

	case persistence.IsExecutionNotFound(err):
		return notFound(c, "execution not found")

	case services.IsQueueDeliveryError(err):
		problem := problems.NewStatusProblem(500).
			WithInstance(c.Path()).
			WithType("queue_delivery_error").
			WithDetail(err.Error())

		return c.Status(fiber.StatusInternalServerError).JSON(problem)

	default:
		return internalError(c, err)
	}
}
