// Package web provides HTTP handlers for submitting and observing workflow executions.
package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/stepflow/pkg/broadcast"
	"github.com/dukex/stepflow/pkg/services"
	"github.com/gofiber/fiber/v3"
)

type APIHandlers struct {
	gateway    *services.Gateway
	executions *services.Executions
	hub        *broadcast.Hub
	keepAlive  time.Duration
}

func NewAPIHandlers(
	gateway *services.Gateway,
	executions *services.Executions,
	hub *broadcast.Hub,
	keepAlive time.Duration,
) *APIHandlers {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}

	return &APIHandlers{
		gateway:    gateway,
		executions: executions,
		hub:        hub,
		keepAlive:  keepAlive,
	}
}

func (h *APIHandlers) ExecuteWorkflow(c fiber.Ctx) error {
	response, err := h.gateway.Submit(c.Context(), c.Body())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(response)
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	id := c.Params("id")

	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	execution, err := h.executions.Execution(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) GetHistory(c fiber.Ctx) error {
	limit := 0

	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil {
			return badRequest(c, "Invalid limit: "+err.Error())
		}

		limit = parsed
	}

	executions, err := h.executions.History(c.Context(), limit)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(executions)
}

func (h *APIHandlers) GetMetrics(c fiber.Ctx) error {
	return c.JSON(h.executions.Metrics())
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, repOk := h.executions.HealthCheck(c.Context())

	status := "unhealthy"
	message := "stepflow is unhealthy"
	httpStatus := http.StatusInternalServerError

	if repOk {
		status = "healthy"
		message = "stepflow is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"subscribers": h.hub.Subscribers(),
		"timestamp":   time.Now().UTC(),
	})
}

// Ready reports whether the store answers, for readiness probes.
func (h *APIHandlers) Ready(c fiber.Ctx) bool {
	_, ok := h.executions.HealthCheck(c.Context())

	return ok
}
