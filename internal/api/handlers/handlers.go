package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/outbound-lead-dialer/internal/app"
	"github.com/acme/outbound-lead-dialer/internal/dialer"
	"github.com/acme/outbound-lead-dialer/internal/reconcile"
	"github.com/acme/outbound-lead-dialer/internal/repository"
	leadsvc "github.com/acme/outbound-lead-dialer/internal/service/lead"
)

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	container  *app.Container
	leads      *leadsvc.Service
	reconciler *reconcile.Service
	engine     *dialer.Engine
	stats      repository.StatsRepository
	dialLog    repository.DialLogStore
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(container *app.Container) (*HandlerSet, error) {
	services, err := container.Services()
	if err != nil {
		return nil, err
	}
	repos, err := container.Repositories()
	if err != nil {
		return nil, err
	}
	engine, err := container.Engine()
	if err != nil {
		return nil, err
	}
	return &HandlerSet{
		container:  container,
		leads:      services.Lead,
		reconciler: services.Reconcile,
		engine:     engine,
		stats:      repos.Stats,
		dialLog:    repos.DialLog,
	}, nil
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	api := app.Group("/api")
	v1 := api.Group("/v1")

	leads := v1.Group("/leads")
	leads.Post("/", h.ingestLeads)
	leads.Get("/", h.listLeads)
	leads.Get("/:id", h.getLead)
	leads.Get("/:id/attempts", h.listDialAttempts)

	v1.Get("/stats", h.getStats)
	v1.Post("/stats/recompute", h.recomputeStats)

	dialerGroup := v1.Group("/dialer")
	dialerGroup.Get("/", h.dialerState)
	dialerGroup.Post("/start", h.startDialer)
	dialerGroup.Post("/stop", h.stopDialer)
	dialerGroup.Put("/pacing", h.setPacing)

	webhooks := v1.Group("/webhooks")
	webhooks.Post("/call-outcome", h.callOutcomeWebhook)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.container.Logger.Error("request failed", zap.Error(err))
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.Context(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)

	if err := h.container.Postgres.DB().PingContext(healthCtx); err != nil {
		errs["postgres"] = err.Error()
	}

	if err := h.container.Redis.Inner().Ping(healthCtx).Err(); err != nil {
		errs["redis"] = err.Error()
	}

	if err := h.container.Scylla.Session().Query("SELECT now() FROM system.local").WithContext(healthCtx).Exec(); err != nil {
		errs["scylla"] = err.Error()
	}

	status := fiber.StatusOK
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
	}

	return ctx.Status(status).JSON(fiber.Map{"status": "ok", "errors": errs})
}
