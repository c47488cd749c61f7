package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

type setPacingRequest struct {
	PacingRate float64 `json:"pacing_rate"`
}

func (h *HandlerSet) startDialer(ctx *fiber.Ctx) error {
	if err := h.engine.Start(ctx.Context()); err != nil {
		return translateError(err)
	}
	return h.dialerState(ctx)
}

func (h *HandlerSet) stopDialer(ctx *fiber.Ctx) error {
	h.engine.Stop()
	return h.dialerState(ctx)
}

func (h *HandlerSet) setPacing(ctx *fiber.Ctx) error {
	var req setPacingRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.engine.SetRate(req.PacingRate); err != nil {
		return translateError(err)
	}
	return h.dialerState(ctx)
}

func (h *HandlerSet) dialerState(ctx *fiber.Ctx) error {
	pool, err := h.container.Pool()
	if err != nil {
		return translateError(err)
	}

	identities, err := pool.Snapshot(ctx.Context())
	if err != nil {
		return translateError(err)
	}

	snapshot := make([]fiber.Map, 0, len(identities))
	for _, id := range identities {
		entry := fiber.Map{
			"id":          id.ID,
			"daily_count": id.DailyCount,
			"total_count": id.TotalCount,
		}
		if id.LastUsedAt != nil {
			entry["last_used_at"] = id.LastUsedAt
		}
		snapshot = append(snapshot, entry)
	}

	return ctx.JSON(fiber.Map{
		"running":     h.engine.Running(),
		"pacing_rate": h.engine.Rate(),
		"identities":  snapshot,
	})
}
