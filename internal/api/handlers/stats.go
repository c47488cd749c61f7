package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/acme/outbound-lead-dialer/internal/domain"
)

type statsResponse struct {
	Completed    int64   `json:"completed"`
	InProgress   int64   `json:"in_progress"`
	Remaining    int64   `json:"remaining"`
	Failed       int64   `json:"failed"`
	TotalMinutes float64 `json:"total_minutes"`
	TotalCost    float64 `json:"total_cost"`
}

func toStatsResponse(stats *domain.CampaignStats) statsResponse {
	return statsResponse{
		Completed:    stats.Completed,
		InProgress:   stats.InProgress,
		Remaining:    stats.Remaining,
		Failed:       stats.Failed,
		TotalMinutes: stats.TotalMinutes,
		TotalCost:    stats.TotalCost,
	}
}

func (h *HandlerSet) getStats(ctx *fiber.Ctx) error {
	stats, err := h.stats.Get(ctx.Context())
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(toStatsResponse(stats))
}

func (h *HandlerSet) recomputeStats(ctx *fiber.Ctx) error {
	stats, err := h.stats.Recompute(ctx.Context())
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(toStatsResponse(stats))
}
