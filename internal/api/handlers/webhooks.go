package handlers

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/outbound-lead-dialer/internal/domain"
	"github.com/acme/outbound-lead-dialer/internal/reconcile"
)

type callOutcomeRequest struct {
	IdentityID      string   `json:"phone_id"`
	CallRef         string   `json:"call_ref"`
	Status          string   `json:"status"`
	Disposition     *string  `json:"disposition"`
	DurationMinutes *float64 `json:"duration_minutes"`
}

func (h *HandlerSet) callOutcomeWebhook(ctx *fiber.Ctx) error {
	var req callOutcomeRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	result, err := h.reconciler.Process(ctx.Context(), reconcile.Notification{
		IdentityID:      req.IdentityID,
		CallRef:         req.CallRef,
		Status:          domain.CallOutcomeStatus(req.Status),
		Disposition:     req.Disposition,
		DurationMinutes: req.DurationMinutes,
	})
	if err != nil {
		if errors.Is(err, reconcile.ErrLeadNotFound) {
			return fiber.NewError(http.StatusNotFound, err.Error())
		}
		return translateError(err)
	}

	return ctx.JSON(fiber.Map{
		"lead":      toLeadResponse(result.Lead),
		"duplicate": result.Duplicate,
	})
}
