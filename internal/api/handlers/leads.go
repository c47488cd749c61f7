package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/outbound-lead-dialer/internal/domain"
	"github.com/acme/outbound-lead-dialer/internal/service/common"
	leadsvc "github.com/acme/outbound-lead-dialer/internal/service/lead"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

type ingestLeadRequest struct {
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number"`
}

type ingestLeadsRequest struct {
	Leads []ingestLeadRequest `json:"leads"`
}

type leadResponse struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	PhoneNumber        string   `json:"phone_number"`
	AssignedIdentityID *string  `json:"assigned_identity_id,omitempty"`
	CallRef            *string  `json:"call_ref,omitempty"`
	Status             string   `json:"status"`
	Disposition        *string  `json:"disposition,omitempty"`
	DurationMinutes    *float64 `json:"duration_minutes,omitempty"`
	Cost               *float64 `json:"cost,omitempty"`
	CreatedAt          string   `json:"created_at"`
	UpdatedAt          *string  `json:"updated_at,omitempty"`
}

func toLeadResponse(lead *domain.Lead) leadResponse {
	resp := leadResponse{
		ID:                 lead.ID.String(),
		Name:               lead.Name,
		PhoneNumber:        lead.PhoneNumber,
		AssignedIdentityID: lead.AssignedIdentityID,
		CallRef:            lead.CallRef,
		Status:             string(lead.Status),
		CreatedAt:          lead.CreatedAt.Format(time.RFC3339),
	}
	if lead.UpdatedAt != nil {
		updated := lead.UpdatedAt.Format(time.RFC3339)
		resp.UpdatedAt = &updated
	}
	if lead.Outcome != nil {
		disposition := lead.Outcome.Disposition
		duration := lead.Outcome.DurationMinutes
		cost := lead.Outcome.Cost
		resp.Disposition = &disposition
		resp.DurationMinutes = &duration
		resp.Cost = &cost
	}
	return resp
}

func (h *HandlerSet) ingestLeads(ctx *fiber.Ctx) error {
	var req ingestLeadsRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	inputs := make([]leadsvc.IngestInput, 0, len(req.Leads))
	for _, l := range req.Leads {
		inputs = append(inputs, leadsvc.IngestInput{Name: l.Name, PhoneNumber: l.PhoneNumber})
	}

	leads, err := h.leads.Ingest(ctx.Context(), inputs)
	if err != nil {
		return translateError(err)
	}

	resp := make([]leadResponse, 0, len(leads))
	for _, lead := range leads {
		resp = append(resp, toLeadResponse(lead))
	}
	return ctx.Status(http.StatusCreated).JSON(fiber.Map{
		"leads": resp,
		"count": len(resp),
	})
}

func (h *HandlerSet) listLeads(ctx *fiber.Ctx) error {
	status := domain.LeadStatus(ctx.Query("status"))
	limit := parseLimit(ctx.Query("limit"), defaultListLimit)

	leads, err := h.leads.List(ctx.Context(), status, limit)
	if err != nil {
		return translateError(err)
	}

	resp := make([]leadResponse, 0, len(leads))
	for i := range leads {
		resp = append(resp, toLeadResponse(&leads[i]))
	}
	return ctx.JSON(fiber.Map{"leads": resp, "count": len(resp)})
}

func (h *HandlerSet) getLead(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid lead id")
	}

	lead, err := h.leads.Get(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(toLeadResponse(lead))
}

type dialAttemptResponse struct {
	ID          string `json:"id"`
	LeadID      string `json:"lead_id"`
	IdentityID  string `json:"identity_id"`
	PhoneNumber string `json:"phone_number"`
	Placed      bool   `json:"placed"`
	Error       string `json:"error,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func (h *HandlerSet) listDialAttempts(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid lead id")
	}

	limit := parseLimit(ctx.Query("limit"), defaultListLimit)

	var pagingState []byte
	if token := ctx.Query("page_token"); token != "" {
		pagingState, err = common.DecodeBase64(token)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid page token")
		}
	}

	attempts, nextState, err := h.dialLog.ListByLead(ctx.Context(), id, limit, pagingState)
	if err != nil {
		return translateError(err)
	}

	resp := make([]dialAttemptResponse, 0, len(attempts))
	for _, a := range attempts {
		resp = append(resp, dialAttemptResponse{
			ID:          a.ID.String(),
			LeadID:      a.LeadID.String(),
			IdentityID:  a.IdentityID,
			PhoneNumber: a.PhoneNumber,
			Placed:      a.Placed,
			Error:       a.Error,
			CreatedAt:   a.CreatedAt.Format(time.RFC3339),
		})
	}

	body := fiber.Map{"attempts": resp, "count": len(resp)}
	if len(nextState) > 0 {
		body["next_page_token"] = common.EncodeBase64(nextState)
	}
	return ctx.JSON(body)
}

func parseLimit(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
