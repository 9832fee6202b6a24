package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/survey-call-engine/internal/domain"
)

type callResponse struct {
	ID             uuid.UUID  `json:"id"`
	CallID         uuid.UUID  `json:"call_id"`
	ContactID      uuid.UUID  `json:"contact_id"`
	CampaignID     uuid.UUID  `json:"campaign_id"`
	AttemptNumber  int        `json:"attempt_number"`
	ProviderCallID string     `json:"provider_call_id,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	AnsweredAt     *time.Time `json:"answered_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	Outcome        string     `json:"outcome,omitempty"`
}

type callEventResponse struct {
	Type           string    `json:"type"`
	ProviderCallID string    `json:"provider_call_id"`
	Timestamp      time.Time `json:"timestamp"`
	RawStatus      string    `json:"raw_status,omitempty"`
	ErrorCode      string    `json:"error_code,omitempty"`
}

func (h *HandlerSet) getCall(ctx *fiber.Ctx) error {
	callID, err := uuid.Parse(ctx.Params("call_id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid call id")
	}

	attempt, err := h.repos.Attempts.GetByCallID(ctx.Context(), callID)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toCallResponse(attempt))
}

func (h *HandlerSet) listCallEvents(ctx *fiber.Ctx) error {
	callID, err := uuid.Parse(ctx.Params("call_id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid call id")
	}

	limit := ctx.QueryInt("limit", 100)
	events, err := h.repos.Journal.ListByCall(ctx.Context(), callID, limit)
	if err != nil {
		return translateError(err)
	}

	out := make([]callEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, callEventResponse{
			Type:           string(e.Type),
			ProviderCallID: e.ProviderCallID,
			Timestamp:      e.Timestamp,
			RawStatus:      e.RawStatus,
			ErrorCode:      e.ErrorCode,
		})
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"call_id": callID, "events": out})
}

func toCallResponse(attempt *domain.CallAttempt) callResponse {
	resp := callResponse{
		ID:             attempt.ID,
		CallID:         attempt.CallID,
		ContactID:      attempt.ContactID,
		CampaignID:     attempt.CampaignID,
		AttemptNumber:  attempt.AttemptNumber,
		ProviderCallID: attempt.ProviderCallID,
		StartedAt:      attempt.StartedAt,
		AnsweredAt:     attempt.AnsweredAt,
		EndedAt:        attempt.EndedAt,
	}
	if attempt.Outcome != nil {
		resp.Outcome = string(*attempt.Outcome)
	}
	return resp
}
