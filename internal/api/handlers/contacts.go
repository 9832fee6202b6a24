package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type contactResponse struct {
	ID            uuid.UUID  `json:"id"`
	CampaignID    uuid.UUID  `json:"campaign_id"`
	PhoneNumber   string     `json:"phone_number"`
	State         string     `json:"state"`
	DoNotCall     bool       `json:"do_not_call"`
	AttemptsCount int        `json:"attempts_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastOutcome   string     `json:"last_outcome,omitempty"`
}

func (h *HandlerSet) getContact(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid contact id")
	}

	contact, err := h.repos.Contacts.Get(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	resp := contactResponse{
		ID:            contact.ID,
		CampaignID:    contact.CampaignID,
		PhoneNumber:   contact.PhoneNumber,
		State:         string(contact.State),
		DoNotCall:     contact.DoNotCall,
		AttemptsCount: contact.AttemptsCount,
		LastAttemptAt: contact.LastAttemptAt,
	}
	if contact.LastOutcome != nil {
		resp.LastOutcome = string(*contact.LastOutcome)
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}
