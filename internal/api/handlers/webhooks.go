package handlers

import (
	"encoding/xml"
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// twimlResponse is the voice response document spoken back on the call.
type twimlResponse struct {
	XMLName xml.Name   `xml:"Response"`
	Say     *twimlSay  `xml:"Say,omitempty"`
	Gather  *twimlItem `xml:"Gather,omitempty"`
}

type twimlSay struct {
	Voice string `xml:"voice,attr,omitempty"`
	Text  string `xml:",chardata"`
}

type twimlItem struct {
	Input   string    `xml:"input,attr"`
	Action  string    `xml:"action,attr,omitempty"`
	Timeout int       `xml:"timeout,attr,omitempty"`
	Say     *twimlSay `xml:"Say,omitempty"`
}

// telephonyWebhook ingests provider status callbacks. Parse errors and
// duplicates are acknowledged; infrastructure faults return 5xx so the
// provider redelivers.
func (h *HandlerSet) telephonyWebhook(ctx *fiber.Ctx) error {
	reply, err := h.webhooks.Handle(ctx.Context(), ctx.Body(), ctx.Get(fiber.HeaderContentType))
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, "webhook processing failed")
	}

	if reply == "" {
		return ctx.SendStatus(http.StatusNoContent)
	}

	// Speak the reply and keep listening for the next utterance.
	doc := twimlResponse{
		Gather: &twimlItem{
			Input:   "speech",
			Timeout: 5,
			Say:     &twimlSay{Text: reply},
		},
	}
	body, err := xml.Marshal(doc)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, "response encoding failed")
	}

	ctx.Set(fiber.HeaderContentType, "application/xml")
	return ctx.Status(http.StatusOK).Send(append([]byte(xml.Header), body...))
}
