package telephony

import (
	"context"

	"github.com/google/uuid"

	"github.com/acme/survey-call-engine/internal/domain"
)

// CallRequest carries everything a provider needs to place an outbound
// call. The engine-issued call id travels in provider metadata so
// callbacks can be correlated back to the attempt.
type CallRequest struct {
	CallID     uuid.UUID
	CampaignID uuid.UUID
	ContactID  uuid.UUID
	ToNumber   string
	FromNumber string
	Language   string
	CallbackURL string
}

// DialResult is the provider's acknowledgement of a dial.
type DialResult struct {
	ProviderCallID string
	RawStatus      string
}

// Provider abstracts the telephony integration. Concrete adapters are
// closed variants selected by configuration at startup; errors are
// classified with the pkg/errors sentinels (ErrTransientProvider,
// ErrPermanentValidation, ErrWebhookParse).
type Provider interface {
	// InitiateCall places an outbound call.
	InitiateCall(ctx context.Context, req CallRequest) (DialResult, error)

	// ParseWebhookEvent normalizes a provider callback payload.
	ParseWebhookEvent(payload []byte, contentType string) (domain.CallEvent, error)
}
