package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/survey-call-engine/internal/domain"
	"github.com/acme/survey-call-engine/internal/telephony"
	apperrors "github.com/acme/survey-call-engine/pkg/errors"
)

// Provider simulates outbound dialing without a real carrier. Callbacks are
// not generated; tests feed events through ParseWebhookEvent or directly.
type Provider struct {
	mu          sync.Mutex
	successRate float64
	rng         *rand.Rand
	calls       []telephony.CallRequest
}

// NewProvider constructs a mock provider with deterministic randomness.
func NewProvider(seed int64) *Provider {
	return &Provider{
		successRate: 1.0,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// WithSuccessRate sets the fraction of dials that succeed.
func (p *Provider) WithSuccessRate(rate float64) *Provider {
	p.successRate = rate
	return p
}

// InitiateCall simulates a dial and records the request.
func (p *Provider) InitiateCall(ctx context.Context, req telephony.CallRequest) (telephony.DialResult, error) {
	if err := ctx.Err(); err != nil {
		return telephony.DialResult{}, fmt.Errorf("mock: dial cancelled: %w", apperrors.ErrTransientProvider)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)

	if p.rng.Float64() > p.successRate {
		return telephony.DialResult{}, fmt.Errorf("mock: simulated dial failure: %w", apperrors.ErrTransientProvider)
	}
	return telephony.DialResult{
		ProviderCallID: fmt.Sprintf("MOCK-%s", req.CallID),
		RawStatus:      "queued",
	}, nil
}

// ParseWebhookEvent decodes the simple key=value form the mock emits in tests.
func (p *Provider) ParseWebhookEvent(payload []byte, contentType string) (domain.CallEvent, error) {
	var event struct {
		CallID         string `json:"call_id"`
		ProviderCallID string `json:"provider_call_id"`
		Type           string `json:"type"`
		Speech         string `json:"speech"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return domain.CallEvent{}, fmt.Errorf("mock: invalid payload: %w", apperrors.ErrWebhookParse)
	}
	callID, err := uuid.Parse(event.CallID)
	if err != nil {
		return domain.CallEvent{}, fmt.Errorf("mock: invalid call_id: %w", apperrors.ErrWebhookParse)
	}
	return domain.CallEvent{
		Type:           domain.CallEventType(event.Type),
		CallID:         callID,
		ProviderCallID: event.ProviderCallID,
		Timestamp:      time.Now().UTC(),
		Speech:         event.Speech,
	}, nil
}

// Calls returns the dial requests seen so far.
func (p *Provider) Calls() []telephony.CallRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]telephony.CallRequest, len(p.calls))
	copy(out, p.calls)
	return out
}
