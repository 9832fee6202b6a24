package twilio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/acme/survey-call-engine/internal/config"
	"github.com/acme/survey-call-engine/internal/domain"
	"github.com/acme/survey-call-engine/internal/telephony"
	apperrors "github.com/acme/survey-call-engine/pkg/errors"
)

// Provider places calls through the Twilio REST API and normalizes its
// form-encoded status callbacks.
type Provider struct {
	accountSID string
	authToken  string
	baseURL    string
	http       *http.Client
}

// NewProvider constructs the adapter.
func NewProvider(cfg config.TelephonyConfig) *Provider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Provider{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{Timeout: timeout},
	}
}

// InitiateCall dials the contact via the Calls endpoint.
func (p *Provider) InitiateCall(ctx context.Context, req telephony.CallRequest) (telephony.DialResult, error) {
	form := url.Values{}
	form.Set("To", req.ToNumber)
	form.Set("From", req.FromNumber)
	form.Set("StatusCallback", req.CallbackURL)
	form.Set("StatusCallbackEvent", "initiated ringing answered completed")
	// Engine correlation travels back on every callback.
	form.Set("StatusCallbackMethod", "POST")
	form.Set("Url", fmt.Sprintf("%s?call_id=%s", req.CallbackURL, req.CallID))

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", p.baseURL, p.accountSID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return telephony.DialResult{}, fmt.Errorf("twilio: build request: %w", err)
	}
	httpReq.SetBasicAuth(p.accountSID, p.authToken)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return telephony.DialResult{}, fmt.Errorf("twilio: dial request: %v: %w", err, apperrors.ErrTransientProvider)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return telephony.DialResult{}, fmt.Errorf("twilio: read response: %v: %w", err, apperrors.ErrTransientProvider)
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		// Invalid destination numbers are not retryable.
		return telephony.DialResult{}, fmt.Errorf("twilio: %s: %w", string(body), apperrors.ErrPermanentValidation)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return telephony.DialResult{}, fmt.Errorf("twilio: status %d: %w", resp.StatusCode, apperrors.ErrTransientProvider)
	case resp.StatusCode >= 300:
		return telephony.DialResult{}, fmt.Errorf("twilio: status %d: %s: %w", resp.StatusCode, string(body), apperrors.ErrTransientProvider)
	}

	var parsed struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return telephony.DialResult{}, fmt.Errorf("twilio: decode response: %v: %w", err, apperrors.ErrTransientProvider)
	}
	return telephony.DialResult{ProviderCallID: parsed.SID, RawStatus: parsed.Status}, nil
}

// ParseWebhookEvent maps a Twilio status callback to a normalized event.
func (p *Provider) ParseWebhookEvent(payload []byte, contentType string) (domain.CallEvent, error) {
	values, err := parsePayload(payload, contentType)
	if err != nil {
		return domain.CallEvent{}, err
	}

	providerCallID := values.Get("CallSid")
	if providerCallID == "" {
		return domain.CallEvent{}, fmt.Errorf("twilio: missing CallSid: %w", apperrors.ErrWebhookParse)
	}

	callID, err := uuid.Parse(values.Get("call_id"))
	if err != nil {
		return domain.CallEvent{}, fmt.Errorf("twilio: missing or invalid call_id: %w", apperrors.ErrWebhookParse)
	}

	event := domain.CallEvent{
		CallID:         callID,
		ProviderCallID: providerCallID,
		Timestamp:      time.Now().UTC(),
		RawStatus:      values.Get("CallStatus"),
		ErrorCode:      values.Get("ErrorCode"),
		ErrorMessage:   values.Get("ErrorMessage"),
	}

	if speech := values.Get("SpeechResult"); speech != "" {
		event.Type = domain.CallEventSpeech
		event.Speech = speech
		return event, nil
	}

	status := strings.ToLower(values.Get("CallStatus"))
	switch status {
	case "queued", "initiated":
		event.Type = domain.CallEventInitiated
	case "ringing":
		event.Type = domain.CallEventRinging
	case "in-progress":
		event.Type = domain.CallEventAnswered
	case "completed":
		event.Type = domain.CallEventCompleted
	case "no-answer":
		event.Type = domain.CallEventNoAnswer
	case "busy":
		event.Type = domain.CallEventBusy
	case "failed", "canceled":
		event.Type = domain.CallEventFailed
	default:
		return domain.CallEvent{}, fmt.Errorf("twilio: unknown CallStatus %q: %w", status, apperrors.ErrWebhookParse)
	}

	if seconds := values.Get("CallDuration"); seconds != "" {
		if n, err := strconv.Atoi(seconds); err == nil {
			event.Duration = time.Duration(n) * time.Second
		}
	}

	return event, nil
}

func parsePayload(payload []byte, contentType string) (url.Values, error) {
	if strings.Contains(contentType, "application/json") {
		var raw map[string]any
		if err := json.Unmarshal(payload, &raw); err != nil {
			return nil, fmt.Errorf("twilio: invalid json payload: %w", apperrors.ErrWebhookParse)
		}
		values := url.Values{}
		for k, v := range raw {
			values.Set(k, fmt.Sprintf("%v", v))
		}
		return values, nil
	}

	values, err := url.ParseQuery(string(payload))
	if err != nil {
		return nil, fmt.Errorf("twilio: invalid form payload: %w", apperrors.ErrWebhookParse)
	}
	return values, nil
}
