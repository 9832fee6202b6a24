package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/acme/survey-call-engine/internal/config"
	"github.com/acme/survey-call-engine/internal/llm"
	apperrors "github.com/acme/survey-call-engine/pkg/errors"
)

const defaultBaseURL = "https://api.anthropic.com/v1"

// Adapter calls the Anthropic messages API. System prompts are carried in the
// top-level system field rather than in the messages list.
type Adapter struct {
	apiKey       string
	baseURL      string
	defaultModel string
	http         *http.Client
}

// NewAdapter constructs the adapter from config.
func NewAdapter(cfg config.LLMConfig) *Adapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Adapter{
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: model,
		http:         &http.Client{Timeout: timeout},
	}
}

// Provider returns the provider name.
func (a *Adapter) Provider() string { return "anthropic" }

type messagesPayload struct {
	Model       string            `json:"model"`
	System      string            `json:"system,omitempty"`
	Messages    []llm.ChatMessage `json:"messages"`
	Temperature float64           `json:"temperature"`
	MaxTokens   int               `json:"max_tokens"`
}

type messagesResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// ChatCompletion performs one completion and parses its control signals.
func (a *Adapter) ChatCompletion(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}

	payload := messagesPayload{
		Model:       model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for _, msg := range req.Messages {
		if msg.Role == llm.RoleSystem {
			payload.System = msg.Content
			continue
		}
		payload.Messages = append(payload.Messages, msg)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return llm.ChatResponse{}, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return llm.ChatResponse{}, fmt.Errorf("anthropic: build request: %w", err)
	}
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := a.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return llm.ChatResponse{}, fmt.Errorf("anthropic: request timed out: %w", apperrors.ErrLLMTimeout)
		}
		return llm.ChatResponse{}, fmt.Errorf("anthropic: request failed: %w", apperrors.ErrLLMProvider)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return llm.ChatResponse{}, fmt.Errorf("anthropic: read response: %w", apperrors.ErrLLMProvider)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return llm.ChatResponse{}, fmt.Errorf("anthropic: status %d: %w", resp.StatusCode, apperrors.ErrLLMAuth)
	case resp.StatusCode == http.StatusTooManyRequests:
		return llm.ChatResponse{}, fmt.Errorf("anthropic: rate limited: %w", apperrors.ErrLLMRateLimit)
	case resp.StatusCode != http.StatusOK:
		return llm.ChatResponse{}, fmt.Errorf("anthropic: status %d: %s: %w", resp.StatusCode, string(raw), apperrors.ErrLLMProvider)
	}

	var result messagesResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return llm.ChatResponse{}, fmt.Errorf("anthropic: decode response: %w", apperrors.ErrLLMProvider)
	}

	var text strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return llm.ChatResponse{}, fmt.Errorf("anthropic: empty content: %w", apperrors.ErrLLMProvider)
	}

	parsed := llm.ParseResponse(text.String())
	return llm.ChatResponse{
		Content:            parsed.Content,
		Model:              model,
		Provider:           a.Provider(),
		CorrelationID:      req.CorrelationID,
		Latency:            time.Since(start),
		Signals:            parsed.Signals,
		CapturedAnswer:     parsed.CapturedAnswer,
		CapturedConfidence: parsed.CapturedConfidence,
		CreatedAt:          time.Now().UTC(),
	}, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
