package openai

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

const defaultBaseURL = "https://api.openai.com/v1"

// Adapter calls the OpenAI chat completions API.
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
		model = "gpt-4.1-mini"
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
func (a *Adapter) Provider() string { return "openai" }

type chatPayload struct {
	Model       string            `json:"model"`
	Messages    []llm.ChatMessage `json:"messages"`
	Temperature float64           `json:"temperature"`
	MaxTokens   int               `json:"max_tokens"`
}

type chatResult struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// ChatCompletion performs one completion and parses its control signals.
func (a *Adapter) ChatCompletion(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}
	body, err := json.Marshal(chatPayload{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return llm.ChatResponse{}, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return llm.ChatResponse{}, fmt.Errorf("openai: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := a.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return llm.ChatResponse{}, fmt.Errorf("openai: request timed out: %w", apperrors.ErrLLMTimeout)
		}
		return llm.ChatResponse{}, fmt.Errorf("openai: request failed: %w", apperrors.ErrLLMProvider)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return llm.ChatResponse{}, fmt.Errorf("openai: read response: %w", apperrors.ErrLLMProvider)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return llm.ChatResponse{}, fmt.Errorf("openai: status %d: %w", resp.StatusCode, apperrors.ErrLLMAuth)
	case resp.StatusCode == http.StatusTooManyRequests:
		return llm.ChatResponse{}, fmt.Errorf("openai: rate limited: %w", apperrors.ErrLLMRateLimit)
	case resp.StatusCode != http.StatusOK:
		return llm.ChatResponse{}, fmt.Errorf("openai: status %d: %s: %w", resp.StatusCode, string(raw), apperrors.ErrLLMProvider)
	}

	var result chatResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return llm.ChatResponse{}, fmt.Errorf("openai: decode response: %w", apperrors.ErrLLMProvider)
	}
	if len(result.Choices) == 0 {
		return llm.ChatResponse{}, fmt.Errorf("openai: empty choices: %w", apperrors.ErrLLMProvider)
	}

	parsed := llm.ParseResponse(result.Choices[0].Message.Content)
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
