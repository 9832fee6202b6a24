package mock

import (
	"context"
	"sync"
	"time"

	"github.com/acme/survey-call-engine/internal/llm"
)

// Gateway replays scripted responses in order. When the script runs out it
// keeps returning the final entry.
type Gateway struct {
	mu       sync.Mutex
	script   []Scripted
	index    int
	requests []llm.ChatRequest
}

// Scripted is one canned gateway turn.
type Scripted struct {
	Raw string
	Err error
}

// NewGateway constructs a scripted gateway.
func NewGateway(script ...Scripted) *Gateway {
	return &Gateway{script: script}
}

// Provider returns the provider name.
func (g *Gateway) Provider() string { return "mock" }

// ChatCompletion returns the next scripted response.
func (g *Gateway) ChatCompletion(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return llm.ChatResponse{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)

	if len(g.script) == 0 {
		return llm.ChatResponse{}, nil
	}
	entry := g.script[g.index]
	if g.index < len(g.script)-1 {
		g.index++
	}
	if entry.Err != nil {
		return llm.ChatResponse{}, entry.Err
	}

	parsed := llm.ParseResponse(entry.Raw)
	return llm.ChatResponse{
		Content:            parsed.Content,
		Model:              "mock",
		Provider:           g.Provider(),
		CorrelationID:      req.CorrelationID,
		Signals:            parsed.Signals,
		CapturedAnswer:     parsed.CapturedAnswer,
		CapturedConfidence: parsed.CapturedConfidence,
		CreatedAt:          time.Now().UTC(),
	}, nil
}

// Requests returns every request seen so far.
func (g *Gateway) Requests() []llm.ChatRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]llm.ChatRequest, len(g.requests))
	copy(out, g.requests)
	return out
}
