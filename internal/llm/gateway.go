package llm

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MessageRole identifies the author of a chat message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// ChatMessage is a single turn in a conversation.
type ChatMessage struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// SurveyContext carries everything the system prompt needs for one turn.
type SurveyContext struct {
	CampaignName     string
	Language         string
	IntroScript      string
	Questions        [3]QuestionContext
	CurrentQuestion  int // 0 = consent, 1..3 = questions
	CollectedAnswers []string
}

// QuestionContext is a question as presented to the model.
type QuestionContext struct {
	Text string
	Type string
}

// ChatRequest is a completion request against a provider.
type ChatRequest struct {
	Messages      []ChatMessage
	Model         string
	Temperature   float64
	MaxTokens     int
	CorrelationID string
	Context       *SurveyContext
}

// NewChatRequest fills request defaults and a fresh correlation id.
func NewChatRequest(messages []ChatMessage) ChatRequest {
	return ChatRequest{
		Messages:      messages,
		Temperature:   0.7,
		MaxTokens:     500,
		CorrelationID: uuid.NewString(),
	}
}

// ControlSignal is a dialogue directive extracted from a model response.
type ControlSignal string

const (
	SignalConsentAccepted ControlSignal = "consent_accepted"
	SignalConsentRefused  ControlSignal = "consent_refused"
	SignalMoveToNext      ControlSignal = "move_to_next_question"
	SignalRepeatQuestion  ControlSignal = "repeat_question"
	SignalAnswerCaptured  ControlSignal = "answer_captured"
	SignalSurveyComplete  ControlSignal = "survey_complete"
	SignalUnclearResponse ControlSignal = "unclear_response"
)

// ChatResponse is a completion enriched with parsed control signals.
type ChatResponse struct {
	Content            string
	Model              string
	Provider           string
	CorrelationID      string
	Latency            time.Duration
	Signals            []ControlSignal
	CapturedAnswer     string
	CapturedConfidence float64
	CreatedAt          time.Time
}

// HasSignal reports whether the response carries the given signal.
func (r ChatResponse) HasSignal(s ControlSignal) bool {
	for _, sig := range r.Signals {
		if sig == s {
			return true
		}
	}
	return false
}

// Gateway produces chat completions from a configured provider.
type Gateway interface {
	ChatCompletion(ctx context.Context, req ChatRequest) (ChatResponse, error)
	Provider() string
}
