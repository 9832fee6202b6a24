package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType enumerates terminal-outcome domain events.
type EventType string

const (
	EventSurveyCompleted  EventType = "survey.completed"
	EventSurveyRefused    EventType = "survey.refused"
	EventSurveyNotReached EventType = "survey.not_reached"
)

// Event is published exactly once per terminal contact outcome.
type Event struct {
	ID            uuid.UUID  `json:"id"`
	Type          EventType  `json:"type"`
	ContactID     uuid.UUID  `json:"contact_id"`
	CampaignID    uuid.UUID  `json:"campaign_id"`
	CallAttemptID uuid.UUID  `json:"call_attempt_id"`
	ResponseID    *uuid.UUID `json:"response_id,omitempty"`
	OccurredAt    time.Time  `json:"occurred_at"`
}

// SurveyResponse holds the three captured answers for a contact.
// There is at most one response per contact.
type SurveyResponse struct {
	ID            uuid.UUID
	ContactID     uuid.UUID
	CampaignID    uuid.UUID
	CallAttemptID uuid.UUID
	Answer1       string
	Answer2       string
	Answer3       string
	Confidence1   *float64
	Confidence2   *float64
	Confidence3   *float64
	CompletedAt   time.Time
}
