package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallOutcome is the terminal outcome of a single call attempt.
type CallOutcome string

const (
	CallOutcomeCompleted CallOutcome = "completed"
	CallOutcomeRefused   CallOutcome = "refused"
	CallOutcomeNoAnswer  CallOutcome = "no_answer"
	CallOutcomeBusy      CallOutcome = "busy"
	CallOutcomeFailed    CallOutcome = "failed"
)

// CallAttempt is one dialed instance for a contact, tracked from dial to
// terminal outcome. Attempts are never deleted once the dial succeeded.
type CallAttempt struct {
	ID             uuid.UUID
	ContactID      uuid.UUID
	CampaignID     uuid.UUID
	AttemptNumber  int
	CallID         uuid.UUID
	ProviderCallID string
	StartedAt      time.Time
	AnsweredAt     *time.Time
	EndedAt        *time.Time
	Outcome        *CallOutcome // nil while the attempt is open
	// ProcessedEvents is the dedup log of webhook event types already
	// applied to this attempt.
	ProcessedEvents []string
	RawStatus       string
	ErrorCode       string
	Metadata        map[string]any
}

// Open reports whether the attempt has not yet reached a terminal outcome.
func (a *CallAttempt) Open() bool {
	return a.EndedAt == nil
}

// EventProcessed reports whether the event type was already applied.
func (a *CallAttempt) EventProcessed(eventType CallEventType) bool {
	for _, e := range a.ProcessedEvents {
		if e == string(eventType) {
			return true
		}
	}
	return false
}

// CallEventType enumerates normalized telephony callback events.
type CallEventType string

const (
	CallEventInitiated CallEventType = "call.initiated"
	CallEventRinging   CallEventType = "call.ringing"
	CallEventAnswered  CallEventType = "call.answered"
	CallEventSpeech    CallEventType = "call.speech"
	CallEventCompleted CallEventType = "call.completed"
	CallEventNoAnswer  CallEventType = "call.no_answer"
	CallEventBusy      CallEventType = "call.busy"
	CallEventFailed    CallEventType = "call.failed"
)

// CallEvent is a provider callback normalized by the telephony adapter.
type CallEvent struct {
	Type           CallEventType
	CallID         uuid.UUID
	ProviderCallID string
	Timestamp      time.Time
	Duration       time.Duration
	ErrorCode      string
	ErrorMessage   string
	RawStatus      string
	// Speech is the transcribed contact utterance for call.speech events.
	Speech string
}

// DedupKey identifies an event delivery for idempotent processing.
// Speech events are excluded from dedup: every utterance is its own turn.
func (e CallEvent) DedupKey() string {
	return e.CallID.String() + ":" + string(e.Type)
}
