package domain

import (
	"time"

	"github.com/google/uuid"
)

// DialoguePhase is the current position in the survey conversation.
type DialoguePhase string

const (
	PhaseAwaitingConsent DialoguePhase = "awaiting_consent"
	PhaseQuestion1       DialoguePhase = "question_1"
	PhaseQuestion2       DialoguePhase = "question_2"
	PhaseQuestion3       DialoguePhase = "question_3"
	PhaseCompleted       DialoguePhase = "completed"
	PhaseConsentRefused  DialoguePhase = "consent_refused"
	PhaseAbandoned       DialoguePhase = "abandoned"
)

// Terminal reports whether the phase ends the dialogue.
func (p DialoguePhase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseConsentRefused, PhaseAbandoned:
		return true
	}
	return false
}

// QuestionIndex returns the 1-based question number for question phases,
// and 0 otherwise.
func (p DialoguePhase) QuestionIndex() int {
	switch p {
	case PhaseQuestion1:
		return 1
	case PhaseQuestion2:
		return 2
	case PhaseQuestion3:
		return 3
	}
	return 0
}

// Utterance is one turn of the conversation transcript.
type Utterance struct {
	Role string // "assistant" or "user"
	Text string
}

// CapturedAnswer is an answer extracted from the conversation.
type CapturedAnswer struct {
	QuestionIndex int
	QuestionText  string
	AnswerText    string
	Confidence    *float64
	CapturedAt    time.Time
}

// DialogueSession is the ephemeral conversational state for one answered
// call. It lives in memory until a terminal phase is persisted.
type DialogueSession struct {
	CallID        uuid.UUID
	CallAttemptID uuid.UUID
	ContactID     uuid.UUID
	CampaignID    uuid.UUID

	Phase      DialoguePhase
	Transcript []Utterance
	Answers    map[int]CapturedAnswer

	// Per-question counters enforcing the repeat and clarification caps.
	RepeatCounts  map[int]int
	UnclearCounts map[int]int

	StartedAt   time.Time
	CompletedAt *time.Time
}

// NewDialogueSession creates a session in the consent phase.
func NewDialogueSession(callID, attemptID, contactID, campaignID uuid.UUID, now time.Time) *DialogueSession {
	return &DialogueSession{
		CallID:        callID,
		CallAttemptID: attemptID,
		ContactID:     contactID,
		CampaignID:    campaignID,
		Phase:         PhaseAwaitingConsent,
		Answers:       make(map[int]CapturedAnswer),
		RepeatCounts:  make(map[int]int),
		UnclearCounts: make(map[int]int),
		StartedAt:     now,
	}
}

// AddUtterance appends a turn to the transcript, skipping empty text.
func (s *DialogueSession) AddUtterance(role, text string) {
	if text == "" {
		return
	}
	s.Transcript = append(s.Transcript, Utterance{Role: role, Text: text})
}

// HasAllAnswers reports whether all three answers were captured.
func (s *DialogueSession) HasAllAnswers() bool {
	return len(s.Answers) == 3
}

// CollectedAnswers returns the captured answer texts in question order.
func (s *DialogueSession) CollectedAnswers() []string {
	var out []string
	for i := 1; i <= 3; i++ {
		if a, ok := s.Answers[i]; ok {
			out = append(out, a.AnswerText)
		}
	}
	return out
}
