package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/survey-call-engine/internal/domain"
	apperrors "github.com/acme/survey-call-engine/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// CampaignRepository reads campaign metadata. Campaigns are owned by
// campaign management; the engine never writes them.
type CampaignRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error)
}

// ContactRepository manages contact survey-progress state.
type ContactRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Contact, error)

	// NextBatchForCalling selects eligible contacts for the campaign:
	// state in (pending, not_reached), attempts_count below the campaign
	// maximum, do_not_call false, retry interval elapsed. Ordered by
	// last_attempt_at (nulls first), then created_at.
	NextBatchForCalling(ctx context.Context, campaign *domain.Campaign, now time.Time, limit int) ([]*domain.Contact, error)

	// SetDialing moves the contact to in_progress and stamps
	// last_attempt_at. attempts_count is untouched: attempts are counted
	// when they resolve.
	SetDialing(ctx context.Context, id uuid.UUID, at time.Time) error

	// Restore reverts a contact to its pre-dial state after a transient
	// dial failure, without consuming an attempt.
	Restore(ctx context.Context, id uuid.UUID, state domain.ContactState, lastAttemptAt *time.Time) error

	// MarkExcluded permanently removes the contact from scheduling.
	MarkExcluded(ctx context.Context, id uuid.UUID) error

	// RecordNegativeOutcome consumes an attempt after no_answer/busy/failed
	// and moves the contact to not_reached. Returns the new attempts_count,
	// or ErrConflict when the contact is already in a terminal state.
	RecordNegativeOutcome(ctx context.Context, id uuid.UUID, outcome domain.CallOutcome, at time.Time) (int, error)
}

// CallAttemptRepository persists dialed call attempts.
type CallAttemptRepository interface {
	Create(ctx context.Context, attempt *domain.CallAttempt) error

	// Delete removes an attempt whose dial never reached the provider.
	// Attempts with a provider call id are never deleted.
	Delete(ctx context.Context, id uuid.UUID) error

	GetByCallID(ctx context.Context, callID uuid.UUID) (*domain.CallAttempt, error)
	CountOpenByCampaign(ctx context.Context, campaignID uuid.UUID) (int, error)
	HasOpenForContact(ctx context.Context, contactID uuid.UUID) (bool, error)

	SetProviderCallID(ctx context.Context, id uuid.UUID, providerCallID, rawStatus string) error

	// MarkEventProcessed appends the event type to the attempt's dedup log.
	MarkEventProcessed(ctx context.Context, id uuid.UUID, eventType domain.CallEventType, rawStatus string) error

	MarkAnswered(ctx context.Context, id uuid.UUID, at time.Time) error

	// RecordFailure closes the attempt with a negative outcome. Returns
	// false when the attempt already had an outcome, leaving it untouched.
	RecordFailure(ctx context.Context, id uuid.UUID, outcome domain.CallOutcome, endedAt time.Time, errorCode string) (bool, error)

	// SetEnded stamps telephony-level call end without touching the
	// survey outcome.
	SetEnded(ctx context.Context, id uuid.UUID, at time.Time) error
}

// TerminalOps are the mutations available inside a terminal-outcome
// transaction. Implementations run against a single database transaction.
type TerminalOps interface {
	GetContact(ctx context.Context, id uuid.UUID) (*domain.Contact, error)
	GetSurveyResponseByContact(ctx context.Context, contactID uuid.UUID) (*domain.SurveyResponse, error)
	InsertSurveyResponse(ctx context.Context, res *domain.SurveyResponse) error
	CloseAttempt(ctx context.Context, attemptID uuid.UUID, outcome domain.CallOutcome, endedAt time.Time) error

	// FinalizeContact sets the terminal state and last outcome.
	// consumeAttempt increments attempts_count for outcomes that resolve
	// an attempt the webhook processor has not already counted.
	FinalizeContact(ctx context.Context, id uuid.UUID, state domain.ContactState, outcome domain.CallOutcome, at time.Time, consumeAttempt bool) error
}

// TxRunner executes terminal-outcome mutations atomically: either every
// mutation in fn commits, or none do.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ops TerminalOps) error) error
}

// EventJournal is the append-only audit log of normalized call events.
type EventJournal interface {
	Append(ctx context.Context, event domain.CallEvent) error
	ListByCall(ctx context.Context, callID uuid.UUID, limit int) ([]domain.CallEvent, error)
}
