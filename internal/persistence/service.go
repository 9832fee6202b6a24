package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/survey-call-engine/internal/domain"
	"github.com/acme/survey-call-engine/internal/events"
	"github.com/acme/survey-call-engine/internal/repository"
	apperrors "github.com/acme/survey-call-engine/pkg/errors"
	"github.com/acme/survey-call-engine/pkg/logger"
)

// Service finalizes terminal survey outcomes. Each operation commits a single
// transaction and publishes exactly one event after a successful commit.
type Service struct {
	tx        repository.TxRunner
	campaigns repository.CampaignRepository
	publisher events.Publisher
	log       *logger.Logger
	now       func() time.Time
}

// NewService constructs the persistence service.
func NewService(tx repository.TxRunner, campaigns repository.CampaignRepository, publisher events.Publisher, log *logger.Logger) *Service {
	return &Service{
		tx:        tx,
		campaigns: campaigns,
		publisher: publisher,
		log:       log.Named("persistence"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// PersistCompleted stores a completed survey: the response row, the attempt
// outcome, and the contact terminal state, all in one transaction. A contact
// that already has a response short-circuits without a second row or event.
func (s *Service) PersistCompleted(ctx context.Context, session *domain.DialogueSession) error {
	if !session.HasAllAnswers() {
		return fmt.Errorf("persistence: session %s has %d of 3 answers: %w",
			session.CallID, len(session.Answers), apperrors.ErrValidation)
	}

	now := s.now()
	response := buildResponse(session, now)

	var duplicate bool
	err := s.tx.InTx(ctx, func(ops repository.TerminalOps) error {
		existing, err := ops.GetSurveyResponseByContact(ctx, session.ContactID)
		if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		if existing != nil {
			duplicate = true
			return nil
		}

		if err := ops.InsertSurveyResponse(ctx, response); err != nil {
			if apperrors.Is(err, apperrors.ErrConflict) {
				duplicate = true
				return nil
			}
			return err
		}
		if err := ops.CloseAttempt(ctx, session.CallAttemptID, domain.CallOutcomeCompleted, now); err != nil {
			return err
		}
		return ops.FinalizeContact(ctx, session.ContactID, domain.ContactStateCompleted, domain.CallOutcomeCompleted, now, true)
	})
	if err != nil {
		return fmt.Errorf("persistence: persist completed: %w", err)
	}
	if duplicate {
		s.log.Info("survey response already persisted",
			zap.String("contact_id", session.ContactID.String()),
			zap.String("call_id", session.CallID.String()))
		return nil
	}

	s.publish(ctx, domain.Event{
		ID:            uuid.New(),
		Type:          domain.EventSurveyCompleted,
		ContactID:     session.ContactID,
		CampaignID:    session.CampaignID,
		CallAttemptID: session.CallAttemptID,
		ResponseID:    &response.ID,
		OccurredAt:    now,
	})
	return nil
}

// PersistRefused finalizes a consent refusal. No response row is written.
func (s *Service) PersistRefused(ctx context.Context, session *domain.DialogueSession) error {
	now := s.now()

	var alreadyTerminal bool
	err := s.tx.InTx(ctx, func(ops repository.TerminalOps) error {
		contact, err := ops.GetContact(ctx, session.ContactID)
		if err != nil {
			return err
		}
		if contact.State.Terminal() {
			alreadyTerminal = true
			return nil
		}

		if err := ops.CloseAttempt(ctx, session.CallAttemptID, domain.CallOutcomeRefused, now); err != nil {
			return err
		}
		return ops.FinalizeContact(ctx, session.ContactID, domain.ContactStateRefused, domain.CallOutcomeRefused, now, true)
	})
	if err != nil {
		return fmt.Errorf("persistence: persist refused: %w", err)
	}
	if alreadyTerminal {
		return nil
	}

	s.publish(ctx, domain.Event{
		ID:            uuid.New(),
		Type:          domain.EventSurveyRefused,
		ContactID:     session.ContactID,
		CampaignID:    session.CampaignID,
		CallAttemptID: session.CallAttemptID,
		OccurredAt:    now,
	})
	return nil
}

// PersistNotReached resolves a failed attempt without a completed survey.
// The attempt is consumed unless the caller already counted it
// (consumeAttempt=false), and the contact moves to not_reached. The
// survey.not_reached event is published only when this resolution exhausts
// the campaign's attempt budget; a contact that was already finalized as
// not_reached is left untouched, so the event is emitted at most once.
func (s *Service) PersistNotReached(ctx context.Context, contactID, campaignID, attemptID uuid.UUID, outcome domain.CallOutcome, consumeAttempt bool) error {
	now := s.now()

	campaign, err := s.campaigns.Get(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("persistence: load campaign: %w", err)
	}
	maxAttempts := campaign.RetryPolicy.MaxAttempts

	var skip, exhausted bool
	err = s.tx.InTx(ctx, func(ops repository.TerminalOps) error {
		contact, err := ops.GetContact(ctx, contactID)
		if err != nil {
			return err
		}
		if contact.State.Terminal() {
			skip = true
			return nil
		}

		// resolved counts attempts from earlier resolutions only: with
		// consumeAttempt=false the caller has already counted this one.
		resolved := contact.AttemptsCount
		if !consumeAttempt {
			resolved--
		}
		if contact.State == domain.ContactStateNotReached && resolved >= maxAttempts {
			skip = true
			return nil
		}

		// Snapshot the count before the writes: FinalizeContact may mutate
		// the struct GetContact returned.
		before := contact.AttemptsCount

		if attemptID != uuid.Nil {
			if err := ops.CloseAttempt(ctx, attemptID, outcome, now); err != nil {
				return err
			}
		}
		if err := ops.FinalizeContact(ctx, contactID, domain.ContactStateNotReached, outcome, now, consumeAttempt); err != nil {
			return err
		}

		after := before
		if consumeAttempt {
			after++
		}
		exhausted = after >= maxAttempts
		return nil
	})
	if err != nil {
		return fmt.Errorf("persistence: persist not reached: %w", err)
	}
	if skip {
		return nil
	}
	if !exhausted {
		s.log.Info("attempt resolved, contact retains retry budget",
			zap.String("contact_id", contactID.String()),
			zap.String("outcome", string(outcome)))
		return nil
	}

	s.publish(ctx, domain.Event{
		ID:            uuid.New(),
		Type:          domain.EventSurveyNotReached,
		ContactID:     contactID,
		CampaignID:    campaignID,
		CallAttemptID: attemptID,
		OccurredAt:    now,
	})
	return nil
}

// publish emits the terminal event. Publish failures are logged and left to
// the broker retry path: the committed outcome is never rolled back.
func (s *Service) publish(ctx context.Context, event domain.Event) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.Error("event publish failed, outcome already committed",
			zap.String("event_type", string(event.Type)),
			zap.String("contact_id", event.ContactID.String()),
			zap.Error(err))
	}
}

func buildResponse(session *domain.DialogueSession, now time.Time) *domain.SurveyResponse {
	res := &domain.SurveyResponse{
		ID:            uuid.New(),
		ContactID:     session.ContactID,
		CampaignID:    session.CampaignID,
		CallAttemptID: session.CallAttemptID,
		CompletedAt:   now,
	}
	if a, ok := session.Answers[1]; ok {
		res.Answer1, res.Confidence1 = a.AnswerText, a.Confidence
	}
	if a, ok := session.Answers[2]; ok {
		res.Answer2, res.Confidence2 = a.AnswerText, a.Confidence
	}
	if a, ok := session.Answers[3]; ok {
		res.Answer3, res.Confidence3 = a.AnswerText, a.Confidence
	}
	return res
}
