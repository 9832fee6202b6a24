package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/survey-call-engine/internal/callsync"
	"github.com/acme/survey-call-engine/internal/domain"
	"github.com/acme/survey-call-engine/internal/repository"
	"github.com/acme/survey-call-engine/internal/telephony"
	apperrors "github.com/acme/survey-call-engine/pkg/errors"
	"github.com/acme/survey-call-engine/pkg/logger"
)

// Dialogue is the conversational surface the processor drives.
type Dialogue interface {
	StartSession(ctx context.Context, attempt *domain.CallAttempt) (string, error)
	HandleUtterance(ctx context.Context, callID uuid.UUID, text string) (string, error)
	EndCall(ctx context.Context, callID uuid.UUID) (bool, error)
}

// Finalizer persists a contact whose attempts are exhausted.
type Finalizer interface {
	PersistNotReached(ctx context.Context, contactID, campaignID, attemptID uuid.UUID, outcome domain.CallOutcome, consumeAttempt bool) error
}

// Processor applies provider callbacks to call attempts. Malformed payloads
// and duplicate deliveries are acknowledged; only infrastructure faults
// propagate so the transport can answer 5xx and the provider retries.
type Processor struct {
	provider  telephony.Provider
	attempts  repository.CallAttemptRepository
	contacts  repository.ContactRepository
	campaigns repository.CampaignRepository
	journal   repository.EventJournal
	dialogue  Dialogue
	finalizer Finalizer

	locks     *callsync.KeyedMutex
	redisLock *callsync.RedisLock // nil disables the cross-process lock
	dedup     *dedupCache
	log       *logger.Logger
}

// NewProcessor constructs the processor. redisLock may be nil.
func NewProcessor(
	provider telephony.Provider,
	attempts repository.CallAttemptRepository,
	contacts repository.ContactRepository,
	campaigns repository.CampaignRepository,
	journal repository.EventJournal,
	dialogue Dialogue,
	finalizer Finalizer,
	redisLock *callsync.RedisLock,
	log *logger.Logger,
) *Processor {
	return &Processor{
		provider:  provider,
		attempts:  attempts,
		contacts:  contacts,
		campaigns: campaigns,
		journal:   journal,
		dialogue:  dialogue,
		finalizer: finalizer,
		locks:     callsync.NewKeyedMutex(),
		redisLock: redisLock,
		dedup:     newDedupCache(0),
		log:       log.Named("webhook"),
	}
}

// Handle processes one raw callback payload and returns the text to speak
// back on the call, when the event produced one.
func (p *Processor) Handle(ctx context.Context, payload []byte, contentType string) (string, error) {
	event, err := p.provider.ParseWebhookEvent(payload, contentType)
	if err != nil {
		// Ack malformed payloads: retrying cannot fix them.
		p.log.Warn("unparseable webhook payload", zap.Error(err))
		return "", nil
	}

	p.locks.Lock(event.CallID.String())
	defer p.locks.Unlock(event.CallID.String())

	if p.redisLock != nil {
		token, err := p.redisLock.WaitAcquire(ctx, event.CallID.String(), 25*time.Millisecond)
		if err != nil {
			return "", fmt.Errorf("webhook: acquire call lock: %w", err)
		}
		defer func() {
			if rerr := p.redisLock.Release(context.WithoutCancel(ctx), event.CallID.String(), token); rerr != nil {
				p.log.Warn("call lock release failed", zap.Error(rerr))
			}
		}()
	}

	p.appendJournal(ctx, event)

	attempt, err := p.attempts.GetByCallID(ctx, event.CallID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			p.log.Warn("webhook for unknown call",
				zap.String("call_id", event.CallID.String()),
				zap.String("event_type", string(event.Type)))
			return "", nil
		}
		return "", fmt.Errorf("webhook: load attempt: %w", err)
	}

	// Speech events are turns, not lifecycle transitions; every one counts.
	if event.Type != domain.CallEventSpeech {
		key := event.DedupKey()
		if p.dedup.seen(key) || attempt.EventProcessed(event.Type) {
			p.log.Debug("duplicate webhook delivery",
				zap.String("call_id", event.CallID.String()),
				zap.String("event_type", string(event.Type)))
			p.dedup.mark(key)
			return "", nil
		}
	}

	reply, err := p.apply(ctx, attempt, event)
	if err != nil {
		return "", err
	}
	if event.Type != domain.CallEventSpeech {
		p.dedup.mark(event.DedupKey())
	}
	return reply, nil
}

// apply runs the event's state transitions and, when they all succeed, commits
// the event to the processed_events dedup log. Marking last keeps a failed
// delivery out of the log, so the provider's redelivery is applied instead of
// dropped as a duplicate.
func (p *Processor) apply(ctx context.Context, attempt *domain.CallAttempt, event domain.CallEvent) (string, error) {
	switch event.Type {
	case domain.CallEventInitiated, domain.CallEventRinging:
		return "", p.markProcessed(ctx, attempt, event)

	case domain.CallEventAnswered:
		if err := p.attempts.MarkAnswered(ctx, attempt.ID, event.Timestamp); err != nil {
			return "", fmt.Errorf("webhook: mark answered: %w", err)
		}
		reply, err := p.dialogue.StartSession(ctx, attempt)
		if err != nil {
			return "", fmt.Errorf("webhook: start session: %w", err)
		}
		return reply, p.markProcessed(ctx, attempt, event)

	case domain.CallEventSpeech:
		reply, err := p.dialogue.HandleUtterance(ctx, event.CallID, event.Speech)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrNotFound) {
				// Speech after teardown; nothing left to say.
				return "", nil
			}
			return "", fmt.Errorf("webhook: handle utterance: %w", err)
		}
		return reply, nil

	case domain.CallEventCompleted:
		if err := p.attempts.SetEnded(ctx, attempt.ID, event.Timestamp); err != nil {
			return "", fmt.Errorf("webhook: set ended: %w", err)
		}
		if _, err := p.dialogue.EndCall(ctx, event.CallID); err != nil {
			return "", fmt.Errorf("webhook: end call: %w", err)
		}
		return "", p.markProcessed(ctx, attempt, event)

	case domain.CallEventNoAnswer, domain.CallEventBusy, domain.CallEventFailed:
		return "", p.applyNegative(ctx, attempt, event)
	}

	p.log.Warn("unhandled event type", zap.String("event_type", string(event.Type)))
	return "", nil
}

// applyNegative resolves an attempt that never produced a survey outcome.
// The attempt is consumed here, and the contact goes terminal when the
// campaign's attempt budget is spent. Every step is idempotent, so a
// redelivery after a partial failure resumes where the last delivery stopped.
func (p *Processor) applyNegative(ctx context.Context, attempt *domain.CallAttempt, event domain.CallEvent) error {
	outcome := outcomeFor(event.Type)

	// A failure mid-conversation is resolved by abandoning the session,
	// which consumes the attempt; do not count it twice.
	handled, err := p.dialogue.EndCall(ctx, event.CallID)
	if err != nil {
		return fmt.Errorf("webhook: end call: %w", err)
	}
	if handled {
		return p.markProcessed(ctx, attempt, event)
	}

	closed, err := p.attempts.RecordFailure(ctx, attempt.ID, outcome, event.Timestamp, event.ErrorCode)
	if err != nil {
		return fmt.Errorf("webhook: record failure: %w", err)
	}

	var attemptsCount int
	if closed {
		attemptsCount, err = p.contacts.RecordNegativeOutcome(ctx, attempt.ContactID, outcome, event.Timestamp)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrConflict) {
				// Contact already resolved elsewhere; nothing more to do.
				return p.markProcessed(ctx, attempt, event)
			}
			return fmt.Errorf("webhook: record negative outcome: %w", err)
		}
	} else {
		// An earlier delivery closed the attempt but failed before reaching
		// the dedup log; pick up the current count and finish the resolution.
		contact, err := p.contacts.Get(ctx, attempt.ContactID)
		if err != nil {
			return fmt.Errorf("webhook: load contact: %w", err)
		}
		if contact.State.Terminal() {
			return p.markProcessed(ctx, attempt, event)
		}
		attemptsCount = contact.AttemptsCount
	}

	campaign, err := p.campaigns.Get(ctx, attempt.CampaignID)
	if err != nil {
		return fmt.Errorf("webhook: load campaign: %w", err)
	}
	if attemptsCount < campaign.RetryPolicy.MaxAttempts {
		p.log.Info("attempt resolved, contact eligible for retry",
			zap.String("contact_id", attempt.ContactID.String()),
			zap.String("outcome", string(outcome)),
			zap.Int("attempts_count", attemptsCount))
		return p.markProcessed(ctx, attempt, event)
	}

	// Attempt already counted by RecordNegativeOutcome.
	if err := p.finalizer.PersistNotReached(ctx, attempt.ContactID, attempt.CampaignID, attempt.ID, outcome, false); err != nil {
		return fmt.Errorf("webhook: finalize not reached: %w", err)
	}
	return p.markProcessed(ctx, attempt, event)
}

func (p *Processor) markProcessed(ctx context.Context, attempt *domain.CallAttempt, event domain.CallEvent) error {
	if err := p.attempts.MarkEventProcessed(ctx, attempt.ID, event.Type, event.RawStatus); err != nil {
		return fmt.Errorf("webhook: mark event processed: %w", err)
	}
	attempt.ProcessedEvents = append(attempt.ProcessedEvents, string(event.Type))
	return nil
}

// appendJournal writes the event to the audit journal. Journal faults never
// block webhook processing.
func (p *Processor) appendJournal(ctx context.Context, event domain.CallEvent) {
	if p.journal == nil {
		return
	}
	if err := p.journal.Append(ctx, event); err != nil {
		p.log.Warn("journal append failed",
			zap.String("call_id", event.CallID.String()),
			zap.Error(err))
	}
}

func outcomeFor(t domain.CallEventType) domain.CallOutcome {
	switch t {
	case domain.CallEventNoAnswer:
		return domain.CallOutcomeNoAnswer
	case domain.CallEventBusy:
		return domain.CallOutcomeBusy
	default:
		return domain.CallOutcomeFailed
	}
}
