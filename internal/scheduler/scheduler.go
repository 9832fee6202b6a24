package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/survey-call-engine/internal/callsync"
	"github.com/acme/survey-call-engine/internal/config"
	"github.com/acme/survey-call-engine/internal/domain"
	"github.com/acme/survey-call-engine/internal/repository"
	"github.com/acme/survey-call-engine/internal/telephony"
	apperrors "github.com/acme/survey-call-engine/pkg/errors"
	"github.com/acme/survey-call-engine/pkg/logger"
)

// Scheduler periodically dials eligible contacts of running campaigns,
// respecting each campaign's calling window and the concurrency budget.
type Scheduler struct {
	campaigns repository.CampaignRepository
	contacts  repository.ContactRepository
	attempts  repository.CallAttemptRepository
	provider  telephony.Provider
	tickLock  *callsync.RedisLock // nil disables the cross-process guard

	schedCfg config.SchedulerConfig
	telCfg   config.TelephonyConfig
	log      *logger.Logger
	now      func() time.Time

	ticking atomic.Bool
}

// New constructs a scheduler. tickLock may be nil for single-instance runs.
func New(
	campaigns repository.CampaignRepository,
	contacts repository.ContactRepository,
	attempts repository.CallAttemptRepository,
	provider telephony.Provider,
	tickLock *callsync.RedisLock,
	schedCfg config.SchedulerConfig,
	telCfg config.TelephonyConfig,
	log *logger.Logger,
) *Scheduler {
	return &Scheduler{
		campaigns: campaigns,
		contacts:  contacts,
		attempts:  attempts,
		provider:  provider,
		tickLock:  tickLock,
		schedCfg:  schedCfg,
		telCfg:    telCfg,
		log:       log.Named("scheduler"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source for tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Run executes the scheduling loop until cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.schedCfg.TickInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one scheduling pass. Overlapping ticks are skipped: a local
// guard covers this process and the Redis lock covers other instances.
func (s *Scheduler) Tick(ctx context.Context) error {
	if !s.ticking.CompareAndSwap(false, true) {
		s.log.Debug("previous tick still running, skipping")
		return nil
	}
	defer s.ticking.Store(false)

	if s.tickLock != nil {
		token, ok, err := s.tickLock.Acquire(ctx, s.lockKey())
		if err != nil {
			return fmt.Errorf("scheduler: acquire tick lock: %w", err)
		}
		if !ok {
			s.log.Debug("tick lock held elsewhere, skipping")
			return nil
		}
		defer func() {
			if rerr := s.tickLock.Release(context.WithoutCancel(ctx), s.lockKey(), token); rerr != nil {
				s.log.Warn("tick lock release failed", zap.Error(rerr))
			}
		}()
	}

	tracer := otel.Tracer("survey.scheduler")
	tctx, span := tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	now := s.now()
	campaigns, err := s.campaigns.ListByStatus(tctx, domain.CampaignStatusRunning, 100)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("scheduler: list campaigns: %w", err)
	}
	span.SetAttributes(attribute.Int("campaign.count", len(campaigns)))

	for _, campaign := range campaigns {
		cctx, cspan := tracer.Start(tctx, "scheduler.campaign", trace.WithAttributes(
			attribute.String("campaign.id", campaign.ID.String()),
		))
		if err := s.processCampaign(cctx, campaign, now); err != nil {
			cspan.RecordError(err)
			s.log.Error("campaign pass failed",
				zap.String("campaign_id", campaign.ID.String()),
				zap.Error(err))
		}
		cspan.End()
	}
	return nil
}

func (s *Scheduler) processCampaign(ctx context.Context, campaign *domain.Campaign, now time.Time) error {
	if !campaign.WithinCallWindow(now) {
		s.log.Debug("campaign outside calling window",
			zap.String("campaign_id", campaign.ID.String()))
		return nil
	}

	open, err := s.attempts.CountOpenByCampaign(ctx, campaign.ID)
	if err != nil {
		return fmt.Errorf("count open attempts: %w", err)
	}
	budget := s.telCfg.MaxConcurrentCalls - open
	if budget <= 0 {
		s.log.Debug("concurrency budget exhausted",
			zap.String("campaign_id", campaign.ID.String()),
			zap.Int("open", open))
		return nil
	}

	batch := s.schedCfg.BatchSize
	if batch <= 0 {
		batch = 50
	}
	if budget < batch {
		batch = budget
	}

	contacts, err := s.contacts.NextBatchForCalling(ctx, campaign, now, batch)
	if err != nil {
		return fmt.Errorf("select contacts: %w", err)
	}
	if len(contacts) == 0 {
		return nil
	}

	s.log.Info("dialing batch",
		zap.String("campaign_id", campaign.ID.String()),
		zap.Int("contacts", len(contacts)),
		zap.Int("budget", budget))

	for _, contact := range contacts {
		if err := s.dialContact(ctx, campaign, contact); err != nil {
			// One bad contact never aborts the batch.
			s.log.Error("dial failed",
				zap.String("contact_id", contact.ID.String()),
				zap.Error(err))
		}
	}
	return nil
}

// dialContact places one outbound call: the attempt row and the contact
// transition are committed before the provider is touched, then unwound if
// the dial never reached the provider.
func (s *Scheduler) dialContact(ctx context.Context, campaign *domain.Campaign, contact *domain.Contact) error {
	if busy, err := s.attempts.HasOpenForContact(ctx, contact.ID); err != nil {
		return fmt.Errorf("check open attempt: %w", err)
	} else if busy {
		return nil
	}

	now := s.now()
	priorState := contact.State
	priorLastAttempt := contact.LastAttemptAt

	if err := s.contacts.SetDialing(ctx, contact.ID, now); err != nil {
		if apperrors.Is(err, apperrors.ErrConflict) {
			// Another instance claimed the contact between select and dial.
			return nil
		}
		return fmt.Errorf("set dialing: %w", err)
	}

	attempt := &domain.CallAttempt{
		ID:            uuid.New(),
		ContactID:     contact.ID,
		CampaignID:    campaign.ID,
		AttemptNumber: contact.AttemptsCount + 1,
		CallID:        uuid.New(),
		StartedAt:     now,
	}
	if err := s.attempts.Create(ctx, attempt); err != nil {
		s.restoreContact(ctx, contact.ID, priorState, priorLastAttempt)
		return fmt.Errorf("create attempt: %w", err)
	}

	result, err := s.provider.InitiateCall(ctx, telephony.CallRequest{
		CallID:      attempt.CallID,
		CampaignID:  campaign.ID,
		ContactID:   contact.ID,
		ToNumber:    contact.PhoneNumber,
		FromNumber:  campaign.OutboundNumber,
		Language:    contact.Language(campaign),
		CallbackURL: s.telCfg.CallbackURL,
	})
	if err != nil {
		return s.unwindDial(ctx, contact, attempt, priorState, priorLastAttempt, err)
	}

	if err := s.attempts.SetProviderCallID(ctx, attempt.ID, result.ProviderCallID, result.RawStatus); err != nil {
		return fmt.Errorf("record provider call id: %w", err)
	}

	s.log.Info("call placed",
		zap.String("call_id", attempt.CallID.String()),
		zap.String("contact_id", contact.ID.String()),
		zap.Int("attempt_number", attempt.AttemptNumber))
	return nil
}

// unwindDial handles a dial that never reached the provider. Transient
// faults are attempt-neutral: the contact returns to its prior state and
// the open attempt row is removed. Permanent validation faults exclude the
// contact from all future scheduling.
func (s *Scheduler) unwindDial(ctx context.Context, contact *domain.Contact, attempt *domain.CallAttempt, priorState domain.ContactState, priorLastAttempt *time.Time, cause error) error {
	if derr := s.attempts.Delete(ctx, attempt.ID); derr != nil {
		s.log.Error("failed to delete unplaced attempt",
			zap.String("attempt_id", attempt.ID.String()),
			zap.Error(derr))
	}

	if apperrors.Is(cause, apperrors.ErrPermanentValidation) {
		if merr := s.contacts.MarkExcluded(ctx, contact.ID); merr != nil {
			s.log.Error("failed to exclude contact",
				zap.String("contact_id", contact.ID.String()),
				zap.Error(merr))
		}
		s.log.Warn("contact excluded after validation failure",
			zap.String("contact_id", contact.ID.String()),
			zap.Error(cause))
		return nil
	}

	s.restoreContact(ctx, contact.ID, priorState, priorLastAttempt)
	return fmt.Errorf("initiate call: %w", cause)
}

func (s *Scheduler) restoreContact(ctx context.Context, id uuid.UUID, state domain.ContactState, lastAttemptAt *time.Time) {
	if err := s.contacts.Restore(ctx, id, state, lastAttemptAt); err != nil {
		s.log.Error("failed to restore contact",
			zap.String("contact_id", id.String()),
			zap.Error(err))
	}
}

func (s *Scheduler) lockKey() string {
	if s.schedCfg.LockKey != "" {
		return s.schedCfg.LockKey
	}
	return "scheduler:tick"
}
