package dialogue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/survey-call-engine/internal/callsync"
	"github.com/acme/survey-call-engine/internal/config"
	"github.com/acme/survey-call-engine/internal/domain"
	"github.com/acme/survey-call-engine/internal/llm"
	"github.com/acme/survey-call-engine/internal/repository"
	apperrors "github.com/acme/survey-call-engine/pkg/errors"
	"github.com/acme/survey-call-engine/pkg/logger"
)

// Finalizer persists terminal survey outcomes.
type Finalizer interface {
	PersistCompleted(ctx context.Context, session *domain.DialogueSession) error
	PersistRefused(ctx context.Context, session *domain.DialogueSession) error
	PersistNotReached(ctx context.Context, contactID, campaignID, attemptID uuid.UUID, outcome domain.CallOutcome, consumeAttempt bool) error
}

// Orchestrator drives survey conversations: one session per answered call,
// one model completion per respondent utterance. Terminal phases hand the
// session to the finalizer and tear it down.
type Orchestrator struct {
	sessions  *registry
	gateway   llm.Gateway
	finalizer Finalizer
	campaigns repository.CampaignRepository
	contacts  repository.ContactRepository
	locks     *callsync.KeyedMutex
	cfg       config.DialogueConfig
	log       *logger.Logger
	now       func() time.Time
}

// NewOrchestrator constructs the orchestrator.
func NewOrchestrator(
	gateway llm.Gateway,
	finalizer Finalizer,
	campaigns repository.CampaignRepository,
	contacts repository.ContactRepository,
	cfg config.DialogueConfig,
	log *logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		sessions:  newRegistry(),
		gateway:   gateway,
		finalizer: finalizer,
		campaigns: campaigns,
		contacts:  contacts,
		locks:     callsync.NewKeyedMutex(),
		cfg:       cfg,
		log:       log.Named("dialogue"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source for tests.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// ActiveSessions returns the number of live sessions.
func (o *Orchestrator) ActiveSessions() int { return o.sessions.len() }

// StartSession opens the conversation for an answered call and returns the
// greeting to speak. Starting an already-started call is a no-op.
func (o *Orchestrator) StartSession(ctx context.Context, attempt *domain.CallAttempt) (string, error) {
	o.locks.Lock(attempt.CallID.String())
	defer o.locks.Unlock(attempt.CallID.String())

	candidate := domain.NewDialogueSession(attempt.CallID, attempt.ID, attempt.ContactID, attempt.CampaignID, o.now())
	session, created := o.sessions.getOrCreate(attempt.CallID, candidate)
	if !created {
		return "", nil
	}

	sc, err := o.surveyContext(ctx, session)
	if err != nil {
		o.sessions.remove(attempt.CallID)
		return "", err
	}

	resp, err := o.complete(ctx, sc, session, llm.ChatMessage{
		Role:    llm.RoleUser,
		Content: "The call has been answered. Greet the respondent and ask for consent using the intro script.",
	})
	if err != nil {
		return "", o.abandon(ctx, session, fmt.Errorf("dialogue: opening turn: %w", err))
	}

	session.AddUtterance("assistant", resp.Content)
	o.log.Info("session started",
		zap.String("call_id", session.CallID.String()),
		zap.String("contact_id", session.ContactID.String()))
	return resp.Content, nil
}

// HandleUtterance advances the conversation by one respondent turn and
// returns the reply to speak. Terminal transitions are persisted before the
// reply is returned.
func (o *Orchestrator) HandleUtterance(ctx context.Context, callID uuid.UUID, text string) (string, error) {
	o.locks.Lock(callID.String())
	defer o.locks.Unlock(callID.String())

	session, ok := o.sessions.get(callID)
	if !ok {
		return "", fmt.Errorf("dialogue: no session for call %s: %w", callID, apperrors.ErrNotFound)
	}
	if session.Phase.Terminal() {
		return "", nil
	}

	session.AddUtterance("user", text)

	sc, err := o.surveyContext(ctx, session)
	if err != nil {
		return "", err
	}

	resp, err := o.complete(ctx, sc, session, llm.ChatMessage{Role: llm.RoleUser, Content: text})
	if err != nil {
		return "", o.abandon(ctx, session, fmt.Errorf("dialogue: turn failed: %w", err))
	}

	reply := o.applySignals(session, resp)
	session.AddUtterance("assistant", reply)

	if session.Phase.Terminal() {
		if err := o.finalize(ctx, session); err != nil {
			return reply, err
		}
	}
	return reply, nil
}

// EndCall tears down the session when telephony reports the call over. A
// session that never reached a terminal phase is finalized as abandoned. The
// first return reports whether a live session was finalized here, meaning
// the attempt has been consumed by that finalization.
func (o *Orchestrator) EndCall(ctx context.Context, callID uuid.UUID) (bool, error) {
	o.locks.Lock(callID.String())
	defer o.locks.Unlock(callID.String())

	session, ok := o.sessions.get(callID)
	if !ok {
		return false, nil
	}
	if session.Phase.Terminal() {
		o.sessions.remove(callID)
		return false, nil
	}

	session.Phase = domain.PhaseAbandoned
	o.log.Info("call ended mid-survey, abandoning session",
		zap.String("call_id", callID.String()),
		zap.Int("answers_captured", len(session.Answers)))
	return true, o.finalize(ctx, session)
}

// applySignals applies the parsed control signals to the session state and
// returns the text to speak.
func (o *Orchestrator) applySignals(session *domain.DialogueSession, resp llm.ChatResponse) string {
	switch session.Phase {
	case domain.PhaseAwaitingConsent:
		switch {
		case resp.HasSignal(llm.SignalConsentAccepted):
			session.Phase = domain.PhaseQuestion1
		case resp.HasSignal(llm.SignalConsentRefused):
			session.Phase = domain.PhaseConsentRefused
		default:
			o.recordUnclear(session, 0)
		}
		return resp.Content

	case domain.PhaseQuestion1, domain.PhaseQuestion2, domain.PhaseQuestion3:
		q := session.Phase.QuestionIndex()

		if resp.HasSignal(llm.SignalAnswerCaptured) && resp.CapturedAnswer != "" {
			confidence := resp.CapturedConfidence
			session.Answers[q] = domain.CapturedAnswer{
				QuestionIndex: q,
				AnswerText:    resp.CapturedAnswer,
				Confidence:    &confidence,
				CapturedAt:    o.now(),
			}
			o.advance(session)
			return resp.Content
		}

		if resp.HasSignal(llm.SignalSurveyComplete) && session.HasAllAnswers() {
			o.markCompleted(session)
			return resp.Content
		}

		if resp.HasSignal(llm.SignalRepeatQuestion) {
			// One repeat per question; further requests count as unclear.
			if session.RepeatCounts[q] < 1 {
				session.RepeatCounts[q]++
				return resp.Content
			}
			o.recordUnclear(session, q)
			return resp.Content
		}

		if resp.HasSignal(llm.SignalUnclearResponse) || len(resp.Signals) == 0 {
			o.recordUnclear(session, q)
		}
		return resp.Content
	}

	return resp.Content
}

func (o *Orchestrator) advance(session *domain.DialogueSession) {
	switch session.Phase {
	case domain.PhaseQuestion1:
		session.Phase = domain.PhaseQuestion2
	case domain.PhaseQuestion2:
		session.Phase = domain.PhaseQuestion3
	case domain.PhaseQuestion3:
		o.markCompleted(session)
	}
}

func (o *Orchestrator) markCompleted(session *domain.DialogueSession) {
	session.Phase = domain.PhaseCompleted
	now := o.now()
	session.CompletedAt = &now
}

func (o *Orchestrator) recordUnclear(session *domain.DialogueSession, q int) {
	session.UnclearCounts[q]++
	if session.UnclearCounts[q] > o.maxUnclear() {
		o.log.Warn("clarification budget exhausted",
			zap.String("call_id", session.CallID.String()),
			zap.Int("question", q))
		session.Phase = domain.PhaseAbandoned
	}
}

func (o *Orchestrator) maxUnclear() int {
	if o.cfg.MaxUnclear > 0 {
		return o.cfg.MaxUnclear
	}
	return 2
}

// finalize hands a terminal session to the persistence service and destroys
// it. The session is removed even when persistence fails: the webhook retry
// path re-drives the terminal outcome, not the conversation.
func (o *Orchestrator) finalize(ctx context.Context, session *domain.DialogueSession) error {
	defer o.sessions.remove(session.CallID)

	var err error
	switch session.Phase {
	case domain.PhaseCompleted:
		err = o.finalizer.PersistCompleted(ctx, session)
	case domain.PhaseConsentRefused:
		err = o.finalizer.PersistRefused(ctx, session)
	case domain.PhaseAbandoned:
		// Abandonment consumes the attempt; the finalizer keeps the contact
		// retryable until the campaign's attempt budget is spent.
		err = o.finalizer.PersistNotReached(ctx, session.ContactID, session.CampaignID, session.CallAttemptID, domain.CallOutcomeFailed, true)
	default:
		err = fmt.Errorf("dialogue: finalize called on non-terminal phase %s: %w", session.Phase, apperrors.ErrValidation)
	}
	if err != nil {
		o.log.Error("terminal persistence failed",
			zap.String("call_id", session.CallID.String()),
			zap.String("phase", string(session.Phase)),
			zap.Error(err))
		return err
	}

	o.log.Info("session finalized",
		zap.String("call_id", session.CallID.String()),
		zap.String("phase", string(session.Phase)))
	return nil
}

// abandon marks the session abandoned after an unrecoverable fault and
// finalizes it. The original fault is returned.
func (o *Orchestrator) abandon(ctx context.Context, session *domain.DialogueSession, cause error) error {
	session.Phase = domain.PhaseAbandoned
	if err := o.finalize(ctx, session); err != nil {
		return fmt.Errorf("%w (finalize: %v)", cause, err)
	}
	return cause
}

// complete runs one model completion with bounded retry. Rate limits and
// timeouts back off exponentially; auth failures are never retried.
func (o *Orchestrator) complete(ctx context.Context, sc llm.SurveyContext, session *domain.DialogueSession, turn llm.ChatMessage) (llm.ChatResponse, error) {
	messages := make([]llm.ChatMessage, 0, len(session.Transcript)+2)
	messages = append(messages, llm.ChatMessage{Role: llm.RoleSystem, Content: llm.BuildSystemPrompt(sc)})
	for _, u := range session.Transcript {
		role := llm.RoleUser
		if u.Role == "assistant" {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.ChatMessage{Role: role, Content: u.Text})
	}
	messages = append(messages, turn)

	req := llm.NewChatRequest(messages)
	req.Context = &sc

	retries := o.cfg.LLMRetryLimit
	if retries <= 0 {
		retries = 2
	}
	baseWait := o.cfg.RetryBaseWait
	if baseWait <= 0 {
		baseWait = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		resp, err := func() (llm.ChatResponse, error) {
			turnCtx := ctx
			if o.cfg.TurnTimeout > 0 {
				var cancel context.CancelFunc
				turnCtx, cancel = context.WithTimeout(ctx, o.cfg.TurnTimeout)
				defer cancel()
			}
			return o.gateway.ChatCompletion(turnCtx, req)
		}()
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if apperrors.Is(err, apperrors.ErrLLMAuth) {
			return llm.ChatResponse{}, err
		}
		if attempt == retries {
			break
		}

		wait := baseWait << attempt
		o.log.Warn("completion failed, retrying",
			zap.String("call_id", session.CallID.String()),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return llm.ChatResponse{}, ctx.Err()
		case <-time.After(wait):
		}
	}
	return llm.ChatResponse{}, lastErr
}

// surveyContext assembles the prompt context for the session's current turn.
func (o *Orchestrator) surveyContext(ctx context.Context, session *domain.DialogueSession) (llm.SurveyContext, error) {
	campaign, err := o.campaigns.Get(ctx, session.CampaignID)
	if err != nil {
		return llm.SurveyContext{}, fmt.Errorf("dialogue: load campaign: %w", err)
	}
	contact, err := o.contacts.Get(ctx, session.ContactID)
	if err != nil {
		return llm.SurveyContext{}, fmt.Errorf("dialogue: load contact: %w", err)
	}

	sc := llm.SurveyContext{
		CampaignName:     campaign.Name,
		Language:         contact.Language(campaign),
		IntroScript:      campaign.IntroScript,
		CurrentQuestion:  session.Phase.QuestionIndex(),
		CollectedAnswers: session.CollectedAnswers(),
	}
	for i, q := range campaign.Questions {
		sc.Questions[i] = llm.QuestionContext{Text: q.Text, Type: q.Type}
	}
	return sc, nil
}
