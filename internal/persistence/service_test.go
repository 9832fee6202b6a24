package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/survey-call-engine/internal/domain"
	"github.com/acme/survey-call-engine/internal/repository"
	apperrors "github.com/acme/survey-call-engine/pkg/errors"
	"github.com/acme/survey-call-engine/pkg/logger"
)

type fakeOps struct {
	contact   *domain.Contact
	existing  *domain.SurveyResponse
	insertErr error

	inserted  []*domain.SurveyResponse
	closed    []domain.CallOutcome
	finalized []domain.ContactState
	consumed  []bool
}

func (f *fakeOps) GetContact(ctx context.Context, id uuid.UUID) (*domain.Contact, error) {
	if f.contact == nil {
		return nil, repository.ErrNotFound
	}
	return f.contact, nil
}

func (f *fakeOps) GetSurveyResponseByContact(ctx context.Context, contactID uuid.UUID) (*domain.SurveyResponse, error) {
	if f.existing == nil {
		return nil, repository.ErrNotFound
	}
	return f.existing, nil
}

func (f *fakeOps) InsertSurveyResponse(ctx context.Context, res *domain.SurveyResponse) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, res)
	return nil
}

func (f *fakeOps) CloseAttempt(ctx context.Context, attemptID uuid.UUID, outcome domain.CallOutcome, endedAt time.Time) error {
	f.closed = append(f.closed, outcome)
	return nil
}

func (f *fakeOps) FinalizeContact(ctx context.Context, id uuid.UUID, state domain.ContactState, outcome domain.CallOutcome, at time.Time, consumeAttempt bool) error {
	f.finalized = append(f.finalized, state)
	f.consumed = append(f.consumed, consumeAttempt)
	if f.contact != nil {
		f.contact.State = state
		if consumeAttempt {
			f.contact.AttemptsCount++
		}
	}
	return nil
}

type fakeCampaigns struct {
	campaign *domain.Campaign
}

func (f *fakeCampaigns) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return f.campaign, nil
}

func (f *fakeCampaigns) ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	return nil, nil
}

func campaignsWithBudget(maxAttempts int) *fakeCampaigns {
	return &fakeCampaigns{campaign: &domain.Campaign{
		ID:          uuid.New(),
		RetryPolicy: domain.RetryPolicy{MaxAttempts: maxAttempts},
	}}
}

type fakeTx struct {
	ops       *fakeOps
	commits   int
	rollbacks int
}

func (f *fakeTx) InTx(ctx context.Context, fn func(ops repository.TerminalOps) error) error {
	if err := fn(f.ops); err != nil {
		f.rollbacks++
		return err
	}
	f.commits++
	return nil
}

type fakePublisher struct {
	events []domain.Event
	err    error
}

func (f *fakePublisher) Publish(ctx context.Context, event domain.Event) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func completedSession() *domain.DialogueSession {
	session := domain.NewDialogueSession(uuid.New(), uuid.New(), uuid.New(), uuid.New(), time.Now().UTC())
	session.Phase = domain.PhaseCompleted
	for i := 1; i <= 3; i++ {
		session.Answers[i] = domain.CapturedAnswer{QuestionIndex: i, AnswerText: "answer"}
	}
	return session
}

func TestPersistCompletedCommitsAndPublishesOnce(t *testing.T) {
	ops := &fakeOps{contact: &domain.Contact{State: domain.ContactStateInProgress}}
	tx := &fakeTx{ops: ops}
	pub := &fakePublisher{}
	svc := NewService(tx, campaignsWithBudget(3), pub, logger.NewNop())
	session := completedSession()

	if err := svc.PersistCompleted(context.Background(), session); err != nil {
		t.Fatalf("persist completed: %v", err)
	}

	if tx.commits != 1 {
		t.Fatalf("expected one commit, got %d", tx.commits)
	}
	if len(ops.inserted) != 1 {
		t.Fatalf("expected one response row, got %d", len(ops.inserted))
	}
	if len(ops.closed) != 1 || ops.closed[0] != domain.CallOutcomeCompleted {
		t.Fatalf("attempt must close as completed, got %v", ops.closed)
	}
	if len(ops.finalized) != 1 || ops.finalized[0] != domain.ContactStateCompleted {
		t.Fatalf("contact must go terminal completed, got %v", ops.finalized)
	}
	if !ops.consumed[0] {
		t.Fatalf("completion resolves the attempt")
	}
	if len(pub.events) != 1 || pub.events[0].Type != domain.EventSurveyCompleted {
		t.Fatalf("expected exactly one survey.completed event, got %v", pub.events)
	}
	if pub.events[0].ResponseID == nil {
		t.Fatalf("completed event must reference the response")
	}
}

func TestPersistCompletedIsIdempotent(t *testing.T) {
	ops := &fakeOps{
		contact:  &domain.Contact{State: domain.ContactStateCompleted},
		existing: &domain.SurveyResponse{ID: uuid.New()},
	}
	tx := &fakeTx{ops: ops}
	pub := &fakePublisher{}
	svc := NewService(tx, campaignsWithBudget(3), pub, logger.NewNop())

	if err := svc.PersistCompleted(context.Background(), completedSession()); err != nil {
		t.Fatalf("duplicate persist must be a no-op: %v", err)
	}
	if len(ops.inserted) != 0 {
		t.Fatalf("no second response row")
	}
	if len(pub.events) != 0 {
		t.Fatalf("no second event")
	}
}

func TestPersistCompletedLosesRaceGracefully(t *testing.T) {
	// The unique constraint fires when a concurrent transaction won.
	ops := &fakeOps{insertErr: apperrors.ErrConflict}
	tx := &fakeTx{ops: ops}
	pub := &fakePublisher{}
	svc := NewService(tx, campaignsWithBudget(3), pub, logger.NewNop())

	if err := svc.PersistCompleted(context.Background(), completedSession()); err != nil {
		t.Fatalf("conflict loser must be a no-op: %v", err)
	}
	if len(pub.events) != 0 {
		t.Fatalf("conflict loser must not publish")
	}
	if len(ops.finalized) != 0 {
		t.Fatalf("conflict loser must not re-finalize the contact")
	}
}

func TestPersistCompletedRejectsPartialAnswers(t *testing.T) {
	session := completedSession()
	delete(session.Answers, 2)
	tx := &fakeTx{ops: &fakeOps{}}
	svc := NewService(tx, campaignsWithBudget(3), &fakePublisher{}, logger.NewNop())

	err := svc.PersistCompleted(context.Background(), session)
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if tx.commits != 0 {
		t.Fatalf("partial session must not touch the database")
	}
}

func TestPersistRefused(t *testing.T) {
	ops := &fakeOps{contact: &domain.Contact{State: domain.ContactStateInProgress}}
	tx := &fakeTx{ops: ops}
	pub := &fakePublisher{}
	svc := NewService(tx, campaignsWithBudget(3), pub, logger.NewNop())
	session := completedSession()
	session.Phase = domain.PhaseConsentRefused

	if err := svc.PersistRefused(context.Background(), session); err != nil {
		t.Fatalf("persist refused: %v", err)
	}
	if len(ops.inserted) != 0 {
		t.Fatalf("refusal must not store a response")
	}
	if len(ops.finalized) != 1 || ops.finalized[0] != domain.ContactStateRefused {
		t.Fatalf("contact must go terminal refused, got %v", ops.finalized)
	}
	if len(pub.events) != 1 || pub.events[0].Type != domain.EventSurveyRefused {
		t.Fatalf("expected one survey.refused event, got %v", pub.events)
	}
}

func TestPersistRefusedAlreadyTerminalIsNoOp(t *testing.T) {
	ops := &fakeOps{contact: &domain.Contact{State: domain.ContactStateRefused}}
	tx := &fakeTx{ops: ops}
	pub := &fakePublisher{}
	svc := NewService(tx, campaignsWithBudget(3), pub, logger.NewNop())

	if err := svc.PersistRefused(context.Background(), completedSession()); err != nil {
		t.Fatalf("terminal contact must be a no-op: %v", err)
	}
	if len(ops.finalized) != 0 || len(pub.events) != 0 {
		t.Fatalf("no writes or events for an already-terminal contact")
	}
}

func TestPersistNotReachedPublishesOnExhaustion(t *testing.T) {
	// Webhook shape: the negative outcome already moved the contact to
	// not_reached and counted the final attempt.
	ops := &fakeOps{contact: &domain.Contact{State: domain.ContactStateNotReached, AttemptsCount: 3}}
	tx := &fakeTx{ops: ops}
	pub := &fakePublisher{}
	svc := NewService(tx, campaignsWithBudget(3), pub, logger.NewNop())

	err := svc.PersistNotReached(context.Background(), uuid.New(), uuid.New(), uuid.New(), domain.CallOutcomeNoAnswer, false)
	if err != nil {
		t.Fatalf("persist not reached: %v", err)
	}
	if len(ops.finalized) != 1 || ops.finalized[0] != domain.ContactStateNotReached {
		t.Fatalf("contact must move to not_reached, got %v", ops.finalized)
	}
	if ops.consumed[0] {
		t.Fatalf("consumeAttempt=false must pass through")
	}
	if len(pub.events) != 1 || pub.events[0].Type != domain.EventSurveyNotReached {
		t.Fatalf("expected one survey.not_reached event, got %v", pub.events)
	}
}

func TestPersistNotReachedWithRetryBudgetLeftDoesNotPublish(t *testing.T) {
	ops := &fakeOps{contact: &domain.Contact{State: domain.ContactStateInProgress, AttemptsCount: 1}}
	tx := &fakeTx{ops: ops}
	pub := &fakePublisher{}
	svc := NewService(tx, campaignsWithBudget(3), pub, logger.NewNop())

	err := svc.PersistNotReached(context.Background(), uuid.New(), uuid.New(), uuid.New(), domain.CallOutcomeFailed, true)
	if err != nil {
		t.Fatalf("persist not reached: %v", err)
	}
	if len(ops.finalized) != 1 || !ops.consumed[0] {
		t.Fatalf("attempt must be consumed and the contact resolved, got %v/%v", ops.finalized, ops.consumed)
	}
	if len(pub.events) != 0 {
		t.Fatalf("contact with retry budget left must not emit a terminal event, got %v", pub.events)
	}
}

func TestPersistNotReachedEmitsAtMostOneEvent(t *testing.T) {
	contactID := uuid.New()
	campaignID := uuid.New()
	ops := &fakeOps{contact: &domain.Contact{ID: contactID, State: domain.ContactStateInProgress, AttemptsCount: 1}}
	tx := &fakeTx{ops: ops}
	pub := &fakePublisher{}
	svc := NewService(tx, campaignsWithBudget(3), pub, logger.NewNop())
	ctx := context.Background()

	// Two of three attempts still left: resolve without an event.
	if err := svc.PersistNotReached(ctx, contactID, campaignID, uuid.New(), domain.CallOutcomeFailed, true); err != nil {
		t.Fatalf("first persist: %v", err)
	}
	if len(pub.events) != 0 {
		t.Fatalf("contact still had retries left, got %d events", len(pub.events))
	}

	// The last attempt exhausts the budget: exactly one event.
	if err := svc.PersistNotReached(ctx, contactID, campaignID, uuid.New(), domain.CallOutcomeFailed, true); err != nil {
		t.Fatalf("second persist: %v", err)
	}
	if len(pub.events) != 1 {
		t.Fatalf("exhaustion must publish exactly once, got %d events", len(pub.events))
	}

	// A late trigger against the finalized contact is a no-op.
	finalizedWrites := len(ops.finalized)
	if err := svc.PersistNotReached(ctx, contactID, campaignID, uuid.New(), domain.CallOutcomeFailed, true); err != nil {
		t.Fatalf("third persist: %v", err)
	}
	if len(pub.events) != 1 {
		t.Fatalf("finalized contact must not re-publish, got %d events", len(pub.events))
	}
	if len(ops.finalized) != finalizedWrites {
		t.Fatalf("finalized contact must not be re-finalized")
	}
}

func TestPublishFailureDoesNotFailPersistence(t *testing.T) {
	ops := &fakeOps{contact: &domain.Contact{State: domain.ContactStateInProgress}}
	tx := &fakeTx{ops: ops}
	pub := &fakePublisher{err: errors.New("broker down")}
	svc := NewService(tx, campaignsWithBudget(3), pub, logger.NewNop())

	if err := svc.PersistCompleted(context.Background(), completedSession()); err != nil {
		t.Fatalf("publish failure must not undo the commit: %v", err)
	}
	if tx.commits != 1 {
		t.Fatalf("outcome must stay committed")
	}
}
