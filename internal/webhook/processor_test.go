package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/survey-call-engine/internal/domain"
	"github.com/acme/survey-call-engine/internal/repository"
	telephonymock "github.com/acme/survey-call-engine/internal/telephony/mock"
	"github.com/acme/survey-call-engine/pkg/logger"
)

type fakeAttempts struct {
	attempt       *domain.CallAttempt
	failures      []domain.CallOutcome
	answered      []time.Time
	ended         []time.Time
	processed     []domain.CallEventType
	answeredErr   error // consumed by the next MarkAnswered call
	alreadyClosed bool
}

func (f *fakeAttempts) Create(ctx context.Context, a *domain.CallAttempt) error { return nil }
func (f *fakeAttempts) Delete(ctx context.Context, id uuid.UUID) error          { return nil }

func (f *fakeAttempts) GetByCallID(ctx context.Context, callID uuid.UUID) (*domain.CallAttempt, error) {
	if f.attempt == nil || f.attempt.CallID != callID {
		return nil, repository.ErrNotFound
	}
	return f.attempt, nil
}

func (f *fakeAttempts) CountOpenByCampaign(ctx context.Context, campaignID uuid.UUID) (int, error) {
	return 0, nil
}

func (f *fakeAttempts) HasOpenForContact(ctx context.Context, contactID uuid.UUID) (bool, error) {
	return false, nil
}

func (f *fakeAttempts) SetProviderCallID(ctx context.Context, id uuid.UUID, providerCallID, rawStatus string) error {
	return nil
}

func (f *fakeAttempts) MarkEventProcessed(ctx context.Context, id uuid.UUID, eventType domain.CallEventType, rawStatus string) error {
	f.processed = append(f.processed, eventType)
	return nil
}

func (f *fakeAttempts) MarkAnswered(ctx context.Context, id uuid.UUID, at time.Time) error {
	if f.answeredErr != nil {
		err := f.answeredErr
		f.answeredErr = nil
		return err
	}
	f.answered = append(f.answered, at)
	return nil
}

func (f *fakeAttempts) RecordFailure(ctx context.Context, id uuid.UUID, outcome domain.CallOutcome, endedAt time.Time, errorCode string) (bool, error) {
	if f.alreadyClosed {
		return false, nil
	}
	f.failures = append(f.failures, outcome)
	return true, nil
}

func (f *fakeAttempts) SetEnded(ctx context.Context, id uuid.UUID, at time.Time) error {
	f.ended = append(f.ended, at)
	return nil
}

type fakeContacts struct {
	attemptsCount int
	negatives     []domain.CallOutcome
	contact       *domain.Contact
}

func (f *fakeContacts) Get(ctx context.Context, id uuid.UUID) (*domain.Contact, error) {
	if f.contact != nil {
		return f.contact, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeContacts) NextBatchForCalling(ctx context.Context, campaign *domain.Campaign, now time.Time, limit int) ([]*domain.Contact, error) {
	return nil, nil
}

func (f *fakeContacts) SetDialing(ctx context.Context, id uuid.UUID, at time.Time) error {
	return nil
}

func (f *fakeContacts) Restore(ctx context.Context, id uuid.UUID, state domain.ContactState, lastAttemptAt *time.Time) error {
	return nil
}

func (f *fakeContacts) MarkExcluded(ctx context.Context, id uuid.UUID) error { return nil }

func (f *fakeContacts) RecordNegativeOutcome(ctx context.Context, id uuid.UUID, outcome domain.CallOutcome, at time.Time) (int, error) {
	f.attemptsCount++
	f.negatives = append(f.negatives, outcome)
	return f.attemptsCount, nil
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

type fakeDialogue struct {
	started    []uuid.UUID
	utterances []string
	ended      []uuid.UUID
	handleEnd  bool
	reply      string
}

func (f *fakeDialogue) StartSession(ctx context.Context, attempt *domain.CallAttempt) (string, error) {
	f.started = append(f.started, attempt.CallID)
	return f.reply, nil
}

func (f *fakeDialogue) HandleUtterance(ctx context.Context, callID uuid.UUID, text string) (string, error) {
	f.utterances = append(f.utterances, text)
	return f.reply, nil
}

func (f *fakeDialogue) EndCall(ctx context.Context, callID uuid.UUID) (bool, error) {
	f.ended = append(f.ended, callID)
	return f.handleEnd, nil
}

type fakeFinalizer struct {
	notReached []domain.CallOutcome
	consumed   []bool
}

func (f *fakeFinalizer) PersistNotReached(ctx context.Context, contactID, campaignID, attemptID uuid.UUID, outcome domain.CallOutcome, consumeAttempt bool) error {
	f.notReached = append(f.notReached, outcome)
	f.consumed = append(f.consumed, consumeAttempt)
	return nil
}

type fixture struct {
	processor *Processor
	attempts  *fakeAttempts
	contacts  *fakeContacts
	dialogue  *fakeDialogue
	finalizer *fakeFinalizer
	attempt   *domain.CallAttempt
}

func newFixture(t *testing.T, attemptsCount, maxAttempts int) *fixture {
	t.Helper()
	attempt := &domain.CallAttempt{
		ID:         uuid.New(),
		CallID:     uuid.New(),
		ContactID:  uuid.New(),
		CampaignID: uuid.New(),
	}
	attemptsRepo := &fakeAttempts{attempt: attempt}
	contacts := &fakeContacts{attemptsCount: attemptsCount}
	campaigns := &fakeCampaigns{campaign: &domain.Campaign{
		ID:          attempt.CampaignID,
		RetryPolicy: domain.RetryPolicy{MaxAttempts: maxAttempts},
	}}
	dlg := &fakeDialogue{reply: "hello there"}
	fin := &fakeFinalizer{}

	proc := NewProcessor(
		telephonymock.NewProvider(1),
		attemptsRepo,
		contacts,
		campaigns,
		nil,
		dlg,
		fin,
		nil,
		logger.NewNop(),
	)
	return &fixture{
		processor: proc,
		attempts:  attemptsRepo,
		contacts:  contacts,
		dialogue:  dlg,
		finalizer: fin,
		attempt:   attempt,
	}
}

func payload(t *testing.T, callID uuid.UUID, eventType domain.CallEventType, speech string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]string{
		"call_id":          callID.String(),
		"provider_call_id": "PROV-1",
		"type":             string(eventType),
		"speech":           speech,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return body
}

func TestNoAnswerConsumesAttemptAndKeepsContactRetryable(t *testing.T) {
	f := newFixture(t, 0, 3)
	ctx := context.Background()

	if _, err := f.processor.Handle(ctx, payload(t, f.attempt.CallID, domain.CallEventNoAnswer, ""), "application/json"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if f.contacts.attemptsCount != 1 {
		t.Fatalf("expected attempts_count 1, got %d", f.contacts.attemptsCount)
	}
	if len(f.attempts.failures) != 1 || f.attempts.failures[0] != domain.CallOutcomeNoAnswer {
		t.Fatalf("expected one no_answer failure, got %v", f.attempts.failures)
	}
	if len(f.finalizer.notReached) != 0 {
		t.Fatalf("contact with remaining attempts must not go terminal")
	}
}

func TestNoAnswerOnLastAttemptGoesTerminal(t *testing.T) {
	f := newFixture(t, 2, 3)
	ctx := context.Background()

	if _, err := f.processor.Handle(ctx, payload(t, f.attempt.CallID, domain.CallEventNoAnswer, ""), "application/json"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if f.contacts.attemptsCount != 3 {
		t.Fatalf("expected attempts_count 3, got %d", f.contacts.attemptsCount)
	}
	if len(f.finalizer.notReached) != 1 {
		t.Fatalf("exhausted contact must be finalized")
	}
	if f.finalizer.consumed[0] {
		t.Fatalf("attempt was already counted, finalize must not consume again")
	}
}

func TestDuplicateDeliveryIsAcked(t *testing.T) {
	f := newFixture(t, 0, 3)
	ctx := context.Background()
	body := payload(t, f.attempt.CallID, domain.CallEventNoAnswer, "")

	if _, err := f.processor.Handle(ctx, body, "application/json"); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if _, err := f.processor.Handle(ctx, body, "application/json"); err != nil {
		t.Fatalf("duplicate delivery must be acked: %v", err)
	}

	if f.contacts.attemptsCount != 1 {
		t.Fatalf("duplicate must not consume a second attempt, got %d", f.contacts.attemptsCount)
	}
	if len(f.attempts.failures) != 1 {
		t.Fatalf("duplicate must not record a second failure, got %d", len(f.attempts.failures))
	}
}

func TestDuplicateDetectedViaProcessedEventsLog(t *testing.T) {
	f := newFixture(t, 0, 3)
	// Another instance already applied the event; only the database log knows.
	f.attempt.ProcessedEvents = []string{string(domain.CallEventNoAnswer)}
	ctx := context.Background()

	if _, err := f.processor.Handle(ctx, payload(t, f.attempt.CallID, domain.CallEventNoAnswer, ""), "application/json"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if f.contacts.attemptsCount != 0 {
		t.Fatalf("logged duplicate must not consume an attempt")
	}
}

func TestAnsweredStartsSessionAndReturnsGreeting(t *testing.T) {
	f := newFixture(t, 0, 3)
	ctx := context.Background()

	reply, err := f.processor.Handle(ctx, payload(t, f.attempt.CallID, domain.CallEventAnswered, ""), "application/json")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply != "hello there" {
		t.Fatalf("expected the session greeting, got %q", reply)
	}
	if len(f.attempts.answered) != 1 {
		t.Fatalf("expected answered_at to be stamped")
	}
	if len(f.dialogue.started) != 1 {
		t.Fatalf("expected exactly one session start")
	}
}

func TestSpeechEventsAreNeverDeduplicated(t *testing.T) {
	f := newFixture(t, 0, 3)
	ctx := context.Background()
	body := payload(t, f.attempt.CallID, domain.CallEventSpeech, "the same words")

	for i := 0; i < 2; i++ {
		if _, err := f.processor.Handle(ctx, body, "application/json"); err != nil {
			t.Fatalf("speech turn %d: %v", i, err)
		}
	}
	if len(f.dialogue.utterances) != 2 {
		t.Fatalf("every utterance is its own turn, got %d", len(f.dialogue.utterances))
	}
}

func TestCompletedTearsDownSession(t *testing.T) {
	f := newFixture(t, 0, 3)
	ctx := context.Background()

	if _, err := f.processor.Handle(ctx, payload(t, f.attempt.CallID, domain.CallEventCompleted, ""), "application/json"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(f.attempts.ended) != 1 {
		t.Fatalf("expected ended_at to be stamped")
	}
	if len(f.dialogue.ended) != 1 {
		t.Fatalf("expected the session to be torn down")
	}
}

func TestFailureMidConversationNotDoubleCounted(t *testing.T) {
	f := newFixture(t, 0, 3)
	f.dialogue.handleEnd = true // a live session absorbs the failure
	ctx := context.Background()

	if _, err := f.processor.Handle(ctx, payload(t, f.attempt.CallID, domain.CallEventFailed, ""), "application/json"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if f.contacts.attemptsCount != 0 {
		t.Fatalf("session finalization already consumed the attempt")
	}
	if len(f.attempts.failures) != 0 {
		t.Fatalf("attempt closed by the session hand-off, not the failure path")
	}
}

func TestUnknownCallIsAcked(t *testing.T) {
	f := newFixture(t, 0, 3)
	ctx := context.Background()

	reply, err := f.processor.Handle(ctx, payload(t, uuid.New(), domain.CallEventAnswered, ""), "application/json")
	if err != nil {
		t.Fatalf("unknown call must be acked: %v", err)
	}
	if reply != "" {
		t.Fatalf("unknown call must not speak")
	}
}

func TestFailedTransitionIsRetriedOnRedelivery(t *testing.T) {
	f := newFixture(t, 0, 3)
	f.attempts.answeredErr = errors.New("storage unavailable")
	ctx := context.Background()
	body := payload(t, f.attempt.CallID, domain.CallEventAnswered, "")

	if _, err := f.processor.Handle(ctx, body, "application/json"); err == nil {
		t.Fatalf("a failed transition must propagate so the provider redelivers")
	}
	if len(f.attempts.processed) != 0 {
		t.Fatalf("event must not enter the dedup log before its transitions land")
	}

	reply, err := f.processor.Handle(ctx, body, "application/json")
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if reply != "hello there" {
		t.Fatalf("redelivery must complete the answered transition, got %q", reply)
	}
	if len(f.attempts.answered) != 1 || len(f.dialogue.started) != 1 {
		t.Fatalf("redelivery must stamp answered_at and start the session, got %d/%d",
			len(f.attempts.answered), len(f.dialogue.started))
	}
	if len(f.attempts.processed) != 1 {
		t.Fatalf("redelivery must commit the event to the dedup log")
	}
}

func TestNegativeRedeliveryResumesAfterPartialFailure(t *testing.T) {
	// An earlier delivery closed the attempt and counted the final negative
	// outcome, then died before finalizing. The redelivery finishes the job
	// without consuming another attempt.
	f := newFixture(t, 3, 3)
	f.attempts.alreadyClosed = true
	f.contacts.contact = &domain.Contact{
		ID:            f.attempt.ContactID,
		State:         domain.ContactStateNotReached,
		AttemptsCount: 3,
	}
	ctx := context.Background()

	if _, err := f.processor.Handle(ctx, payload(t, f.attempt.CallID, domain.CallEventNoAnswer, ""), "application/json"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(f.contacts.negatives) != 0 {
		t.Fatalf("closed attempt must not be counted a second time")
	}
	if len(f.finalizer.notReached) != 1 || f.finalizer.consumed[0] {
		t.Fatalf("exhausted contact must be finalized without consuming again, got %v/%v",
			f.finalizer.notReached, f.finalizer.consumed)
	}
	if len(f.attempts.processed) != 1 {
		t.Fatalf("resumed delivery must commit the event to the dedup log")
	}
}

func TestMalformedPayloadIsAcked(t *testing.T) {
	f := newFixture(t, 0, 3)
	ctx := context.Background()

	reply, err := f.processor.Handle(ctx, []byte("not json at all"), "application/json")
	if err != nil {
		t.Fatalf("malformed payload must be acked: %v", err)
	}
	if reply != "" {
		t.Fatalf("malformed payload must not produce a reply")
	}
}
