package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/acme/survey-call-engine/internal/domain"
	"github.com/acme/survey-call-engine/internal/repository"
)

func TestGetByCallIDUnknownCallIsNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCallAttemptRepository(db)
	callID := uuid.New()

	mock.ExpectQuery(`FROM call_attempts WHERE call_id = \$1`).
		WithArgs(callID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetByCallID(context.Background(), callID)
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetByCallIDDecodesProcessedEvents(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCallAttemptRepository(db)
	id := uuid.New()
	callID := uuid.New()
	started := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "contact_id", "campaign_id", "attempt_number", "call_id", "provider_call_id",
		"started_at", "answered_at", "ended_at", "outcome", "processed_events",
		"raw_status", "error_code", "metadata",
	}).AddRow(id, uuid.New(), uuid.New(), 2, callID, "CA123",
		started, started, nil, nil, []byte(`["call.initiated","call.answered"]`),
		"in-progress", nil, []byte(`{}`))

	mock.ExpectQuery(`FROM call_attempts WHERE call_id = \$1`).
		WithArgs(callID).
		WillReturnRows(rows)

	attempt, err := repo.GetByCallID(context.Background(), callID)
	if err != nil {
		t.Fatalf("get by call id: %v", err)
	}
	if attempt.ID != id || attempt.ProviderCallID != "CA123" {
		t.Fatalf("unexpected attempt %+v", attempt)
	}
	if len(attempt.ProcessedEvents) != 2 || attempt.ProcessedEvents[1] != string(domain.CallEventAnswered) {
		t.Fatalf("unexpected processed events %v", attempt.ProcessedEvents)
	}
	if attempt.AnsweredAt == nil || attempt.EndedAt != nil || attempt.Outcome != nil {
		t.Fatalf("unexpected lifecycle fields %+v", attempt)
	}
}

func TestMarkEventProcessedAppendsOnce(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCallAttemptRepository(db)
	id := uuid.New()

	mock.ExpectExec(`SET processed_events = processed_events \|\| to_jsonb\(\$1::text\),\s+raw_status = COALESCE\(\$2, raw_status\)\s+WHERE id = \$3 AND NOT processed_events \? \$1`).
		WithArgs(string(domain.CallEventAnswered), "in-progress", id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.MarkEventProcessed(context.Background(), id, domain.CallEventAnswered, "in-progress"); err != nil {
		t.Fatalf("mark event processed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDeleteOnlyRemovesUnplacedAttempts(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCallAttemptRepository(db)
	id := uuid.New()

	mock.ExpectExec(`DELETE FROM call_attempts WHERE id = \$1 AND provider_call_id IS NULL`).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.Delete(context.Background(), id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRecordFailureDoesNotOverwriteOutcome(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCallAttemptRepository(db)
	id := uuid.New()
	ended := time.Now().UTC()

	mock.ExpectExec(`SET outcome = \$1, ended_at = \$2, error_code = \$3\s+WHERE id = \$4 AND outcome IS NULL`).
		WithArgs(string(domain.CallOutcomeNoAnswer), ended, nil, id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	closed, err := repo.RecordFailure(context.Background(), id, domain.CallOutcomeNoAnswer, ended, "")
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if closed {
		t.Fatalf("an attempt with an outcome must report not closed")
	}
}
