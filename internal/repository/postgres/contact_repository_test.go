package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/survey-call-engine/internal/domain"
	"github.com/acme/survey-call-engine/internal/repository"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func contactRows(ids ...uuid.UUID) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "campaign_id", "phone_number", "preferred_language", "state",
		"do_not_call", "attempts_count", "last_attempt_at", "last_outcome",
		"created_at", "updated_at",
	})
	now := time.Now().UTC()
	for _, id := range ids {
		rows.AddRow(id, uuid.New(), "+15550001111", nil, "pending", false, 0, nil, nil, now, now)
	}
	return rows
}

func testCampaign() *domain.Campaign {
	return &domain.Campaign{
		ID:          uuid.New(),
		RetryPolicy: domain.RetryPolicy{MaxAttempts: 3, RetryInterval: time.Hour},
	}
}

func TestNextBatchForCallingFiltersAndOrders(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewContactRepository(db)
	campaign := testCampaign()
	now := time.Now().UTC()

	id := uuid.New()
	mock.ExpectQuery(`FROM contacts\s+WHERE campaign_id = \$1\s+AND state IN \('pending', 'not_reached'\)\s+AND do_not_call = FALSE\s+AND attempts_count < \$2\s+AND \(last_attempt_at IS NULL OR last_attempt_at <= \$3\)\s+ORDER BY last_attempt_at ASC NULLS FIRST, created_at ASC\s+LIMIT \$4`).
		WithArgs(campaign.ID, campaign.RetryPolicy.MaxAttempts, now.Add(-time.Hour), 10).
		WillReturnRows(contactRows(id))

	contacts, err := repo.NextBatchForCalling(context.Background(), campaign, now, 10)
	if err != nil {
		t.Fatalf("next batch: %v", err)
	}
	if len(contacts) != 1 || contacts[0].ID != id {
		t.Fatalf("unexpected batch %v", contacts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSetDialingRequiresSchedulableState(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewContactRepository(db)
	id := uuid.New()
	at := time.Now().UTC()

	mock.ExpectExec(`UPDATE contacts\s+SET state = 'in_progress'`).
		WithArgs(at, id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SetDialing(context.Background(), id, at)
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected conflict when contact is not schedulable, got %v", err)
	}
}

func TestRecordNegativeOutcomeReturnsNewCount(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewContactRepository(db)
	id := uuid.New()
	at := time.Now().UTC()

	mock.ExpectQuery(`UPDATE contacts\s+SET state = 'not_reached',\s+attempts_count = attempts_count \+ 1`).
		WithArgs(string(domain.CallOutcomeNoAnswer), at, id).
		WillReturnRows(sqlmock.NewRows([]string{"attempts_count"}).AddRow(3))

	count, err := repo.RecordNegativeOutcome(context.Background(), id, domain.CallOutcomeNoAnswer, at)
	if err != nil {
		t.Fatalf("record negative outcome: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected attempts_count 3, got %d", count)
	}
}

func TestRecordNegativeOutcomeConflictsOnTerminalContact(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewContactRepository(db)
	id := uuid.New()
	at := time.Now().UTC()

	mock.ExpectQuery(`UPDATE contacts\s+SET state = 'not_reached'`).
		WithArgs(string(domain.CallOutcomeBusy), at, id).
		WillReturnRows(sqlmock.NewRows([]string{"attempts_count"}))

	_, err := repo.RecordNegativeOutcome(context.Background(), id, domain.CallOutcomeBusy, at)
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected conflict for terminal contact, got %v", err)
	}
}
