package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/survey-call-engine/internal/domain"
	"github.com/acme/survey-call-engine/internal/repository"
)

// ContactRepository implements repository.ContactRepository.
type ContactRepository struct {
	db *sqlx.DB
}

// NewContactRepository constructs the repository.
func NewContactRepository(db *sqlx.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

const contactColumns = `id, campaign_id, phone_number, preferred_language, state,
	do_not_call, attempts_count, last_attempt_at, last_outcome, created_at, updated_at`

// Get fetches a contact by id.
func (r *ContactRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Contact, error) {
	var rec contactRecord
	err := r.db.GetContext(ctx, &rec, `SELECT `+contactColumns+` FROM contacts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("contacts: get: %w", err)
	}
	return rec.toModel(), nil
}

// NextBatchForCalling selects eligible contacts for the campaign, oldest
// last_attempt_at first (never-attempted contacts lead the queue).
func (r *ContactRepository) NextBatchForCalling(ctx context.Context, campaign *domain.Campaign, now time.Time, limit int) ([]*domain.Contact, error) {
	if limit <= 0 {
		limit = 50
	}

	retryCutoff := now.Add(-campaign.RetryPolicy.RetryInterval)
	rows, err := r.db.QueryxContext(ctx, `SELECT `+contactColumns+`
		FROM contacts
		WHERE campaign_id = $1
		  AND state IN ('pending', 'not_reached')
		  AND do_not_call = FALSE
		  AND attempts_count < $2
		  AND (last_attempt_at IS NULL OR last_attempt_at <= $3)
		ORDER BY last_attempt_at ASC NULLS FIRST, created_at ASC
		LIMIT $4`,
		campaign.ID, campaign.RetryPolicy.MaxAttempts, retryCutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("contacts: select for calling: %w", err)
	}
	defer rows.Close()

	var results []*domain.Contact
	for rows.Next() {
		var rec contactRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("contacts: scan: %w", err)
		}
		results = append(results, rec.toModel())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contacts: rows err: %w", err)
	}
	return results, nil
}

// SetDialing moves the contact to in_progress for a fresh dial.
func (r *ContactRepository) SetDialing(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE contacts
		SET state = 'in_progress', last_attempt_at = $1, updated_at = $1
		WHERE id = $2 AND state IN ('pending', 'not_reached')`, at, id)
	if err != nil {
		return fmt.Errorf("contacts: set dialing: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return repository.ErrConflict
	}
	return nil
}

// Restore reverts the contact after a transient dial failure.
func (r *ContactRepository) Restore(ctx context.Context, id uuid.UUID, state domain.ContactState, lastAttemptAt *time.Time) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE contacts
		SET state = $1, last_attempt_at = $2, updated_at = NOW()
		WHERE id = $3`, state, lastAttemptAt, id); err != nil {
		return fmt.Errorf("contacts: restore: %w", err)
	}
	return nil
}

// MarkExcluded permanently removes the contact from scheduling.
func (r *ContactRepository) MarkExcluded(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE contacts
		SET state = 'excluded', updated_at = NOW()
		WHERE id = $1`, id); err != nil {
		return fmt.Errorf("contacts: mark excluded: %w", err)
	}
	return nil
}

// RecordNegativeOutcome consumes an attempt and moves the contact to
// not_reached. Contacts already in a terminal state are left untouched and
// reported as a conflict.
func (r *ContactRepository) RecordNegativeOutcome(ctx context.Context, id uuid.UUID, outcome domain.CallOutcome, at time.Time) (int, error) {
	var attempts int
	err := r.db.GetContext(ctx, &attempts, `UPDATE contacts
		SET state = 'not_reached',
		    attempts_count = attempts_count + 1,
		    last_outcome = $1,
		    last_attempt_at = $2,
		    updated_at = $2
		WHERE id = $3 AND state NOT IN ('completed', 'refused', 'excluded')
		RETURNING attempts_count`, outcome, at, id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, repository.ErrConflict
	}
	if err != nil {
		return 0, fmt.Errorf("contacts: record negative outcome: %w", err)
	}
	return attempts, nil
}

type contactRecord struct {
	ID                uuid.UUID      `db:"id"`
	CampaignID        uuid.UUID      `db:"campaign_id"`
	PhoneNumber       string         `db:"phone_number"`
	PreferredLanguage sql.NullString `db:"preferred_language"`
	State             string         `db:"state"`
	DoNotCall         bool           `db:"do_not_call"`
	AttemptsCount     int            `db:"attempts_count"`
	LastAttemptAt     sql.NullTime   `db:"last_attempt_at"`
	LastOutcome       sql.NullString `db:"last_outcome"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (r contactRecord) toModel() *domain.Contact {
	contact := &domain.Contact{
		ID:                r.ID,
		CampaignID:        r.CampaignID,
		PhoneNumber:       r.PhoneNumber,
		PreferredLanguage: r.PreferredLanguage.String,
		State:             domain.ContactState(r.State),
		DoNotCall:         r.DoNotCall,
		AttemptsCount:     r.AttemptsCount,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.LastAttemptAt.Valid {
		t := r.LastAttemptAt.Time
		contact.LastAttemptAt = &t
	}
	if r.LastOutcome.Valid {
		o := domain.CallOutcome(r.LastOutcome.String)
		contact.LastOutcome = &o
	}
	return contact
}
