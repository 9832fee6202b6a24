package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/survey-call-engine/internal/domain"
	"github.com/acme/survey-call-engine/internal/repository"
)

// CallAttemptRepository implements repository.CallAttemptRepository.
type CallAttemptRepository struct {
	db *sqlx.DB
}

// NewCallAttemptRepository constructs the repository.
func NewCallAttemptRepository(db *sqlx.DB) *CallAttemptRepository {
	return &CallAttemptRepository{db: db}
}

const attemptColumns = `id, contact_id, campaign_id, attempt_number, call_id, provider_call_id,
	started_at, answered_at, ended_at, outcome, processed_events, raw_status, error_code, metadata`

// Create inserts a fresh attempt record.
func (r *CallAttemptRepository) Create(ctx context.Context, attempt *domain.CallAttempt) error {
	processed, err := json.Marshal(attempt.ProcessedEvents)
	if err != nil {
		return fmt.Errorf("call attempts: marshal processed events: %w", err)
	}
	metadata, err := json.Marshal(attempt.Metadata)
	if err != nil {
		return fmt.Errorf("call attempts: marshal metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `INSERT INTO call_attempts (
		id, contact_id, campaign_id, attempt_number, call_id, provider_call_id,
		started_at, answered_at, ended_at, outcome, processed_events, raw_status, error_code, metadata
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		attempt.ID, attempt.ContactID, attempt.CampaignID, attempt.AttemptNumber,
		attempt.CallID, nullString(attempt.ProviderCallID), attempt.StartedAt,
		attempt.AnsweredAt, attempt.EndedAt, nullOutcome(attempt.Outcome),
		processed, nullString(attempt.RawStatus), nullString(attempt.ErrorCode), metadata)
	if err != nil {
		return fmt.Errorf("call attempts: insert: %w", err)
	}
	return nil
}

// Delete removes an attempt whose dial never reached the provider.
func (r *CallAttemptRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM call_attempts WHERE id = $1 AND provider_call_id IS NULL`, id); err != nil {
		return fmt.Errorf("call attempts: delete: %w", err)
	}
	return nil
}

// GetByCallID fetches the attempt for an engine-issued call id.
func (r *CallAttemptRepository) GetByCallID(ctx context.Context, callID uuid.UUID) (*domain.CallAttempt, error) {
	var rec attemptRecord
	err := r.db.GetContext(ctx, &rec,
		`SELECT `+attemptColumns+` FROM call_attempts WHERE call_id = $1`, callID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("call attempts: get by call id: %w", err)
	}
	return rec.toModel()
}

// CountOpenByCampaign counts attempts still lacking a terminal outcome.
func (r *CallAttemptRepository) CountOpenByCampaign(ctx context.Context, campaignID uuid.UUID) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM call_attempts WHERE campaign_id = $1 AND ended_at IS NULL`, campaignID); err != nil {
		return 0, fmt.Errorf("call attempts: count open: %w", err)
	}
	return count, nil
}

// HasOpenForContact reports whether the contact already has an open call.
func (r *CallAttemptRepository) HasOpenForContact(ctx context.Context, contactID uuid.UUID) (bool, error) {
	var count int
	if err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM call_attempts WHERE contact_id = $1 AND ended_at IS NULL`, contactID); err != nil {
		return false, fmt.Errorf("call attempts: has open: %w", err)
	}
	return count > 0, nil
}

// SetProviderCallID records the provider call id after a successful dial.
func (r *CallAttemptRepository) SetProviderCallID(ctx context.Context, id uuid.UUID, providerCallID, rawStatus string) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE call_attempts
		SET provider_call_id = $1, raw_status = $2
		WHERE id = $3`, providerCallID, nullString(rawStatus), id); err != nil {
		return fmt.Errorf("call attempts: set provider call id: %w", err)
	}
	return nil
}

// MarkEventProcessed appends the event type to the attempt's dedup log.
func (r *CallAttemptRepository) MarkEventProcessed(ctx context.Context, id uuid.UUID, eventType domain.CallEventType, rawStatus string) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE call_attempts
		SET processed_events = processed_events || to_jsonb($1::text),
		    raw_status = COALESCE($2, raw_status)
		WHERE id = $3 AND NOT processed_events ? $1`,
		string(eventType), nullString(rawStatus), id); err != nil {
		return fmt.Errorf("call attempts: mark event processed: %w", err)
	}
	return nil
}

// MarkAnswered stamps answered_at once.
func (r *CallAttemptRepository) MarkAnswered(ctx context.Context, id uuid.UUID, at time.Time) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE call_attempts
		SET answered_at = COALESCE(answered_at, $1)
		WHERE id = $2`, at, id); err != nil {
		return fmt.Errorf("call attempts: mark answered: %w", err)
	}
	return nil
}

// RecordFailure closes the attempt with a negative outcome. Reports whether
// this call performed the close; an attempt that already has an outcome is
// left untouched.
func (r *CallAttemptRepository) RecordFailure(ctx context.Context, id uuid.UUID, outcome domain.CallOutcome, endedAt time.Time, errorCode string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE call_attempts
		SET outcome = $1, ended_at = $2, error_code = $3
		WHERE id = $4 AND outcome IS NULL`, outcome, endedAt, nullString(errorCode), id)
	if err != nil {
		return false, fmt.Errorf("call attempts: record failure: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// SetEnded stamps telephony-level call end.
func (r *CallAttemptRepository) SetEnded(ctx context.Context, id uuid.UUID, at time.Time) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE call_attempts
		SET ended_at = COALESCE(ended_at, $1)
		WHERE id = $2`, at, id); err != nil {
		return fmt.Errorf("call attempts: set ended: %w", err)
	}
	return nil
}

type attemptRecord struct {
	ID              uuid.UUID      `db:"id"`
	ContactID       uuid.UUID      `db:"contact_id"`
	CampaignID      uuid.UUID      `db:"campaign_id"`
	AttemptNumber   int            `db:"attempt_number"`
	CallID          uuid.UUID      `db:"call_id"`
	ProviderCallID  sql.NullString `db:"provider_call_id"`
	StartedAt       time.Time      `db:"started_at"`
	AnsweredAt      sql.NullTime   `db:"answered_at"`
	EndedAt         sql.NullTime   `db:"ended_at"`
	Outcome         sql.NullString `db:"outcome"`
	ProcessedEvents []byte         `db:"processed_events"`
	RawStatus       sql.NullString `db:"raw_status"`
	ErrorCode       sql.NullString `db:"error_code"`
	Metadata        []byte         `db:"metadata"`
}

func (r attemptRecord) toModel() (*domain.CallAttempt, error) {
	attempt := &domain.CallAttempt{
		ID:             r.ID,
		ContactID:      r.ContactID,
		CampaignID:     r.CampaignID,
		AttemptNumber:  r.AttemptNumber,
		CallID:         r.CallID,
		ProviderCallID: r.ProviderCallID.String,
		StartedAt:      r.StartedAt,
		RawStatus:      r.RawStatus.String,
		ErrorCode:      r.ErrorCode.String,
	}
	if r.AnsweredAt.Valid {
		t := r.AnsweredAt.Time
		attempt.AnsweredAt = &t
	}
	if r.EndedAt.Valid {
		t := r.EndedAt.Time
		attempt.EndedAt = &t
	}
	if r.Outcome.Valid {
		o := domain.CallOutcome(r.Outcome.String)
		attempt.Outcome = &o
	}
	if len(r.ProcessedEvents) > 0 {
		if err := json.Unmarshal(r.ProcessedEvents, &attempt.ProcessedEvents); err != nil {
			return nil, fmt.Errorf("call attempts: unmarshal processed events: %w", err)
		}
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &attempt.Metadata); err != nil {
			return nil, fmt.Errorf("call attempts: unmarshal metadata: %w", err)
		}
	}
	return attempt, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullOutcome(o *domain.CallOutcome) *string {
	if o == nil {
		return nil
	}
	s := string(*o)
	return &s
}
