package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/acme/survey-call-engine/internal/domain"
	"github.com/acme/survey-call-engine/internal/repository"
)

// TxRunner implements repository.TxRunner: every mutation issued through
// the TerminalOps it hands to fn commits atomically or not at all.
type TxRunner struct {
	db *sqlx.DB
}

// NewTxRunner constructs the runner.
func NewTxRunner(db *sqlx.DB) *TxRunner {
	return &TxRunner{db: db}
}

// InTx runs fn inside a single database transaction.
func (r *TxRunner) InTx(ctx context.Context, fn func(ops repository.TerminalOps) error) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		return fn(&terminalOps{tx: tx})
	})
}

type terminalOps struct {
	tx *sqlx.Tx
}

func (o *terminalOps) GetContact(ctx context.Context, id uuid.UUID) (*domain.Contact, error) {
	var rec contactRecord
	err := o.tx.GetContext(ctx, &rec,
		`SELECT `+contactColumns+` FROM contacts WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("terminal: get contact: %w", err)
	}
	return rec.toModel(), nil
}

func (o *terminalOps) GetSurveyResponseByContact(ctx context.Context, contactID uuid.UUID) (*domain.SurveyResponse, error) {
	var rec responseRecord
	err := o.tx.GetContext(ctx, &rec, `SELECT id, contact_id, campaign_id, call_attempt_id,
		answer_1, answer_2, answer_3, confidence_1, confidence_2, confidence_3, completed_at
		FROM survey_responses WHERE contact_id = $1`, contactID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("terminal: get survey response: %w", err)
	}
	return rec.toModel(), nil
}

func (o *terminalOps) InsertSurveyResponse(ctx context.Context, res *domain.SurveyResponse) error {
	_, err := o.tx.ExecContext(ctx, `INSERT INTO survey_responses (
		id, contact_id, campaign_id, call_attempt_id,
		answer_1, answer_2, answer_3, confidence_1, confidence_2, confidence_3, completed_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		res.ID, res.ContactID, res.CampaignID, res.CallAttemptID,
		res.Answer1, res.Answer2, res.Answer3,
		res.Confidence1, res.Confidence2, res.Confidence3, res.CompletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("terminal: insert survey response: %w", err)
	}
	return nil
}

func (o *terminalOps) CloseAttempt(ctx context.Context, attemptID uuid.UUID, outcome domain.CallOutcome, endedAt time.Time) error {
	if _, err := o.tx.ExecContext(ctx, `UPDATE call_attempts
		SET outcome = $1, ended_at = COALESCE(ended_at, $2)
		WHERE id = $3 AND outcome IS NULL`, outcome, endedAt, attemptID); err != nil {
		return fmt.Errorf("terminal: close attempt: %w", err)
	}
	return nil
}

func (o *terminalOps) FinalizeContact(ctx context.Context, id uuid.UUID, state domain.ContactState, outcome domain.CallOutcome, at time.Time, consumeAttempt bool) error {
	increment := 0
	if consumeAttempt {
		increment = 1
	}
	if _, err := o.tx.ExecContext(ctx, `UPDATE contacts
		SET state = $1,
		    last_outcome = $2,
		    last_attempt_at = $3,
		    attempts_count = attempts_count + $4,
		    updated_at = $3
		WHERE id = $5`, state, outcome, at, increment, id); err != nil {
		return fmt.Errorf("terminal: finalize contact: %w", err)
	}
	return nil
}

type responseRecord struct {
	ID            uuid.UUID       `db:"id"`
	ContactID     uuid.UUID       `db:"contact_id"`
	CampaignID    uuid.UUID       `db:"campaign_id"`
	CallAttemptID uuid.UUID       `db:"call_attempt_id"`
	Answer1       string          `db:"answer_1"`
	Answer2       string          `db:"answer_2"`
	Answer3       string          `db:"answer_3"`
	Confidence1   sql.NullFloat64 `db:"confidence_1"`
	Confidence2   sql.NullFloat64 `db:"confidence_2"`
	Confidence3   sql.NullFloat64 `db:"confidence_3"`
	CompletedAt   time.Time       `db:"completed_at"`
}

func (r responseRecord) toModel() *domain.SurveyResponse {
	res := &domain.SurveyResponse{
		ID:            r.ID,
		ContactID:     r.ContactID,
		CampaignID:    r.CampaignID,
		CallAttemptID: r.CallAttemptID,
		Answer1:       r.Answer1,
		Answer2:       r.Answer2,
		Answer3:       r.Answer3,
		CompletedAt:   r.CompletedAt,
	}
	if r.Confidence1.Valid {
		v := r.Confidence1.Float64
		res.Confidence1 = &v
	}
	if r.Confidence2.Valid {
		v := r.Confidence2.Float64
		res.Confidence2 = &v
	}
	if r.Confidence3.Valid {
		v := r.Confidence3.Float64
		res.Confidence3 = &v
	}
	return res
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	// SQLSTATE 23505 is unique_violation; keep a string fallback for
	// drivers that do not surface *pgconn.PgError.
	return err != nil && strings.Contains(err.Error(), "23505")
}
