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

// CampaignRepository implements repository.CampaignRepository using
// PostgreSQL. The engine only reads campaigns.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

const campaignColumns = `id, name, status, language, intro_script,
	question_1_text, question_1_type, question_2_text, question_2_type, question_3_text, question_3_type,
	max_attempts, retry_interval_minutes, call_start_minute, call_end_minute,
	time_zone, outbound_number, created_at, updated_at`

// Get fetches a campaign by id.
func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	var rec campaignRecord
	err := r.db.GetContext(ctx, &rec,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("campaigns: get: %w", err)
	}
	return rec.toModel(), nil
}

// ListByStatus lists campaigns with the given status.
func (r *CampaignRepository) ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryxContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE status = $1 ORDER BY created_at ASC LIMIT $2`,
		status, limit)
	if err != nil {
		return nil, fmt.Errorf("campaigns: list by status: %w", err)
	}
	defer rows.Close()

	var results []*domain.Campaign
	for rows.Next() {
		var rec campaignRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("campaigns: scan: %w", err)
		}
		results = append(results, rec.toModel())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaigns: rows err: %w", err)
	}
	return results, nil
}

type campaignRecord struct {
	ID              uuid.UUID `db:"id"`
	Name            string    `db:"name"`
	Status          string    `db:"status"`
	Language        string    `db:"language"`
	IntroScript     string    `db:"intro_script"`
	Question1Text   string    `db:"question_1_text"`
	Question1Type   string    `db:"question_1_type"`
	Question2Text   string    `db:"question_2_text"`
	Question2Type   string    `db:"question_2_type"`
	Question3Text   string    `db:"question_3_text"`
	Question3Type   string    `db:"question_3_type"`
	MaxAttempts     int       `db:"max_attempts"`
	RetryIntervalMn int       `db:"retry_interval_minutes"`
	CallStartMinute int       `db:"call_start_minute"`
	CallEndMinute   int       `db:"call_end_minute"`
	TimeZone        string    `db:"time_zone"`
	OutboundNumber  string    `db:"outbound_number"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r campaignRecord) toModel() *domain.Campaign {
	return &domain.Campaign{
		ID:          r.ID,
		Name:        r.Name,
		Status:      domain.CampaignStatus(r.Status),
		Language:    r.Language,
		IntroScript: r.IntroScript,
		Questions: [3]domain.Question{
			{Text: r.Question1Text, Type: r.Question1Type},
			{Text: r.Question2Text, Type: r.Question2Type},
			{Text: r.Question3Text, Type: r.Question3Type},
		},
		RetryPolicy: domain.RetryPolicy{
			MaxAttempts:   r.MaxAttempts,
			RetryInterval: time.Duration(r.RetryIntervalMn) * time.Minute,
		},
		CallWindow: domain.CallWindow{
			Start: minuteToTime(r.CallStartMinute),
			End:   minuteToTime(r.CallEndMinute),
		},
		TimeZone:       r.TimeZone,
		OutboundNumber: r.OutboundNumber,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func minuteToTime(min int) time.Time {
	return time.Date(2000, time.January, 1, min/60, min%60, 0, 0, time.UTC)
}
