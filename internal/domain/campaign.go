package domain

import (
	"time"

	"github.com/google/uuid"
)

// CampaignStatus enumerates lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusScheduled CampaignStatus = "scheduled"
	CampaignStatusRunning   CampaignStatus = "running"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusCancelled CampaignStatus = "cancelled"
)

// Question is one of the three survey questions of a campaign.
type Question struct {
	Text string
	Type string
}

// RetryPolicy governs how often a contact may be re-dialed.
type RetryPolicy struct {
	MaxAttempts   int
	RetryInterval time.Duration
}

// CallWindow is the allowed local calling window; it may cross midnight.
type CallWindow struct {
	Start time.Time // only the clock part is meaningful
	End   time.Time
}

// Contains reports whether the local clock time falls inside the window.
func (w CallWindow) Contains(local time.Time) bool {
	minute := local.Hour()*60 + local.Minute()
	start := w.Start.Hour()*60 + w.Start.Minute()
	end := w.End.Hour()*60 + w.End.Minute()
	if start == end {
		return false
	}
	if start < end {
		return minute >= start && minute < end
	}
	// window crosses midnight
	return minute >= start || minute < end
}

// Campaign models a survey campaign. The engine treats campaigns as
// read-only; campaign management owns their lifecycle.
type Campaign struct {
	ID             uuid.UUID
	Name           string
	Status         CampaignStatus
	Language       string
	IntroScript    string
	Questions      [3]Question
	RetryPolicy    RetryPolicy
	CallWindow     CallWindow
	TimeZone       string
	OutboundNumber string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// WithinCallWindow reports whether calls are allowed at the given instant,
// evaluated in the campaign's time zone.
func (c *Campaign) WithinCallWindow(now time.Time) bool {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		loc = time.UTC
	}
	return c.CallWindow.Contains(now.In(loc))
}
