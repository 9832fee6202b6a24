package domain

import (
	"time"

	"github.com/google/uuid"
)

// ContactState enumerates survey-progress states of a contact.
type ContactState string

const (
	ContactStatePending    ContactState = "pending"
	ContactStateInProgress ContactState = "in_progress"
	ContactStateCompleted  ContactState = "completed"
	ContactStateRefused    ContactState = "refused"
	ContactStateNotReached ContactState = "not_reached"
	ContactStateExcluded   ContactState = "excluded"
)

// Terminal reports whether no further scheduling may occur for the state.
func (s ContactState) Terminal() bool {
	switch s {
	case ContactStateCompleted, ContactStateRefused, ContactStateExcluded:
		return true
	}
	return false
}

// Contact is a phone-number target of a campaign.
//
// AttemptsCount counts resolved call attempts: it is advanced when an
// attempt reaches an outcome, not when the dial is placed, so a transient
// dial failure never consumes an attempt.
type Contact struct {
	ID                uuid.UUID
	CampaignID        uuid.UUID
	PhoneNumber       string
	PreferredLanguage string
	State             ContactState
	DoNotCall         bool
	AttemptsCount     int
	LastAttemptAt     *time.Time
	LastOutcome       *CallOutcome
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Language resolves the dialogue language for the contact, falling back
// to the campaign language.
func (c *Contact) Language(campaign *Campaign) string {
	if c.PreferredLanguage != "" && c.PreferredLanguage != "auto" {
		return c.PreferredLanguage
	}
	return campaign.Language
}
