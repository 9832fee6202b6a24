package domain

import (
	"testing"
	"time"
)

func window(startHour, startMin, endHour, endMin int) CallWindow {
	return CallWindow{
		Start: time.Date(0, 1, 1, startHour, startMin, 0, 0, time.UTC),
		End:   time.Date(0, 1, 1, endHour, endMin, 0, 0, time.UTC),
	}
}

func TestCallWindowContains(t *testing.T) {
	w := window(9, 0, 20, 0)

	if !w.Contains(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected 10:00 inside 09:00-20:00")
	}
	if w.Contains(time.Date(2026, 3, 2, 21, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected 21:00 outside 09:00-20:00")
	}
	if !w.Contains(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("window start is inclusive")
	}
	if w.Contains(time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)) {
		t.Fatalf("window end is exclusive")
	}
}

func TestCallWindowCrossesMidnight(t *testing.T) {
	w := window(22, 0, 2, 0)

	if !w.Contains(time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected 23:00 inside 22:00-02:00")
	}
	if !w.Contains(time.Date(2026, 3, 3, 1, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected 01:00 inside 22:00-02:00")
	}
	if w.Contains(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected 12:00 outside 22:00-02:00")
	}
}

func TestCallWindowEmpty(t *testing.T) {
	w := window(9, 0, 9, 0)
	if w.Contains(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("zero-width window admits nothing")
	}
}

func TestCampaignWithinCallWindowUsesTimeZone(t *testing.T) {
	campaign := &Campaign{
		TimeZone:   "America/New_York",
		CallWindow: window(9, 0, 17, 0),
	}

	// 15:00 UTC is 10:00 in New York (EST-5 in January).
	inside := time.Date(2026, 1, 15, 15, 0, 0, 0, time.UTC)
	if !campaign.WithinCallWindow(inside) {
		t.Fatalf("expected %v inside the local window", inside)
	}

	// 02:00 UTC is 21:00 the previous evening in New York.
	outside := time.Date(2026, 1, 15, 2, 0, 0, 0, time.UTC)
	if campaign.WithinCallWindow(outside) {
		t.Fatalf("expected %v outside the local window", outside)
	}
}

func TestContactLanguageFallback(t *testing.T) {
	campaign := &Campaign{Language: "de"}

	contact := &Contact{PreferredLanguage: "fr"}
	if got := contact.Language(campaign); got != "fr" {
		t.Fatalf("expected contact preference, got %q", got)
	}

	contact = &Contact{}
	if got := contact.Language(campaign); got != "de" {
		t.Fatalf("expected campaign fallback, got %q", got)
	}

	contact = &Contact{PreferredLanguage: "auto"}
	if got := contact.Language(campaign); got != "de" {
		t.Fatalf("expected campaign fallback for auto, got %q", got)
	}
}
