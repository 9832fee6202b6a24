package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/survey-call-engine/internal/domain"
)

// EventJournal appends normalized call events to Scylla for audit and
// replay. The journal is best-effort observability data; the dedup log on
// call_attempts stays authoritative.
type EventJournal struct {
	session *gocql.Session
}

// NewEventJournal creates a new journal.
func NewEventJournal(session *gocql.Session) *EventJournal {
	return &EventJournal{session: session}
}

// Append writes one event row keyed by call_id.
func (j *EventJournal) Append(ctx context.Context, event domain.CallEvent) error {
	if err := j.session.Query(`INSERT INTO call_events_by_call
		(call_id, received_at, event_type, provider_call_id, duration_ms, error_code, error_message, raw_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.CallID.String(), event.Timestamp, string(event.Type), event.ProviderCallID,
		event.Duration.Milliseconds(), event.ErrorCode, event.ErrorMessage, event.RawStatus,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("event journal: insert: %w", err)
	}
	return nil
}

// ListByCall returns the journaled events for a call, oldest first.
func (j *EventJournal) ListByCall(ctx context.Context, callID uuid.UUID, limit int) ([]domain.CallEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	iter := j.session.Query(`SELECT received_at, event_type, provider_call_id, duration_ms, error_code, error_message, raw_status
		FROM call_events_by_call WHERE call_id = ? LIMIT ?`, callID.String(), limit).
		WithContext(ctx).Iter()

	var (
		events     []domain.CallEvent
		receivedAt time.Time
		eventType  string
		providerID string
		durationMs int64
		errorCode  string
		errorMsg   string
		rawStatus  string
	)
	for iter.Scan(&receivedAt, &eventType, &providerID, &durationMs, &errorCode, &errorMsg, &rawStatus) {
		events = append(events, domain.CallEvent{
			Type:           domain.CallEventType(eventType),
			CallID:         callID,
			ProviderCallID: providerID,
			Timestamp:      receivedAt,
			Duration:       time.Duration(durationMs) * time.Millisecond,
			ErrorCode:      errorCode,
			ErrorMessage:   errorMsg,
			RawStatus:      rawStatus,
		})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("event journal: iterate: %w", err)
	}
	return events, nil
}

// EnsureSchema creates the journal table when schema init is enabled.
func EnsureSchema(session *gocql.Session) error {
	const ddl = `CREATE TABLE IF NOT EXISTS call_events_by_call (
		call_id text,
		received_at timestamp,
		event_type text,
		provider_call_id text,
		duration_ms bigint,
		error_code text,
		error_message text,
		raw_status text,
		PRIMARY KEY (call_id, received_at, event_type)
	) WITH CLUSTERING ORDER BY (received_at ASC, event_type ASC)`
	if err := session.Query(ddl).Exec(); err != nil {
		return fmt.Errorf("event journal: ensure schema: %w", err)
	}
	return nil
}
