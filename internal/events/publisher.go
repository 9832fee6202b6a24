package events

import (
	"context"

	"github.com/acme/survey-call-engine/internal/domain"
)

// Publisher forwards terminal-outcome events downstream (email,
// analytics). Publish failures are retryable: persistence remains the
// durability boundary and a failed publish never un-persists an outcome.
type Publisher interface {
	Publish(ctx context.Context, event domain.Event) error
}
