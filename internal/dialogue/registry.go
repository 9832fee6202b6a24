package dialogue

import (
	"sync"

	"github.com/google/uuid"

	"github.com/acme/survey-call-engine/internal/domain"
)

// registry holds live sessions keyed by call id. Sessions are created on
// call.answered and removed once a terminal phase is persisted.
type registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*domain.DialogueSession
}

func newRegistry() *registry {
	return &registry{sessions: make(map[uuid.UUID]*domain.DialogueSession)}
}

// getOrCreate returns the existing session for the call, or stores and
// returns the candidate. The second return reports whether it was created.
func (r *registry) getOrCreate(callID uuid.UUID, candidate *domain.DialogueSession) (*domain.DialogueSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[callID]; ok {
		return existing, false
	}
	r.sessions[callID] = candidate
	return candidate, true
}

func (r *registry) get(callID uuid.UUID) (*domain.DialogueSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[callID]
	return s, ok
}

func (r *registry) remove(callID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, callID)
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
