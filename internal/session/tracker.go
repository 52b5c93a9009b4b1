// Package session tracks active negotiation sessions so duplicate inbound
// requests for the same (counterparty, conversation) pair are suppressed.
package session

import (
	"sync"

	"github.com/rs/zerolog"
)

// Tracker records which sessions are in flight. The first ShouldProcess call
// for a key claims it; later calls return false until Release is called.
// Release must run on every terminal path of the owning coordinator or the
// counterparty's future orders are silently dropped.
type Tracker struct {
	mu     sync.Mutex
	active map[string]struct{}
	log    zerolog.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(log zerolog.Logger) *Tracker {
	return &Tracker{
		active: make(map[string]struct{}),
		log:    log.With().Str("component", "session_tracker").Logger(),
	}
}

// ShouldProcess reports whether a request for this session key should be
// handled. Duplicate suppression is not an error: the caller just drops the
// message.
func (t *Tracker) ShouldProcess(counterparty, conversationID string) bool {
	key := sessionKey(counterparty, conversationID)

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.active[key]; exists {
		t.log.Debug().Str("key", key).Msg("Duplicate request for active session, dropping")
		return false
	}
	t.active[key] = struct{}{}
	return true
}

// Release evicts a session key after a terminal event so the same
// counterparty can legally start a new conversation with the same token.
func (t *Tracker) Release(counterparty, conversationID string) {
	key := sessionKey(counterparty, conversationID)

	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.active, key)
	t.log.Debug().Str("key", key).Msg("Released session")
}

// ActiveCount returns the number of in-flight sessions.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

func sessionKey(counterparty, conversationID string) string {
	return counterparty + ":" + conversationID
}
