package events

import (
	"sync"
	"time"

	"agent-sentinel/logger"
)

var log = logger.Logger

// Type enumerates the events the core emits toward the surrounding system
// (dashboard, persistence, network fan-out).
type Type string

const (
	SessionInitiated    Type = "session_initiated"
	RoundClosed         Type = "round_closed"
	ConsensusFinalized  Type = "consensus_finalized"
	AgentQuarantined    Type = "agent_quarantined"
	QuarantineEscalated Type = "quarantine_escalated"
	QuarantineExtended  Type = "quarantine_extended"
	QuarantineViolation Type = "quarantine_violation"
	ChallengeCompleted  Type = "challenge_completed"
	PhaseCompleted      Type = "phase_completed"
	RecoveryProcessed   Type = "recovery_processed"
	PeerEndorsement     Type = "peer_endorsement"
)

// Event is one notification from the core
type Event struct {
	Type      Type                   `json:"type"`
	AgentID   string                 `json:"agentId,omitempty"`
	SessionID string                 `json:"sessionId,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Handler receives emitted events. Handlers must not block; slow consumers
// should buffer on their own side.
type Handler func(Event)

// Bus is an explicit observer list. Components are handed a bus at
// construction; there are no global listeners.
type Bus struct {
	mutex    sync.RWMutex
	handlers []Handler
}

// NewBus creates an empty event bus
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler. Subscription happens during wiring, before
// the components using the bus are started.
func (b *Bus) Subscribe(handler Handler) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.handlers = append(b.handlers, handler)
}

// Emit delivers an event to every subscriber in registration order
func (b *Bus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mutex.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mutex.RUnlock()

	log.WithFields(logger.Fields{
		"event":     event.Type,
		"agentID":   event.AgentID,
		"sessionID": event.SessionID,
	}).Debug("Emitting event to subscribers")

	for _, handler := range handlers {
		handler(event)
	}
}
