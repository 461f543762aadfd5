package consensus

import (
	"crypto/ecdsa"
	"fmt"
	"sort"
	"sync"

	"agent-sentinel/logger"
)

// Registry tracks the agents allowed to vote and their public keys. The
// quarantine manager suspends voting rights while an agent is isolated.
type Registry struct {
	mutex     sync.RWMutex
	keys      map[string]*ecdsa.PublicKey
	suspended map[string]bool
}

// NewRegistry creates an empty voter registry
func NewRegistry() *Registry {
	return &Registry{
		keys:      make(map[string]*ecdsa.PublicKey),
		suspended: make(map[string]bool),
	}
}

// Register adds a voter. A nil public key registers the voter without
// signature verification (in-process deployments).
func (r *Registry) Register(agentID string, publicKey *ecdsa.PublicKey) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.keys[agentID] = publicKey
	logger.L.WithField("agentID", agentID).Debug("Registered voter")
}

// Unregister removes a voter entirely
func (r *Registry) Unregister(agentID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	delete(r.keys, agentID)
	delete(r.suspended, agentID)
	logger.L.WithField("agentID", agentID).Debug("Unregistered voter")
}

// IsRegistered reports whether an agent is a known voter
func (r *Registry) IsRegistered(agentID string) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	_, ok := r.keys[agentID]
	return ok
}

// SetSuspended toggles an agent's voting rights without unregistering it
func (r *Registry) SetSuspended(agentID string, suspended bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, ok := r.keys[agentID]; !ok {
		return
	}
	if suspended {
		r.suspended[agentID] = true
	} else {
		delete(r.suspended, agentID)
	}
	logger.L.WithFields(logger.Fields{
		"agentID":   agentID,
		"suspended": suspended,
	}).Debug("Updated voter suspension state")
}

// IsSuspended reports whether an agent's voting rights are on hold
func (r *Registry) IsSuspended(agentID string) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.suspended[agentID]
}

// PublicKey returns the key registered for an agent. Implements the
// evidence pool's KeyResolver.
func (r *Registry) PublicKey(agentID string) (*ecdsa.PublicKey, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	key, ok := r.keys[agentID]
	if !ok || key == nil {
		return nil, fmt.Errorf("no public key registered for agent %s", agentID)
	}
	return key, nil
}

// EligibleFor returns the sorted eligible voter set for a session: every
// registered, non-suspended voter except the target itself.
func (r *Registry) EligibleFor(targetAgent string) []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	eligible := make([]string, 0, len(r.keys))
	for agentID := range r.keys {
		if agentID == targetAgent || r.suspended[agentID] {
			continue
		}
		eligible = append(eligible, agentID)
	}
	sort.Strings(eligible)
	return eligible
}

// Count returns the number of registered voters
func (r *Registry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.keys)
}
