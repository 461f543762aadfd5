package reputation

import (
	"sync"

	"agent-sentinel/logger"
)

var log = logger.Logger

// DefaultReputation is assigned to agents the board has never scored
const DefaultReputation = 0.5

type entry struct {
	reputation float64
	stake      float64
}

// Board tracks per-agent reputation and stake. Consensus reads it at
// vote-submission time to weight votes; verdicts write back through the
// slash/restore hooks.
type Board struct {
	mutex   sync.RWMutex
	entries map[string]*entry
}

// NewBoard creates an empty reputation board
func NewBoard() *Board {
	return &Board{entries: make(map[string]*entry)}
}

// Set records an agent's reputation and stake
func (b *Board) Set(agentID string, reputation, stake float64) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.entries[agentID] = &entry{reputation: clamp01(reputation), stake: stake}
}

// Reputation returns the agent's reputation in [0,1]
func (b *Board) Reputation(agentID string) float64 {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	if e, ok := b.entries[agentID]; ok {
		return e.reputation
	}
	return DefaultReputation
}

// Stake returns the agent's pledged stake
func (b *Board) Stake(agentID string) float64 {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	if e, ok := b.entries[agentID]; ok {
		return e.stake
	}
	return 0
}

// Adjust moves an agent's reputation by delta, clamped to [0,1]
func (b *Board) Adjust(agentID string, delta float64) float64 {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	e, ok := b.entries[agentID]
	if !ok {
		e = &entry{reputation: DefaultReputation}
		b.entries[agentID] = e
	}
	e.reputation = clamp01(e.reputation + delta)

	log.WithFields(logger.Fields{
		"agentID":    agentID,
		"delta":      delta,
		"reputation": e.reputation,
	}).Debug("Adjusted agent reputation")

	return e.reputation
}

// Slash cuts an agent's reputation and stake by the given fraction after a
// malicious verdict.
func (b *Board) Slash(agentID string, fraction float64) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	e, ok := b.entries[agentID]
	if !ok {
		e = &entry{reputation: DefaultReputation}
		b.entries[agentID] = e
	}
	e.reputation = clamp01(e.reputation * (1 - fraction))
	e.stake = e.stake * (1 - fraction)

	log.WithFields(logger.Fields{
		"agentID":  agentID,
		"fraction": fraction,
	}).Info("Slashed agent reputation and stake after verdict")
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
