package evidence

import (
	"crypto/ecdsa"
	"fmt"
	"sync"
	"time"

	"agent-sentinel/account"
	"agent-sentinel/logger"

	"github.com/google/uuid"
)

var log = logger.Logger

// Type classifies where a piece of evidence came from
type Type string

const (
	TypeBehavioral    Type = "behavioral"
	TypeCryptographic Type = "cryptographic"
	TypeNetwork       Type = "network"
	TypeConsensus     Type = "consensus"
	TypeAggregated    Type = "aggregated"
)

// Evidence is a single item of evidence against (or for) an agent.
// Once verified it is immutable; votes reference it by ID only.
type Evidence struct {
	ID          string    `json:"id"`
	Type        Type      `json:"type"`
	TargetAgent string    `json:"targetAgent"`
	Description string    `json:"description"`
	Weight      float64   `json:"weight"`
	Reliability float64   `json:"reliability"` // [0,1]
	Submitter   string    `json:"submitter"`
	Signature   []byte    `json:"signature"`
	Verified    bool      `json:"verified"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// SigningPayload returns the canonical bytes the submitter signs
func (e *Evidence) SigningPayload() []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%s|%.6f", e.ID, e.Type, e.TargetAgent, e.Description, e.Weight))
}

// KeyResolver looks up the public key for a registered agent so evidence
// signatures can be checked against the claimed submitter.
type KeyResolver interface {
	PublicKey(agentID string) (*ecdsa.PublicKey, error)
}

// Pool owns all evidence items. It is shared between consensus sessions and
// the quarantine monitoring loop.
type Pool struct {
	mutex    sync.RWMutex
	items    map[string]*Evidence
	byTarget map[string][]string
	keys     KeyResolver
}

// NewPool creates an evidence pool
func NewPool(keys KeyResolver) *Pool {
	return &Pool{
		items:    make(map[string]*Evidence),
		byTarget: make(map[string][]string),
		keys:     keys,
	}
}

// New builds an unsigned evidence item ready for signing and submission
func New(evidenceType Type, targetAgent, submitter, description string, weight, reliability float64) *Evidence {
	if reliability < 0 {
		reliability = 0
	}
	if reliability > 1 {
		reliability = 1
	}
	return &Evidence{
		ID:          uuid.NewString(),
		Type:        evidenceType,
		TargetAgent: targetAgent,
		Description: description,
		Weight:      weight,
		Reliability: reliability,
		Submitter:   submitter,
		SubmittedAt: time.Now(),
	}
}

// Submit verifies and stores an evidence item. Items whose signature does
// not match the claimed submitter are stored unverified so the audit trail
// keeps them, but they contribute nothing to quality scores.
func (p *Pool) Submit(item *Evidence) error {
	if item == nil {
		return fmt.Errorf("nil evidence")
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if _, exists := p.items[item.ID]; exists {
		return fmt.Errorf("evidence %s already submitted", item.ID)
	}

	item.Verified = p.verifySignature(item)

	p.items[item.ID] = item
	p.byTarget[item.TargetAgent] = append(p.byTarget[item.TargetAgent], item.ID)

	log.WithFields(logger.Fields{
		"evidenceID": item.ID,
		"type":       item.Type,
		"target":     item.TargetAgent,
		"submitter":  item.Submitter,
		"verified":   item.Verified,
	}).Debug("Evidence submitted to pool")

	return nil
}

func (p *Pool) verifySignature(item *Evidence) bool {
	if p.keys == nil || len(item.Signature) == 0 {
		return false
	}

	publicKey, err := p.keys.PublicKey(item.Submitter)
	if err != nil {
		log.WithFields(logger.Fields{
			"evidenceID": item.ID,
			"submitter":  item.Submitter,
		}).Warn("Evidence submitter has no registered key")
		return false
	}

	return account.VerifySignatureByPublicKey(publicKey, item.SigningPayload(), item.Signature)
}

// Get returns the evidence item with the given id
func (p *Pool) Get(id string) (*Evidence, bool) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	item, ok := p.items[id]
	return item, ok
}

// ForTarget returns all evidence ids recorded against an agent
func (p *Pool) ForTarget(agentID string) []string {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	ids := make([]string, len(p.byTarget[agentID]))
	copy(ids, p.byTarget[agentID])
	return ids
}

// QualityScore computes the reliability-weighted quality of a set of
// evidence items. Unverified items count as zero reliability.
func (p *Pool) QualityScore(ids []string) float64 {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if len(ids) == 0 {
		return 0
	}

	totalWeight := 0.0
	weightedReliability := 0.0
	for _, id := range ids {
		item, ok := p.items[id]
		if !ok {
			continue
		}
		weight := item.Weight
		if weight <= 0 {
			weight = 1
		}
		totalWeight += weight
		if item.Verified {
			weightedReliability += weight * item.Reliability
		}
	}

	if totalWeight == 0 {
		return 0
	}
	return weightedReliability / totalWeight
}

// Count returns the number of items in the pool
func (p *Pool) Count() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return len(p.items)
}
