package quarantine

import (
	"fmt"
	"time"

	"agent-sentinel/account"
	"agent-sentinel/events"
	"agent-sentinel/logger"

	"github.com/google/uuid"
)

// EndorsementType classifies what a peer is vouching for
type EndorsementType string

const (
	EndorseReliability EndorsementType = "reliability"
	EndorseHonesty     EndorsementType = "honesty"
	EndorseCompetence  EndorsementType = "competence"
	EndorseGeneral     EndorsementType = "general"
)

// PeerEndorsement is one signed statement of support for a quarantined
// agent. The ledger is append-only per subject.
type PeerEndorsement struct {
	ID        string          `json:"id"`
	Endorser  string          `json:"endorser"`
	Subject   string          `json:"subject"`
	Type      EndorsementType `json:"type"`
	Strength  float64         `json:"strength"` // [0,1]
	Comment   string          `json:"comment,omitempty"`
	Signature []byte          `json:"signature,omitempty"`
	Validated bool            `json:"validated"`
	Weight    float64         `json:"weight"`
	Timestamp time.Time       `json:"timestamp"`
}

// SigningPayload returns the canonical bytes the endorser signs
func (pe *PeerEndorsement) SigningPayload() []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%.4f", pe.Endorser, pe.Subject, pe.Type, pe.Strength))
}

// SubmitPeerEndorsement records a peer's endorsement of a quarantined
// agent. The endorser must be a registered, non-quarantined peer and may
// not endorse itself.
func (m *Manager) SubmitPeerEndorsement(fromAgent, toAgent string, endorsementType EndorsementType,
	strength float64, comment string, signature []byte) (*PeerEndorsement, error) {

	m.mutex.Lock()
	defer m.mutex.Unlock()

	record, ok := m.records[toAgent]
	if !ok || !record.Status.isOpen() {
		return nil, ErrRecordNotFound
	}

	if fromAgent == toAgent {
		return nil, fmt.Errorf("%w: agents cannot endorse themselves", ErrInvalidEndorser)
	}
	if m.voters == nil || !m.voters.IsRegistered(fromAgent) {
		return nil, fmt.Errorf("%w: %s is not a registered peer", ErrInvalidEndorser, fromAgent)
	}
	if endorserRecord, quarantined := m.records[fromAgent]; quarantined && endorserRecord.Status.isOpen() {
		return nil, fmt.Errorf("%w: %s is itself quarantined", ErrInvalidEndorser, fromAgent)
	}

	if strength < 0 {
		strength = 0
	}
	if strength > 1 {
		strength = 1
	}

	endorsement := &PeerEndorsement{
		ID:        uuid.NewString(),
		Endorser:  fromAgent,
		Subject:   toAgent,
		Type:      endorsementType,
		Strength:  strength,
		Comment:   comment,
		Signature: signature,
		Weight:    strength * m.ledger.Reputation(fromAgent),
		Timestamp: m.clock.Now(),
	}

	if len(signature) > 0 {
		if publicKey, err := m.voters.PublicKey(fromAgent); err == nil {
			endorsement.Validated = account.VerifySignatureByPublicKey(publicKey, endorsement.SigningPayload(), signature)
		}
	}

	m.endorsements[toAgent] = append(m.endorsements[toAgent], endorsement)
	record.Progress.Endorsements++

	log.WithFields(logger.Fields{
		"endorser":  fromAgent,
		"subject":   toAgent,
		"type":      endorsementType,
		"weight":    endorsement.Weight,
		"validated": endorsement.Validated,
	}).Info("Peer endorsement recorded")

	m.bus.Emit(events.Event{
		Type:    events.PeerEndorsement,
		AgentID: toAgent,
		Details: map[string]interface{}{
			"endorser": fromAgent,
			"type":     string(endorsementType),
			"weight":   endorsement.Weight,
		},
	})

	return endorsement, nil
}

// Endorsements returns the endorsements recorded for an agent
func (m *Manager) Endorsements(agentID string) []*PeerEndorsement {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	list := m.endorsements[agentID]
	result := make([]*PeerEndorsement, len(list))
	copy(result, list)
	return result
}
