package quarantine

import (
	"fmt"
	"time"

	"agent-sentinel/events"
	"agent-sentinel/logger"

	"github.com/google/uuid"
)

// ChallengeType enumerates the recovery challenge kinds
type ChallengeType string

const (
	ChallengeKnowledge     ChallengeType = "knowledge"
	ChallengeCollaboration ChallengeType = "collaboration"
	ChallengeProofOfWork   ChallengeType = "proof_of_work"
	ChallengeBehavioral    ChallengeType = "behavioral"
)

// ChallengeStatus tracks one challenge's lifecycle
type ChallengeStatus string

const (
	ChallengePending   ChallengeStatus = "pending"
	ChallengeCompleted ChallengeStatus = "completed"
	ChallengeFailed    ChallengeStatus = "failed"
)

// ChallengeAttempt records one scored response
type ChallengeAttempt struct {
	Score       float64   `json:"score"`
	Feedback    string    `json:"feedback"`
	EvidenceIDs []string  `json:"evidenceIds,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Challenge is one task an agent must pass on its way out of quarantine
type Challenge struct {
	ID           string             `json:"id"`
	Type         ChallengeType      `json:"type"`
	Description  string             `json:"description"`
	PassingScore float64            `json:"passingScore"`
	MaxAttempts  int                `json:"maxAttempts"`
	Difficulty   int                `json:"difficulty"`
	PowHandle    string             `json:"powHandle,omitempty"`
	Window       time.Duration      `json:"window,omitempty"`
	Status       ChallengeStatus    `json:"status"`
	Attempts     []ChallengeAttempt `json:"attempts"`
}

// RecoveryPhase groups challenges that must all complete before the next
// phase opens. Phases only complete forward.
type RecoveryPhase struct {
	Number     int          `json:"number"`
	Name       string       `json:"name"`
	Challenges []*Challenge `json:"challenges"`
	Completed  bool         `json:"completed"`
}

// RecoveryPlan is the ordered path back to trusted status
type RecoveryPlan struct {
	AgentID      string           `json:"agentId"`
	Level        Level            `json:"level"`
	Phases       []*RecoveryPhase `json:"phases"`
	CurrentPhase int              `json:"currentPhase"`
	Completed    bool             `json:"completed"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// ChallengeResponse is an agent's answer to one challenge
type ChallengeResponse struct {
	Answer      string   `json:"answer"`
	Nonce       uint64   `json:"nonce"`
	EvidenceIDs []string `json:"evidenceIds,omitempty"`
}

// ChallengeScorer prepares and scores challenges. Prepare runs at plan
// generation (e.g. to issue a proof-of-work puzzle); Score judges one
// response.
type ChallengeScorer interface {
	Prepare(agentID string, challenge *Challenge)
	Score(agentID string, challenge *Challenge, response *ChallengeResponse) (float64, string)
}

// generatePlan builds the phased plan for a level. The phase count scales
// with the level's required challenges: light levels get a single
// compliance check, heavy levels the full three-phase ladder.
func (m *Manager) generatePlan(agentID string, levelCfg LevelConfig) *RecoveryPlan {
	required := levelCfg.Recovery.ChallengesRequired
	if required < 1 {
		required = 1
	}

	newChallenge := func(ctype ChallengeType, description string) *Challenge {
		c := &Challenge{
			ID:           uuid.NewString(),
			Type:         ctype,
			Description:  description,
			PassingScore: m.config.ChallengePassScore,
			MaxAttempts:  m.config.ChallengeMaxAttempt,
			Status:       ChallengePending,
		}
		if ctype == ChallengeProofOfWork {
			c.Difficulty = 16 + 2*levelCfg.Level.Rank()
		}
		if ctype == ChallengeBehavioral {
			c.Window = 72 * time.Hour
		}
		if m.scorer != nil {
			m.scorer.Prepare(agentID, c)
		}
		return c
	}

	plan := &RecoveryPlan{
		AgentID:   agentID,
		Level:     levelCfg.Level,
		CreatedAt: m.clock.Now(),
	}

	phase1 := &RecoveryPhase{
		Number: 1,
		Name:   "Compliance Assessment",
		Challenges: []*Challenge{
			newChallenge(ChallengeKnowledge, "protocol compliance audit"),
		},
	}
	plan.Phases = append(plan.Phases, phase1)

	if required >= 2 {
		phase2 := &RecoveryPhase{
			Number: 2,
			Name:   "Behavioral Demonstration",
			Challenges: []*Challenge{
				newChallenge(ChallengeCollaboration, "supervised peer collaboration task"),
			},
		}
		if levelCfg.Recovery.ProofOfWorkRequired {
			phase2.Challenges = append(phase2.Challenges,
				newChallenge(ChallengeProofOfWork, "computational commitment puzzle"))
		}
		// Remaining required challenges beyond the fixed phase-1/phase-3
		// slots land here as extra collaboration tasks.
		fixed := 2 // phase 1 knowledge + phase 3 behavioral
		if required < 3 {
			fixed = 1 // no phase 3 yet
		}
		for extra := required - fixed - len(phase2.Challenges); extra > 0; extra-- {
			phase2.Challenges = append(phase2.Challenges,
				newChallenge(ChallengeCollaboration, "supervised peer collaboration task"))
		}
		plan.Phases = append(plan.Phases, phase2)
	}

	if required >= 3 {
		phase3 := &RecoveryPhase{
			Number: 3,
			Name:   "Trust Rebuilding",
			Challenges: []*Challenge{
				newChallenge(ChallengeBehavioral, "sustained behavioral compliance window"),
			},
		}
		plan.Phases = append(plan.Phases, phase3)
	}

	log.WithFields(logger.Fields{
		"agentID": agentID,
		"level":   levelCfg.Level,
		"phases":  len(plan.Phases),
	}).Debug("Recovery plan generated")

	return plan
}

// Plan returns a copy of an agent's recovery plan
func (m *Manager) Plan(agentID string) (*RecoveryPlan, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	plan, ok := m.plans[agentID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	planCopy := *plan
	planCopy.Phases = make([]*RecoveryPhase, len(plan.Phases))
	copy(planCopy.Phases, plan.Phases)
	return &planCopy, nil
}

// SubmitChallengeResponse scores one response against a challenge in the
// plan's current phase.
func (m *Manager) SubmitChallengeResponse(agentID, challengeID string, response *ChallengeResponse) (*ChallengeAttempt, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	record, recordOK := m.records[agentID]
	plan, planOK := m.plans[agentID]
	if !recordOK || !planOK || !record.Status.isOpen() {
		return nil, ErrRecordNotFound
	}
	if plan.Completed {
		return nil, fmt.Errorf("recovery plan already completed")
	}

	phase := plan.Phases[plan.CurrentPhase]
	var challenge *Challenge
	for _, c := range phase.Challenges {
		if c.ID == challengeID {
			challenge = c
			break
		}
	}
	if challenge == nil {
		for _, p := range plan.Phases {
			for _, c := range p.Challenges {
				if c.ID == challengeID {
					return nil, fmt.Errorf("challenge %s belongs to phase %d, current phase is %d",
						challengeID, p.Number, phase.Number)
				}
			}
		}
		return nil, fmt.Errorf("challenge %s not found in recovery plan", challengeID)
	}

	if challenge.Status == ChallengeCompleted {
		return nil, fmt.Errorf("challenge %s already completed", challengeID)
	}
	if challenge.Status == ChallengeFailed || len(challenge.Attempts) >= challenge.MaxAttempts {
		if challenge.Status != ChallengeFailed {
			challenge.Status = ChallengeFailed
			record.Progress.ChallengesFailed++
		}
		log.WithFields(logger.Fields{
			"agentID":     agentID,
			"challengeID": challengeID,
			"attempts":    len(challenge.Attempts),
		}).Warn("Challenge attempt cap reached")
		return nil, ErrAttemptsExceeded
	}

	score, feedback := m.scorer.Score(agentID, challenge, response)
	attempt := ChallengeAttempt{
		Score:       score,
		Feedback:    feedback,
		EvidenceIDs: response.EvidenceIDs,
		SubmittedAt: m.clock.Now(),
	}
	challenge.Attempts = append(challenge.Attempts, attempt)

	log.WithFields(logger.Fields{
		"agentID":     agentID,
		"challengeID": challengeID,
		"type":        challenge.Type,
		"score":       score,
		"attempt":     len(challenge.Attempts),
	}).Debug("Challenge response scored")

	if score >= challenge.PassingScore {
		challenge.Status = ChallengeCompleted
		record.Progress.ChallengesCompleted++

		m.bus.Emit(events.Event{
			Type:    events.ChallengeCompleted,
			AgentID: agentID,
			Details: map[string]interface{}{
				"challengeId": challengeID,
				"type":        string(challenge.Type),
				"score":       score,
			},
		})

		m.checkPhaseCompletionLocked(agentID, plan, phase)
	} else if len(challenge.Attempts) >= challenge.MaxAttempts {
		challenge.Status = ChallengeFailed
		record.Progress.ChallengesFailed++
		log.WithFields(logger.Fields{
			"agentID":     agentID,
			"challengeID": challengeID,
		}).Warn("Challenge failed after exhausting attempts")
	}

	return &attempt, nil
}

// checkPhaseCompletionLocked advances the plan when every challenge of the
// current phase is completed.
func (m *Manager) checkPhaseCompletionLocked(agentID string, plan *RecoveryPlan, phase *RecoveryPhase) {
	for _, c := range phase.Challenges {
		if c.Status != ChallengeCompleted {
			return
		}
	}

	phase.Completed = true
	log.WithFields(logger.Fields{
		"agentID": agentID,
		"phase":   phase.Number,
		"name":    phase.Name,
	}).Info("Recovery phase completed")

	m.bus.Emit(events.Event{
		Type:    events.PhaseCompleted,
		AgentID: agentID,
		Details: map[string]interface{}{
			"phase": phase.Number,
			"name":  phase.Name,
		},
	})

	if plan.CurrentPhase < len(plan.Phases)-1 {
		plan.CurrentPhase++
		return
	}
	plan.Completed = true
	log.WithField("agentID", agentID).Info("Recovery plan completed")
}
