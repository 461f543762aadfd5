package consensus

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"agent-sentinel/events"
	"agent-sentinel/logger"
)

// finalizeLocked converts the executed rounds into the immutable Result and
// queues the finalized event plus, on a malicious verdict, the quarantine
// trigger. Caller holds the engine mutex; the notifications run after it is
// released.
func (e *Engine) finalizeLocked(s *session) {
	result := e.buildResultLocked(s)
	s.result = result

	if result.Decision == DecisionFailed {
		s.status = SessionFailed
	} else {
		s.status = SessionFinalized
	}
	delete(e.byTarget, s.targetAgent)
	e.finished = append(e.finished, result)

	log.WithFields(logger.Fields{
		"sessionID":       s.id,
		"targetAgent":     s.targetAgent,
		"verdict":         result.Decision,
		"confidence":      result.Confidence,
		"rounds":          result.RoundsExecuted,
		"participation":   result.Participation,
		"evidenceQuality": result.EvidenceQuality,
	}).Info(logger.DISPLAY_TAG + " Consensus verdict finalized")

	event := events.Event{
		Type:      events.ConsensusFinalized,
		AgentID:   s.targetAgent,
		SessionID: s.id,
		Details: map[string]interface{}{
			"decision":   string(result.Decision),
			"confidence": result.Confidence,
			"rounds":     result.RoundsExecuted,
		},
	}
	e.queueLocked(func() { e.bus.Emit(event) })

	if result.Decision == DecisionMalicious && e.sink != nil {
		sink := e.sink
		evidenceIDs := make([]string, len(s.evidenceIDs))
		copy(evidenceIDs, s.evidenceIDs)
		e.queueLocked(func() { sink(result, evidenceIDs) })
	}
}

// buildResultLocked assembles the result from the session's rounds and
// applies the finalization gates.
func (e *Engine) buildResultLocked(s *session) *Result {
	result := &Result{
		SessionID:      s.id,
		TargetAgent:    s.targetAgent,
		Decision:       DecisionFailed,
		RoundsExecuted: len(s.rounds),
		FinalizedAt:    e.clock.Now(),
		Duration:       e.clock.Now().Sub(s.createdAt),
	}

	var terminal *Round
	confidenceSum := 0.0
	participationSum := 0.0
	scored := 0
	for _, round := range s.rounds {
		participationSum += round.Participation
		if round.Status == RoundCompleted || round.Status == RoundTimedOut {
			terminal = round
			confidenceSum += round.Confidence
			scored++
		}
	}
	if result.RoundsExecuted > 0 {
		result.Participation = participationSum / float64(result.RoundsExecuted)
	}
	if scored > 0 {
		result.Confidence = confidenceSum / float64(scored)
	}
	result.EvidenceQuality = e.pool.QualityScore(s.evidenceIDs)

	if terminal != nil {
		tally, agreement, _ := e.tallyRound(terminal)
		result.Tally = tally
		result.VoterAgreement = agreement
		result.ByzantineScore = byzantineScore(terminal)
	}

	result.ConsensusHash = e.consensusHash(s)

	decision := DecisionFailed
	if terminal != nil && terminal.Result != DecisionInconclusive && terminal.Result != "" {
		decision = terminal.Result
	}

	// Finalization gates: any unmet gate downgrades the verdict to failed,
	// never upgrades it.
	if decision != DecisionFailed {
		switch {
		case result.Confidence < e.config.ConfidenceThreshold:
			log.WithFields(logger.Fields{
				"sessionID":  s.id,
				"confidence": result.Confidence,
			}).Warn("Verdict confidence below threshold, session fails")
			decision = DecisionFailed
		case result.Participation < e.config.MinParticipation:
			log.WithFields(logger.Fields{
				"sessionID":     s.id,
				"participation": result.Participation,
			}).Warn("Verdict participation below threshold, session fails")
			decision = DecisionFailed
		case result.EvidenceQuality < e.config.MinEvidenceQuality:
			log.WithFields(logger.Fields{
				"sessionID":       s.id,
				"evidenceQuality": result.EvidenceQuality,
			}).Warn("Evidence quality below threshold, session fails")
			decision = DecisionFailed
		}
	}
	result.Decision = decision

	result.VerificationPassed = true
	if e.config.ThresholdSignatures && e.aggSigner != nil {
		hashBytes, err := hex.DecodeString(result.ConsensusHash)
		if err == nil {
			signature, signErr := e.aggSigner.Aggregate(s.id, hashBytes)
			if signErr != nil {
				log.WithError(signErr).Warn("Aggregate signature generation failed")
				result.VerificationPassed = false
			} else {
				result.AggregateSignature = signature
				result.VerificationPassed = e.aggSigner.Verify(hashBytes, signature)
			}
		}
	}

	return result
}

// consensusHash binds the whole session: hash over the ordered round hashes
func (e *Engine) consensusHash(s *session) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s", s.id, s.targetAgent)
	for _, round := range s.rounds {
		fmt.Fprintf(h, "|%s", round.Hash)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// byzantineScore measures how far the terminal round is from single-voter
// capture: 1 minus the largest single weight share.
func byzantineScore(round *Round) float64 {
	total := 0.0
	largest := 0.0
	for _, vote := range round.Votes {
		total += vote.Weight
		if vote.Weight > largest {
			largest = vote.Weight
		}
	}
	if total == 0 {
		return 0
	}
	return 1 - largest/total
}

// GetResult returns the result of a terminal session
func (e *Engine) GetResult(sessionID string) (*Result, error) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	s, ok := e.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.result == nil {
		return nil, fmt.Errorf("session %s has not finalized yet", sessionID)
	}
	return s.result, nil
}

// Stats summarizes finished sessions for the dashboard
type Stats struct {
	TotalSessions   int           `json:"totalSessions"`
	ActiveSessions  int           `json:"activeSessions"`
	Malicious       int           `json:"malicious"`
	Benign          int           `json:"benign"`
	Failed          int           `json:"failed"`
	SuccessRate     float64       `json:"successRate"`
	AverageDuration time.Duration `json:"averageDuration"`
}

// GetStats returns aggregate session statistics
func (e *Engine) GetStats() Stats {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	stats := Stats{TotalSessions: len(e.sessions)}
	var totalDuration time.Duration
	for _, result := range e.finished {
		totalDuration += result.Duration
		switch result.Decision {
		case DecisionMalicious:
			stats.Malicious++
		case DecisionBenign:
			stats.Benign++
		default:
			stats.Failed++
		}
	}
	stats.ActiveSessions = len(e.byTarget)
	if len(e.finished) > 0 {
		stats.SuccessRate = float64(stats.Malicious+stats.Benign) / float64(len(e.finished))
		stats.AverageDuration = totalDuration / time.Duration(len(e.finished))
	}
	return stats
}
