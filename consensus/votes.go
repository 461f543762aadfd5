package consensus

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"

	"agent-sentinel/account"
	"agent-sentinel/logger"
)

// SubmitVote records one voter's judgment for the active round. The call is
// synchronous: it either rejects with a typed error or accepts, and quorum
// crossing closes the round as a side effect.
func (e *Engine) SubmitVote(sessionID string, vote *Vote) error {
	e.mutex.Lock()
	defer e.flushQueued()
	defer e.mutex.Unlock()

	s, ok := e.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if s.status != SessionActive {
		return ErrSessionClosed
	}
	round := s.currentRound()
	if round == nil || round.Status != RoundActive {
		return ErrSessionClosed
	}
	if e.config.UseCommitReveal && round.Number == 1 {
		return fmt.Errorf("%w: round 1 accepts commitments only", ErrSessionClosed)
	}

	if err := e.checkEligibilityLocked(s, round, vote.VoterID); err != nil {
		return err
	}
	if _, voted := round.Votes[vote.VoterID]; voted {
		log.WithFields(logger.Fields{
			"sessionID": sessionID,
			"round":     round.Number,
			"voterID":   vote.VoterID,
		}).Warn("Duplicate vote rejected")
		return ErrDuplicateVote
	}
	if vote.TargetAgent != "" && vote.TargetAgent != s.targetAgent {
		return fmt.Errorf("vote targets agent %s, session targets %s", vote.TargetAgent, s.targetAgent)
	}

	e.recordVoteLocked(s, round, vote)

	// Quorum reached closes the round immediately.
	if float64(len(round.Votes)) >= round.QuorumThreshold*float64(len(round.EligibleVoters)) {
		log.WithFields(logger.Fields{
			"sessionID": sessionID,
			"round":     round.Number,
			"votes":     len(round.Votes),
		}).Debug("Quorum reached, closing round")
		e.closeRoundLocked(s, round, false)
	}

	return nil
}

// checkEligibilityLocked enforces the voter rules: registered, not the
// target, not suspended, present in the round's eligible snapshot.
func (e *Engine) checkEligibilityLocked(s *session, round *Round, voterID string) error {
	if voterID == s.targetAgent {
		return fmt.Errorf("%w: target agent cannot vote on itself", ErrVoterNotEligible)
	}
	if !e.registry.IsRegistered(voterID) {
		return fmt.Errorf("%w: %s is not registered", ErrVoterNotEligible, voterID)
	}
	if e.registry.IsSuspended(voterID) {
		return fmt.Errorf("%w: %s is suspended", ErrVoterNotEligible, voterID)
	}
	for _, eligible := range round.EligibleVoters {
		if eligible == voterID {
			return nil
		}
	}
	return fmt.Errorf("%w: %s joined after the round opened", ErrVoterNotEligible, voterID)
}

// recordVoteLocked snapshots weight inputs, verifies the signature and
// stores the vote.
func (e *Engine) recordVoteLocked(s *session, round *Round, vote *Vote) {
	vote.Round = round.Number
	vote.TargetAgent = s.targetAgent
	vote.Timestamp = e.clock.Now()
	vote.Reputation = e.ledger.Reputation(vote.VoterID)
	vote.Stake = e.ledger.Stake(vote.VoterID)
	vote.Weight = voteWeight(vote.Reputation, vote.Stake)
	vote.Verified = e.verifyVoteSignature(vote)

	round.Votes[vote.VoterID] = vote
	if len(vote.Signature) > 0 {
		round.VoteSignatures[vote.VoterID] = vote.Signature
	}

	log.WithFields(logger.Fields{
		"sessionID":  s.id,
		"round":      round.Number,
		"voterID":    vote.VoterID,
		"decision":   vote.Decision,
		"confidence": vote.Confidence,
		"weight":     vote.Weight,
		"verified":   vote.Verified,
	}).Debug("Vote recorded")
}

// verifyVoteSignature checks the vote signature against the voter's
// registered key. Votes without a key stay unverified but are accepted.
func (e *Engine) verifyVoteSignature(vote *Vote) bool {
	if len(vote.Signature) == 0 {
		return false
	}
	publicKey, err := e.registry.PublicKey(vote.VoterID)
	if err != nil {
		return false
	}
	return account.VerifySignatureByPublicKey(publicKey, vote.SigningPayload(), vote.Signature)
}

// voteWeight is monotonic in both reputation and stake. Stake enters
// logarithmically so wealth alone cannot dominate.
func voteWeight(reputation, stake float64) float64 {
	if reputation < 0 {
		reputation = 0
	}
	if stake < 0 {
		stake = 0
	}
	return reputation * (1 + math.Log10(1+stake))
}

// ComputeCommitHash derives the round-1 commitment from a decision, a nonce
// and a blinding factor.
func ComputeCommitHash(decision Decision, nonce, blinding string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", decision, nonce, blinding)))
	return hex.EncodeToString(sum[:])
}

// SubmitVoteCommit records a hidden round-1 vote commitment
func (e *Engine) SubmitVoteCommit(sessionID, voterID, commitHash string) error {
	e.mutex.Lock()
	defer e.flushQueued()
	defer e.mutex.Unlock()

	s, ok := e.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if s.status != SessionActive {
		return ErrSessionClosed
	}
	if !e.config.UseCommitReveal {
		return fmt.Errorf("commit-reveal is not enabled for this engine")
	}
	round := s.currentRound()
	if round == nil || round.Number != 1 || round.Status != RoundActive {
		return ErrSessionClosed
	}

	if err := e.checkEligibilityLocked(s, round, voterID); err != nil {
		return err
	}
	if _, committed := s.commitments[voterID]; committed {
		return ErrDuplicateVote
	}

	s.commitments[voterID] = &commitment{
		voterID:    voterID,
		commitHash: commitHash,
		timestamp:  e.clock.Now(),
	}

	log.WithFields(logger.Fields{
		"sessionID": sessionID,
		"voterID":   voterID,
	}).Debug("Vote commitment recorded")

	if float64(len(s.commitments)) >= round.QuorumThreshold*float64(len(round.EligibleVoters)) {
		e.closeRoundLocked(s, round, false)
	}

	return nil
}

// RevealVote opens a round-1 commitment. A reveal that does not hash back
// to the commitment invalidates that vote only; the session continues.
func (e *Engine) RevealVote(sessionID string, vote *Vote) error {
	e.mutex.Lock()
	defer e.flushQueued()
	defer e.mutex.Unlock()

	s, ok := e.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if s.status != SessionActive {
		return ErrSessionClosed
	}
	round := s.currentRound()
	if round == nil || round.Number != 1 || round.Status != RoundRevealing {
		return ErrSessionClosed
	}

	commit, committed := s.commitments[vote.VoterID]
	if !committed {
		return fmt.Errorf("%w: no commitment from %s", ErrVoterNotEligible, vote.VoterID)
	}
	if commit.revealed {
		return ErrDuplicateVote
	}

	expected := ComputeCommitHash(vote.Decision, vote.RevealNonce, vote.Blinding)
	if expected != commit.commitHash {
		commit.revealed = true // commitment is burned either way
		log.WithFields(logger.Fields{
			"sessionID": sessionID,
			"voterID":   vote.VoterID,
		}).Warn("Reveal mismatch, vote invalidated")
		return ErrRevealMismatch
	}

	commit.revealed = true
	e.recordVoteLocked(s, round, vote)

	// All commitments revealed: no need to wait out the reveal window.
	allRevealed := true
	for _, c := range s.commitments {
		if !c.revealed {
			allRevealed = false
			break
		}
	}
	if allRevealed {
		if s.roundTimer != nil {
			s.roundTimer.Cancel()
			s.roundTimer = nil
		}
		e.sealRoundLocked(s, round, false)
	}

	return nil
}

// tallyRound aggregates a round's votes: Byzantine-capped weights,
// weighted agreement ratio (abstentions excluded) and weighted confidence.
func (e *Engine) tallyRound(round *Round) (Tally, float64, float64) {
	applyByzantineCap(round.Votes, e.config.ByzantineCap)

	var tally Tally
	weightedConfidence := 0.0
	decisionWeight := 0.0

	for _, vote := range round.Votes {
		switch vote.Decision {
		case DecisionMalicious:
			tally.MaliciousVotes++
			tally.MaliciousWeight += vote.Weight
		case DecisionBenign:
			tally.BenignVotes++
			tally.BenignWeight += vote.Weight
		default:
			tally.AbstainVotes++
			tally.AbstainWeight += vote.Weight
			continue
		}
		weightedConfidence += vote.Weight * vote.Confidence
		decisionWeight += vote.Weight
	}

	agreement := 0.0
	confidence := 0.0
	if decisionWeight > 0 {
		agreement = tally.MaliciousWeight / decisionWeight
		confidence = weightedConfidence / decisionWeight
	}

	return tally, agreement, confidence
}

// applyByzantineCap bounds every voter's share of the total weight to cap.
// The limit w <= cap/(1-cap) * sum(others) is exactly "w is at most cap of
// the total"; clamping repeats until stable because reducing one weight can
// expose another over the cap.
func applyByzantineCap(votes map[string]*Vote, capFraction float64) {
	if capFraction <= 0 || capFraction >= 1 || len(votes) < 2 {
		return
	}

	ratio := capFraction / (1 - capFraction)
	for iteration := 0; iteration < 16; iteration++ {
		total := 0.0
		for _, vote := range votes {
			total += vote.Weight
		}
		if total == 0 {
			return
		}

		changed := false
		for _, vote := range votes {
			others := total - vote.Weight
			limit := ratio * others
			if vote.Weight > limit {
				vote.Weight = limit
				changed = true
				total = others + limit
			}
		}
		if !changed {
			return
		}
	}
}
