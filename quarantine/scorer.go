package quarantine

import (
	"fmt"

	"agent-sentinel/logger"
)

// ProofOfWork is the external puzzle primitive used for the computational
// commitment challenge type.
type ProofOfWork interface {
	IssueChallenge(agentID string, difficulty int) (string, error)
	VerifySolution(handle string, nonce uint64) bool
}

// DefaultScorer judges recovery challenges from the behavior signal and the
// proof-of-work primitive. Deployments with richer examiners plug in their
// own ChallengeScorer.
type DefaultScorer struct {
	Behavior BehaviorSource
	Pow      ProofOfWork
}

// Prepare issues the proof-of-work puzzle for pow challenges
func (ds *DefaultScorer) Prepare(agentID string, challenge *Challenge) {
	if challenge.Type != ChallengeProofOfWork || ds.Pow == nil {
		return
	}
	handle, err := ds.Pow.IssueChallenge(agentID, challenge.Difficulty)
	if err != nil {
		log.WithFields(logger.Fields{
			"agentID": agentID,
			"error":   err,
		}).Error("Failed to issue proof-of-work puzzle")
		return
	}
	challenge.PowHandle = handle
}

// Score judges one challenge response
func (ds *DefaultScorer) Score(agentID string, challenge *Challenge, response *ChallengeResponse) (float64, string) {
	switch challenge.Type {
	case ChallengeProofOfWork:
		if ds.Pow == nil || challenge.PowHandle == "" {
			return 0, "no proof-of-work puzzle issued"
		}
		if ds.Pow.VerifySolution(challenge.PowHandle, response.Nonce) {
			return 1, "valid proof-of-work solution"
		}
		return 0, "proof-of-work solution rejected"

	case ChallengeBehavioral:
		score := 1 - ds.deviation(agentID)
		return score, fmt.Sprintf("observed compliance %.2f over the challenge window", score)

	default: // knowledge, collaboration
		if response == nil || response.Answer == "" {
			return 0, "empty response"
		}
		// A written answer alone is not enough; sustained conduct during
		// the assessment weighs in.
		score := 0.6 + 0.4*(1-ds.deviation(agentID))
		return score, fmt.Sprintf("response accepted, conduct factor %.2f", score)
	}
}

func (ds *DefaultScorer) deviation(agentID string) float64 {
	if ds.Behavior == nil {
		return 0
	}
	d := ds.Behavior.DeviationScore(agentID)
	if d < 0 {
		return 0
	}
	if d > 1 {
		return 1
	}
	return d
}
