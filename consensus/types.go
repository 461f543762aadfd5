package consensus

import (
	"fmt"
	"time"

	"agent-sentinel/scheduler"
)

// Decision is a vote or verdict value. Rounds resolve to malicious, benign
// or inconclusive; the final verdict is malicious, benign or failed.
type Decision string

const (
	DecisionMalicious    Decision = "malicious"
	DecisionBenign       Decision = "benign"
	DecisionAbstain      Decision = "abstain"
	DecisionInconclusive Decision = "inconclusive"
	DecisionFailed       Decision = "failed"
)

// RoundStatus tracks the lifecycle of a single consensus round
type RoundStatus string

const (
	RoundActive    RoundStatus = "active"
	RoundRevealing RoundStatus = "revealing"
	RoundCompleted RoundStatus = "completed"
	RoundFailed    RoundStatus = "failed"
	RoundTimedOut  RoundStatus = "timeout"
)

// MaxRounds bounds every session. Attempting a fourth round is a
// programming error, not a recoverable condition.
const MaxRounds = 3

// Vote is one voter's signed judgment about the target agent in one round
type Vote struct {
	VoterID     string    `json:"voterId"`
	TargetAgent string    `json:"targetAgent"`
	Round       int       `json:"round"`
	Decision    Decision  `json:"decision"`
	Confidence  float64   `json:"confidence"`
	Reasoning   string    `json:"reasoning"`
	EvidenceIDs []string  `json:"evidenceIds"`
	Reputation  float64   `json:"reputation"` // snapshot at submission
	Stake       float64   `json:"stake"`      // snapshot at submission
	Weight      float64   `json:"weight"`
	Signature   []byte    `json:"signature"`
	Verified    bool      `json:"verified"`
	RevealNonce string    `json:"revealNonce,omitempty"`
	Blinding    string    `json:"blinding,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// SigningPayload returns the canonical bytes a voter signs
func (v *Vote) SigningPayload() []byte {
	return []byte(fmt.Sprintf("%s|%s|%d|%s|%.4f", v.VoterID, v.TargetAgent, v.Round, v.Decision, v.Confidence))
}

// Round is one of the at-most-three rounds of a session. Closed rounds are
// never mutated again.
type Round struct {
	Number          int                `json:"number"`
	StartTime       time.Time          `json:"startTime"`
	EndTime         time.Time          `json:"endTime"`
	Timeout         time.Duration      `json:"timeout"`
	EvidenceIDs     []string           `json:"evidenceIds"`
	Votes           map[string]*Vote   `json:"votes"`
	QuorumThreshold float64            `json:"quorumThreshold"`
	Status          RoundStatus        `json:"status"`
	Result          Decision           `json:"result,omitempty"`
	EligibleVoters  []string           `json:"eligibleVoters"`
	Abstentions     int                `json:"abstentions"`
	AgreementRatio  float64            `json:"agreementRatio"`
	Confidence      float64            `json:"confidence"`
	Participation   float64            `json:"participation"`
	Hash            string             `json:"hash"`
	VoteSignatures  map[string][]byte  `json:"voteSignatures,omitempty"`
}

// Tally is the weighted vote breakdown of a round or session
type Tally struct {
	MaliciousWeight float64 `json:"maliciousWeight"`
	BenignWeight    float64 `json:"benignWeight"`
	AbstainWeight   float64 `json:"abstainWeight"`
	MaliciousVotes  int     `json:"maliciousVotes"`
	BenignVotes     int     `json:"benignVotes"`
	AbstainVotes    int     `json:"abstainVotes"`
}

// Result is the immutable outcome of a finished session
type Result struct {
	SessionID          string        `json:"sessionId"`
	TargetAgent        string        `json:"targetAgent"`
	Decision           Decision      `json:"decision"`
	Confidence         float64       `json:"confidence"`
	RoundsExecuted     int           `json:"roundsExecuted"`
	Tally              Tally         `json:"tally"`
	Participation      float64       `json:"participation"`
	EvidenceQuality    float64       `json:"evidenceQuality"`
	VoterAgreement     float64       `json:"voterAgreement"`
	ByzantineScore     float64       `json:"byzantineScore"`
	ConsensusHash      string        `json:"consensusHash"`
	AggregateSignature []byte        `json:"aggregateSignature,omitempty"`
	VerificationPassed bool          `json:"verificationPassed"`
	Duration           time.Duration `json:"duration"`
	FinalizedAt        time.Time     `json:"finalizedAt"`
}

// SessionStatus tracks the lifecycle of a whole session
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionFinalized SessionStatus = "finalized"
	SessionFailed    SessionStatus = "failed"
	SessionAborted   SessionStatus = "aborted"
)

// commitment is a hidden round-1 vote awaiting reveal
type commitment struct {
	voterID    string
	commitHash string
	revealed   bool
	timestamp  time.Time
}

// session is the engine's per-target working state
type session struct {
	id              string
	targetAgent     string
	status          SessionStatus
	rounds          []*Round
	failedRounds    int
	skipRound3      bool
	commitments     map[string]*commitment
	evidenceIDs     []string
	detectionSignal float64
	roundTimer      scheduler.Task
	createdAt       time.Time
	result          *Result
}

func (s *session) currentRound() *Round {
	if len(s.rounds) == 0 {
		return nil
	}
	return s.rounds[len(s.rounds)-1]
}

// ReputationLedger supplies voter weights at vote-submission time
type ReputationLedger interface {
	Reputation(agentID string) float64
	Stake(agentID string) float64
}

// AggregateSigner attests a finalized consensus hash on behalf of the
// participating voters. Verification failure is an audit property only.
type AggregateSigner interface {
	Aggregate(sessionID string, consensusHash []byte) ([]byte, error)
	Verify(consensusHash, signature []byte) bool
}

// QuarantineSink receives the trigger emitted on a malicious verdict
type QuarantineSink func(result *Result, evidenceIDs []string)

// Config is the immutable tuning of the engine, constructed once at wiring
type Config struct {
	RoundTimeout        time.Duration
	RevealTimeout       time.Duration
	MinParticipation    float64 // quorum, fraction of eligible voters
	MaliciousThreshold  float64 // agreement ratio at or above which a round is malicious
	BenignThreshold     float64 // round is benign when ratio <= 1 - BenignThreshold
	ConfidenceThreshold float64
	MinEvidenceQuality  float64
	SkipThreshold       float64 // super-majority that lets round 3 be skipped
	ByzantineCap        float64 // max fraction of total weight a single voter may hold
	UseCommitReveal     bool
	ThresholdSignatures bool
}

// DefaultConfig returns the production tuning
func DefaultConfig() Config {
	return Config{
		RoundTimeout:        30 * time.Second,
		RevealTimeout:       15 * time.Second,
		MinParticipation:    0.6,
		MaliciousThreshold:  0.67,
		BenignThreshold:     0.67,
		ConfidenceThreshold: 0.7,
		MinEvidenceQuality:  0.3,
		SkipThreshold:       0.8,
		ByzantineCap:        1.0 / 3.0,
		UseCommitReveal:     false,
		ThresholdSignatures: false,
	}
}
