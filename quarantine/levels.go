package quarantine

import "time"

// Level is one of the four graduated isolation tiers. Escalation is
// strictly ordered; complete cannot escalate further.
type Level string

const (
	LevelObservation Level = "observation"
	LevelSoft        Level = "soft"
	LevelHard        Level = "hard"
	LevelComplete    Level = "complete"
)

var levelOrder = []Level{LevelObservation, LevelSoft, LevelHard, LevelComplete}

// Rank returns the level's position on the escalation ladder, or -1 for an
// unknown level.
func (l Level) Rank() int {
	for i, level := range levelOrder {
		if level == l {
			return i
		}
	}
	return -1
}

// Next returns the next level up the ladder. ok is false at the top.
func (l Level) Next() (Level, bool) {
	rank := l.Rank()
	if rank < 0 || rank >= len(levelOrder)-1 {
		return l, false
	}
	return levelOrder[rank+1], true
}

// Prev returns the next level down the ladder. ok is false at the bottom.
func (l Level) Prev() (Level, bool) {
	rank := l.Rank()
	if rank <= 0 {
		return l, false
	}
	return levelOrder[rank-1], true
}

// Restrictions is what a quarantined agent may still do at a given level
type Restrictions struct {
	MessageRatePerMinute   int      `json:"messageRatePerMinute"`
	AllowedOperations      []string `json:"allowedOperations"`
	NetworkAccess          bool     `json:"networkAccess"`
	ConsensusParticipation bool     `json:"consensusParticipation"`
	PeerCommunication      bool     `json:"peerCommunication"`
	ResourceAccess         bool     `json:"resourceAccess"`
}

// DurationBounds bounds how long a level lasts. Extendable lives here and
// nowhere else.
type DurationBounds struct {
	Minimum    time.Duration `json:"minimum"`
	Maximum    time.Duration `json:"maximum"`
	Extendable bool          `json:"extendable"`
}

// RecoveryRequirements is what an agent must achieve to leave the level
type RecoveryRequirements struct {
	ChallengesRequired   int     `json:"challengesRequired"`
	EndorsementsRequired int     `json:"endorsementsRequired"`
	BehaviorScoreFloor   float64 `json:"behaviorScoreFloor"`
	ProofOfWorkRequired  bool    `json:"proofOfWorkRequired"`
	StakeRequired        float64 `json:"stakeRequired"`
}

// LevelConfig is the static configuration of one quarantine level
type LevelConfig struct {
	Level        Level                `json:"level"`
	Restrictions Restrictions         `json:"restrictions"`
	Duration     DurationBounds       `json:"duration"`
	Recovery     RecoveryRequirements `json:"recovery"`
}

// DefaultLevels returns the standard four-tier configuration. The map is
// built fresh on every call so callers cannot mutate shared state.
func DefaultLevels() map[Level]LevelConfig {
	return map[Level]LevelConfig{
		LevelObservation: {
			Level: LevelObservation,
			Restrictions: Restrictions{
				MessageRatePerMinute:   60,
				AllowedOperations:      []string{"query", "report", "heartbeat"},
				NetworkAccess:          true,
				ConsensusParticipation: true,
				PeerCommunication:      true,
				ResourceAccess:         true,
			},
			Duration: DurationBounds{
				Minimum:    1 * time.Hour,
				Maximum:    24 * time.Hour,
				Extendable: true,
			},
			Recovery: RecoveryRequirements{
				ChallengesRequired:   1,
				EndorsementsRequired: 0,
				BehaviorScoreFloor:   0.6,
				ProofOfWorkRequired:  false,
				StakeRequired:        0,
			},
		},
		LevelSoft: {
			Level: LevelSoft,
			Restrictions: Restrictions{
				MessageRatePerMinute:   20,
				AllowedOperations:      []string{"query", "heartbeat"},
				NetworkAccess:          true,
				ConsensusParticipation: false,
				PeerCommunication:      true,
				ResourceAccess:         true,
			},
			Duration: DurationBounds{
				Minimum:    6 * time.Hour,
				Maximum:    72 * time.Hour,
				Extendable: true,
			},
			Recovery: RecoveryRequirements{
				ChallengesRequired:   3,
				EndorsementsRequired: 2,
				BehaviorScoreFloor:   0.7,
				ProofOfWorkRequired:  false,
				StakeRequired:        1000,
			},
		},
		LevelHard: {
			Level: LevelHard,
			Restrictions: Restrictions{
				MessageRatePerMinute:   5,
				AllowedOperations:      []string{"heartbeat"},
				NetworkAccess:          false,
				ConsensusParticipation: false,
				PeerCommunication:      false,
				ResourceAccess:         false,
			},
			Duration: DurationBounds{
				Minimum:    24 * time.Hour,
				Maximum:    7 * 24 * time.Hour,
				Extendable: true,
			},
			Recovery: RecoveryRequirements{
				ChallengesRequired:   5,
				EndorsementsRequired: 3,
				BehaviorScoreFloor:   0.8,
				ProofOfWorkRequired:  true,
				StakeRequired:        5000,
			},
		},
		LevelComplete: {
			Level: LevelComplete,
			Restrictions: Restrictions{
				MessageRatePerMinute:   0,
				AllowedOperations:      nil,
				NetworkAccess:          false,
				ConsensusParticipation: false,
				PeerCommunication:      false,
				ResourceAccess:         false,
			},
			Duration: DurationBounds{
				Minimum:    72 * time.Hour,
				Maximum:    30 * 24 * time.Hour,
				Extendable: false,
			},
			Recovery: RecoveryRequirements{
				ChallengesRequired:   7,
				EndorsementsRequired: 5,
				BehaviorScoreFloor:   0.9,
				ProofOfWorkRequired:  true,
				StakeRequired:        10000,
			},
		},
	}
}
