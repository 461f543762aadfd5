package quarantine

import (
	"crypto/ecdsa"
	"fmt"
	"sync"
	"time"

	"agent-sentinel/consensus"
	"agent-sentinel/events"
	"agent-sentinel/logger"
	"agent-sentinel/scheduler"
)

var log = logger.Logger

// Status tracks the lifecycle of a quarantine record
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusEscalated Status = "escalated"
	StatusRecovered Status = "recovered"
	StatusPermanent Status = "permanent"
)

// isOpen reports whether the record still represents an isolated agent
func (s Status) isOpen() bool {
	return s == StatusActive || s == StatusSuspended || s == StatusEscalated
}

// Extension records one prolongation of a quarantine
type Extension struct {
	Duration  time.Duration `json:"duration"`
	Reason    string        `json:"reason"`
	Timestamp time.Time     `json:"timestamp"`
}

// RecoveryProgress carries the counters recovery eligibility is judged on
type RecoveryProgress struct {
	ChallengesCompleted int     `json:"challengesCompleted"`
	ChallengesFailed    int     `json:"challengesFailed"`
	Endorsements        int     `json:"endorsements"`
	BehaviorScore       float64 `json:"behaviorScore"`
	StakePledged        float64 `json:"stakePledged"`
	RecoveryAttempts    int     `json:"recoveryAttempts"`
}

// MonitoringSnapshot is the monitoring loop's latest view of the agent
type MonitoringSnapshot struct {
	ActivityLevel   float64   `json:"activityLevel"`
	ComplianceScore float64   `json:"complianceScore"`
	LastActivity    time.Time `json:"lastActivity"`
}

// Record is the per-agent quarantine state. At most one open record exists
// per agent; re-quarantining an agent with an open record escalates it.
type Record struct {
	AgentID     string             `json:"agentId"`
	Level       Level              `json:"level"`
	StartTime   time.Time          `json:"startTime"`
	EndTime     time.Time          `json:"endTime"`
	Reason      string             `json:"reason"`
	Detection   *consensus.Result  `json:"detection,omitempty"`
	EvidenceIDs []string           `json:"evidenceIds,omitempty"`
	Status      Status             `json:"status"`
	Extensions  []Extension        `json:"extensions"`
	Violations  []Violation        `json:"violations"`
	Progress    RecoveryProgress   `json:"progress"`
	Monitoring  MonitoringSnapshot `json:"monitoring"`
}

// BehaviorSource is the external anomaly signal consumed by the monitoring
// loop and the recovery scoring.
type BehaviorSource interface {
	DeviationScore(agentID string) float64
	ActivityLevel(agentID string) float64
	FlaggedEvents(agentID string) []FlaggedEvent
}

// FlaggedEvent is one behavior anomaly reported by the external detector
type FlaggedEvent struct {
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	EvidenceIDs []string `json:"evidenceIds,omitempty"`
}

// StakeLedger supplies reputation and stake for endorsement weighting
type StakeLedger interface {
	Reputation(agentID string) float64
	Stake(agentID string) float64
}

// VoterDirectory is the slice of the voter registry the quarantine side
// needs: membership checks, key lookup for endorsement signatures, and
// suspension of voting rights while isolated.
type VoterDirectory interface {
	IsRegistered(agentID string) bool
	PublicKey(agentID string) (*ecdsa.PublicKey, error)
	SetSuspended(agentID string, suspended bool)
}

// Config is the manager's immutable tuning
type Config struct {
	PermanentThreshold  int
	MonitorInterval     time.Duration
	MaxExtensions       int
	AutoExtension       time.Duration
	ChallengePassScore  float64
	ChallengeMaxAttempt int
	Levels              map[Level]LevelConfig
}

// DefaultConfig returns the production tuning
func DefaultConfig() Config {
	return Config{
		PermanentThreshold:  10,
		MonitorInterval:     time.Minute,
		MaxExtensions:       3,
		AutoExtension:       24 * time.Hour,
		ChallengePassScore:  0.7,
		ChallengeMaxAttempt: 3,
		Levels:              DefaultLevels(),
	}
}

// Manager owns every quarantine record, the recovery plans and the
// endorsement ledger. All mutations of a record happen under the manager
// mutex, so violation penalties and recovery approvals apply in submission
// order.
type Manager struct {
	mutex  sync.Mutex
	config Config

	records      map[string]*Record
	plans        map[string]*RecoveryPlan
	endorsements map[string][]*PeerEndorsement

	clock    scheduler.Clock
	sched    scheduler.Scheduler
	bus      *events.Bus
	behavior BehaviorSource
	ledger   StakeLedger
	voters   VoterDirectory
	scorer   ChallengeScorer

	monitorTask scheduler.Task
	stopped     bool
}

// NewManager creates a quarantine manager
func NewManager(config Config, clock scheduler.Clock, sched scheduler.Scheduler, bus *events.Bus,
	behavior BehaviorSource, ledger StakeLedger, voters VoterDirectory, scorer ChallengeScorer) *Manager {

	if config.Levels == nil {
		config.Levels = DefaultLevels()
	}

	log.WithFields(logger.Fields{
		"permanentThreshold": config.PermanentThreshold,
		"monitorInterval":    config.MonitorInterval,
	}).Debug("Creating quarantine manager")

	return &Manager{
		config:       config,
		records:      make(map[string]*Record),
		plans:        make(map[string]*RecoveryPlan),
		endorsements: make(map[string][]*PeerEndorsement),
		clock:        clock,
		sched:        sched,
		bus:          bus,
		behavior:     behavior,
		ledger:       ledger,
		voters:       voters,
		scorer:       scorer,
	}
}

// OnMaliciousVerdict is the quarantine trigger wired into the consensus
// finalizer. The level is chosen from the verdict confidence.
func (m *Manager) OnMaliciousVerdict(result *consensus.Result, evidenceIDs []string) {
	level := LevelSoft
	switch {
	case result.Confidence >= 0.95:
		level = LevelComplete
	case result.Confidence >= 0.85:
		level = LevelHard
	}

	reason := fmt.Sprintf("consensus verdict malicious (confidence %.2f)", result.Confidence)
	if err := m.Quarantine(result.TargetAgent, level, reason, evidenceIDs, result); err != nil {
		log.WithFields(logger.Fields{
			"agentID": result.TargetAgent,
			"error":   err,
		}).Error("Failed to quarantine agent after malicious verdict")
	}
}

// Quarantine isolates an agent at the given level. If the agent already has
// an open record the call is an escalation, never a second record.
func (m *Manager) Quarantine(agentID string, level Level, reason string, evidenceIDs []string, detection *consensus.Result) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if level.Rank() < 0 {
		return fmt.Errorf("%w: unknown level %q", ErrInvalidLevelTransition, level)
	}

	if existing, ok := m.records[agentID]; ok {
		if existing.Status == StatusPermanent {
			return fmt.Errorf("agent %s is permanently quarantined", agentID)
		}
		if existing.Status.isOpen() {
			log.WithFields(logger.Fields{
				"agentID": agentID,
				"level":   existing.Level,
			}).Info("Agent already quarantined, redirecting to escalation")
			return m.escalateLocked(existing, reason)
		}
	}

	levelCfg := m.config.Levels[level]
	now := m.clock.Now()

	record := &Record{
		AgentID:     agentID,
		Level:       level,
		StartTime:   now,
		EndTime:     now.Add(levelCfg.Duration.Maximum),
		Reason:      reason,
		Detection:   detection,
		EvidenceIDs: evidenceIDs,
		Status:      StatusActive,
		Monitoring: MonitoringSnapshot{
			ComplianceScore: 1.0,
			LastActivity:    now,
		},
	}
	m.records[agentID] = record
	m.plans[agentID] = m.generatePlan(agentID, levelCfg)

	if m.voters != nil {
		m.voters.SetSuspended(agentID, true)
	}

	log.WithFields(logger.Fields{
		"agentID": agentID,
		"level":   level,
		"reason":  reason,
	}).Info(logger.DISPLAY_TAG + " Agent placed under quarantine")

	m.bus.Emit(events.Event{
		Type:    events.AgentQuarantined,
		AgentID: agentID,
		Details: map[string]interface{}{
			"level":  string(level),
			"reason": reason,
		},
	})

	return nil
}

// Escalate raises an agent's quarantine one level
func (m *Manager) Escalate(agentID, reason string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	record, ok := m.records[agentID]
	if !ok || !record.Status.isOpen() {
		return ErrRecordNotFound
	}
	return m.escalateLocked(record, reason)
}

// escalateLocked moves a record one level up the ladder. At complete the
// quarantine is extended instead, since no higher level exists.
func (m *Manager) escalateLocked(record *Record, reason string) error {
	next, ok := record.Level.Next()
	if !ok {
		m.extendLocked(record, m.config.AutoExtension, "escalation requested at complete isolation")
		return nil
	}

	record.Level = next
	record.Status = StatusEscalated
	levelCfg := m.config.Levels[next]
	now := m.clock.Now()
	record.StartTime = now
	record.EndTime = now.Add(levelCfg.Duration.Maximum)

	// The new level has its own recovery bar; progress restarts.
	record.Progress.ChallengesCompleted = 0
	record.Progress.ChallengesFailed = 0
	record.Progress.Endorsements = 0
	m.plans[record.AgentID] = m.generatePlan(record.AgentID, levelCfg)

	log.WithFields(logger.Fields{
		"agentID": record.AgentID,
		"level":   next,
		"reason":  reason,
	}).Warn(logger.DISPLAY_TAG + " Quarantine escalated")

	m.bus.Emit(events.Event{
		Type:    events.QuarantineEscalated,
		AgentID: record.AgentID,
		Details: map[string]interface{}{
			"level":  string(next),
			"reason": reason,
		},
	})

	return nil
}

// extendLocked prolongs a record and logs the extension
func (m *Manager) extendLocked(record *Record, duration time.Duration, reason string) {
	record.EndTime = record.EndTime.Add(duration)
	record.Extensions = append(record.Extensions, Extension{
		Duration:  duration,
		Reason:    reason,
		Timestamp: m.clock.Now(),
	})

	log.WithFields(logger.Fields{
		"agentID":  record.AgentID,
		"duration": duration,
		"reason":   reason,
	}).Info("Quarantine extended")

	m.bus.Emit(events.Event{
		Type:    events.QuarantineExtended,
		AgentID: record.AgentID,
		Details: map[string]interface{}{
			"duration": duration.String(),
			"reason":   reason,
		},
	})
}

// Suspend places a record on administrative hold
func (m *Manager) Suspend(agentID string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	record, ok := m.records[agentID]
	if !ok || !record.Status.isOpen() {
		return ErrRecordNotFound
	}
	record.Status = StatusSuspended
	log.WithField("agentID", agentID).Info("Quarantine suspended administratively")
	return nil
}

// Resume lifts an administrative hold
func (m *Manager) Resume(agentID string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	record, ok := m.records[agentID]
	if !ok {
		return ErrRecordNotFound
	}
	if record.Status != StatusSuspended {
		return ErrRecordActive
	}
	record.Status = StatusActive
	log.WithField("agentID", agentID).Info("Quarantine resumed")
	return nil
}

// Record returns a copy of an agent's quarantine record
func (m *Manager) Record(agentID string) (*Record, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	record, ok := m.records[agentID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	recordCopy := *record
	return &recordCopy, nil
}

// IsQuarantined reports whether an agent is currently isolated, including
// permanently.
func (m *Manager) IsQuarantined(agentID string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	record, ok := m.records[agentID]
	return ok && (record.Status.isOpen() || record.Status == StatusPermanent)
}

// PledgeStake records stake pledged toward recovery
func (m *Manager) PledgeStake(agentID string, amount float64) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	record, ok := m.records[agentID]
	if !ok || !record.Status.isOpen() {
		return ErrRecordNotFound
	}
	if amount <= 0 {
		return fmt.Errorf("pledge amount must be positive")
	}
	record.Progress.StakePledged += amount

	log.WithFields(logger.Fields{
		"agentID": agentID,
		"amount":  amount,
		"total":   record.Progress.StakePledged,
	}).Debug("Stake pledged toward recovery")

	return nil
}

// Eligibility is the full answer of a recovery-eligibility check
type Eligibility struct {
	Eligible      bool     `json:"eligible"`
	Progress      float64  `json:"progress"`
	Reasons       []string `json:"reasons,omitempty"`
	TimeServed    time.Duration
	TimeRequired  time.Duration
	BehaviorScore float64 `json:"behaviorScore"`
}

// CheckRecoveryEligibility evaluates every recovery requirement of the
// record's current level.
func (m *Manager) CheckRecoveryEligibility(agentID string) (*Eligibility, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.checkEligibilityLocked(agentID)
}

func (m *Manager) checkEligibilityLocked(agentID string) (*Eligibility, error) {
	record, ok := m.records[agentID]
	if !ok {
		return nil, ErrRecordNotFound
	}

	levelCfg := m.config.Levels[record.Level]
	req := levelCfg.Recovery

	elig := &Eligibility{
		TimeServed:    m.clock.Now().Sub(record.StartTime),
		TimeRequired:  levelCfg.Duration.Minimum,
		BehaviorScore: record.Progress.BehaviorScore,
	}

	if record.Status == StatusPermanent {
		elig.Reasons = append(elig.Reasons, "record is permanent")
	}
	if record.Status == StatusSuspended {
		elig.Reasons = append(elig.Reasons, "record is on administrative hold")
	}
	if elig.TimeServed < elig.TimeRequired {
		elig.Reasons = append(elig.Reasons, fmt.Sprintf("minimum time not served (%s of %s)", elig.TimeServed, elig.TimeRequired))
	}
	if record.Progress.ChallengesCompleted < req.ChallengesRequired {
		elig.Reasons = append(elig.Reasons, fmt.Sprintf("challenges incomplete (%d of %d)", record.Progress.ChallengesCompleted, req.ChallengesRequired))
	}
	if record.Progress.Endorsements < req.EndorsementsRequired {
		elig.Reasons = append(elig.Reasons, fmt.Sprintf("endorsements insufficient (%d of %d)", record.Progress.Endorsements, req.EndorsementsRequired))
	}
	if record.Progress.BehaviorScore < req.BehaviorScoreFloor {
		elig.Reasons = append(elig.Reasons, fmt.Sprintf("behavior score %.2f below floor %.2f", record.Progress.BehaviorScore, req.BehaviorScoreFloor))
	}
	if record.Progress.StakePledged < req.StakeRequired {
		elig.Reasons = append(elig.Reasons, fmt.Sprintf("stake pledged %.0f below required %.0f", record.Progress.StakePledged, req.StakeRequired))
	}

	elig.Progress = m.progressScoreLocked(record, req)
	elig.Eligible = len(elig.Reasons) == 0

	return elig, nil
}

// progressScoreLocked is the weighted recovery progress: challenges 0.4,
// endorsements 0.3, behavior 0.2, stake 0.1.
func (m *Manager) progressScoreLocked(record *Record, req RecoveryRequirements) float64 {
	ratio := func(have, need float64) float64 {
		if need <= 0 {
			return 1
		}
		r := have / need
		if r > 1 {
			return 1
		}
		return r
	}

	return 0.4*ratio(float64(record.Progress.ChallengesCompleted), float64(req.ChallengesRequired)) +
		0.3*ratio(float64(record.Progress.Endorsements), float64(req.EndorsementsRequired)) +
		0.2*ratio(record.Progress.BehaviorScore, req.BehaviorScoreFloor) +
		0.1*ratio(record.Progress.StakePledged, req.StakeRequired)
}

// ProcessRecoveryRequest moves an eligible agent one step down the ladder,
// or straight to full recovery for an exemplary record.
func (m *Manager) ProcessRecoveryRequest(agentID string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.processRecoveryLocked(agentID)
}

func (m *Manager) processRecoveryLocked(agentID string) error {
	record, ok := m.records[agentID]
	if !ok {
		return ErrRecordNotFound
	}

	// Permanent is irreversible and beats any in-flight recovery.
	if record.Status == StatusPermanent {
		return fmt.Errorf("%w: record is permanent", ErrNotEligible)
	}

	record.Progress.RecoveryAttempts++

	elig, err := m.checkEligibilityLocked(agentID)
	if err != nil {
		return err
	}
	if !elig.Eligible {
		log.WithFields(logger.Fields{
			"agentID": agentID,
			"reasons": elig.Reasons,
		}).Info("Recovery request denied")
		return fmt.Errorf("%w: %v", ErrNotEligible, elig.Reasons)
	}

	exemplary := record.Progress.BehaviorScore >= 0.9 && len(record.Violations) == 0
	prev, hasPrev := record.Level.Prev()

	if exemplary || !hasPrev {
		m.fullyRecoverLocked(record)
		return nil
	}

	// Step one level down and restart that level's recovery ladder.
	record.Level = prev
	record.Status = StatusActive
	levelCfg := m.config.Levels[prev]
	now := m.clock.Now()
	record.StartTime = now
	record.EndTime = now.Add(levelCfg.Duration.Maximum)
	record.Progress.ChallengesCompleted = 0
	record.Progress.ChallengesFailed = 0
	record.Progress.Endorsements = 0
	m.plans[agentID] = m.generatePlan(agentID, levelCfg)

	log.WithFields(logger.Fields{
		"agentID": agentID,
		"level":   prev,
	}).Info(logger.DISPLAY_TAG + " Recovery approved, quarantine downgraded")

	m.bus.Emit(events.Event{
		Type:    events.RecoveryProcessed,
		AgentID: agentID,
		Details: map[string]interface{}{
			"outcome": "downgraded",
			"level":   string(prev),
		},
	})

	return nil
}

// fullyRecoverLocked closes the record, deletes the plan and restores the
// agent's voting rights.
func (m *Manager) fullyRecoverLocked(record *Record) {
	record.Status = StatusRecovered

	delete(m.records, record.AgentID)
	delete(m.plans, record.AgentID)
	delete(m.endorsements, record.AgentID)

	if m.voters != nil {
		m.voters.SetSuspended(record.AgentID, false)
	}

	log.WithField("agentID", record.AgentID).Info(logger.DISPLAY_TAG + " Agent fully recovered from quarantine")

	m.bus.Emit(events.Event{
		Type:    events.RecoveryProcessed,
		AgentID: record.AgentID,
		Details: map[string]interface{}{
			"outcome": "recovered",
		},
	})
}

// Stats summarizes the quarantine population
type ManagerStats struct {
	TotalRecords      int           `json:"totalRecords"`
	LevelDistribution map[Level]int `json:"levelDistribution"`
	Permanent         int           `json:"permanent"`
	Suspended         int           `json:"suspended"`
}

// Stats returns the level distribution and permanent/suspended counts
func (m *Manager) Stats() ManagerStats {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	stats := ManagerStats{
		TotalRecords:      len(m.records),
		LevelDistribution: make(map[Level]int),
	}
	for _, record := range m.records {
		stats.LevelDistribution[record.Level]++
		switch record.Status {
		case StatusPermanent:
			stats.Permanent++
		case StatusSuspended:
			stats.Suspended++
		}
	}
	return stats
}
