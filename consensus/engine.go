package consensus

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"agent-sentinel/events"
	"agent-sentinel/evidence"
	"agent-sentinel/logger"
	"agent-sentinel/scheduler"

	"github.com/google/uuid"
)

var log = logger.Logger

// Engine coordinates the three-round detection sessions. One session per
// target agent may be active at a time; every mutation of a session happens
// under the engine mutex, so vote submissions and timer callbacks are
// serialized.
type Engine struct {
	mutex    sync.RWMutex
	config   Config
	registry *Registry
	pool     *evidence.Pool
	ledger   ReputationLedger
	clock    scheduler.Clock
	sched    scheduler.Scheduler
	bus      *events.Bus

	aggSigner AggregateSigner
	sink      QuarantineSink

	sessions map[string]*session
	byTarget map[string]string // target agent -> active session id

	finished []*Result

	// Outbound notifications deferred until the mutex is released.
	// Subscribers may call back into the engine, so emitting mid-lock
	// would deadlock them.
	queued []func()
}

// NewEngine creates a consensus engine
func NewEngine(config Config, registry *Registry, pool *evidence.Pool, ledger ReputationLedger,
	clock scheduler.Clock, sched scheduler.Scheduler, bus *events.Bus) *Engine {

	log.WithFields(logger.Fields{
		"roundTimeout":     config.RoundTimeout,
		"minParticipation": config.MinParticipation,
		"commitReveal":     config.UseCommitReveal,
	}).Debug("Creating consensus engine")

	return &Engine{
		config:   config,
		registry: registry,
		pool:     pool,
		ledger:   ledger,
		clock:    clock,
		sched:    sched,
		bus:      bus,
		sessions: make(map[string]*session),
		byTarget: make(map[string]string),
	}
}

// SetQuarantineSink wires the malicious-verdict trigger. Called during
// construction wiring, before any session starts.
func (e *Engine) SetQuarantineSink(sink QuarantineSink) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.sink = sink
}

// SetAggregateSigner wires the threshold-signature provider
func (e *Engine) SetAggregateSigner(signer AggregateSigner) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.aggSigner = signer
}

// Registry exposes the voter registry for wiring
func (e *Engine) Registry() *Registry {
	return e.registry
}

// queueLocked defers an outbound notification. Caller holds the engine
// mutex; the notification runs once flushQueued drains the queue.
func (e *Engine) queueLocked(notify func()) {
	e.queued = append(e.queued, notify)
}

// flushQueued delivers the notifications queued during the last mutation.
// Every entry point that can close a round registers it with defer before
// the deferred unlock, so it runs with the mutex released.
func (e *Engine) flushQueued() {
	e.mutex.Lock()
	queued := e.queued
	e.queued = nil
	e.mutex.Unlock()

	for _, notify := range queued {
		notify()
	}
}

// Initiate opens a detection session against the target agent. A second
// call while a session is active for the same target is rejected.
func (e *Engine) Initiate(targetAgent string, initialEvidence []*evidence.Evidence, detectionSignal float64) (string, error) {
	e.mutex.Lock()
	defer e.flushQueued()
	defer e.mutex.Unlock()

	if existing, ok := e.byTarget[targetAgent]; ok {
		log.WithFields(logger.Fields{
			"targetAgent": targetAgent,
			"sessionID":   existing,
		}).Warn("Rejecting session initiation, target already under consensus")
		return "", fmt.Errorf("%w: session %s", ErrSessionActive, existing)
	}

	s := &session{
		id:              uuid.NewString(),
		targetAgent:     targetAgent,
		status:          SessionActive,
		commitments:     make(map[string]*commitment),
		detectionSignal: detectionSignal,
		createdAt:       e.clock.Now(),
	}

	for _, item := range initialEvidence {
		if item == nil {
			continue
		}
		if err := e.pool.Submit(item); err != nil {
			log.WithFields(logger.Fields{
				"evidenceID": item.ID,
				"error":      err,
			}).Warn("Initial evidence rejected by pool")
			continue
		}
		s.evidenceIDs = append(s.evidenceIDs, item.ID)
	}

	e.sessions[s.id] = s
	e.byTarget[targetAgent] = s.id

	e.startRoundLocked(s, 1)

	log.WithFields(logger.Fields{
		"sessionID":       s.id,
		"targetAgent":     targetAgent,
		"detectionSignal": detectionSignal,
		"initialEvidence": len(s.evidenceIDs),
	}).Info(logger.DISPLAY_TAG + " Consensus session initiated")

	event := events.Event{
		Type:      events.SessionInitiated,
		AgentID:   targetAgent,
		SessionID: s.id,
		Details: map[string]interface{}{
			"detectionSignal": detectionSignal,
			"evidenceCount":   len(s.evidenceIDs),
		},
	}
	e.queueLocked(func() { e.bus.Emit(event) })

	return s.id, nil
}

// startRoundLocked opens round number for the session and arms its timeout.
// Caller holds the engine mutex.
func (e *Engine) startRoundLocked(s *session, number int) {
	if number > MaxRounds {
		// Invariant breach: the advancement logic must never ask for a
		// fourth round.
		log.WithFields(logger.Fields{
			"sessionID": s.id,
			"round":     number,
		}).Panic("Attempted to start a round beyond the maximum")
	}

	round := &Round{
		Number:          number,
		StartTime:       e.clock.Now(),
		Timeout:         e.config.RoundTimeout,
		Votes:           make(map[string]*Vote),
		VoteSignatures:  make(map[string][]byte),
		QuorumThreshold: e.config.MinParticipation,
		Status:          RoundActive,
		EligibleVoters:  e.registry.EligibleFor(s.targetAgent),
	}
	s.rounds = append(s.rounds, round)

	sessionID := s.id
	s.roundTimer = e.sched.Schedule(e.config.RoundTimeout, func() {
		e.onRoundTimeout(sessionID, number)
	})

	log.WithFields(logger.Fields{
		"sessionID":      s.id,
		"round":          number,
		"eligibleVoters": len(round.EligibleVoters),
		"timeout":        round.Timeout,
	}).Info("Consensus round started")
}

// onRoundTimeout fires when a round's deadline passes without quorum
func (e *Engine) onRoundTimeout(sessionID string, number int) {
	e.mutex.Lock()
	defer e.flushQueued()
	defer e.mutex.Unlock()

	s, ok := e.sessions[sessionID]
	if !ok || s.status != SessionActive {
		return
	}
	round := s.currentRound()
	if round == nil || round.Number != number || round.Status != RoundActive {
		return
	}

	log.WithFields(logger.Fields{
		"sessionID": sessionID,
		"round":     number,
		"votes":     len(round.Votes),
	}).Debug("Round deadline reached")

	e.closeRoundLocked(s, round, true)
}

// SubmitEvidence adds evidence to an active session. Round 3 accepts no
// new evidence.
func (e *Engine) SubmitEvidence(sessionID string, item *evidence.Evidence) error {
	e.mutex.Lock()
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
	if round.Number >= MaxRounds {
		return fmt.Errorf("%w: final round accepts no new evidence", ErrSessionClosed)
	}

	if err := e.pool.Submit(item); err != nil {
		return err
	}

	s.evidenceIDs = append(s.evidenceIDs, item.ID)
	round.EvidenceIDs = append(round.EvidenceIDs, item.ID)

	log.WithFields(logger.Fields{
		"sessionID":  sessionID,
		"round":      round.Number,
		"evidenceID": item.ID,
	}).Debug("Evidence added to session")

	return nil
}

// SessionEvidence lists the IDs of all evidence attached to a session so
// far, in submission order.
func (e *Engine) SessionEvidence(sessionID string) ([]string, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	s, ok := e.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	ids := make([]string, len(s.evidenceIDs))
	copy(ids, s.evidenceIDs)
	return ids, nil
}

// closeRoundLocked tallies, stamps and seals the round, then advances the
// session. Caller holds the engine mutex.
func (e *Engine) closeRoundLocked(s *session, round *Round, timedOut bool) {
	if s.roundTimer != nil {
		s.roundTimer.Cancel()
		s.roundTimer = nil
	}

	if e.config.UseCommitReveal && round.Number == 1 && round.Status == RoundActive {
		// Commit phase over: give committed voters a reveal window before
		// the round is tallied.
		round.Status = RoundRevealing
		sessionID := s.id
		number := round.Number
		s.roundTimer = e.sched.Schedule(e.config.RevealTimeout, func() {
			e.onRevealTimeout(sessionID, number)
		})
		log.WithFields(logger.Fields{
			"sessionID":   s.id,
			"commitments": len(s.commitments),
		}).Info("Commit phase closed, awaiting reveals")
		return
	}

	e.sealRoundLocked(s, round, timedOut)
}

// onRevealTimeout ends the reveal window of a commit-reveal round
func (e *Engine) onRevealTimeout(sessionID string, number int) {
	e.mutex.Lock()
	defer e.flushQueued()
	defer e.mutex.Unlock()

	s, ok := e.sessions[sessionID]
	if !ok || s.status != SessionActive {
		return
	}
	round := s.currentRound()
	if round == nil || round.Number != number || round.Status != RoundRevealing {
		return
	}
	e.sealRoundLocked(s, round, false)
}

// sealRoundLocked computes the round outcome and advances the session
func (e *Engine) sealRoundLocked(s *session, round *Round, timedOut bool) {
	round.EndTime = e.clock.Now()

	tally, agreement, confidence := e.tallyRound(round)
	round.AgreementRatio = agreement
	round.Confidence = confidence
	round.Abstentions = tally.AbstainVotes

	eligible := len(round.EligibleVoters)
	if eligible > 0 {
		round.Participation = float64(len(round.Votes)) / float64(eligible)
	}

	switch {
	case round.Participation < round.QuorumThreshold:
		round.Status = RoundFailed
		round.Result = DecisionInconclusive
		s.failedRounds++
	case timedOut:
		round.Status = RoundTimedOut
		round.Result = e.roundDecision(agreement, tally)
	default:
		round.Status = RoundCompleted
		round.Result = e.roundDecision(agreement, tally)
	}

	round.Hash = e.hashRound(s, round)

	log.WithFields(logger.Fields{
		"sessionID":     s.id,
		"round":         round.Number,
		"status":        round.Status,
		"result":        round.Result,
		"agreement":     agreement,
		"participation": round.Participation,
		"votes":         len(round.Votes),
	}).Info("Consensus round closed")

	event := events.Event{
		Type:      events.RoundClosed,
		AgentID:   s.targetAgent,
		SessionID: s.id,
		Details: map[string]interface{}{
			"round":         round.Number,
			"status":        string(round.Status),
			"result":        string(round.Result),
			"agreement":     agreement,
			"participation": round.Participation,
		},
	}
	e.queueLocked(func() { e.bus.Emit(event) })

	e.advanceLocked(s, round)
}

// roundDecision maps an agreement ratio onto the per-round outcome
func (e *Engine) roundDecision(agreement float64, tally Tally) Decision {
	if tally.MaliciousWeight+tally.BenignWeight == 0 {
		return DecisionInconclusive
	}
	if agreement >= e.config.MaliciousThreshold {
		return DecisionMalicious
	}
	if agreement <= 1-e.config.BenignThreshold {
		return DecisionBenign
	}
	return DecisionInconclusive
}

// advanceLocked decides what follows a closed round: next round, skip, or
// finalization. Never exceeds MaxRounds.
func (e *Engine) advanceLocked(s *session, closed *Round) {
	// Two failed rounds sink the whole session.
	if s.failedRounds >= 2 {
		log.WithFields(logger.Fields{
			"sessionID":    s.id,
			"failedRounds": s.failedRounds,
		}).Warn("Two rounds failed quorum, session is inconclusive")
		e.finalizeLocked(s)
		return
	}

	switch closed.Number {
	case 1:
		if closed.Status != RoundFailed && e.isSuperMajority(closed.AgreementRatio) {
			s.skipRound3 = true
			log.WithFields(logger.Fields{
				"sessionID": s.id,
				"agreement": closed.AgreementRatio,
			}).Info("Strong super-majority in round 1, round 3 will be skipped")
		}
		e.startRoundLocked(s, 2)
	case 2:
		if s.skipRound3 {
			e.finalizeLocked(s)
			return
		}
		if closed.Status != RoundFailed && e.isSuperMajority(closed.AgreementRatio) {
			// Late super-majority: round 2 already confirmed it, finish here.
			s.skipRound3 = true
			e.finalizeLocked(s)
			return
		}
		e.startRoundLocked(s, 3)
	case 3:
		e.finalizeLocked(s)
	}
}

func (e *Engine) isSuperMajority(agreement float64) bool {
	return agreement >= e.config.SkipThreshold || agreement <= 1-e.config.SkipThreshold
}

// hashRound binds a round's content: header fields plus every vote in
// voter order.
func (e *Engine) hashRound(s *session, round *Round) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%s|%s|%.6f|%.6f",
		s.id, s.targetAgent, round.Number, round.Status, round.Result,
		round.AgreementRatio, round.Participation)

	voters := make([]string, 0, len(round.Votes))
	for voterID := range round.Votes {
		voters = append(voters, voterID)
	}
	sort.Strings(voters)
	for _, voterID := range voters {
		vote := round.Votes[voterID]
		fmt.Fprintf(h, "|%s:%s:%.4f:%.6f", voterID, vote.Decision, vote.Confidence, vote.Weight)
	}
	for _, id := range round.EvidenceIDs {
		fmt.Fprintf(h, "|ev:%s", id)
	}

	return hex.EncodeToString(h.Sum(nil))
}

// Abort cancels an active session administratively. Recorded votes and
// evidence stay in the audit trail; the session is marked failed.
func (e *Engine) Abort(sessionID string) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	s, ok := e.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if s.status != SessionActive {
		return ErrSessionClosed
	}

	if s.roundTimer != nil {
		s.roundTimer.Cancel()
		s.roundTimer = nil
	}
	if round := s.currentRound(); round != nil && (round.Status == RoundActive || round.Status == RoundRevealing) {
		round.Status = RoundFailed
		round.Result = DecisionInconclusive
		round.EndTime = e.clock.Now()
		round.Hash = e.hashRound(s, round)
	}

	s.status = SessionAborted
	delete(e.byTarget, s.targetAgent)

	s.result = e.buildResultLocked(s)
	s.result.Decision = DecisionFailed
	e.finished = append(e.finished, s.result)

	log.WithFields(logger.Fields{
		"sessionID":   sessionID,
		"targetAgent": s.targetAgent,
	}).Warn("Consensus session aborted")

	return nil
}

// SessionForTarget returns the active session id for an agent, if any
func (e *Engine) SessionForTarget(targetAgent string) (string, bool) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	id, ok := e.byTarget[targetAgent]
	return id, ok
}

// Rounds returns copies of the executed rounds of a session
func (e *Engine) Rounds(sessionID string) ([]Round, error) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	s, ok := e.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	rounds := make([]Round, 0, len(s.rounds))
	for _, round := range s.rounds {
		rounds = append(rounds, *round)
	}
	return rounds, nil
}
