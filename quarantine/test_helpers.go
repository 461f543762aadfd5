package quarantine

import (
	"crypto/ecdsa"
	"fmt"
	"time"

	"agent-sentinel/events"
	"agent-sentinel/scheduler"
)

// mockBehavior is a scripted BehaviorSource for tests
type mockBehavior struct {
	deviations map[string]float64
	activity   map[string]float64
	flags      map[string][]FlaggedEvent
}

func newMockBehavior() *mockBehavior {
	return &mockBehavior{
		deviations: make(map[string]float64),
		activity:   make(map[string]float64),
		flags:      make(map[string][]FlaggedEvent),
	}
}

func (m *mockBehavior) DeviationScore(agentID string) float64 {
	return m.deviations[agentID]
}

func (m *mockBehavior) ActivityLevel(agentID string) float64 {
	return m.activity[agentID]
}

func (m *mockBehavior) FlaggedEvents(agentID string) []FlaggedEvent {
	flags := m.flags[agentID]
	delete(m.flags, agentID)
	return flags
}

func (m *mockBehavior) flag(agentID string, severity Severity) {
	m.flags[agentID] = append(m.flags[agentID], FlaggedEvent{
		Type:        "protocol_breach",
		Description: "scripted anomaly",
		Severity:    severity,
	})
}

// mockVoters is a scripted VoterDirectory for tests
type mockVoters struct {
	registered map[string]bool
	suspended  map[string]bool
}

func newMockVoters(agentIDs ...string) *mockVoters {
	m := &mockVoters{
		registered: make(map[string]bool),
		suspended:  make(map[string]bool),
	}
	for _, agentID := range agentIDs {
		m.registered[agentID] = true
	}
	return m
}

func (m *mockVoters) IsRegistered(agentID string) bool {
	return m.registered[agentID]
}

func (m *mockVoters) PublicKey(agentID string) (*ecdsa.PublicKey, error) {
	return nil, fmt.Errorf("no key for %s", agentID)
}

func (m *mockVoters) SetSuspended(agentID string, suspended bool) {
	m.suspended[agentID] = suspended
}

// mockLedger is a scripted StakeLedger
type mockLedger struct {
	reputations map[string]float64
	stakes      map[string]float64
}

func newMockLedger() *mockLedger {
	return &mockLedger{
		reputations: make(map[string]float64),
		stakes:      make(map[string]float64),
	}
}

func (m *mockLedger) Reputation(agentID string) float64 {
	if r, ok := m.reputations[agentID]; ok {
		return r
	}
	return 0.5
}

func (m *mockLedger) Stake(agentID string) float64 {
	return m.stakes[agentID]
}

// mockScorer scores every challenge of a type with a fixed value
type mockScorer struct {
	scores   map[ChallengeType]float64
	prepared []string
}

func newMockScorer() *mockScorer {
	return &mockScorer{scores: map[ChallengeType]float64{
		ChallengeKnowledge:     0.9,
		ChallengeCollaboration: 0.9,
		ChallengeProofOfWork:   0.9,
		ChallengeBehavioral:    0.9,
	}}
}

func (m *mockScorer) Prepare(agentID string, challenge *Challenge) {
	m.prepared = append(m.prepared, challenge.ID)
}

func (m *mockScorer) Score(agentID string, challenge *Challenge, response *ChallengeResponse) (float64, string) {
	return m.scores[challenge.Type], "scripted score"
}

// managerFixture bundles a manager with manual time and scripted collaborators
type managerFixture struct {
	manager  *Manager
	behavior *mockBehavior
	voters   *mockVoters
	ledger   *mockLedger
	scorer   *mockScorer
	clock    *scheduler.ManualClock
	sched    *scheduler.ManualScheduler
	bus      *events.Bus
	recorded []events.Event
}

func newManagerFixture() *managerFixture {
	clock := scheduler.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	sched := scheduler.NewManualScheduler(clock)
	bus := events.NewBus()

	f := &managerFixture{
		behavior: newMockBehavior(),
		voters:   newMockVoters("peer-1", "peer-2", "peer-3"),
		ledger:   newMockLedger(),
		scorer:   newMockScorer(),
		clock:    clock,
		sched:    sched,
		bus:      bus,
	}

	bus.Subscribe(func(event events.Event) {
		f.recorded = append(f.recorded, event)
	})

	f.manager = NewManager(DefaultConfig(), clock, sched, bus,
		f.behavior, f.ledger, f.voters, f.scorer)
	return f
}

// completeAllChallenges walks the agent's plan and passes every challenge
func (f *managerFixture) completeAllChallenges(agentID string) error {
	for {
		plan, err := f.manager.Plan(agentID)
		if err != nil {
			return err
		}
		if plan.Completed {
			return nil
		}
		phase := plan.Phases[plan.CurrentPhase]
		var pending *Challenge
		for _, c := range phase.Challenges {
			if c.Status == ChallengePending {
				pending = c
				break
			}
		}
		if pending == nil {
			return fmt.Errorf("phase %d has no pending challenge", phase.Number)
		}
		if _, err := f.manager.SubmitChallengeResponse(agentID, pending.ID,
			&ChallengeResponse{Answer: "worked example"}); err != nil {
			return err
		}
	}
}

func (f *managerFixture) eventsOfType(eventType events.Type) []events.Event {
	var result []events.Event
	for _, event := range f.recorded {
		if event.Type == eventType {
			result = append(result, event)
		}
	}
	return result
}
