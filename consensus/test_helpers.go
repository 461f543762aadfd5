package consensus

import (
	"fmt"
	"time"

	"agent-sentinel/account"
	"agent-sentinel/events"
	"agent-sentinel/evidence"
	"agent-sentinel/scheduler"
)

// mockLedger is a scripted ReputationLedger for tests
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

func (m *mockLedger) set(agentID string, reputation, stake float64) {
	m.reputations[agentID] = reputation
	m.stakes[agentID] = stake
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

// mockSigner is a scripted AggregateSigner
type mockSigner struct {
	aggregateCalls int
	verifyResult   bool
	failAggregate  bool
}

func (m *mockSigner) Aggregate(sessionID string, consensusHash []byte) ([]byte, error) {
	m.aggregateCalls++
	if m.failAggregate {
		return nil, fmt.Errorf("signing unavailable")
	}
	return append([]byte("agg:"), consensusHash...), nil
}

func (m *mockSigner) Verify(consensusHash, signature []byte) bool {
	return m.verifyResult
}

// testFixture bundles an engine with manual time control and scripted voters
type testFixture struct {
	engine   *Engine
	registry *Registry
	pool     *evidence.Pool
	ledger   *mockLedger
	clock    *scheduler.ManualClock
	sched    *scheduler.ManualScheduler
	bus      *events.Bus
	recorded []events.Event

	submitter *account.Account
}

// newTestFixture builds an engine with the given config and registers
// voters v1..vN plus a signing evidence submitter.
func newTestFixture(config Config, voterCount int) *testFixture {
	clock := scheduler.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	sched := scheduler.NewManualScheduler(clock)
	bus := events.NewBus()
	registry := NewRegistry()
	ledger := newMockLedger()
	pool := evidence.NewPool(registry)

	f := &testFixture{
		registry: registry,
		pool:     pool,
		ledger:   ledger,
		clock:    clock,
		sched:    sched,
		bus:      bus,
	}

	bus.Subscribe(func(event events.Event) {
		f.recorded = append(f.recorded, event)
	})

	for i := 1; i <= voterCount; i++ {
		voterID := fmt.Sprintf("v%d", i)
		registry.Register(voterID, nil)
		ledger.set(voterID, 0.8, 0)
	}

	// The evidence submitter is registered for key resolution but suspended,
	// so it never enters a round's eligible-voter snapshot.
	acc, _ := account.New()
	f.submitter = acc
	registry.Register(acc.Address, acc.PublicKey)
	registry.SetSuspended(acc.Address, true)
	ledger.set(acc.Address, 0.9, 0)

	f.engine = NewEngine(config, registry, pool, ledger, clock, sched, bus)
	return f
}

// signedEvidence builds a verifiable evidence item against target
func (f *testFixture) signedEvidence(target string) *evidence.Evidence {
	item := evidence.New(evidence.TypeBehavioral, target, f.submitter.Address,
		"anomalous request pattern", 1.0, 0.9)
	signature, _ := f.submitter.Sign(item.SigningPayload())
	item.Signature = signature
	return item
}

// vote builds an unsigned vote for tests that do not exercise signatures
func vote(voterID string, decision Decision, confidence float64) *Vote {
	return &Vote{
		VoterID:    voterID,
		Decision:   decision,
		Confidence: confidence,
		Reasoning:  "test judgment",
	}
}

// eventsOfType filters the recorded events
func (f *testFixture) eventsOfType(eventType events.Type) []events.Event {
	var result []events.Event
	for _, event := range f.recorded {
		if event.Type == eventType {
			result = append(result, event)
		}
	}
	return result
}
