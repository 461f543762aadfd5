package quarantine

import (
	"testing"
	"time"

	"agent-sentinel/consensus"
	"agent-sentinel/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnMaliciousVerdict_LevelByConfidence(t *testing.T) {
	f := newManagerFixture()

	cases := []struct {
		agentID    string
		confidence float64
		level      Level
	}{
		{"agent-certain", 0.96, LevelComplete},
		{"agent-strong", 0.88, LevelHard},
		{"agent-marginal", 0.70, LevelSoft},
	}

	for _, tc := range cases {
		f.manager.OnMaliciousVerdict(&consensus.Result{
			TargetAgent: tc.agentID,
			Decision:    consensus.DecisionMalicious,
			Confidence:  tc.confidence,
		}, []string{"ev-1"})

		record, err := f.manager.Record(tc.agentID)
		require.NoError(t, err, "Verdict must open a record for %s", tc.agentID)
		assert.Equal(t, tc.level, record.Level,
			"Confidence %.2f must map to level %s", tc.confidence, tc.level)
	}
}

func TestQuarantine_CreatesRecordAndSuspendsVoting(t *testing.T) {
	f := newManagerFixture()

	err := f.manager.Quarantine("peer-1", LevelSoft, "repeated protocol deviations", []string{"ev-7"}, nil)
	require.NoError(t, err)

	record, err := f.manager.Record("peer-1")
	require.NoError(t, err)
	assert.Equal(t, LevelSoft, record.Level)
	assert.Equal(t, StatusActive, record.Status)
	assert.Equal(t, []string{"ev-7"}, record.EvidenceIDs)
	assert.Equal(t, f.clock.Now().Add(72*time.Hour), record.EndTime,
		"Record runs for the level's maximum duration")

	assert.True(t, f.manager.IsQuarantined("peer-1"))
	assert.True(t, f.voters.suspended["peer-1"], "Quarantine suspends voting rights")

	plan, err := f.manager.Plan("peer-1")
	require.NoError(t, err)
	assert.Len(t, plan.Phases, 3, "Soft quarantine gets the full three-phase ladder")

	assert.Len(t, f.eventsOfType(events.AgentQuarantined), 1)
}

func TestQuarantine_UnknownLevelRejected(t *testing.T) {
	f := newManagerFixture()

	err := f.manager.Quarantine("peer-1", Level("solitary"), "test", nil, nil)
	assert.ErrorIs(t, err, ErrInvalidLevelTransition)
}

func TestQuarantine_OpenRecordEscalatesInstead(t *testing.T) {
	f := newManagerFixture()

	require.NoError(t, f.manager.Quarantine("peer-1", LevelSoft, "first verdict", nil, nil))

	plan, _ := f.manager.Plan("peer-1")
	_, err := f.manager.SubmitChallengeResponse("peer-1", plan.Phases[0].Challenges[0].ID,
		&ChallengeResponse{Answer: "worked example"})
	require.NoError(t, err)

	require.NoError(t, f.manager.Quarantine("peer-1", LevelSoft, "second verdict", nil, nil))

	record, err := f.manager.Record("peer-1")
	require.NoError(t, err)
	assert.Equal(t, LevelHard, record.Level, "Re-quarantine escalates, never duplicates")
	assert.Equal(t, StatusEscalated, record.Status)
	assert.Zero(t, record.Progress.ChallengesCompleted, "Escalation restarts recovery progress")

	assert.Len(t, f.eventsOfType(events.AgentQuarantined), 1)
	assert.Len(t, f.eventsOfType(events.QuarantineEscalated), 1)
}

func TestEscalate_AtCompleteExtendsInstead(t *testing.T) {
	f := newManagerFixture()

	require.NoError(t, f.manager.Quarantine("peer-1", LevelComplete, "critical verdict", nil, nil))
	before, _ := f.manager.Record("peer-1")

	require.NoError(t, f.manager.Escalate("peer-1", "repeat offense"))

	after, _ := f.manager.Record("peer-1")
	assert.Equal(t, LevelComplete, after.Level, "No level exists above complete")
	assert.Equal(t, before.EndTime.Add(24*time.Hour), after.EndTime)
	assert.Len(t, after.Extensions, 1)
	assert.Len(t, f.eventsOfType(events.QuarantineExtended), 1)
}

func TestEscalate_UnknownAgent(t *testing.T) {
	f := newManagerFixture()

	err := f.manager.Escalate("peer-1", "no record")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestSuspendAndResume(t *testing.T) {
	f := newManagerFixture()

	require.NoError(t, f.manager.Quarantine("peer-1", LevelSoft, "verdict", nil, nil))

	require.NoError(t, f.manager.Suspend("peer-1"))
	record, _ := f.manager.Record("peer-1")
	assert.Equal(t, StatusSuspended, record.Status)

	require.NoError(t, f.manager.Resume("peer-1"))
	record, _ = f.manager.Record("peer-1")
	assert.Equal(t, StatusActive, record.Status)

	err := f.manager.Resume("peer-1")
	assert.ErrorIs(t, err, ErrRecordActive, "Resume only applies to suspended records")

	err = f.manager.Resume("peer-9")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestPledgeStake(t *testing.T) {
	f := newManagerFixture()

	require.NoError(t, f.manager.Quarantine("peer-1", LevelSoft, "verdict", nil, nil))

	require.NoError(t, f.manager.PledgeStake("peer-1", 400))
	require.NoError(t, f.manager.PledgeStake("peer-1", 600))

	record, _ := f.manager.Record("peer-1")
	assert.InDelta(t, 1000.0, record.Progress.StakePledged, 1e-9, "Pledges accumulate")

	assert.Error(t, f.manager.PledgeStake("peer-1", -5), "Negative pledges are rejected")
	assert.ErrorIs(t, f.manager.PledgeStake("peer-9", 100), ErrRecordNotFound)
}

func TestStats(t *testing.T) {
	f := newManagerFixture()

	require.NoError(t, f.manager.Quarantine("peer-1", LevelSoft, "verdict", nil, nil))
	require.NoError(t, f.manager.Quarantine("peer-2", LevelHard, "verdict", nil, nil))
	require.NoError(t, f.manager.Quarantine("peer-3", LevelSoft, "verdict", nil, nil))
	require.NoError(t, f.manager.Suspend("peer-3"))

	stats := f.manager.Stats()
	assert.Equal(t, 3, stats.TotalRecords)
	assert.Equal(t, 2, stats.LevelDistribution[LevelSoft])
	assert.Equal(t, 1, stats.LevelDistribution[LevelHard])
	assert.Equal(t, 1, stats.Suspended)
	assert.Zero(t, stats.Permanent)
}
