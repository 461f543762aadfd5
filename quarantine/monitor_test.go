package quarantine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunAssessment_FlaggedEventsBecomeViolations(t *testing.T) {
	f := newManagerFixture()

	require.NoError(t, f.manager.Quarantine("peer-1", LevelSoft, "verdict", nil, nil))
	f.behavior.flag("peer-1", SeverityMinor)

	f.manager.RunAssessment()

	record, _ := f.manager.Record("peer-1")
	require.Len(t, record.Violations, 1, "Flagged behavior turns into a violation")
	assert.Equal(t, "protocol_breach", record.Violations[0].Type)

	// The detector's queue drains on read; a second pass adds nothing.
	f.manager.RunAssessment()
	record, _ = f.manager.Record("peer-1")
	assert.Len(t, record.Violations, 1)
}

func TestRunAssessment_RefreshesBehaviorSnapshot(t *testing.T) {
	f := newManagerFixture()
	f.behavior.deviations["peer-1"] = 0.3
	f.behavior.activity["peer-1"] = 0.45

	require.NoError(t, f.manager.Quarantine("peer-1", LevelSoft, "verdict", nil, nil))
	f.manager.RunAssessment()

	record, _ := f.manager.Record("peer-1")
	assert.InDelta(t, 0.7, record.Progress.BehaviorScore, 1e-9)
	assert.InDelta(t, 0.7, record.Monitoring.ComplianceScore, 1e-9)
	assert.InDelta(t, 0.45, record.Monitoring.ActivityLevel, 1e-9)
	assert.Equal(t, f.clock.Now(), record.Monitoring.LastActivity)
}

func TestRunAssessment_CleanObservationAutoRecovers(t *testing.T) {
	f := newManagerFixture()
	f.behavior.deviations["peer-1"] = 0.1

	require.NoError(t, f.manager.Quarantine("peer-1", LevelObservation, "verdict", nil, nil))

	// Minimum observation time not yet served.
	f.manager.RunAssessment()
	assert.True(t, f.manager.IsQuarantined("peer-1"))

	f.clock.Advance(2 * time.Hour)
	f.manager.RunAssessment()

	_, err := f.manager.Record("peer-1")
	assert.ErrorIs(t, err, ErrRecordNotFound, "Clean observation walks out after the minimum")
	assert.False(t, f.voters.suspended["peer-1"])
}

func TestRunAssessment_ViolationBlocksAutoRecovery(t *testing.T) {
	f := newManagerFixture()
	f.behavior.deviations["peer-1"] = 0.1

	require.NoError(t, f.manager.Quarantine("peer-1", LevelObservation, "verdict", nil, nil))
	require.NoError(t, f.manager.RecordViolation("peer-1", "rate_limit", "burst", nil, SeverityMinor))

	f.clock.Advance(2 * time.Hour)
	f.manager.RunAssessment()

	assert.True(t, f.manager.IsQuarantined("peer-1"), "A violation on file disables auto-recovery")
}

func TestRunAssessment_ExtendsWhenRecoveryInProgress(t *testing.T) {
	f := newManagerFixture()
	f.behavior.deviations["peer-1"] = 0.2

	require.NoError(t, f.manager.Quarantine("peer-1", LevelSoft, "verdict", nil, nil))
	_, err := f.manager.SubmitPeerEndorsement("peer-2", "peer-1", EndorseReliability, 0.9, "", nil)
	require.NoError(t, err)
	_, err = f.manager.SubmitPeerEndorsement("peer-3", "peer-1", EndorseHonesty, 0.8, "", nil)
	require.NoError(t, err)
	require.NoError(t, f.manager.PledgeStake("peer-1", 1000))

	f.clock.Advance(73 * time.Hour) // past the 72h soft maximum
	f.manager.RunAssessment()

	record, _ := f.manager.Record("peer-1")
	require.Equal(t, StatusActive, record.Status, "Visible progress earns an extension, not permanence")
	require.Len(t, record.Extensions, 1)
	assert.Equal(t, 24*time.Hour, record.Extensions[0].Duration)

	// The extension budget is finite: three grants, then the backstop.
	for i := 0; i < 3; i++ {
		record, _ = f.manager.Record("peer-1")
		f.clock.Advance(record.EndTime.Sub(f.clock.Now()) + time.Hour)
		f.manager.RunAssessment()
	}

	record, _ = f.manager.Record("peer-1")
	assert.Equal(t, StatusPermanent, record.Status)
	assert.Len(t, record.Extensions, 3)
}

func TestRunAssessment_NoProgressGoesPermanent(t *testing.T) {
	f := newManagerFixture()

	require.NoError(t, f.manager.Quarantine("peer-1", LevelSoft, "verdict", nil, nil))

	f.clock.Advance(73 * time.Hour)
	f.manager.RunAssessment()

	record, _ := f.manager.Record("peer-1")
	assert.Equal(t, StatusPermanent, record.Status,
		"Serving out the maximum with no recovery effort closes the door")
}

func TestMonitoring_PeriodicAssessment(t *testing.T) {
	f := newManagerFixture()

	require.NoError(t, f.manager.Quarantine("peer-1", LevelSoft, "verdict", nil, nil))
	f.manager.StartMonitoring()

	f.behavior.flag("peer-1", SeverityMinor)
	f.sched.Advance(time.Minute)

	record, _ := f.manager.Record("peer-1")
	assert.Len(t, record.Violations, 1, "The first tick picks up the flagged event")

	// The loop re-arms itself after every tick.
	f.behavior.flag("peer-1", SeverityMinor)
	f.sched.Advance(time.Minute)

	record, _ = f.manager.Record("peer-1")
	assert.Len(t, record.Violations, 2)

	f.manager.StopMonitoring()
	f.behavior.flag("peer-1", SeverityMinor)
	f.sched.Advance(time.Minute)

	record, _ = f.manager.Record("peer-1")
	assert.Len(t, record.Violations, 2, "A stopped monitor takes no further action")
}
