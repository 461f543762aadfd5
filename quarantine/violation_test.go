package quarantine

import (
	"testing"
	"time"

	"agent-sentinel/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPenaltyFor_SeverityMapping(t *testing.T) {
	assert.Equal(t, Penalty{Extension: 2 * time.Hour}, penaltyFor(SeverityMinor))
	assert.Equal(t, Penalty{Extension: 12 * time.Hour}, penaltyFor(SeverityModerate))
	assert.Equal(t, Penalty{Extension: 24 * time.Hour, Escalate: true}, penaltyFor(SeveritySevere))
	assert.Equal(t, Penalty{Extension: 48 * time.Hour, Escalate: true}, penaltyFor(SeverityCritical))
	assert.Equal(t, Penalty{Extension: 2 * time.Hour}, penaltyFor(Severity("unknown")),
		"Unknown severities fall back to the minor penalty")
}

func TestRecordViolation_MinorExtendsOnly(t *testing.T) {
	f := newManagerFixture()

	require.NoError(t, f.manager.Quarantine("peer-1", LevelSoft, "verdict", nil, nil))
	before, _ := f.manager.Record("peer-1")

	require.NoError(t, f.manager.RecordViolation("peer-1", "rate_limit", "burst of messages", nil, SeverityMinor))

	after, _ := f.manager.Record("peer-1")
	assert.Equal(t, LevelSoft, after.Level, "Minor violations do not escalate")
	assert.Equal(t, before.EndTime.Add(2*time.Hour), after.EndTime)
	assert.Len(t, after.Violations, 1)
	assert.Len(t, f.eventsOfType(events.QuarantineViolation), 1)
}

func TestRecordViolation_SevereEscalates(t *testing.T) {
	f := newManagerFixture()

	require.NoError(t, f.manager.Quarantine("peer-1", LevelSoft, "verdict", nil, nil))
	require.NoError(t, f.manager.RecordViolation("peer-1", "unauthorized_access", "reached a restricted resource", nil, SeveritySevere))

	record, _ := f.manager.Record("peer-1")
	assert.Equal(t, LevelHard, record.Level, "Severe violations escalate one level")
	assert.Equal(t, StatusEscalated, record.Status)
	assert.Len(t, f.eventsOfType(events.QuarantineEscalated), 1)

	// The 24h extension survives the escalation instead of being wiped by
	// the new level's window.
	hardMax := f.manager.config.Levels[LevelHard].Duration.Maximum
	assert.Equal(t, f.clock.Now().Add(hardMax).Add(24*time.Hour), record.EndTime,
		"Extension applies on top of the escalated level's maximum")
	require.Len(t, record.Extensions, 1)
	assert.Equal(t, 24*time.Hour, record.Extensions[0].Duration)
}

func TestRecordViolation_PermanentThreshold(t *testing.T) {
	f := newManagerFixture()

	require.NoError(t, f.manager.Quarantine("peer-1", LevelSoft, "verdict", nil, nil))

	for i := 0; i < 9; i++ {
		require.NoError(t, f.manager.RecordViolation("peer-1", "rate_limit", "spam burst", nil, SeverityMinor))
	}
	record, _ := f.manager.Record("peer-1")
	require.Equal(t, StatusActive, record.Status, "Nine violations stay short of the threshold")

	require.NoError(t, f.manager.RecordViolation("peer-1", "rate_limit", "spam burst", nil, SeverityMinor))

	record, _ = f.manager.Record("peer-1")
	assert.Equal(t, StatusPermanent, record.Status, "The tenth violation makes the record permanent")
	assert.True(t, f.manager.IsQuarantined("peer-1"), "Permanent records still count as quarantined")
	assert.Error(t, f.manager.Quarantine("peer-1", LevelSoft, "again", nil, nil),
		"Permanent records cannot be replaced by a fresh quarantine")

	// Further violations accumulate as history but carry no penalty.
	extensionsBefore := len(record.Extensions)
	require.NoError(t, f.manager.RecordViolation("peer-1", "rate_limit", "spam burst", nil, SeverityMinor))
	record, _ = f.manager.Record("peer-1")
	assert.Len(t, record.Violations, 11)
	assert.Len(t, record.Extensions, extensionsBefore, "Closed records take no new penalties")
}

func TestRecordViolation_UnknownAgent(t *testing.T) {
	f := newManagerFixture()

	err := f.manager.RecordViolation("peer-1", "rate_limit", "no record", nil, SeverityMinor)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}
