package behavior

import (
	"path/filepath"
	"testing"
	"time"

	"agent-sentinel/quarantine"
	"agent-sentinel/scheduler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *scheduler.ManualClock) {
	t.Helper()
	clock := scheduler.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	service, err := NewService(filepath.Join(t.TempDir(), "behavior.db"), clock)
	require.NoError(t, err)
	t.Cleanup(service.Close)
	return service, clock
}

func TestDeviationScore_NeedsBaseline(t *testing.T) {
	service, _ := newTestService(t)

	assert.Zero(t, service.DeviationScore("agent-1"), "Unknown agents score zero")

	for i := 0; i < 4; i++ {
		require.NoError(t, service.RecordObservation("agent-1", "request_rate", 10))
	}
	assert.Zero(t, service.DeviationScore("agent-1"), "Too little history still scores zero")
}

func TestDeviationScore_ReflectsLatestSample(t *testing.T) {
	service, _ := newTestService(t)

	// A stable baseline with mild jitter.
	for _, value := range []float64{10, 11, 9, 10, 11, 10, 9, 10} {
		require.NoError(t, service.RecordObservation("agent-1", "request_rate", value))
	}
	steady := service.DeviationScore("agent-1")
	assert.Less(t, steady, 0.5, "Staying on baseline keeps deviation low")

	require.NoError(t, service.RecordObservation("agent-1", "request_rate", 300))
	spiked := service.DeviationScore("agent-1")
	assert.Greater(t, spiked, steady)
	assert.LessOrEqual(t, spiked, 1.0)
}

func TestRecordObservation_AutoFlagsOutliers(t *testing.T) {
	service, _ := newTestService(t)

	for _, value := range []float64{10, 11, 9, 10, 11, 10} {
		require.NoError(t, service.RecordObservation("agent-1", "request_rate", value))
	}
	require.Empty(t, service.FlaggedEvents("agent-1"), "Baseline samples raise no flags")

	require.NoError(t, service.RecordObservation("agent-1", "request_rate", 500))

	flags := service.FlaggedEvents("agent-1")
	require.Len(t, flags, 1)
	assert.Equal(t, "behavioral_anomaly", flags[0].Type)
	assert.Equal(t, quarantine.SeverityModerate, flags[0].Severity)

	assert.Empty(t, service.FlaggedEvents("agent-1"), "Flags drain on read")
}

func TestFlag_QueuesForMonitor(t *testing.T) {
	service, _ := newTestService(t)

	service.Flag("agent-1", "protocol_breach", "spoke out of turn", quarantine.SeveritySevere, []string{"ev-1"})

	flags := service.FlaggedEvents("agent-1")
	require.Len(t, flags, 1)
	assert.Equal(t, "protocol_breach", flags[0].Type)
	assert.Equal(t, []string{"ev-1"}, flags[0].EvidenceIDs)
}

func TestActivityLevel_WindowedAndCapped(t *testing.T) {
	service, clock := newTestService(t)

	assert.Zero(t, service.ActivityLevel("agent-1"))

	// Six observations is half the hourly target of twelve.
	for i := 0; i < 6; i++ {
		require.NoError(t, service.RecordObservation("agent-1", "request_rate", 10))
	}
	assert.InDelta(t, 0.5, service.ActivityLevel("agent-1"), 1e-9)

	for i := 0; i < 30; i++ {
		require.NoError(t, service.RecordObservation("agent-1", "request_rate", 10))
	}
	assert.InDelta(t, 1.0, service.ActivityLevel("agent-1"), 1e-9, "Activity caps at one")

	clock.Advance(2 * time.Hour)
	assert.Zero(t, service.ActivityLevel("agent-1"), "Old observations age out of the window")
}

func TestObservationsPersist(t *testing.T) {
	service, clock := newTestService(t)
	start := clock.Now()

	require.NoError(t, service.RecordObservation("agent-1", "request_rate", 10))
	clock.Advance(time.Minute)
	require.NoError(t, service.RecordObservation("agent-1", "error_rate", 0.02))

	count, err := service.ObservationCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	observations, err := service.ObservationsByTimeRange("agent-1", start, clock.Now())
	require.NoError(t, err)
	require.Len(t, observations, 2)
	assert.Equal(t, "error_rate", observations[0].Metric, "Newest observation comes first")
}
