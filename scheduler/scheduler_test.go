package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualScheduler_FiresInDeadlineOrder(t *testing.T) {
	clock := NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	sched := NewManualScheduler(clock)

	var fired []string
	sched.Schedule(3*time.Second, func() { fired = append(fired, "late") })
	sched.Schedule(1*time.Second, func() { fired = append(fired, "early") })

	sched.Advance(2 * time.Second)
	assert.Equal(t, []string{"early"}, fired, "Only tasks past their deadline fire")

	sched.Advance(2 * time.Second)
	assert.Equal(t, []string{"early", "late"}, fired)
}

func TestManualScheduler_ClockStopsAtFinalInstant(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := NewManualClock(start)
	sched := NewManualScheduler(clock)

	var observed time.Time
	sched.Schedule(time.Second, func() { observed = clock.Now() })

	sched.Advance(time.Minute)
	assert.Equal(t, start.Add(time.Second), observed,
		"A callback sees the clock at its own deadline, not the advance target")
	assert.Equal(t, start.Add(time.Minute), clock.Now())
}

func TestManualScheduler_Cancel(t *testing.T) {
	clock := NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	sched := NewManualScheduler(clock)

	fired := false
	task := sched.Schedule(time.Second, func() { fired = true })

	assert.True(t, task.Cancel())
	sched.Advance(time.Minute)
	assert.False(t, fired)
	assert.False(t, task.Cancel(), "Cancelling twice reports nothing left to stop")
}

func TestManualScheduler_TasksScheduledDuringCallback(t *testing.T) {
	clock := NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	sched := NewManualScheduler(clock)

	ticks := 0
	var tick func()
	tick = func() {
		ticks++
		if ticks < 3 {
			sched.Schedule(time.Second, tick)
		}
	}
	sched.Schedule(time.Second, tick)

	sched.Advance(10 * time.Second)
	assert.Equal(t, 3, ticks, "Re-armed tasks fire within the same advance")
}

func TestTimerScheduler_FiresAndCancels(t *testing.T) {
	var sched TimerScheduler

	done := make(chan struct{})
	sched.Schedule(5*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduled callback never fired")
	}

	cancelled := sched.Schedule(time.Hour, func() { t.Error("cancelled task must not fire") })
	require.True(t, cancelled.Cancel())
}
