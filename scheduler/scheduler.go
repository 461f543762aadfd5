package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Task is a handle to a scheduled callback. Cancel reports whether the
// callback was stopped before it fired.
type Task interface {
	Cancel() bool
}

// Scheduler fires callbacks after a delay. Round timeouts, challenge
// deadlines and monitoring ticks all go through this interface so tests can
// drive them without real waits.
type Scheduler interface {
	Schedule(delay time.Duration, fn func()) Task
}

// TimerScheduler is the production scheduler backed by time.AfterFunc
type TimerScheduler struct{}

type timerTask struct {
	timer *time.Timer
}

func (t *timerTask) Cancel() bool {
	return t.timer.Stop()
}

// Schedule runs fn after delay on its own goroutine
func (TimerScheduler) Schedule(delay time.Duration, fn func()) Task {
	return &timerTask{timer: time.AfterFunc(delay, fn)}
}

// ManualClock is a Clock that only moves when told to. Paired with
// ManualScheduler it makes timeout behavior fully deterministic.
type ManualClock struct {
	mutex sync.Mutex
	now   time.Time
}

// NewManualClock creates a manual clock starting at the given instant
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the manual clock's current instant
func (mc *ManualClock) Now() time.Time {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	return mc.now
}

// Advance moves the clock forward
func (mc *ManualClock) Advance(d time.Duration) {
	mc.mutex.Lock()
	mc.now = mc.now.Add(d)
	mc.mutex.Unlock()
}

type manualTask struct {
	scheduler *ManualScheduler
	deadline  time.Time
	fn        func()
	cancelled bool
	fired     bool
}

func (t *manualTask) Cancel() bool {
	t.scheduler.mutex.Lock()
	defer t.scheduler.mutex.Unlock()
	if t.fired || t.cancelled {
		return false
	}
	t.cancelled = true
	return true
}

// ManualScheduler queues callbacks against a ManualClock and fires them when
// the clock is advanced past their deadline.
type ManualScheduler struct {
	mutex sync.Mutex
	clock *ManualClock
	tasks []*manualTask
}

// NewManualScheduler creates a manual scheduler driven by the given clock
func NewManualScheduler(clock *ManualClock) *ManualScheduler {
	return &ManualScheduler{clock: clock}
}

// Schedule queues fn to run once the clock passes now+delay
func (ms *ManualScheduler) Schedule(delay time.Duration, fn func()) Task {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	task := &manualTask{
		scheduler: ms,
		deadline:  ms.clock.Now().Add(delay),
		fn:        fn,
	}
	ms.tasks = append(ms.tasks, task)
	return task
}

// AdvanceTo moves the clock to the given instant and fires every task whose
// deadline has passed, in deadline order.
func (ms *ManualScheduler) AdvanceTo(instant time.Time) {
	for {
		ms.mutex.Lock()
		sort.Slice(ms.tasks, func(i, j int) bool {
			return ms.tasks[i].deadline.Before(ms.tasks[j].deadline)
		})

		var due *manualTask
		for _, task := range ms.tasks {
			if !task.cancelled && !task.fired && !task.deadline.After(instant) {
				due = task
				break
			}
		}

		if due == nil {
			ms.mutex.Unlock()
			break
		}

		due.fired = true
		ms.clock.mutex.Lock()
		if due.deadline.After(ms.clock.now) {
			ms.clock.now = due.deadline
		}
		ms.clock.mutex.Unlock()
		ms.mutex.Unlock()

		due.fn()
	}

	ms.clock.mutex.Lock()
	if instant.After(ms.clock.now) {
		ms.clock.now = instant
	}
	ms.clock.mutex.Unlock()
}

// Advance moves the clock forward by d, firing due tasks along the way
func (ms *ManualScheduler) Advance(d time.Duration) {
	ms.AdvanceTo(ms.clock.Now().Add(d))
}
