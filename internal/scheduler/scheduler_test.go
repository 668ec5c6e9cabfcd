package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360/src/internal/workerpool"
)

func newTestScheduler(t *testing.T) (*Scheduler, *workerpool.Pool) {
	t.Helper()
	pool := workerpool.New(4)
	pool.Start()
	s := New(pool)
	s.Start()
	t.Cleanup(func() {
		s.Stop()
		_ = pool.Shutdown(time.Second)
	})
	return s, pool
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestScheduler_OneShotRunsExactlyOnce(t *testing.T) {
	s, _ := newTestScheduler(t)

	var runs atomic.Int64
	id := s.ScheduleOnce("once", 5*time.Millisecond, func() {
		runs.Add(1)
	})

	waitFor(t, time.Second, func() bool { return runs.Load() == 1 })

	// After it executes, it should be reaped on the next dispatcher pass.
	waitFor(t, time.Second, func() bool {
		_, ok := s.Stats(id)
		return !ok
	})

	time.Sleep(20 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Errorf("expected exactly 1 execution, got %d", got)
	}
}

func TestScheduler_RecurringRunsMultipleTimes(t *testing.T) {
	s, _ := newTestScheduler(t)

	var runs atomic.Int64
	s.ScheduleInterval("tick", 5*time.Millisecond, func() {
		runs.Add(1)
	})

	waitFor(t, time.Second, func() bool { return runs.Load() >= 3 })
}

func TestScheduler_ConditionalSkipsWhenFalse(t *testing.T) {
	s, _ := newTestScheduler(t)

	var runs atomic.Int64
	s.ScheduleConditional("cond", 5*time.Millisecond, func() bool { return false }, func() {
		runs.Add(1)
	})

	time.Sleep(60 * time.Millisecond)

	if got := runs.Load(); got != 0 {
		t.Errorf("expected conditional task to never run, got %d executions", got)
	}
}

func TestScheduler_ConditionalFalsePacesByCheckIntervalNotBusyLoop(t *testing.T) {
	s, _ := newTestScheduler(t)

	var checks atomic.Int64
	checkInterval := 20 * time.Millisecond
	s.ScheduleConditional("cond", checkInterval, func() bool {
		checks.Add(1)
		return false
	}, func() {})

	time.Sleep(200 * time.Millisecond)

	// A persistently-false condition must be re-evaluated roughly every
	// checkInterval, not on every ~1ms dispatch-loop spin. Over 200ms that
	// bounds the call count well under 100; a busy loop would produce
	// thousands.
	if got := checks.Load(); got > 30 {
		t.Errorf("expected condition checks to be paced by check_interval, got %d calls in 200ms", got)
	}
	if got := checks.Load(); got < 3 {
		t.Errorf("expected the condition to still be checked periodically, got only %d calls in 200ms", got)
	}
}

func TestScheduler_ConditionalRunsWhenTrue(t *testing.T) {
	s, _ := newTestScheduler(t)

	var runs atomic.Int64
	s.ScheduleConditional("cond", 5*time.Millisecond, func() bool { return true }, func() {
		runs.Add(1)
	})

	waitFor(t, time.Second, func() bool { return runs.Load() >= 1 })
}

func TestScheduler_CancelRemovesTask(t *testing.T) {
	s, _ := newTestScheduler(t)

	id := s.ScheduleInterval("tick", 5*time.Millisecond, func() {})
	if !s.Cancel(id) {
		t.Fatalf("expected Cancel to succeed")
	}
	if _, ok := s.Stats(id); ok {
		t.Errorf("expected task to be gone after cancel")
	}
}

func TestScheduler_DisableInhibitsDispatch(t *testing.T) {
	s, _ := newTestScheduler(t)

	var runs atomic.Int64
	id := s.ScheduleInterval("tick", 5*time.Millisecond, func() {
		runs.Add(1)
	})
	s.Disable(id)

	time.Sleep(40 * time.Millisecond)
	if got := runs.Load(); got != 0 {
		t.Errorf("expected disabled task not to run, got %d executions", got)
	}

	stats, ok := s.Stats(id)
	if !ok || stats.Enabled {
		t.Errorf("expected stats preserved with Enabled=false, got %+v (ok=%v)", stats, ok)
	}
}

func TestScheduler_TaskCannotOverlapItself(t *testing.T) {
	s, _ := newTestScheduler(t)

	var concurrent atomic.Int32
	var maxConcurrent atomic.Int32
	s.ScheduleInterval("slow", 2*time.Millisecond, func() {
		n := concurrent.Add(1)
		if n > maxConcurrent.Load() {
			maxConcurrent.Store(n)
		}
		time.Sleep(20 * time.Millisecond)
		concurrent.Add(-1)
	})

	time.Sleep(100 * time.Millisecond)

	if got := maxConcurrent.Load(); got > 1 {
		t.Errorf("expected task to never overlap itself, observed concurrency %d", got)
	}
}
