// Package scheduler runs recurring, one-shot, and conditional tasks from a
// single dispatcher goroutine, submitting ready tasks to a shared worker
// pool for execution. Grounded almost verbatim on the original source's
// ServiceScheduler: task modes, wake-time bounds, and the convenience
// scheduling wrappers all mirror it directly.
package scheduler

import (
	"sync"
	"time"

	"github.com/c360/src/internal/workerpool"
)

// TaskID identifies a scheduled task.
type TaskID uint64

// ExecutionMode selects how a task is re-dispatched after it runs.
type ExecutionMode int

const (
	// Recurring tasks run every interval, starting at now+interval.
	Recurring ExecutionMode = iota
	// OneShot tasks run once after a delay, then are removed.
	OneShot
	// Conditional tasks evaluate a predicate every check interval and only
	// run the function when the predicate is true.
	Conditional
)

const (
	minWake = time.Millisecond
	maxWake = time.Minute
)

// TaskStats reports a task's execution history.
type TaskStats struct {
	Name          string
	Executions    int64
	Failures      int64
	AvgDuration   time.Duration
	LastExecution time.Time
	NextExecution time.Time
	Enabled       bool
	Running       bool
}

// SchedulerStats summarizes the whole scheduler.
type SchedulerStats struct {
	ActiveTasks     int
	TotalExecutions int64
	TotalFailures   int64
	FailureRate     float64
	Uptime          time.Duration
}

type task struct {
	id        TaskID
	name      string
	mode      ExecutionMode
	enabled   bool
	interval  time.Duration
	condition func() bool
	fn        func()

	nextRun time.Time
	running bool

	executions    int64
	failures      int64
	totalDuration time.Duration
	lastExecution time.Time
}

// isReady reports whether t is due for dispatch. It only checks timing and
// enablement — a Conditional task's condition() is evaluated on the worker
// goroutine inside runTask, never here, so this never runs user code while
// s.mu is held.
func (t *task) isReady(now time.Time) bool {
	if !t.enabled || t.running {
		return false
	}
	return !now.Before(t.nextRun)
}

// Scheduler runs scheduled tasks from a single dispatcher goroutine.
type Scheduler struct {
	mu   sync.Mutex
	cond *sync.Cond

	tasks  map[TaskID]*task
	nextID TaskID

	pool      *workerpool.Pool
	running   bool
	startedAt time.Time
	done      chan struct{}
}

// New creates a Scheduler that submits ready task bodies to pool.
func New(pool *workerpool.Pool) *Scheduler {
	s := &Scheduler{
		tasks: make(map[TaskID]*task),
		pool:  pool,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the dispatcher goroutine.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.startedAt = time.Now()
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.dispatchLoop()
}

// Stop halts the dispatcher, waits for it to exit, and disables all tasks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	done := s.done
	s.mu.Unlock()
	s.cond.Broadcast()

	if done != nil {
		<-done
	}

	s.mu.Lock()
	for _, t := range s.tasks {
		t.enabled = false
	}
	s.mu.Unlock()
}

// ScheduleInterval registers a recurring task, first running at now+interval.
func (s *Scheduler) ScheduleInterval(name string, interval time.Duration, fn func()) TaskID {
	return s.add(&task{
		name:     name,
		mode:     Recurring,
		enabled:  true,
		interval: interval,
		fn:       fn,
		nextRun:  time.Now().Add(interval),
	})
}

// ScheduleOnce registers a task that runs exactly once after delay, then is
// removed.
func (s *Scheduler) ScheduleOnce(name string, delay time.Duration, fn func()) TaskID {
	return s.add(&task{
		name:    name,
		mode:    OneShot,
		enabled: true,
		fn:      fn,
		nextRun: time.Now().Add(delay),
	})
}

// ScheduleConditional registers a task whose function only runs when
// condition() is true at the moment checkInterval elapses.
func (s *Scheduler) ScheduleConditional(name string, checkInterval time.Duration, condition func() bool, fn func()) TaskID {
	return s.add(&task{
		name:      name,
		mode:      Conditional,
		enabled:   true,
		interval:  checkInterval,
		condition: condition,
		fn:        fn,
		nextRun:   time.Now().Add(checkInterval),
	})
}

// ScheduleMetricsFlush is a convenience wrapper mirroring the original
// source's schedule_metrics_flush.
func (s *Scheduler) ScheduleMetricsFlush(interval time.Duration, fn func()) TaskID {
	return s.ScheduleInterval("metrics_flush", interval, fn)
}

// ScheduleCacheCleanup is a convenience wrapper mirroring the original
// source's schedule_cache_cleanup.
func (s *Scheduler) ScheduleCacheCleanup(interval time.Duration, fn func()) TaskID {
	return s.ScheduleInterval("cache_cleanup", interval, fn)
}

// ScheduleHealthHeartbeat is a convenience wrapper mirroring the original
// source's schedule_health_heartbeat.
func (s *Scheduler) ScheduleHealthHeartbeat(interval time.Duration, fn func()) TaskID {
	return s.ScheduleInterval("health_heartbeat", interval, fn)
}

// ScheduleBackpressureMonitor is a convenience wrapper mirroring the
// original source's schedule_backpressure_monitor.
func (s *Scheduler) ScheduleBackpressureMonitor(interval time.Duration, fn func()) TaskID {
	return s.ScheduleInterval("backpressure_monitor", interval, fn)
}

func (s *Scheduler) add(t *task) TaskID {
	s.mu.Lock()
	s.nextID++
	t.id = s.nextID
	s.tasks[t.id] = t
	s.mu.Unlock()
	s.cond.Broadcast()
	return t.id
}

// Cancel removes a task regardless of mode. Returns false if it did not
// exist.
func (s *Scheduler) Cancel(id TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return false
	}
	delete(s.tasks, id)
	s.cond.Broadcast()
	return true
}

// Enable re-enables a disabled task.
func (s *Scheduler) Enable(id TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	t.enabled = true
	s.cond.Broadcast()
	return true
}

// Disable inhibits dispatch of a task while preserving its stats.
func (s *Scheduler) Disable(id TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	t.enabled = false
	return true
}

// IsRunning reports whether a task's body is currently executing.
func (s *Scheduler) IsRunning(id TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return ok && t.running
}

// Stats returns the current statistics for one task.
func (s *Scheduler) Stats(id TaskID) (TaskStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return TaskStats{}, false
	}
	return statsOf(t), true
}

// AllStats returns statistics for every currently-registered task.
func (s *Scheduler) AllStats() map[TaskID]TaskStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[TaskID]TaskStats, len(s.tasks))
	for id, t := range s.tasks {
		result[id] = statsOf(t)
	}
	return result
}

func statsOf(t *task) TaskStats {
	var avg time.Duration
	if t.executions > 0 {
		avg = t.totalDuration / time.Duration(t.executions)
	}
	return TaskStats{
		Name:          t.name,
		Executions:    t.executions,
		Failures:      t.failures,
		AvgDuration:   avg,
		LastExecution: t.lastExecution,
		NextExecution: t.nextRun,
		Enabled:       t.enabled,
		Running:       t.running,
	}
}

// SchedulerStats summarizes activity across every task.
func (s *Scheduler) SchedulerStats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := SchedulerStats{ActiveTasks: len(s.tasks)}
	if !s.startedAt.IsZero() {
		stats.Uptime = time.Since(s.startedAt)
	}
	for _, t := range s.tasks {
		stats.TotalExecutions += t.executions
		stats.TotalFailures += t.failures
	}
	if stats.TotalExecutions > 0 {
		stats.FailureRate = float64(stats.TotalFailures) / float64(stats.TotalExecutions)
	}
	return stats
}

// dispatchLoop is the single goroutine that computes wake times, waits,
// and submits ready task bodies to the worker pool.
func (s *Scheduler) dispatchLoop() {
	defer close(s.done)

	for {
		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			return
		}

		s.reapOneShotLocked()

		now := time.Now()
		wake := s.nextWakeLocked(now)

		ready := s.collectReadyLocked(now)

		if len(ready) == 0 {
			s.waitLocked(wake)
			if !s.running {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			continue
		}

		for _, t := range ready {
			t.running = true
		}
		s.mu.Unlock()

		for _, t := range ready {
			s.submit(t)
		}

		s.mu.Lock()
		s.reapOneShotLocked()
		s.mu.Unlock()
	}
}

// nextWakeLocked computes how long to wait before the next dispatch pass,
// bounded by [1ms, 1min] per the original source's get_next_wake_time.
// Must be called with the mutex held.
func (s *Scheduler) nextWakeLocked(now time.Time) time.Duration {
	wake := maxWake
	for _, t := range s.tasks {
		if !t.enabled || t.running {
			continue
		}
		until := t.nextRun.Sub(now)
		if until < wake {
			wake = until
		}
	}
	if wake < minWake {
		wake = minWake
	}
	if wake > maxWake {
		wake = maxWake
	}
	return wake
}

// collectReadyLocked returns tasks ready to dispatch this pass. Must be
// called with the mutex held.
func (s *Scheduler) collectReadyLocked(now time.Time) []*task {
	var ready []*task
	for _, t := range s.tasks {
		if t.isReady(now) {
			ready = append(ready, t)
		}
	}
	return ready
}

// reapOneShotLocked removes completed OneShot tasks. Must be called with
// the mutex held.
func (s *Scheduler) reapOneShotLocked() {
	for id, t := range s.tasks {
		if t.mode == OneShot && t.executions >= 1 && !t.running {
			delete(s.tasks, id)
		}
	}
}

// waitLocked blocks on the condition variable for wake, or until signaled
// by a mutation. Must be called with the mutex held; it is released while
// waiting.
func (s *Scheduler) waitLocked(wake time.Duration) {
	timer := time.AfterFunc(wake, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()

	s.cond.Wait()
}

// submit runs one task's body on the worker pool, updating its stats on
// completion. Runs outside the scheduler's lock.
func (s *Scheduler) submit(t *task) {
	s.pool.Submit(func() {
		s.runTask(t)
	})
}

// runTask runs on the worker goroutine. For a Conditional task, condition()
// is evaluated here — never on the dispatch goroutine — and gates only
// whether fn() runs; nextRun always advances by interval regardless of the
// outcome, so a persistently-false condition paces at check_interval instead
// of forcing the dispatch loop to spin at minWake.
func (s *Scheduler) runTask(t *task) {
	if t.mode == Conditional && t.condition != nil && !t.condition() {
		s.mu.Lock()
		t.nextRun = time.Now().Add(t.interval)
		t.running = false
		s.mu.Unlock()
		s.cond.Broadcast()
		return
	}

	start := time.Now()
	failed := false

	func() {
		defer func() {
			if r := recover(); r != nil {
				failed = true
			}
		}()
		t.fn()
	}()

	duration := time.Since(start)

	s.mu.Lock()
	t.executions++
	t.totalDuration += duration
	t.lastExecution = start
	if failed {
		t.failures++
	}
	if t.mode == Recurring || t.mode == Conditional {
		t.nextRun = time.Now().Add(t.interval)
	}
	t.running = false
	s.mu.Unlock()

	s.cond.Broadcast()
}
