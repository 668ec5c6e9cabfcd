// Package lifecycle owns the runtime's startup and shutdown sequencing:
// staged async infrastructure bring-up, a permanent maintenance loop
// gating metrics-flush/health/backpressure probes behind independent
// flags, and a signal-driven, idempotent shutdown sequence. Grounded on
// the teacher's service.BaseService status machine (atomic.Value status,
// CAS-guarded transitions, health monitor ticker) and the original
// source's staged ServiceHost startup/shutdown ordering.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/c360/src/internal/bus"
	"github.com/c360/src/internal/cache"
	"github.com/c360/src/internal/config"
	"github.com/c360/src/internal/corelog"
	"github.com/c360/src/internal/dispatcher"
	coreerrors "github.com/c360/src/internal/errors"
	"github.com/c360/src/internal/health"
	"github.com/c360/src/internal/metric"
	"github.com/c360/src/internal/publish"
	"github.com/c360/src/internal/scheduler"
	"github.com/c360/src/internal/workerpool"
)

// Status mirrors the teacher's service.Status lifecycle enum.
type Status int32

const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Controller owns the runtime's five long-lived components (worker pool,
// cache registry, scheduler, dispatcher, publisher) and drives their
// startup and shutdown as a unit.
type Controller struct {
	serviceName string

	Bus        *bus.Client
	Pool       *workerpool.Pool
	Cache      *cache.Registry
	Scheduler  *scheduler.Scheduler
	Dispatcher *dispatcher.Dispatcher
	Publisher  *publish.Publisher
	Config     *config.Watcher
	Metrics    *metric.Registry
	Logger     *corelog.Logger

	status atomic.Int32

	tracingEnabled        atomic.Bool
	permanentTasksRunning atomic.Bool
	permanentTaskID       scheduler.TaskID

	shutdownOnce sync.Once
	shutdownDone chan struct{}
	stopSignals  context.CancelFunc

	cpuMu       sync.Mutex
	lastWall    time.Time
	lastProcess time.Duration
}

// New wires the five owned components together but does not start
// anything; call Start, or StartInfrastructureAsync followed by
// CompleteStartupAsync.
func New(serviceName, serviceUID string, cfg config.RuntimeConfig, logger *corelog.Logger, metrics *metric.Registry, tracer trace.Tracer) *Controller {
	pool := workerpool.New(cfg.Threads, workerpool.WithMetrics(metrics, serviceName), workerpool.WithLogger(logger))
	busClient := bus.New(cfg.NATSURL, bus.WithName(serviceName))

	c := &Controller{
		serviceName:  serviceName,
		Bus:          busClient,
		Pool:         pool,
		Cache:        cache.NewRegistry(),
		Scheduler:    scheduler.New(pool),
		Dispatcher:   dispatcher.New(busClient, pool, tracer, logger, metrics, serviceUID, serviceName),
		Publisher:    publish.New(busClient, dispatcher.JSONCodec{}, tracer, logger, metrics, serviceUID),
		Metrics:      metrics,
		Logger:       logger,
		shutdownDone: make(chan struct{}),
	}
	c.status.Store(int32(StatusStopped))
	return c
}

// Status returns the controller's current lifecycle status.
func (c *Controller) Status() Status {
	return Status(c.status.Load())
}

// Running reports whether the controller has completed startup and has not
// begun shutdown.
func (c *Controller) Running() bool {
	return c.Status() == StatusRunning
}

// Done returns a channel closed once Shutdown has fully completed, letting
// callers block until the runtime has torn itself down.
func (c *Controller) Done() <-chan struct{} {
	return c.shutdownDone
}

// ServiceName returns the name this controller was constructed with.
func (c *Controller) ServiceName() string {
	return c.serviceName
}

// EnablePerformanceMode toggles the hot-path publisher between the fast
// (performance mode on) and traced (performance mode off) paths.
func (c *Controller) EnablePerformanceMode(enabled bool) {
	if enabled {
		c.Publisher.DisableTracing()
		c.tracingEnabled.Store(false)
	} else {
		c.Publisher.EnableTracing()
		c.tracingEnabled.Store(true)
	}
}

// Start runs the whole startup sequence synchronously: connect bus,
// optional JetStream, signal handlers, register handlers, start
// scheduler and permanent tasks, mark running. It does not configure the
// publisher's tracing mode; that changes only through
// EnablePerformanceMode. It does not mark the controller running if the
// post-start health check fails.
func (c *Controller) Start(ctx context.Context, cfg config.RuntimeConfig, registerFn func() error) error {
	c.status.Store(int32(StatusStarting))

	if err := c.Bus.Connect(ctx); err != nil {
		return coreerrors.WrapFatal(err, "lifecycle.Controller", "Start", "connect bus")
	}
	if err := c.Bus.EnableJetStream(); err != nil {
		c.Logger.ErrorErr("jetstream unavailable, continuing without a durable layer", err)
	}

	c.setupSignalHandlers()

	if registerFn != nil {
		if err := registerFn(); err != nil {
			return coreerrors.WrapFatal(err, "lifecycle.Controller", "Start", "register handlers")
		}
	}

	c.Pool.Start()
	c.Scheduler.Start()
	c.startPermanentTasks(cfg)

	if h := c.Health(); !h.IsHealthy() {
		c.status.Store(int32(StatusStopped))
		return coreerrors.WrapFatal(fmt.Errorf("%s", h.Message), "lifecycle.Controller", "Start", "post-start health check")
	}

	c.status.Store(int32(StatusRunning))
	if c.Metrics != nil {
		c.Metrics.CoreMetrics().RecordServiceStatus(c.serviceName, int(StatusRunning))
	}
	return nil
}

// StartInfrastructureAsync brings up bus connection, scheduler, cache
// wiring and signal handlers, and closes the returned channel (after
// optionally sending one error) once that stage completes.
func (c *Controller) StartInfrastructureAsync(ctx context.Context, cfg config.RuntimeConfig) <-chan error {
	c.status.Store(int32(StatusStarting))
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)

		if err := c.Bus.Connect(ctx); err != nil {
			errCh <- coreerrors.WrapFatal(err, "lifecycle.Controller", "StartInfrastructureAsync", "connect bus")
			return
		}
		if err := c.Bus.EnableJetStream(); err != nil {
			c.Logger.ErrorErr("jetstream unavailable, continuing without a durable layer", err)
		}

		c.setupSignalHandlers()
		c.Scheduler.Start()
	}()

	return errCh
}

// CompleteStartupAsync is called after StartInfrastructureAsync's channel
// closes: it registers handlers, attaches scheduler tasks, starts
// permanent tasks, and runs the final health check.
func (c *Controller) CompleteStartupAsync(ctx context.Context, cfg config.RuntimeConfig, registerFn func() error) error {
	if registerFn != nil {
		if err := registerFn(); err != nil {
			return coreerrors.WrapFatal(err, "lifecycle.Controller", "CompleteStartupAsync", "register handlers")
		}
	}

	c.Pool.Start()
	c.startPermanentTasks(cfg)

	if h := c.Health(); !h.IsHealthy() {
		c.status.Store(int32(StatusStopped))
		return coreerrors.WrapFatal(fmt.Errorf("%s", h.Message), "lifecycle.Controller", "CompleteStartupAsync", "post-start health check")
	}

	c.status.Store(int32(StatusRunning))
	if c.Metrics != nil {
		c.Metrics.CoreMetrics().RecordServiceStatus(c.serviceName, int(StatusRunning))
	}
	return nil
}

// setupSignalHandlers installs SIGINT/SIGTERM->shutdown and
// SIGHUP->log-level-reload handling.
func (c *Controller) setupSignalHandlers() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	c.stopSignals = cancel

	go func() {
		<-ctx.Done()
		c.Logger.Info("shutdown signal received")
		c.Shutdown()
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			corelog.ReloadLevelFromEnv()
			c.Logger.Info("log level reloaded from environment", "level", corelog.CurrentLevel())
		}
	}()
}

// startPermanentTasks schedules the single recurring maintenance task that
// runs the metrics-flush, health-status, and backpressure probes under one
// permanent_tasks_running flag.
func (c *Controller) startPermanentTasks(cfg config.RuntimeConfig) {
	if c.permanentTasksRunning.Load() {
		return
	}
	c.permanentTasksRunning.Store(true)

	interval := cfg.PermanentTaskInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	c.permanentTaskID = c.Scheduler.ScheduleInterval("permanent_maintenance", interval, func() {
		c.runMaintenanceProbes(cfg)
	})
}

func (c *Controller) stopPermanentTasks() {
	if !c.permanentTasksRunning.CompareAndSwap(true, false) {
		return
	}
	c.Scheduler.Cancel(c.permanentTaskID)
}

func (c *Controller) runMaintenanceProbes(cfg config.RuntimeConfig) {
	if c.tracingEnabled.Load() {
		c.flushMetricsSummary()
	}
	c.checkHealthThresholds(cfg.HealthThresholds)
	c.checkBackpressure(cfg.BackpressureThreshold)
}

func (c *Controller) flushMetricsSummary() {
	stats := c.Pool.Stats()
	c.Logger.Info("metrics summary",
		"queue_size", stats.QueueDepth,
		"threads", stats.Workers,
		"service", c.serviceName,
	)
}

func (c *Controller) checkHealthThresholds(thresholds config.HealthThresholds) {
	cpuPercent := c.sampleCPUPercent()
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	memMB := int(mem.Sys / (1024 * 1024))
	queueDepth := c.Pool.Pending()

	if thresholds.MaxCPUPercent > 0 && cpuPercent > thresholds.MaxCPUPercent {
		c.Logger.Warn("cpu usage above threshold", "cpu_percent", cpuPercent, "threshold", thresholds.MaxCPUPercent)
	}
	if thresholds.MaxMemoryMB > 0 && memMB > thresholds.MaxMemoryMB {
		c.Logger.Warn("memory usage above threshold", "memory_mb", memMB, "threshold", thresholds.MaxMemoryMB)
	}
	if thresholds.MaxQueueDepth > 0 && queueDepth > thresholds.MaxQueueDepth {
		c.Logger.Warn("queue depth above threshold", "queue_depth", queueDepth, "threshold", thresholds.MaxQueueDepth)
	}
}

func (c *Controller) checkBackpressure(threshold int) {
	if threshold <= 0 {
		return
	}
	pending := c.Pool.Pending()
	if pending > threshold {
		stats := c.Pool.Stats()
		c.Logger.Warn("backpressure threshold exceeded",
			"pending", pending,
			"threshold", threshold,
			"submitted", stats.Submitted,
			"processed", stats.Processed,
		)
	}
}

// sampleCPUPercent estimates process CPU usage as a percentage of one core
// over the elapsed wall-clock time since the previous sample. It caches the
// previous (wall_time, process_time) pair and enforces a 5s minimum
// sampling interval regardless of call frequency.
func (c *Controller) sampleCPUPercent() float64 {
	c.cpuMu.Lock()
	defer c.cpuMu.Unlock()

	now := time.Now()
	if !c.lastWall.IsZero() && now.Sub(c.lastWall) < 5*time.Second {
		return 0
	}

	processTime, ok := readProcessCPUTime()
	if !ok {
		// /proc unavailable: approximate load via goroutine count, a coarse
		// but dependency-free proxy.
		return float64(runtime.NumGoroutine()) / float64(runtime.NumCPU()) * 10
	}

	var percent float64
	if !c.lastWall.IsZero() {
		wallDelta := now.Sub(c.lastWall)
		cpuDelta := processTime - c.lastProcess
		if wallDelta > 0 {
			percent = 100 * cpuDelta.Seconds() / wallDelta.Seconds()
		}
	}

	c.lastWall = now
	c.lastProcess = processTime
	return percent
}

// Health reports a single component status from the bus connection state
// (unhealthy unless connected) and the controller state (degraded while
// stopping or stopped). Worker-pool and cache-registry state is not
// consulted.
func (c *Controller) Health() health.Status {
	if c.Bus.Status() != bus.StatusConnected {
		return health.NewUnhealthy(c.serviceName, fmt.Sprintf("bus status: %s", c.Bus.Status()))
	}
	if c.Status() == StatusStopping || c.Status() == StatusStopped {
		return health.NewDegraded(c.serviceName, "controller is "+c.Status().String())
	}
	return health.NewHealthy(c.serviceName, "runtime operating normally")
}

// Shutdown runs the shutdown sequence synchronously. Idempotent: repeat
// calls after the first are no-ops.
func (c *Controller) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.status.Store(int32(StatusStopping))
		if c.Metrics != nil {
			c.Metrics.CoreMetrics().RecordServiceStatus(c.serviceName, int(StatusStopping))
		}

		c.stopPermanentTasks()

		if c.Config != nil {
			c.Config.StopWatch()
		}

		if err := c.Pool.Shutdown(30 * time.Second); err != nil {
			c.Logger.ErrorErr("worker pool shutdown did not complete cleanly", err)
		}

		c.Scheduler.Stop()

		if err := c.Bus.Close(context.Background()); err != nil {
			c.Logger.ErrorErr("bus close did not complete cleanly", err)
		}

		if c.stopSignals != nil {
			c.stopSignals()
		}

		c.status.Store(int32(StatusStopped))
		if c.Metrics != nil {
			c.Metrics.CoreMetrics().RecordServiceStatus(c.serviceName, int(StatusStopped))
		}
		close(c.shutdownDone)
	})
}

// ShutdownWithTimeout runs Shutdown in the background and returns once
// either it completes or timeout elapses -- whichever is first. Per the
// runtime's shutdown contract, the background sequence always runs to
// completion; the timeout bounds only the caller's wait, since Go cannot
// forcibly interrupt a running goroutine.
func (c *Controller) ShutdownWithTimeout(timeout time.Duration) {
	go c.Shutdown()

	select {
	case <-c.shutdownDone:
	case <-time.After(timeout):
		c.Logger.Warn("shutdown wait timed out; shutdown continues in the background", "timeout", timeout)
	}
}
