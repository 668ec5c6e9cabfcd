// Package workerpool provides a fixed-size goroutine pool draining an
// unbounded FIFO task queue. Unlike a bounded channel, Submit never blocks
// on capacity and never drops work; it only ever blocks briefly on internal
// synchronization.
package workerpool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/src/internal/corelog"
	coreerrors "github.com/c360/src/internal/errors"
	"github.com/c360/src/internal/metric"
)

// Task is a nullary unit of work submitted to the pool.
type Task func()

// Pool is a fixed-N goroutine pool draining an unbounded mutex+condition
// variable FIFO queue. Grounded on the original source's ThreadPool: an
// unbounded queue is the core-contract choice this runtime makes instead of
// a bounded channel with drop semantics.
type Pool struct {
	workers int

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Task
	shutdown bool

	wg sync.WaitGroup

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64

	metrics       *metrics
	metricsPrefix string
	logger        *corelog.Logger
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithMetrics registers queue-depth, submitted/processed/failed/panicked
// counters, and a processing-time histogram under the given registry and
// name prefix.
func WithMetrics(registry *metric.Registry, prefix string) Option {
	return func(p *Pool) {
		p.metricsPrefix = prefix
		if registry != nil && prefix != "" {
			p.initMetrics(registry)
		}
	}
}

// WithLogger attaches a logger used to record recovered task panics at WARN.
// Without one, panics are still recovered and counted, just not logged.
func WithLogger(logger *corelog.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

type metrics struct {
	queueDepth     prometheus.Gauge
	submitted      prometheus.Counter
	processed      prometheus.Counter
	failed         prometheus.Counter
	panicked       prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// New creates a worker pool with the given number of workers. workers <= 0
// is raised to 1.
func New(workers int, opts ...Option) *Pool {
	if workers <= 0 {
		workers = 1
	}

	p := &Pool{workers: workers}
	p.cond = sync.NewCond(&p.mu)

	for _, opt := range opts {
		opt(p)
	}

	return p
}

func (p *Pool) initMetrics(registry *metric.Registry) {
	prefix := p.metricsPrefix

	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{Name: prefix + "_queue_depth", Help: "Current worker pool queue depth"})
	submitted := prometheus.NewCounter(prometheus.CounterOpts{Name: prefix + "_submitted_total", Help: "Total tasks submitted"})
	processed := prometheus.NewCounter(prometheus.CounterOpts{Name: prefix + "_processed_total", Help: "Total tasks processed"})
	failed := prometheus.NewCounter(prometheus.CounterOpts{Name: prefix + "_failed_total", Help: "Total tasks that returned/caused an error"})
	panicked := prometheus.NewCounter(prometheus.CounterOpts{Name: prefix + "_panicked_total", Help: "Total tasks that panicked and were recovered"})
	processingTime := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    prefix + "_processing_duration_seconds",
		Help:    "Time spent running submitted tasks",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"status"})

	const service = "worker_pool"
	_ = registry.RegisterGauge(service, prefix+"_queue_depth", queueDepth)
	_ = registry.RegisterCounter(service, prefix+"_submitted_total", submitted)
	_ = registry.RegisterCounter(service, prefix+"_processed_total", processed)
	_ = registry.RegisterCounter(service, prefix+"_failed_total", failed)
	_ = registry.RegisterCounter(service, prefix+"_panicked_total", panicked)
	_ = registry.RegisterHistogramVec(service, prefix+"_processing_duration_seconds", processingTime)

	p.metrics = &metrics{
		queueDepth:     queueDepth,
		submitted:      submitted,
		processed:      processed,
		failed:         failed,
		panicked:       panicked,
		processingTime: processingTime,
	}
}

// Start launches the fixed set of worker goroutines.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Submit enqueues a task. It returns false iff the pool is already shutting
// down; otherwise it enqueues and returns true, blocking only for brief
// internal synchronization, never for capacity.
func (p *Pool) Submit(task Task) bool {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return false
	}
	p.queue = append(p.queue, task)
	depth := len(p.queue)
	p.mu.Unlock()

	p.submitted.Add(1)
	if p.metrics != nil {
		p.metrics.submitted.Inc()
		p.metrics.queueDepth.Set(float64(depth))
	}
	p.cond.Signal()
	return true
}

// Pending returns the current queue depth.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Size returns the fixed number of workers.
func (p *Pool) Size() int {
	return p.workers
}

// Shutdown is idempotent: it rejects further submissions, wakes all
// workers, and waits (bounded by timeout) for every already-dequeued task
// to finish. It returns nil when the workers exit in time (and on every
// call after the first), or a transient error wrapping ErrShuttingDown when
// the timeout elapses first.
func (p *Pool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}
	p.shutdown = true
	p.mu.Unlock()
	p.cond.Broadcast()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return coreerrors.WrapTransient(coreerrors.ErrShuttingDown, "workerpool", "Shutdown", "wait for drain")
	}
}

// Stats returns current pool statistics.
type Stats struct {
	Workers    int
	QueueDepth int
	Submitted  int64
	Processed  int64
	Failed     int64
	Panicked   int64
}

// Stats returns a snapshot of pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	depth := len(p.queue)
	p.mu.Unlock()

	return Stats{
		Workers:    p.workers,
		QueueDepth: depth,
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Panicked:   p.panicked.Load(),
	}
}

// worker drains the queue until shutdown is requested and the queue is
// empty.
func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.shutdown {
			p.cond.Wait()
		}
		if len(p.queue) == 0 && p.shutdown {
			p.mu.Unlock()
			return
		}

		task := p.queue[0]
		p.queue = p.queue[1:]
		depth := len(p.queue)
		p.mu.Unlock()

		if p.metrics != nil {
			p.metrics.queueDepth.Set(float64(depth))
		}

		p.runTask(task)
	}
}

// runTask executes one task with panic containment and metrics.
func (p *Pool) runTask(task Task) {
	start := time.Now()
	status := "success"

	defer func() {
		if r := recover(); r != nil {
			status = "panic"
			p.panicked.Add(1)
			p.failed.Add(1)
			if p.logger != nil {
				p.logger.Warn("worker task panicked, recovered", "panic", r)
			}
		}
		p.processed.Add(1)
		if p.metrics != nil {
			p.metrics.processed.Inc()
			if status != "success" {
				p.metrics.failed.Inc()
				if status == "panic" {
					p.metrics.panicked.Inc()
				}
			}
			p.metrics.processingTime.WithLabelValues(status).Observe(time.Since(start).Seconds())
		}
	}()

	task()
}
