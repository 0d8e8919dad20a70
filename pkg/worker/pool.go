package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cuemby/dispatch/pkg/executor"
	"github.com/cuemby/dispatch/pkg/log"
	"github.com/cuemby/dispatch/pkg/metrics"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNoWorkers is returned when every worker of the pool is offline
	ErrNoWorkers = errors.New("no online worker")

	// ErrUnknownWorker is returned for a name that is not part of the pool
	ErrUnknownWorker = errors.New("unknown worker")

	// ErrWorkerOffline is returned when enqueueing on an offline worker
	ErrWorkerOffline = errors.New("worker is offline")
)

// Tracker is the coordinator side of execution
type Tracker interface {
	// Started is called when a worker takes job off its queue. It returns
	// the execution context, the call and its executor, or ok=false when
	// the job must be dropped (canceled or reassigned while queued).
	Started(ctx context.Context, worker string, job Job) (context.Context, *executor.Call, executor.Executor, bool)

	// Finished reports the outcome of a started job
	Finished(worker string, job Job, outcome Outcome)
}

// Heartbeater receives worker liveness signals
type Heartbeater interface {
	Heartbeat(name string, ts time.Time) error
}

// Outcome is the result of one execution
type Outcome struct {
	Result   any
	Err      error
	Panicked bool
	Trace    string
	Duration time.Duration
}

// Config holds pool configuration
type Config struct {
	Workers           int
	Buckets           int
	HeartbeatInterval time.Duration
	// NamePrefix defaults to <hostname>-<pid>
	NamePrefix string
}

// Pool runs a fixed set of named workers, each consuming its own FIFO queue
// one job at a time
type Pool struct {
	workers []*worker
	byName  map[string]*worker
	buckets int

	tracker  Tracker
	beater   Heartbeater
	interval time.Duration
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type worker struct {
	name   string
	mu     sync.Mutex
	queue  []Job
	load   int
	online bool
	paused bool
	wakeCh chan struct{}
}

// NewPool creates a pool. beater may be nil.
func NewPool(cfg Config, tracker Tracker, beater Heartbeater) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Buckets <= 0 {
		cfg.Buckets = cfg.Workers * 16
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.NamePrefix == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "localhost"
		}
		cfg.NamePrefix = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	p := &Pool{
		byName:   make(map[string]*worker, cfg.Workers),
		buckets:  cfg.Buckets,
		tracker:  tracker,
		beater:   beater,
		interval: cfg.HeartbeatInterval,
		logger:   log.WithComponent("worker-pool"),
	}
	for i := 0; i < cfg.Workers; i++ {
		w := &worker{
			name:   fmt.Sprintf("%s-w%d", cfg.NamePrefix, i),
			online: true,
			wakeCh: make(chan struct{}, 1),
		}
		p.workers = append(p.workers, w)
		p.byName[w.name] = w
	}
	return p
}

// SetTracker sets the tracker. It must be called before Start.
func (p *Pool) SetTracker(t Tracker) {
	p.tracker = t
}

// SetHeartbeater sets the heartbeat receiver. It must be called before Start.
func (p *Pool) SetHeartbeater(h Heartbeater) {
	p.beater = h
}

// Names returns the worker names in bucket order
func (p *Pool) Names() []string {
	names := make([]string, len(p.workers))
	for i, w := range p.workers {
		names[i] = w.name
	}
	return names
}

// Start launches the workers and their heartbeat loops
func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	for _, w := range p.workers {
		p.wg.Add(2)
		go p.runLoop(w)
		go p.heartbeatLoop(w)
	}
	p.logger.Info().Int("workers", len(p.workers)).Int("buckets", p.buckets).Msg("Worker pool started")
}

// Stop stops all workers and waits for in-flight jobs to return
func (p *Pool) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.logger.Info().Msg("Worker pool stopped")
}

// Pick returns the worker owning job's bucket, probing forward past offline
// workers. Nothing is enqueued.
func (p *Pool) Pick(job Job) (string, error) {
	start := Bucket(job, p.buckets) % len(p.workers)
	for i := 0; i < len(p.workers); i++ {
		w := p.workers[(start+i)%len(p.workers)]
		w.mu.Lock()
		online := w.online
		w.mu.Unlock()
		if online {
			return w.name, nil
		}
	}
	return "", ErrNoWorkers
}

// Enqueue appends job to the named worker's queue
func (p *Pool) Enqueue(name string, job Job) error {
	w, ok := p.byName[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownWorker)
	}

	w.mu.Lock()
	if !w.online {
		w.mu.Unlock()
		return fmt.Errorf("%s: %w", name, ErrWorkerOffline)
	}
	w.queue = append(w.queue, job)
	w.load += job.Weight
	w.updateMetricsLocked()
	w.mu.Unlock()

	w.wake()
	return nil
}

// Remove drops a queued job that has not started yet
func (p *Pool) Remove(name, taskID string) bool {
	w, ok := p.byName[name]
	if !ok {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, job := range w.queue {
		if job.TaskID == taskID {
			w.queue = append(w.queue[:i], w.queue[i+1:]...)
			w.load -= job.Weight
			w.updateMetricsLocked()
			return true
		}
	}
	return false
}

// MarkOffline takes the named worker out of dispatch and drops its queue.
// It returns the dropped jobs.
func (p *Pool) MarkOffline(name string) []Job {
	w, ok := p.byName[name]
	if !ok {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.online = false
	dropped := w.queue
	w.queue = nil
	for _, job := range dropped {
		w.load -= job.Weight
	}
	w.updateMetricsLocked()
	if len(dropped) > 0 {
		p.logger.Warn().Str("worker", name).Int("dropped", len(dropped)).Msg("Worker marked offline, queue dropped")
	}
	return dropped
}

// Pause stops the named worker from heartbeating and from taking new jobs,
// as if its process had hung. The heartbeat monitor eventually declares it
// offline.
func (p *Pool) Pause(name string) error {
	w, ok := p.byName[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownWorker)
	}
	w.mu.Lock()
	w.paused = true
	w.mu.Unlock()
	p.logger.Warn().Str("worker", name).Msg("Worker paused")
	return nil
}

// Resume brings a paused or offline worker back into service
func (p *Pool) Resume(name string) error {
	w, ok := p.byName[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownWorker)
	}
	w.mu.Lock()
	w.paused = false
	w.online = true
	w.mu.Unlock()
	w.wake()
	p.beat(w)
	return nil
}

// MarkOnline puts an offline worker back into dispatch. Unlike Resume it
// leaves a paused worker paused.
func (p *Pool) MarkOnline(name string) bool {
	w, ok := p.byName[name]
	if !ok {
		return false
	}
	w.mu.Lock()
	was := w.online
	w.online = true
	w.mu.Unlock()
	w.wake()
	return !was
}

// Owns reports whether name is a worker of this pool
func (p *Pool) Owns(name string) bool {
	_, ok := p.byName[name]
	return ok
}

// Load returns the summed weight of the jobs queued on or running in the
// named worker
func (p *Pool) Load(name string) int {
	w, ok := p.byName[name]
	if !ok {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.load
}

// QueueLen returns the number of jobs waiting on the named worker
func (p *Pool) QueueLen(name string) int {
	w, ok := p.byName[name]
	if !ok {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *worker) wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

func (w *worker) updateMetricsLocked() {
	metrics.QueueDepth.WithLabelValues(w.name).Set(float64(len(w.queue)))
	metrics.QueueWeight.WithLabelValues(w.name).Set(float64(w.load))
}

// next blocks until a job is available on an active worker or the pool stops
func (p *Pool) next(w *worker) (Job, bool) {
	for {
		w.mu.Lock()
		if !w.paused && w.online && len(w.queue) > 0 {
			job := w.queue[0]
			w.queue = w.queue[1:]
			w.updateMetricsLocked()
			w.mu.Unlock()
			return job, true
		}
		w.mu.Unlock()

		select {
		case <-w.wakeCh:
		case <-p.ctx.Done():
			return Job{}, false
		}
	}
}

func (p *Pool) runLoop(w *worker) {
	defer p.wg.Done()
	logger := log.WithWorker(w.name)

	for {
		job, ok := p.next(w)
		if !ok {
			return
		}

		ctx, call, exec, ok := p.tracker.Started(p.ctx, w.name, job)
		if ok {
			outcome := p.execute(ctx, w, call, exec)
			if p.ctx.Err() != nil {
				// Shutting down: leave the task non-terminal so it is
				// resubmitted on the next start
				logger.Warn().Str("task_id", job.TaskID).Msg("Task abandoned on shutdown")
			} else {
				p.tracker.Finished(w.name, job, outcome)
			}
		}

		w.mu.Lock()
		w.load -= job.Weight
		w.updateMetricsLocked()
		w.mu.Unlock()
	}
}

// execute runs the executor, recovering panics into the outcome
func (p *Pool) execute(ctx context.Context, w *worker, call *executor.Call, exec executor.Executor) (outcome Outcome) {
	ctx, span := otel.Tracer("dispatch").Start(ctx, "worker.execute", trace.WithAttributes(
		attribute.String("task.id", call.TaskID),
		attribute.String("task.kind", call.Kind),
		attribute.String("worker", w.name),
	))
	defer span.End()

	timer := metrics.NewTimer()
	defer func() {
		if r := recover(); r != nil {
			outcome = Outcome{
				Err:      fmt.Errorf("executor panic: %v", r),
				Panicked: true,
				Trace:    string(debug.Stack()),
			}
		}
		outcome.Duration = timer.Duration()
		timer.ObserveDurationVec(metrics.TaskDuration, call.Kind)
		if outcome.Err != nil && !errors.Is(outcome.Err, executor.ErrDeferred) {
			span.RecordError(outcome.Err)
			span.SetStatus(codes.Error, outcome.Err.Error())
		}
	}()

	result, err := exec.Execute(ctx, call)
	return Outcome{Result: result, Err: err}
}

func (p *Pool) heartbeatLoop(w *worker) {
	defer p.wg.Done()

	p.beat(w)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.beat(w)
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Pool) beat(w *worker) {
	if p.beater == nil {
		return
	}
	w.mu.Lock()
	paused := w.paused
	w.mu.Unlock()
	if paused {
		return
	}
	if err := p.beater.Heartbeat(w.name, time.Now()); err != nil {
		p.logger.Warn().Err(err).Str("worker", w.name).Msg("Heartbeat failed")
	}
}
