package worker

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openthreat/openthreat/internal/errs"
	"github.com/openthreat/openthreat/pkg/config"
	"github.com/openthreat/openthreat/pkg/logger"
	"github.com/openthreat/openthreat/pkg/telemetry"
)

// Handler executes one job. It must honor ctx cancellation at every
// upstream and store call.
type Handler func(ctx context.Context) error

// WorkerStatus describes one pool worker for the listing interface.
type WorkerStatus struct {
	Name            string   `json:"name"`
	ActiveTask      string   `json:"activeTask,omitempty"`
	RegisteredTasks []string `json:"registeredTasks"`
}

type queued struct {
	taskID string
	job    string
}

// Pool is a bounded worker pool consuming a single FIFO queue. Executions
// of the same job name are serialized; distinct jobs run in parallel up
// to the pool size.
type Pool struct {
	cfg      config.WorkerConfig
	registry Registry
	logger   *logger.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	locks    map[string]*sync.Mutex
	active   map[string]string // worker name -> task id

	queue chan queued

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewPool creates a pool. Handlers are registered before Start.
func NewPool(cfg config.WorkerConfig, registry Registry, log *logger.Logger) *Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 4
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1000
	}
	return &Pool{
		cfg:      cfg,
		registry: registry,
		logger:   log.WithComponent("worker"),
		handlers: make(map[string]Handler),
		locks:    make(map[string]*sync.Mutex),
		active:   make(map[string]string),
		queue:    make(chan queued, cfg.QueueSize),
	}
}

// Register binds a job name to its handler. Must happen before Start.
func (p *Pool) Register(name string, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[name] = handler
	p.locks[name] = &sync.Mutex{}
}

// Enqueue queues one execution of a named job and returns its task ID.
// A trigger for a job that is already pending or running coalesces onto
// the existing task.
func (p *Pool) Enqueue(name string) (string, error) {
	p.mu.RLock()
	_, known := p.handlers[name]
	p.mu.RUnlock()
	if !known {
		return "", errs.New(errs.KindUnknownJob, "no job registered under "+name)
	}

	ctx := context.Background()

	if existing, err := p.registry.FindActive(ctx, name); err == nil && existing != nil {
		p.logger.Info("trigger coalesced onto running task",
			"job", name, "task_id", existing.ID, "state", string(existing.State))
		return existing.ID, nil
	}

	task := Task{
		ID:         uuid.NewString(),
		Job:        name,
		State:      TaskPending,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := p.registry.Save(ctx, task); err != nil {
		return "", errs.Wrap(errs.KindStoreUnavailable, "recording task", err)
	}

	select {
	case p.queue <- queued{taskID: task.ID, job: name}:
		return task.ID, nil
	default:
		task.State = TaskFailure
		task.LastError = "queue full"
		_ = p.registry.Save(ctx, task)
		return "", errs.New(errs.KindTransientUpstream, "job queue full")
	}
}

// Status returns the registry record for a task ID.
func (p *Pool) Status(taskID string) (*Task, error) {
	task, err := p.registry.Get(context.Background(), taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, errs.New(errs.KindUnknownJob, "no task "+taskID)
	}
	return task, nil
}

// Workers lists pool workers with their active task and the registered
// job names.
func (p *Pool) Workers() []WorkerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.handlers))
	for name := range p.handlers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]WorkerStatus, 0, p.cfg.Concurrency)
	for i := 0; i < p.cfg.Concurrency; i++ {
		worker := fmt.Sprintf("worker-%d", i)
		out = append(out, WorkerStatus{
			Name:            worker,
			ActiveTask:      p.active[worker],
			RegisteredTasks: names,
		})
	}
	return out
}

// Start launches the workers. They run until Stop or ctx cancellation.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		p.cancel = cancel

		for i := 0; i < p.cfg.Concurrency; i++ {
			name := fmt.Sprintf("worker-%d", i)
			p.wg.Add(1)
			go p.runWorker(runCtx, name)
		}
		p.logger.Info("worker pool started", "concurrency", p.cfg.Concurrency)
	})
}

// Stop cancels in-flight jobs cooperatively and waits for the workers.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
	})
}

func (p *Pool) runWorker(ctx context.Context, name string) {
	defer p.wg.Done()

	for {
		select {
		case q := <-p.queue:
			p.setActive(name, q.taskID)
			p.execute(ctx, q)
			p.setActive(name, "")
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) setActive(worker, taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if taskID == "" {
		delete(p.active, worker)
	} else {
		p.active[worker] = taskID
	}
}

// execute runs one task through the retry policy, serialized per job name.
func (p *Pool) execute(ctx context.Context, q queued) {
	p.mu.RLock()
	lock := p.locks[q.job]
	p.mu.RUnlock()

	lock.Lock()
	defer lock.Unlock()

	log := &logger.Logger{Logger: p.logger.With("job", q.job, "task_id", q.taskID)}

	task, err := p.registry.Get(ctx, q.taskID)
	if err != nil || task == nil {
		log.Error("task vanished from registry")
		return
	}

	for attempt := 1; attempt <= p.maxAttempts(); attempt++ {
		started := time.Now().UTC()
		task.State = TaskStarted
		task.Attempts = attempt
		task.StartedAt = &started
		p.saveTask(ctx, task, log)

		err := p.runOnce(ctx, q, attempt)
		finished := time.Now().UTC()

		if err == nil {
			task.State = TaskSuccess
			task.LastError = ""
			task.FinishedAt = &finished
			p.saveTask(ctx, task, log)
			log.Info("job succeeded", "attempt", attempt, "duration", finished.Sub(started).String())
			return
		}

		task.LastError = err.Error()

		if errs.IsCancelled(err) || !errs.IsRetryable(err) || attempt == p.maxAttempts() {
			task.State = TaskFailure
			task.FinishedAt = &finished
			p.saveTask(ctx, task, log)
			log.Error("job failed", "attempt", attempt, "error", err.Error())
			return
		}

		task.State = TaskRetry
		p.saveTask(ctx, task, log)

		delay := p.retryDelay(attempt)
		log.Warn("job failed, retrying", "attempt", attempt, "delay", delay.String(), "error", err.Error())

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			task.State = TaskFailure
			task.LastError = "cancelled"
			now := time.Now().UTC()
			task.FinishedAt = &now
			p.saveTask(ctx, task, log)
			return
		}
	}
}

// runOnce executes the handler under the soft/hard timeout pair. The soft
// timeout requests cooperative cancellation; the hard timeout abandons the
// run and reports failure even if the handler has not returned.
func (p *Pool) runOnce(ctx context.Context, q queued, attempt int) error {
	spanCtx, span := telemetry.JobSpan(ctx, q.job, q.taskID)
	span.SetAttribute("job.attempt", attempt)
	defer span.End()

	softCtx, cancel := context.WithTimeout(spanCtx, p.softTimeout())
	defer cancel()

	p.mu.RLock()
	handler := p.handlers[q.job]
	p.mu.RUnlock()

	done := make(chan error, 1)
	go func() {
		done <- handler(softCtx)
	}()

	hard := time.NewTimer(p.hardTimeout())
	defer hard.Stop()

	select {
	case err := <-done:
		if err != nil {
			span.SetError(err)
		} else {
			span.SetOK()
		}
		return err
	case <-hard.C:
		err := errs.New(errs.KindCancelled, "job exceeded hard timeout")
		span.SetError(err)
		return err
	}
}

func (p *Pool) saveTask(ctx context.Context, task *Task, log *logger.Logger) {
	if err := p.registry.Save(ctx, *task); err != nil {
		log.Warn("cannot persist task state", "error", err.Error())
	}
}

func (p *Pool) maxAttempts() int {
	if p.cfg.MaxRetries < 1 {
		return 3
	}
	return p.cfg.MaxRetries
}

func (p *Pool) softTimeout() time.Duration {
	if p.cfg.SoftTimeout <= 0 {
		return 55 * time.Minute
	}
	return p.cfg.SoftTimeout
}

func (p *Pool) hardTimeout() time.Duration {
	if p.cfg.HardTimeout <= 0 {
		return time.Hour
	}
	return p.cfg.HardTimeout
}

// retryDelay is exponential with factor 2 and ±20% jitter.
func (p *Pool) retryDelay(attempt int) time.Duration {
	base := p.cfg.RetryBase
	if base <= 0 {
		base = 30 * time.Second
	}
	delay := base << (attempt - 1)
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}
