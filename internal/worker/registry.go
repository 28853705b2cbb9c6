// Package worker executes scheduled and manually triggered pipeline jobs
// with bounded concurrency.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TaskState is the lifecycle state of one job execution.
type TaskState string

const (
	TaskPending TaskState = "pending"
	TaskStarted TaskState = "started"
	TaskSuccess TaskState = "success"
	TaskFailure TaskState = "failure"
	TaskRetry   TaskState = "retry"
)

// active reports whether the state still occupies the job's serialization
// slot.
func (s TaskState) active() bool {
	return s == TaskPending || s == TaskStarted || s == TaskRetry
}

// Task is the registry record returned to triggers.
type Task struct {
	ID         string     `json:"id"`
	Job        string     `json:"job"`
	State      TaskState  `json:"state"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"lastError,omitempty"`
	EnqueuedAt time.Time  `json:"enqueuedAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Registry stores task state, keyed by task ID, with a per-job active
// index used for trigger coalescing.
type Registry interface {
	// Save persists the task, replacing any previous state.
	Save(ctx context.Context, task Task) error

	// Get returns the task or nil when unknown.
	Get(ctx context.Context, id string) (*Task, error)

	// FindActive returns the pending/started/retry task for a job, or nil.
	FindActive(ctx context.Context, job string) (*Task, error)
}

// =============================================================================
// In-memory registry
// =============================================================================

// MemoryRegistry keeps task state in the process. The default when no
// Redis URL is configured.
type MemoryRegistry struct {
	mu     sync.RWMutex
	tasks  map[string]Task
	active map[string]string // job -> task id
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		tasks:  make(map[string]Task),
		active: make(map[string]string),
	}
}

// Save persists the task and maintains the per-job active index.
func (r *MemoryRegistry) Save(ctx context.Context, task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tasks[task.ID] = task
	if task.State.active() {
		r.active[task.Job] = task.ID
	} else if r.active[task.Job] == task.ID {
		delete(r.active, task.Job)
	}
	return nil
}

// Get returns the task or nil when unknown.
func (r *MemoryRegistry) Get(ctx context.Context, id string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, nil
	}
	return &task, nil
}

// FindActive returns the in-flight task for a job, or nil.
func (r *MemoryRegistry) FindActive(ctx context.Context, job string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.active[job]
	if !ok {
		return nil, nil
	}
	task := r.tasks[id]
	return &task, nil
}

// =============================================================================
// Redis registry
// =============================================================================

// Task records expire after this long; finished tasks only need to be
// visible to status polls for a while.
const redisTaskTTL = 24 * time.Hour

// RedisRegistry stores task state in Redis so status polls survive process
// restarts and work across replicas.
type RedisRegistry struct {
	client *redis.Client
}

// NewRedisRegistry connects to Redis using the given URL.
func NewRedisRegistry(ctx context.Context, url string, maxRetries int) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	opts.MaxRetries = maxRetries

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &RedisRegistry{client: client}, nil
}

func taskKey(id string) string { return "openthreat:task:" + id }

func activeKey(job string) string { return "openthreat:task:active:" + job }

// Save persists the task and maintains the per-job active index.
func (r *RedisRegistry) Save(ctx context.Context, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshaling task %s: %w", task.ID, err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, taskKey(task.ID), data, redisTaskTTL)
	if task.State.active() {
		pipe.Set(ctx, activeKey(task.Job), task.ID, redisTaskTTL)
	} else {
		// Only clear the index if this task still owns it.
		current, err := r.client.Get(ctx, activeKey(task.Job)).Result()
		if err == nil && current == task.ID {
			pipe.Del(ctx, activeKey(task.Job))
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving task %s: %w", task.ID, err)
	}
	return nil
}

// Get returns the task or nil when unknown.
func (r *RedisRegistry) Get(ctx context.Context, id string) (*Task, error) {
	data, err := r.client.Get(ctx, taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading task %s: %w", id, err)
	}

	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("decoding task %s: %w", id, err)
	}
	return &task, nil
}

// FindActive returns the in-flight task for a job, or nil.
func (r *RedisRegistry) FindActive(ctx context.Context, job string) (*Task, error) {
	id, err := r.client.Get(ctx, activeKey(job)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading active task for %s: %w", job, err)
	}
	return r.Get(ctx, id)
}

// Close releases the Redis connection.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
