// Package scheduler fires recurring pipeline jobs at cron-like instants.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openthreat/openthreat/internal/errs"
	"github.com/openthreat/openthreat/pkg/logger"
)

// Tick resolution of the dispatch loop.
const tickInterval = 1 * time.Second

// Named jobs and their cron specs (UTC).
const (
	JobFetchNVDRecent = "fetch-nvd-recent"
	JobFetchCISAKEV   = "fetch-cisa-kev"
	JobFetchBSICert   = "fetch-bsi-cert"
	JobRefreshStats   = "refresh-stats"
	JobCleanCache     = "clean-cache"
	JobLLMDrainNew    = "llm-drain-new"
	JobLLMDrainHigh   = "llm-drain-high"
	JobLLMDrainMedium = "llm-drain-medium"
	JobLLMDrainLow    = "llm-drain-low"
)

// DefaultSpecs maps every scheduled job to its cron spec.
var DefaultSpecs = map[string]string{
	JobFetchNVDRecent: "0 */2 * * *",
	JobFetchCISAKEV:   "0 9 * * *",
	JobFetchBSICert:   "0 8 * * *",
	JobRefreshStats:   "*/15 * * * *",
	JobCleanCache:     "0 3 * * *",
	JobLLMDrainNew:    "*/5 * * * *",
	JobLLMDrainHigh:   "*/10 * * * *",
	JobLLMDrainMedium: "*/30 * * * *",
	JobLLMDrainLow:    "0 */2 * * *",
}

// Dispatcher hands due jobs to the worker pool.
type Dispatcher interface {
	Enqueue(name string) (taskID string, err error)
}

// FireState persists last-fired instants so the missed-fire policy
// survives restarts.
type FireState interface {
	JobLastFired(ctx context.Context, jobName string) (*time.Time, error)
	MarkJobFired(ctx context.Context, jobName string, at time.Time) error
}

// JobStatus describes one scheduled job for the listing interface.
type JobStatus struct {
	Name        string     `json:"name"`
	Spec        string     `json:"spec"`
	NextFireUTC time.Time  `json:"nextFireUtc"`
	LastFiredAt *time.Time `json:"lastFiredAt,omitempty"`
	LastTaskID  string     `json:"lastTaskId,omitempty"`
}

type job struct {
	name       string
	spec       string
	schedule   cron.Schedule
	next       time.Time
	lastFired  *time.Time
	lastTaskID string
}

// Scheduler owns the sorted set of scheduled jobs and the tick loop.
// Actions are registered with the worker pool under the same job names;
// the scheduler only decides when to enqueue.
type Scheduler struct {
	dispatcher Dispatcher
	state      FireState
	logger     *logger.Logger
	parser     cron.Parser
	now        func() time.Time

	mu   sync.Mutex
	jobs map[string]*job

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a scheduler. state may be nil; missed fires are then not
// recovered across restarts.
func New(dispatcher Dispatcher, state FireState, log *logger.Logger) *Scheduler {
	return &Scheduler{
		dispatcher: dispatcher,
		state:      state,
		logger:     log.WithComponent("scheduler"),
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		now:        time.Now,
		jobs:       make(map[string]*job),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Register adds a job under a cron spec. Invalid specs are configuration
// errors and reject startup.
func (s *Scheduler) Register(name, spec string) error {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return errs.Wrap(errs.KindNonRetryableConfig,
			fmt.Sprintf("invalid cron spec %q for job %s", spec, name), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return errs.New(errs.KindNonRetryableConfig, "job already registered: "+name)
	}

	now := s.now().UTC()
	s.jobs[name] = &job{
		name:     name,
		spec:     spec,
		schedule: schedule,
		next:     schedule.Next(now),
	}
	return nil
}

// RegisterDefaults registers every job in DefaultSpecs.
func (s *Scheduler) RegisterDefaults() error {
	for name, spec := range DefaultSpecs {
		if err := s.Register(name, spec); err != nil {
			return err
		}
	}
	return nil
}

// Start recovers missed fires and runs the tick loop until Stop or context
// cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	s.recoverMissed(ctx)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()

		s.logger.Info("scheduler started", "jobs", len(s.Jobs()))

		for {
			select {
			case <-ticker.C:
				s.tickOnce(ctx)
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the tick loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// recoverMissed fires each job at most once if a scheduled instant passed
// while the process was down.
func (s *Scheduler) recoverMissed(ctx context.Context) {
	if s.state == nil {
		return
	}

	now := s.now().UTC()

	s.mu.Lock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		last, err := s.state.JobLastFired(ctx, name)
		if err != nil {
			s.logger.Warn("cannot read last fire state", "job", name, "error", err.Error())
			continue
		}
		if last == nil {
			continue
		}

		s.mu.Lock()
		j := s.jobs[name]
		j.lastFired = last
		missed := j.schedule.Next(last.UTC()).Before(now)
		s.mu.Unlock()

		if missed {
			s.logger.Info("firing job missed while down", "job", name, "last_fired", last.Format(time.RFC3339))
			s.fire(ctx, name, now)
		}
	}
}

// tickOnce dispatches every job whose next fire instant has passed.
func (s *Scheduler) tickOnce(ctx context.Context) {
	now := s.now().UTC()

	s.mu.Lock()
	var due []string
	for name, j := range s.jobs {
		if !j.next.After(now) {
			due = append(due, name)
		}
	}
	s.mu.Unlock()

	sort.Strings(due)
	for _, name := range due {
		s.fire(ctx, name, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, name string, now time.Time) {
	taskID, dispatchErr := s.dispatcher.Enqueue(name)
	if dispatchErr != nil {
		s.logger.Error("failed to dispatch job", "job", name, "error", dispatchErr.Error())
	} else {
		s.logger.Info("job dispatched", "job", name, "task_id", taskID)
		// Fire state is only persisted for jobs that actually dispatched,
		// so missed-fire recovery can pick up a failed one after a restart.
		if s.state != nil {
			if err := s.state.MarkJobFired(ctx, name, now); err != nil {
				s.logger.Warn("cannot persist fire state", "job", name, "error", err.Error())
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return
	}
	if dispatchErr == nil {
		fired := now
		j.lastFired = &fired
		j.lastTaskID = taskID
	}
	// The schedule advances even on a failed dispatch; the tick loop must
	// not hammer a full queue.
	j.next = j.schedule.Next(now)
}

// Jobs lists all scheduled jobs ordered by next fire instant.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobStatus{
			Name:        j.name,
			Spec:        j.spec,
			NextFireUTC: j.next,
			LastFiredAt: j.lastFired,
			LastTaskID:  j.lastTaskID,
		})
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].NextFireUTC.Equal(out[k].NextFireUTC) {
			return out[i].Name < out[k].Name
		}
		return out[i].NextFireUTC.Before(out[k].NextFireUTC)
	})
	return out
}
