package llm

import (
	"sync"
	"time"

	"github.com/openthreat/openthreat/pkg/models"
)

// Enrichment attempts before an item goes terminal.
const maxTaskAttempts = 3

// task is one pending enrichment work item.
type task struct {
	cveID      string
	class      models.PriorityClass
	attempts   int
	lastError  string
	enqueuedAt time.Time
	inFlight   bool
	failed     bool
}

// Queue is the per-class FIFO enrichment queue with coalescing by CVE ID.
// A later enqueue only ever upgrades the class; a terminal failed item is
// superseded by a fresh enqueue.
type Queue struct {
	mu    sync.Mutex
	tasks map[string]*task
	order map[models.PriorityClass][]string
	now   func() time.Time
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		tasks: make(map[string]*task),
		order: make(map[models.PriorityClass][]string),
		now:   time.Now,
	}
}

// Enqueue registers enrichment work for a CVE. Re-enqueues coalesce: the
// class moves upward only, and a terminal failed item is replaced by a
// fresh one.
func (q *Queue) Enqueue(cveID string, class models.PriorityClass) {
	q.mu.Lock()
	defer q.mu.Unlock()

	existing, ok := q.tasks[cveID]
	if ok && !existing.failed {
		if class.Rank() > existing.class.Rank() {
			q.removeFromOrder(existing.class, cveID)
			existing.class = class
			if !existing.inFlight {
				q.order[class] = append(q.order[class], cveID)
			}
		}
		return
	}

	// New item, or a failed one superseded by this enqueue.
	q.tasks[cveID] = &task{
		cveID:      cveID,
		class:      class,
		enqueuedAt: q.now().UTC(),
	}
	q.order[class] = append(q.order[class], cveID)
}

// Next pops up to batch pending CVE IDs from a class, FIFO. Popped items
// stay tracked until Complete or Fail.
func (q *Queue) Next(class models.PriorityClass, batch int) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []string
	pending := q.order[class]
	for len(pending) > 0 && len(out) < batch {
		cveID := pending[0]
		pending = pending[1:]

		t, ok := q.tasks[cveID]
		if !ok || t.failed || t.inFlight || t.class != class {
			continue
		}
		t.inFlight = true
		out = append(out, cveID)
	}
	q.order[class] = pending
	return out
}

// Complete discards a finished item.
func (q *Queue) Complete(cveID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.tasks, cveID)
}

// Fail records an attempt failure. After the attempt budget the item goes
// terminal and is excluded from drains until a new enqueue supersedes it.
// Returns true when the item went terminal.
func (q *Queue) Fail(cveID string, errMsg string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[cveID]
	if !ok {
		return false
	}

	t.inFlight = false
	t.attempts++
	t.lastError = errMsg

	if t.attempts >= maxTaskAttempts {
		t.failed = true
		return true
	}

	// Back onto its class queue for a later drain.
	q.order[t.class] = append(q.order[t.class], cveID)
	return false
}

// Release returns an in-flight item to its class queue without charging an
// attempt. Used when processing was cancelled rather than failed, so soft
// timeouts cannot push an item toward the terminal state.
func (q *Queue) Release(cveID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[cveID]
	if !ok || !t.inFlight {
		return
	}
	t.inFlight = false
	q.order[t.class] = append(q.order[t.class], cveID)
}

// Known reports whether the queue tracks any item for the CVE, terminal
// failures included. Used by backfill to avoid resurrecting failed items.
func (q *Queue) Known(cveID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.tasks[cveID]
	return ok
}

// Pending returns the number of drainable items in a class.
func (q *Queue) Pending(class models.PriorityClass) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, cveID := range q.order[class] {
		if t, ok := q.tasks[cveID]; ok && !t.failed && !t.inFlight && t.class == class {
			n++
		}
	}
	return n
}

func (q *Queue) removeFromOrder(class models.PriorityClass, cveID string) {
	pending := q.order[class]
	for i, id := range pending {
		if id == cveID {
			q.order[class] = append(pending[:i], pending[i+1:]...)
			return
		}
	}
}
