package nandmapper

import (
	"sync"

	"github.com/dsoprea/go-logging"
)

// TaskPriority orders pending deferred tasks; higher runs first.
type TaskPriority int

const (
	PriorityLow TaskPriority = iota
	PriorityNormal
	PriorityHigh
)

// DeferredTask is background work posted off the foreground I/O path:
// refresh, rewrite, or map consolidation. ExamineOne lets a newly posted
// task veto itself against tasks already queued, so e.g. two refreshes of
// the same logical block collapse into one.
type DeferredTask interface {
	// Run executes the task. Errors are logged by the worker; a task cannot
	// fail the caller that posted it, since posting is asynchronous.
	Run() error

	// ExamineOne is called against every task already in the queue when a
	// new task is posted. Returning true means the new task is redundant
	// with this existing one and should be dropped instead of enqueued.
	ExamineOne(existing DeferredTask) bool

	Priority() TaskPriority
}

// DeferredQueue is a single-worker goroutine draining a priority-ordered
// queue of background tasks, matching the "single-threaded worker, single-
// producer-multi-consumer queue" model.
type DeferredQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []DeferredTask
	closed  bool
	wg      sync.WaitGroup
}

// NewDeferredQueue creates an empty queue and starts its worker goroutine.
func NewDeferredQueue() *DeferredQueue {
	q := &DeferredQueue{}
	q.cond = sync.NewCond(&q.mu)

	q.wg.Add(1)
	go q.run()

	return q
}

// Post enqueues a task, first calling the new task's ExamineOne against
// every currently queued task. If ExamineOne reports the new task redundant
// with any of them, the new task is dropped and Post returns false.
func (q *DeferredQueue) Post(task DeferredTask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	for _, existing := range q.pending {
		if task.ExamineOne(existing) {
			return false
		}
	}

	q.pending = append(q.pending, task)
	q.sortLocked()
	q.cond.Signal()

	return true
}

// sortLocked performs a stable insertion sort by priority; the queue is
// small and reordered on every insert, so a full sort library isn't needed.
func (q *DeferredQueue) sortLocked() {
	for i := len(q.pending) - 1; i > 0; i-- {
		if q.pending[i].Priority() > q.pending[i-1].Priority() {
			q.pending[i], q.pending[i-1] = q.pending[i-1], q.pending[i]
		} else {
			break
		}
	}
}

// run is the single worker goroutine: pop the highest-priority task and
// execute it, looping until Close is called and the queue drains.
func (q *DeferredQueue) run() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}

		if len(q.pending) == 0 && q.closed {
			q.mu.Unlock()
			return
		}

		task := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		if err := task.Run(); err != nil {
			log.PrintError(err)
		}
	}
}

// Close signals the worker to exit once the queue drains, and waits for it.
func (q *DeferredQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()

	q.wg.Wait()
}

// Len returns the number of tasks currently pending.
func (q *DeferredQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending)
}
