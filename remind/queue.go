package remind

import (
	"container/heap"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tempusd/tempus/timeauth"
)

// ErrQueueStopped is returned by Enqueue after Stop.
var ErrQueueStopped = errors.New("remind: queue stopped")

// Handler processes a fired job.
type Handler func(job Job)

// TimerQueue is an in-process delayed-job queue: a min-heap ordered by
// fire time drained by a single timer loop. Jobs suspend until their
// scheduled time, then run the handler exactly once per firing.
type TimerQueue struct {
	clock  timeauth.Clock
	logger *slog.Logger

	mu      sync.Mutex
	items   jobHeap
	byID    map[string]*queueItem
	started bool
	stopped bool

	wakeup chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

type queueItem struct {
	job     Job
	index   int  // heap position
	removed bool // cancelled, skip on pop
}

// NewTimerQueue creates a queue using the given clock for due checks.
func NewTimerQueue(clock timeauth.Clock, logger *slog.Logger) *TimerQueue {
	return &TimerQueue{
		clock:  clock,
		logger: logger,
		byID:   make(map[string]*queueItem),
		wakeup: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the timer loop. Due jobs are handed to handler, each in
// its own goroutine so a slow handler never delays later jobs.
func (q *TimerQueue) Start(handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	heap.Init(&q.items)
	go q.loop(handler)
}

// Stop halts the loop and waits for it to exit. Pending jobs are dropped.
func (q *TimerQueue) Stop() {
	q.mu.Lock()
	if !q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.stopCh)
	q.mu.Unlock()
	<-q.doneCh
}

// Enqueue schedules a job. An existing job with the same ID is replaced.
func (q *TimerQueue) Enqueue(job Job) error {
	if job.FiresAt.IsZero() {
		return errors.New("remind: job has no fire time")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrQueueStopped
	}

	if prev, ok := q.byID[job.ID]; ok {
		prev.removed = true
		delete(q.byID, job.ID)
	}
	item := &queueItem{job: job}
	heap.Push(&q.items, item)
	q.byID[job.ID] = item

	q.signalWakeup()
	return nil
}

// Cancel removes the job with the given ID before it fires. Cancelling an
// unknown ID is a no-op and returns false.
func (q *TimerQueue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.byID[id]
	if !ok {
		return false
	}
	item.removed = true
	delete(q.byID, id)
	q.signalWakeup()
	return true
}

// Get returns the pending job with the given ID.
func (q *TimerQueue) Get(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.byID[id]
	if !ok {
		return Job{}, false
	}
	return item.job, true
}

// Len reports the number of pending (non-cancelled) jobs.
func (q *TimerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID)
}

func (q *TimerQueue) loop(handler Handler) {
	defer close(q.doneCh)

	var timer *time.Timer
	for {
		next, ok := q.peek()
		if !ok {
			select {
			case <-q.wakeup:
				continue
			case <-q.stopCh:
				return
			}
		}

		wait := next.FiresAt.Sub(q.clock.Now())
		if wait < 0 {
			wait = 0
		}
		timer = resetTimer(timer, wait)

		select {
		case <-timer.C:
			for _, job := range q.popDue(q.clock.Now()) {
				go handler(job)
			}
		case <-q.wakeup:
			continue
		case <-q.stopCh:
			if timer != nil {
				stopTimer(timer)
			}
			return
		}
	}
}

func (q *TimerQueue) signalWakeup() {
	select {
	case q.wakeup <- struct{}{}:
	default:
	}
}

// peek returns the earliest pending job, discarding cancelled entries.
func (q *TimerQueue) peek() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) > 0 {
		head := q.items[0]
		if head.removed {
			heap.Pop(&q.items)
			continue
		}
		return head.job, true
	}
	return Job{}, false
}

func (q *TimerQueue) popDue(now time.Time) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []Job
	for len(q.items) > 0 {
		head := q.items[0]
		if head.removed {
			heap.Pop(&q.items)
			continue
		}
		if head.job.FiresAt.After(now) {
			break
		}
		heap.Pop(&q.items)
		delete(q.byID, head.job.ID)
		due = append(due, head.job)
	}
	return due
}

// jobHeap orders items by fire time.
type jobHeap []*queueItem

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return h[i].job.FiresAt.Before(h[j].job.FiresAt) }
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *jobHeap) Push(x any)         { item := x.(*queueItem); item.index = len(*h); *h = append(*h, item) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

func resetTimer(timer *time.Timer, d time.Duration) *time.Timer {
	if timer == nil {
		return time.NewTimer(d)
	}
	stopTimer(timer)
	timer.Reset(d)
	return timer
}

func stopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}
