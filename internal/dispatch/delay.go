package dispatch

import (
	"container/heap"
	"sync"
	"time"
)

// delayQueue is the single home for deferred task resubmission: a min-heap
// of (task, due) pairs drained by one timer. Centralizing retries here keeps
// the cancellation check in exactly one place (the fire callback).
type delayQueue struct {
	mu    sync.Mutex
	items delayHeap
	timer *time.Timer
	fire  func(task)
}

type delayed struct {
	t  task
	at time.Time
}

type delayHeap []delayed

func (h delayHeap) Len() int           { return len(h) }
func (h delayHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h delayHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any)        { *h = append(*h, x.(delayed)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

func newDelayQueue(fire func(task)) *delayQueue {
	return &delayQueue{fire: fire}
}

func (q *delayQueue) schedule(t task, d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.items, delayed{t: t, at: time.Now().Add(d)})
	q.rescheduleLocked()
}

// clear drops all pending resubmissions. Already-fired callbacks are the
// caller's problem (they re-check the running flag).
func (q *delayQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

func (q *delayQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// rescheduleLocked arms the timer for the earliest due item.
func (q *delayQueue) rescheduleLocked() {
	if len(q.items) == 0 {
		return
	}
	d := time.Until(q.items[0].at)
	if d < 0 {
		d = 0
	}
	if q.timer == nil {
		q.timer = time.AfterFunc(d, q.onFire)
	} else {
		q.timer.Stop()
		q.timer.Reset(d)
	}
}

func (q *delayQueue) onFire() {
	now := time.Now()
	var due []task
	q.mu.Lock()
	for len(q.items) > 0 && !q.items[0].at.After(now) {
		it := heap.Pop(&q.items).(delayed)
		due = append(due, it.t)
	}
	q.rescheduleLocked()
	q.mu.Unlock()

	for _, t := range due {
		q.fire(t)
	}
}
