package sched

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/ksuzuki/jancollect/internal/collect"
)

// taskQueue orders one source's tasks by next-eligible time. Retries land
// back here with a future NotBefore; pop blocks until the earliest task
// becomes eligible.
type taskQueue struct {
	mu   sync.Mutex
	h    taskHeap
	wake chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{wake: make(chan struct{}, 1)}
}

func (q *taskQueue) push(task collect.FetchTask) {
	q.mu.Lock()
	heap.Push(&q.h, task)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop returns the earliest eligible task, waiting for eligibility or a new
// push. It returns false only when ctx ends.
func (q *taskQueue) pop(ctx context.Context) (collect.FetchTask, bool) {
	for {
		q.mu.Lock()
		var wait time.Duration
		if q.h.Len() > 0 {
			now := time.Now()
			head := q.h[0]
			if !head.NotBefore.After(now) {
				task := heap.Pop(&q.h).(collect.FetchTask)
				q.mu.Unlock()
				return task, true
			}
			wait = head.NotBefore.Sub(now)
		}
		q.mu.Unlock()

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return collect.FetchTask{}, false
			case <-q.wake:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}
		select {
		case <-ctx.Done():
			return collect.FetchTask{}, false
		case <-q.wake:
		}
	}
}

// pending returns the number of queued tasks.
func (q *taskQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

type taskHeap []collect.FetchTask

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].NotBefore.Before(h[j].NotBefore) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)         { *h = append(*h, x.(collect.FetchTask)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	*h = old[:n-1]
	return task
}
