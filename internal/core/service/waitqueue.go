package service

import (
	"sync"
	"time"

	"github.com/melih/breakwater/internal/core/domain"
)

// waiter parks one cold-start request. Its channel is closed exactly once
// when the queue decides the waiter should re-check the Ready set.
type waiter struct {
	pending domain.PendingRequest
	ch      chan struct{}
}

// waitQueue holds per-App FIFO queues of connections parked during cold
// starts. Enqueueing and waking race freely with each other; the manager's
// register-then-recheck discipline in AwaitReady closes the gap where a
// readiness signal lands between a caller's snapshot read and its enqueue.
type waitQueue struct {
	mu     sync.Mutex
	queues map[string][]*waiter
}

func newWaitQueue() *waitQueue {
	return &waitQueue{queues: make(map[string][]*waiter)}
}

// enqueue registers a waiter at the tail of the App's queue.
func (q *waitQueue) enqueue(appID string, now, deadline time.Time) *waiter {
	w := &waiter{
		pending: domain.PendingRequest{AppID: appID, ArrivedAt: now, Deadline: deadline},
		ch:      make(chan struct{}),
	}
	q.mu.Lock()
	q.queues[appID] = append(q.queues[appID], w)
	q.mu.Unlock()
	return w
}

// remove takes a waiter out of its queue, typically because its connection
// was cancelled or its deadline passed. Removing a waiter that was already
// woken is a no-op.
func (q *waitQueue) remove(appID string, w *waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	queue := q.queues[appID]
	for i, cur := range queue {
		if cur == w {
			q.queues[appID] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(q.queues[appID]) == 0 {
		delete(q.queues, appID)
	}
}

// wake releases every parked waiter for the App in arrival order. Waiters
// re-check the Ready snapshot themselves, so waking on any readiness (or on
// conditions like degradation, where waiters must fail fast) is always safe.
func (q *waitQueue) wake(appID string) {
	q.mu.Lock()
	queue := q.queues[appID]
	delete(q.queues, appID)
	q.mu.Unlock()

	for _, w := range queue {
		close(w.ch)
	}
}

// wakeAll releases every waiter across all Apps. Used at shutdown so no
// parked connection outlives the manager.
func (q *waitQueue) wakeAll() {
	q.mu.Lock()
	queues := q.queues
	q.queues = make(map[string][]*waiter)
	q.mu.Unlock()

	for _, queue := range queues {
		for _, w := range queue {
			close(w.ch)
		}
	}
}

// depth reports how many requests are currently parked for the App; it is
// the demand signal for scale decisions.
func (q *waitQueue) depth(appID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[appID])
}
