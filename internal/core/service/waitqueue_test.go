package service

import (
	"testing"
	"time"
)

func TestWaitQueueWakeReleasesAllInOrder(t *testing.T) {
	q := newWaitQueue()
	now := time.Now()

	w1 := q.enqueue("app", now, now.Add(time.Second))
	w2 := q.enqueue("app", now, now.Add(time.Second))
	w3 := q.enqueue("app", now, now.Add(time.Second))

	if got := q.depth("app"); got != 3 {
		t.Fatalf("depth = %d, want 3", got)
	}

	q.wake("app")

	for i, w := range []*waiter{w1, w2, w3} {
		select {
		case <-w.ch:
		default:
			t.Errorf("waiter %d not woken", i+1)
		}
	}
	if got := q.depth("app"); got != 0 {
		t.Errorf("depth after wake = %d, want 0", got)
	}
}

func TestWaitQueueWakeIsPerApp(t *testing.T) {
	q := newWaitQueue()
	now := time.Now()

	wa := q.enqueue("a", now, now.Add(time.Second))
	wb := q.enqueue("b", now, now.Add(time.Second))

	q.wake("a")

	select {
	case <-wa.ch:
	default:
		t.Error("waiter for app a not woken")
	}
	select {
	case <-wb.ch:
		t.Error("waiter for app b woken by app a's wake")
	default:
	}
	if got := q.depth("b"); got != 1 {
		t.Errorf("depth(b) = %d, want 1", got)
	}
}

func TestWaitQueueRemove(t *testing.T) {
	q := newWaitQueue()
	now := time.Now()

	w1 := q.enqueue("app", now, now.Add(time.Second))
	w2 := q.enqueue("app", now, now.Add(time.Second))

	q.remove("app", w1)
	if got := q.depth("app"); got != 1 {
		t.Fatalf("depth after remove = %d, want 1", got)
	}

	// Removing a waiter that was already woken must be a no-op.
	q.wake("app")
	q.remove("app", w2)
	if got := q.depth("app"); got != 0 {
		t.Errorf("depth = %d, want 0", got)
	}

	select {
	case <-w1.ch:
		t.Error("removed waiter must not be woken")
	default:
	}
}

func TestWaitQueueWakeAll(t *testing.T) {
	q := newWaitQueue()
	now := time.Now()

	wa := q.enqueue("a", now, now.Add(time.Second))
	wb := q.enqueue("b", now, now.Add(time.Second))

	q.wakeAll()

	for name, w := range map[string]*waiter{"a": wa, "b": wb} {
		select {
		case <-w.ch:
		default:
			t.Errorf("waiter for app %s not woken", name)
		}
	}
	if q.depth("a")+q.depth("b") != 0 {
		t.Error("queues not empty after wakeAll")
	}
}
