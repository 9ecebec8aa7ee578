package sched

import "testing"

func TestRunQueueFIFOOrder(t *testing.T) {
	var q runQueue
	q.push(1)
	q.push(2)
	q.push(3)

	for _, want := range []Pid{1, 2, 3} {
		got, ok := q.pop()
		if !ok || got != want {
			t.Fatalf("expected %d, got %d (ok=%t)", want, got, ok)
		}
	}
	if !q.empty() {
		t.Fatal("expected queue to be empty after draining")
	}
}

func TestRunQueuePopEmpty(t *testing.T) {
	var q runQueue
	if _, ok := q.pop(); ok {
		t.Fatal("expected pop on an empty queue to report false")
	}
}
