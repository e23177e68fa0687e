package workqueue

import (
	"testing"

	"github.com/relaypoint/supervisor/internal/process"
)

func testReq(title string) process.SpawnRequest {
	return process.SpawnRequest{Command: []string{"echo", "hi"}, Title: title}
}

func TestNew(t *testing.T) {
	q := New(10)
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got Len() = %d", q.Len())
	}
}

func TestEnqueueDequeueOrder(t *testing.T) {
	q := New(0)
	lowID, err := q.Enqueue(testReq("low"), 1)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	highID, err := q.Enqueue(testReq("high"), 5)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	first := q.Dequeue()
	if first == nil || first.ID != highID {
		t.Fatalf("expected highest priority first, got %+v", first)
	}
	second := q.Dequeue()
	if second == nil || second.ID != lowID {
		t.Fatalf("expected low priority second, got %+v", second)
	}
	if q.Dequeue() != nil {
		t.Fatal("expected empty queue after draining")
	}
}

func TestFIFOOnTiePriority(t *testing.T) {
	q := New(0)
	firstID, _ := q.Enqueue(testReq("a"), 1)
	secondID, _ := q.Enqueue(testReq("b"), 1)

	got := q.Dequeue()
	if got.ID != firstID {
		t.Fatalf("expected FIFO order on tied priority, got %s want %s", got.ID, firstID)
	}
	got = q.Dequeue()
	if got.ID != secondID {
		t.Fatalf("expected FIFO order on tied priority, got %s want %s", got.ID, secondID)
	}
}

func TestQueueFull(t *testing.T) {
	q := New(1)
	if _, err := q.Enqueue(testReq("a"), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := q.Enqueue(testReq("b"), 0); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	q := New(0)
	id, _ := q.Enqueue(testReq("a"), 0)
	if !q.Remove(id) {
		t.Fatal("expected Remove to succeed")
	}
	if q.Remove(id) {
		t.Fatal("expected second Remove to fail")
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got Len() = %d", q.Len())
	}
}
